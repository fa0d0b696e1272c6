package catpath

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/", ""},
		{".", ""},
		{"houses", "houses"},
		{"/houses/brick/", "houses/brick"},
		{`houses\brick`, "houses/brick"},
		{"houses//brick", "houses/brick"},
		{"houses/./brick", "houses/brick"},
		{"houses/brick/../stone", "houses/stone"},
		{"../../escape", "escape"},
	}

	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		parent, name, want string
	}{
		{"", "houses", "houses"},
		{"houses", "brick", "houses/brick"},
		{"houses", "", "houses"},
		{"houses", `brick\red`, "houses/brick/red"},
	}

	for _, tt := range tests {
		if got := Join(tt.parent, tt.name); got != tt.want {
			t.Errorf("Join(%q, %q) = %q, want %q", tt.parent, tt.name, got, tt.want)
		}
	}
}

func TestParentRoundTrip(t *testing.T) {
	if got := Parent("houses/brick"); got != "houses" {
		t.Errorf("Parent(houses/brick) = %q, want houses", got)
	}
	if got := Parent("houses"); got != Root {
		t.Errorf("Parent(houses) = %q, want root", got)
	}
	if got := Parent(Root); got != Root {
		t.Errorf("Parent(root) = %q, want root", got)
	}
	if got := Parent(Join("houses", "brick")); got != "houses" {
		t.Errorf("Parent(Join) = %q, want houses", got)
	}
}

func TestBaseTitleSegments(t *testing.T) {
	if got := Base("houses/brick"); got != "brick" {
		t.Errorf("Base = %q", got)
	}
	if got := Title("houses/brick"); got != "Brick" {
		t.Errorf("Title = %q", got)
	}
	if got := Title(""); got != "" {
		t.Errorf("Title(root) = %q", got)
	}
	if got := Segments("a/b/c"); len(got) != 3 || got[2] != "c" {
		t.Errorf("Segments = %v", got)
	}
	if Segments(Root) != nil {
		t.Error("Segments(root) should be nil")
	}
	if Depth("a/b") != 2 {
		t.Error("Depth(a/b) should be 2")
	}
}

func TestIsAncestor(t *testing.T) {
	tests := []struct {
		anc, p string
		want   bool
	}{
		{"", "houses", true},
		{"houses", "houses/brick", true},
		{"houses", "houses", true},
		{"house", "houses/brick", false},
		{"houses/brick", "houses", false},
	}
	for _, tt := range tests {
		if got := IsAncestor(tt.anc, tt.p); got != tt.want {
			t.Errorf("IsAncestor(%q, %q) = %v, want %v", tt.anc, tt.p, got, tt.want)
		}
	}
}

func TestSourceConversion(t *testing.T) {
	if got := FromSource("packs/medieval", `packs\medieval\houses\brick`); got != "houses/brick" {
		t.Errorf("FromSource = %q", got)
	}
	if got := FromSource("packs/medieval", "packs/medieval"); got != Root {
		t.Errorf("FromSource(root) = %q", got)
	}
	if got := ToSource("packs/medieval", "houses"); got != "packs/medieval/houses" {
		t.Errorf("ToSource = %q", got)
	}
	if got := ToSource("", "houses"); got != "houses" {
		t.Errorf("ToSource(empty root) = %q", got)
	}
}
