// Package grouping groups the templates of one leaf category into display
// groups, variants and ordered levels.
package grouping

import (
	"sort"
	"strconv"
	"strings"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

// Variant is a set of templates differing only by level, in level order.
type Variant struct {
	Key    string
	Levels []blueprint.Template
}

// Group gathers the variants sharing a display name.
type Group struct {
	DisplayName string
	Variants    []*Variant

	byKey map[string]int
}

// Variant looks a variant up by key.
func (g *Group) Variant(key string) (*Variant, bool) {
	i, ok := g.byKey[key]
	if !ok {
		return nil, false
	}
	return g.Variants[i], true
}

// LeafGrouping is the grouping of one leaf category. Groups keep the
// enumeration order of their first template.
type LeafGrouping struct {
	Path   string
	Groups []*Group

	byName map[string]int
}

// Group looks a group up by display name.
func (l *LeafGrouping) Group(displayName string) (*Group, bool) {
	i, ok := l.byName[displayName]
	if !ok {
		return nil, false
	}
	return l.Groups[i], true
}

// Empty reports whether no template survived filtering.
func (l *LeafGrouping) Empty() bool { return len(l.Groups) == 0 }

// Templates counts the templates in the grouping.
func (l *LeafGrouping) Templates() int {
	n := 0
	for _, g := range l.Groups {
		for _, v := range g.Variants {
			n += len(v.Levels)
		}
	}
	return n
}

// VariantKey returns the level-stripped name of t. A leveled template has
// the decimal form of its level removed from its file name; if nothing is
// left the full file name is used. A name tag at the origin wins over both.
func VariantKey(t blueprint.Template) string {
	if name, ok := blueprint.NameOverride(t); ok {
		return name
	}
	name := t.FileName()
	if level, ok := blueprint.LevelOf(t); ok {
		if stripped := strings.ReplaceAll(name, strconv.Itoa(level), ""); stripped != "" {
			return stripped
		}
	}
	return name
}

// DisplayName returns the anchor's human-readable name, or fallback.
func DisplayName(t blueprint.Template, fallback string) string {
	if na, ok := t.Anchor().(blueprint.NamedAnchor); ok && na.DisplayName() != "" {
		return na.DisplayName()
	}
	return fallback
}

// Build groups templates of the leaf category path as seen by viewer.
// Templates hidden from viewer are dropped first. The result is
// deterministic for a given input order; empty input yields an empty,
// valid grouping.
func Build(path string, templates []blueprint.Template, viewer models.Viewer) *LeafGrouping {
	type bucket struct {
		key       string
		templates []blueprint.Template
	}

	var buckets []*bucket
	byKey := make(map[string]*bucket)
	seen := make(map[blueprint.Template]bool, len(templates))
	for _, t := range templates {
		if t == nil || seen[t] || !blueprint.Visible(t, viewer) {
			continue
		}
		seen[t] = true

		k := VariantKey(t)
		b, ok := byKey[k]
		if !ok {
			b = &bucket{key: k}
			byKey[k] = b
			buckets = append(buckets, b)
		}
		b.templates = append(b.templates, t)
	}

	out := &LeafGrouping{
		Path:   catpath.Normalize(path),
		byName: make(map[string]int),
	}
	for _, b := range buckets {
		levels := append([]blueprint.Template(nil), b.templates...)
		sort.SliceStable(levels, func(i, j int) bool {
			li, _ := blueprint.LevelOf(levels[i])
			lj, _ := blueprint.LevelOf(levels[j])
			return li < lj
		})

		name := DisplayName(b.templates[0], b.key)
		gi, ok := out.byName[name]
		if !ok {
			gi = len(out.Groups)
			out.byName[name] = gi
			out.Groups = append(out.Groups, &Group{DisplayName: name, byKey: make(map[string]int)})
		}
		g := out.Groups[gi]
		g.byKey[b.key] = len(g.Variants)
		g.Variants = append(g.Variants, &Variant{Key: b.key, Levels: levels})
	}
	return out
}
