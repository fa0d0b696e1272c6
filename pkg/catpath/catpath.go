// Package catpath provides helpers for pack-relative category paths.
//
// A category path is forward-slash separated, has no leading or trailing
// slash and the empty string denotes the pack root.
package catpath

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Root is the category path of a pack's root.
const Root = ""

// Normalize converts p into canonical form. Backslashes become slashes,
// "." and ".." segments are resolved and surrounding slashes are removed.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimSpace(p)
	if p == "" {
		return Root
	}
	p = path.Clean("/" + p)
	p = strings.Trim(p, "/")
	if p == "." {
		return Root
	}
	return p
}

// Join constructs a child path from parent + name.
func Join(parent, name string) string {
	name = Normalize(name)
	if parent == Root {
		return name
	}
	if name == Root {
		return parent
	}
	return parent + "/" + name
}

// Parent removes the last segment of p. A single-segment path yields Root.
func Parent(p string) string {
	p = Normalize(p)
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return Root
	}
	return p[:i]
}

// Base returns the last segment of p.
func Base(p string) string {
	p = Normalize(p)
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Segments splits p into its segments. Root has none.
func Segments(p string) []string {
	p = Normalize(p)
	if p == Root {
		return nil
	}
	return strings.Split(p, "/")
}

// Depth returns the number of segments in p.
func Depth(p string) int {
	return len(Segments(p))
}

// IsAncestor reports whether anc is p or one of its parents.
func IsAncestor(anc, p string) bool {
	anc, p = Normalize(anc), Normalize(p)
	if anc == Root || anc == p {
		return true
	}
	return strings.HasPrefix(p, anc+"/")
}

// Title is the button label of a category: its base segment with the first
// letter upper-cased.
func Title(p string) string {
	b := Base(p)
	r, size := utf8.DecodeRuneInString(b)
	if r == utf8.RuneError {
		return b
	}
	return string(unicode.ToUpper(r)) + b[size:]
}

// FromSource converts a path below root inside a storage source into a
// category path. Both separators are accepted so that packs indexed on one
// platform resolve on another.
func FromSource(root, full string) string {
	root = Normalize(root)
	full = Normalize(full)
	if root == Root {
		return full
	}
	if full == root {
		return Root
	}
	return Normalize(strings.TrimPrefix(full, root+"/"))
}

// ToSource converts a category path into a key below root.
func ToSource(root, p string) string {
	return Join(Normalize(root), p)
}
