// Package packtest writes pack fixtures for tests.
package packtest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Write creates files below root. Keys are slash paths; a key ending in "/"
// creates an empty directory.
func Write(t testing.TB, root string, files map[string]string) {
	t.Helper()
	for key, content := range files {
		full := filepath.Join(root, filepath.FromSlash(key))
		if strings.HasSuffix(key, "/") {
			if err := os.MkdirAll(full, 0755); err != nil {
				t.Fatalf("mkdir %s: %v", key, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", key, err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
}

// Descriptor returns a minimal pack.json document.
func Descriptor(name string) string {
	return fmt.Sprintf(`{"name": %q, "version": 1, "pack-format": 1, "desc": "test pack"}`, name)
}

// Template returns a template document with the given anchor, optional level
// and tags at the origin.
func Template(anchor string, level int, originTags ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "anchor: %q\n", anchor)
	if level >= 0 {
		fmt.Fprintf(&b, "data:\n  level: %d\n", level)
	}
	if len(originTags) > 0 {
		b.WriteString("tags:\n  - pos: {x: 0, y: 0, z: 0}\n    values:\n")
		for _, tag := range originTags {
			fmt.Fprintf(&b, "      - %q\n", tag)
		}
	}
	return b.String()
}

// Plain returns a template without level or tags.
func Plain() string {
	return Template("structurize:substitution", -1)
}

// Anchors is an anchors file with one kind of each.
const Anchors = `
anchors:
  - id: structurize:substitution
    kind: block
  - id: structurize:leveled
    kind: leveled
  - id: structurize:tavern
    kind: named
    name: Tavern
  - id: colony:builder
    kind: building
    name: Builder's Hut
    requirements:
      - when: 'attributes.research >= level'
        message: Research the builder level first
`
