// Package blueprint defines decoded templates, their anchor capabilities and
// a YAML template codec.
package blueprint

import (
	"maps"

	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

// Template is one decoded building template. Implementations are pointers and
// compare by identity.
type Template interface {
	// FileName is the file name without extension.
	FileName() string
	// FilePath is the category path of the directory holding the file.
	FilePath() string
	Anchor() Anchor
	AnchorData() map[string]any
	Tags() map[models.Coordinate][]string
}

// Anchor is the block a template is placed by. Optional capabilities are
// checked with type assertions against LeveledAnchor, NamedAnchor and
// RequirementsAnchor.
type Anchor interface {
	ID() string
}

// LeveledAnchor is an anchor whose templates carry an upgrade level.
type LeveledAnchor interface {
	Anchor
	Level(data map[string]any) int
}

// NamedAnchor is an anchor with a human-readable name shared by all
// variants placed with it.
type NamedAnchor interface {
	Anchor
	DisplayName() string
	Description() []string
}

// RequirementsAnchor gates placement on conditions about the viewer.
type RequirementsAnchor interface {
	Anchor
	RequirementsMet(viewer models.Viewer, data map[string]any) bool
	Requirements(viewer models.Viewer, data map[string]any) []string
}

// Blueprint is the Template produced by the decoders in this package.
type Blueprint struct {
	name   string
	dir    string
	anchor Anchor
	data   map[string]any
	tags   map[models.Coordinate][]string
}

// New creates a Blueprint. dir is normalized; a nil anchor becomes a plain
// block anchor.
func New(fileName, dir string, anchor Anchor, data map[string]any, tags map[models.Coordinate][]string) *Blueprint {
	if anchor == nil {
		anchor = BlockAnchor{}
	}
	if data == nil {
		data = map[string]any{}
	}
	if tags == nil {
		tags = map[models.Coordinate][]string{}
	}
	return &Blueprint{
		name:   fileName,
		dir:    catpath.Normalize(dir),
		anchor: anchor,
		data:   data,
		tags:   tags,
	}
}

func (b *Blueprint) FileName() string { return b.name }
func (b *Blueprint) FilePath() string { return b.dir }
func (b *Blueprint) Anchor() Anchor   { return b.anchor }

// AnchorData returns a copy of the anchor's stored data.
func (b *Blueprint) AnchorData() map[string]any { return maps.Clone(b.data) }

// Tags returns the position tags. The map is shared and must not be modified.
func (b *Blueprint) Tags() map[models.Coordinate][]string { return b.tags }

// Key is the pack-relative path of the template's directory joined with its
// file name, without extension.
func Key(t Template) string {
	return catpath.Join(t.FilePath(), t.FileName())
}

// LevelOf returns the template's level and whether its anchor is leveled.
func LevelOf(t Template) (int, bool) {
	la, ok := t.Anchor().(LeveledAnchor)
	if !ok {
		return 0, false
	}
	return la.Level(t.AnchorData()), true
}
