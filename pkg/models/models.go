// Package models contains shared data types used across the catalog.
package models

import "fmt"

// PackDescriptor describes a structure pack as read from its pack.json.
type PackDescriptor struct {
	Name        string   `json:"name"`
	Owner       string   `json:"owner,omitempty"`
	IconPath    string   `json:"icon,omitempty"`
	Description string   `json:"desc,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	Mods        []string `json:"mods,omitempty"`
	Version     float64  `json:"version"`
	PackFormat  int      `json:"pack-format"`

	// RootPath is the pack directory inside its storage source.
	RootPath  string `json:"-"`
	Source    string `json:"-"`
	Immutable bool   `json:"-"`
}

// Category is a node of a pack's browsing tree.
type Category struct {
	PackName   string `json:"pack"`
	SubPath    string `json:"path"`
	IsTerminal bool   `json:"terminal"`
	HasIcon    bool   `json:"has_icon"`
}

// Coordinate is a block position in the world or inside a template.
type Coordinate struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
	Z int `json:"z" yaml:"z"`
}

// Origin is the template-local origin where name and visibility tags live.
var Origin = Coordinate{}

func (c Coordinate) String() string {
	return fmt.Sprintf("%d,%d,%d", c.X, c.Y, c.Z)
}

// Rotation is a clockwise quarter-turn count.
type Rotation int

const (
	RotateNone Rotation = iota
	Rotate90
	Rotate180
	Rotate270
)

func (r Rotation) String() string {
	switch r {
	case Rotate90:
		return "clockwise_90"
	case Rotate180:
		return "clockwise_180"
	case Rotate270:
		return "counterclockwise_90"
	default:
		return "none"
	}
}

// Rotate returns r turned by n quarter-turns.
func (r Rotation) Rotate(n int) Rotation {
	return Rotation(((int(r)+n)%4 + 4) % 4)
}

// RotationMirror is the placement transform of a preview.
type RotationMirror struct {
	Rotation Rotation `json:"rotation"`
	Mirror   bool     `json:"mirror"`
}

// Viewer is whoever is browsing. Privileged viewers see invisible templates.
type Viewer struct {
	Name       string         `json:"name"`
	Privileged bool           `json:"privileged"`
	Attributes map[string]any `json:"attributes,omitempty"`
}
