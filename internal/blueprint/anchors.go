package blueprint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/structurize/packcatalog/pkg/models"
)

// Kind is one of the closed set of anchor kinds.
type Kind string

const (
	KindBlock    Kind = "block"
	KindLeveled  Kind = "leveled"
	KindNamed    Kind = "named"
	KindBuilding Kind = "building"
)

// DataLevelKey is the anchor data key holding a template's level.
const DataLevelKey = "level"

// BlockAnchor is a plain anchor without optional capabilities.
type BlockAnchor struct {
	Block string
}

func (a BlockAnchor) ID() string { return a.Block }

// LevelAnchor is a leveled anchor without a display name.
type LevelAnchor struct {
	Block string
}

func (a LevelAnchor) ID() string                    { return a.Block }
func (a LevelAnchor) Level(data map[string]any) int { return levelFromData(data) }

// NameAnchor carries a display name shared by every template it anchors.
type NameAnchor struct {
	Block string
	Name  string
	Desc  []string
}

func (a NameAnchor) ID() string            { return a.Block }
func (a NameAnchor) DisplayName() string   { return a.Name }
func (a NameAnchor) Description() []string { return a.Desc }

// BuildingAnchor is leveled, named and gated by requirements.
type BuildingAnchor struct {
	Block string
	Name  string
	Desc  []string
	Gates []Requirement
}

func (a BuildingAnchor) ID() string                    { return a.Block }
func (a BuildingAnchor) Level(data map[string]any) int { return levelFromData(data) }
func (a BuildingAnchor) DisplayName() string           { return a.Name }
func (a BuildingAnchor) Description() []string         { return a.Desc }

// RequirementsMet reports whether every requirement holds for viewer.
func (a BuildingAnchor) RequirementsMet(viewer models.Viewer, data map[string]any) bool {
	for _, r := range a.Gates {
		if !r.Met(viewer, data) {
			return false
		}
	}
	return true
}

// Requirements returns the messages of all requirements, met or not.
func (a BuildingAnchor) Requirements(viewer models.Viewer, data map[string]any) []string {
	out := make([]string, 0, len(a.Gates))
	for _, r := range a.Gates {
		out = append(out, r.Message)
	}
	return out
}

func levelFromData(data map[string]any) int {
	switch v := data[DataLevelKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return 0
}

// Requirement is a compiled boolean expression evaluated against the viewer.
// The expression sees viewer, privileged, attributes, level and data.
type Requirement struct {
	Expression string
	Message    string
	program    *exprvm.Program
}

// CompileRequirement compiles expression.
func CompileRequirement(expression, message string) (Requirement, error) {
	if expression == "" {
		return Requirement{}, errors.New("requirement expression must not be empty")
	}
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
		exprlang.AsBool(),
	)
	if err != nil {
		return Requirement{}, fmt.Errorf("compile requirement %q: %w", expression, err)
	}
	if message == "" {
		message = expression
	}
	return Requirement{Expression: expression, Message: message, program: program}, nil
}

// Met evaluates the requirement. Evaluation errors count as unmet.
func (r Requirement) Met(viewer models.Viewer, data map[string]any) bool {
	if r.program == nil {
		return false
	}
	attrs := viewer.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	env := map[string]any{
		"viewer":     viewer.Name,
		"privileged": viewer.Privileged,
		"attributes": attrs,
		"level":      levelFromData(data),
		"data":       data,
	}
	out, err := exprlang.Run(r.program, env)
	if err != nil {
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// Definition is one entry of an anchors file.
type Definition struct {
	ID           string          `yaml:"id"`
	Kind         Kind            `yaml:"kind"`
	Name         string          `yaml:"name"`
	Description  []string        `yaml:"description"`
	Requirements []RequirementDef `yaml:"requirements"`
}

// RequirementDef is the file form of a Requirement.
type RequirementDef struct {
	When    string `yaml:"when"`
	Message string `yaml:"message"`
}

// Registry resolves anchor ids to anchors. It is read-only after creation.
type Registry struct {
	anchors map[string]Anchor
}

// NewRegistry builds a registry from definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{anchors: make(map[string]Anchor, len(defs))}
	for _, d := range defs {
		if d.ID == "" {
			return nil, errors.New("anchor definition without id")
		}
		if _, dup := r.anchors[d.ID]; dup {
			return nil, fmt.Errorf("duplicate anchor %q", d.ID)
		}
		a, err := d.build()
		if err != nil {
			return nil, fmt.Errorf("anchor %q: %w", d.ID, err)
		}
		r.anchors[d.ID] = a
	}
	return r, nil
}

func (d Definition) build() (Anchor, error) {
	switch d.Kind {
	case KindBlock, "":
		return BlockAnchor{Block: d.ID}, nil
	case KindLeveled:
		return LevelAnchor{Block: d.ID}, nil
	case KindNamed:
		return NameAnchor{Block: d.ID, Name: d.Name, Desc: d.Description}, nil
	case KindBuilding:
		reqs := make([]Requirement, 0, len(d.Requirements))
		for _, rd := range d.Requirements {
			req, err := CompileRequirement(rd.When, rd.Message)
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
		return BuildingAnchor{Block: d.ID, Name: d.Name, Desc: d.Description, Gates: reqs}, nil
	default:
		return nil, fmt.Errorf("unknown anchor kind %q", d.Kind)
	}
}

// ParseRegistry reads an anchors YAML document.
func ParseRegistry(r io.Reader) (*Registry, error) {
	var doc struct {
		Anchors []Definition `yaml:"anchors"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse anchors: %w", err)
	}
	return NewRegistry(doc.Anchors...)
}

// LoadRegistry reads an anchors file. An empty path yields an empty registry.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open anchors file: %w", err)
	}
	defer f.Close()
	return ParseRegistry(f)
}

// Lookup returns the anchor for id. Unknown ids resolve to a plain block
// anchor.
func (r *Registry) Lookup(id string) Anchor {
	if r != nil {
		if a, ok := r.anchors[id]; ok {
			return a
		}
	}
	return BlockAnchor{Block: id}
}

// Len returns the number of registered anchors.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.anchors)
}
