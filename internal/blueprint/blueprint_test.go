package blueprint

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/structurize/packcatalog/pkg/models"
)

const anchorsYAML = `
anchors:
  - id: structurize:substitution
    kind: block
  - id: structurize:leveled
    kind: leveled
  - id: structurize:tavern
    kind: named
    name: Tavern
    description: ["A place to rest"]
  - id: colony:builder
    kind: building
    name: Builder's Hut
    requirements:
      - when: 'attributes.research >= level'
        message: Research the next builder level
`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := ParseRegistry(strings.NewReader(anchorsYAML))
	require.NoError(t, err)
	return reg
}

func TestRegistryKinds(t *testing.T) {
	reg := testRegistry(t)
	assert.Equal(t, 4, reg.Len())

	_, leveled := reg.Lookup("structurize:leveled").(LeveledAnchor)
	assert.True(t, leveled)

	named, ok := reg.Lookup("structurize:tavern").(NamedAnchor)
	require.True(t, ok)
	assert.Equal(t, "Tavern", named.DisplayName())

	b := reg.Lookup("colony:builder")
	_, isLeveled := b.(LeveledAnchor)
	_, isNamed := b.(NamedAnchor)
	_, isGated := b.(RequirementsAnchor)
	assert.True(t, isLeveled && isNamed && isGated)

	unknown := reg.Lookup("mod:unknown")
	assert.Equal(t, BlockAnchor{Block: "mod:unknown"}, unknown)
}

func TestRegistryRejectsBadDefinitions(t *testing.T) {
	_, err := NewRegistry(Definition{ID: "a", Kind: "teleporter"})
	assert.Error(t, err)

	_, err = NewRegistry(Definition{ID: "a"}, Definition{ID: "a"})
	assert.Error(t, err)

	_, err = NewRegistry(Definition{
		ID:           "a",
		Kind:         KindBuilding,
		Requirements: []RequirementDef{{When: "level >"}},
	})
	assert.Error(t, err)
}

func TestRequirements(t *testing.T) {
	reg := testRegistry(t)
	gated := reg.Lookup("colony:builder").(RequirementsAnchor)

	data := map[string]any{"level": 2}
	novice := models.Viewer{Name: "steve", Attributes: map[string]any{"research": 1}}
	expert := models.Viewer{Name: "alex", Attributes: map[string]any{"research": 3}}

	assert.False(t, gated.RequirementsMet(novice, data))
	assert.True(t, gated.RequirementsMet(expert, data))
	assert.False(t, gated.RequirementsMet(models.Viewer{}, data), "missing attribute counts as unmet")
	assert.Equal(t, []string{"Research the next builder level"}, gated.Requirements(novice, data))
}

func TestYAMLDecoder(t *testing.T) {
	dec := NewYAMLDecoder(testRegistry(t))
	src := `
anchor: colony:builder
data:
  level: 3
size: {x: 5, y: 4, z: 5}
tags:
  - pos: {x: 0, y: 0, z: 0}
    values: ["name=Castle", "invisible"]
  - pos: {x: 1, y: 0, z: 2}
    values: ["door"]
`
	tpl, err := dec.Decode(context.Background(), `houses\brick/builder3.blueprint`, strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, "builder3", tpl.FileName())
	assert.Equal(t, "houses/brick", tpl.FilePath())
	assert.Equal(t, "houses/brick/builder3", Key(tpl))

	level, ok := LevelOf(tpl)
	assert.True(t, ok)
	assert.Equal(t, 3, level)

	name, ok := NameOverride(tpl)
	assert.True(t, ok)
	assert.Equal(t, "Castle", name)
	assert.True(t, IsInvisible(tpl))
	assert.False(t, Visible(tpl, models.Viewer{}))
	assert.True(t, Visible(tpl, models.Viewer{Privileged: true}))
	assert.Equal(t, []string{"door"}, tpl.Tags()[models.Coordinate{X: 1, Z: 2}])
}

func TestYAMLDecoderErrors(t *testing.T) {
	dec := NewYAMLDecoder(nil)
	ctx := context.Background()

	cases := map[string]string{
		"empty":        "",
		"syntax":       "anchor: [unterminated",
		"unknownField": "anchor: a\ncolour: red\n",
		"badSize":      "anchor: a\nsize: {x: 0, y: 1, z: 1}\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := dec.Decode(ctx, "walls/"+name+".blueprint", strings.NewReader(src))
			var de *DecodeError
			require.True(t, errors.As(err, &de), "got %v", err)
			assert.Equal(t, "walls/"+name+".blueprint", de.Key)
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := dec.Decode(cancelled, "walls/a.blueprint", strings.NewReader("anchor: a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlainTemplateHasNoLevel(t *testing.T) {
	tpl := New("wall", "walls", nil, nil, nil)
	_, ok := LevelOf(tpl)
	assert.False(t, ok)
	_, ok = NameOverride(tpl)
	assert.False(t, ok)
	assert.False(t, IsInvisible(tpl))
}
