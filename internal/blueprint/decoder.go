package blueprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

// Extension is the file extension of template files.
const Extension = ".blueprint"

// DecodeError reports a template that could not be decoded.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder turns the raw bytes of a template file into a Template. key is the
// file's pack-relative path including extension.
type Decoder interface {
	Decode(ctx context.Context, key string, r io.Reader) (Template, error)
}

// document is the YAML form of a template file.
type document struct {
	Anchor string             `yaml:"anchor"`
	Data   map[string]any     `yaml:"data"`
	Size   *models.Coordinate `yaml:"size,omitempty"`
	Tags   []tagEntry         `yaml:"tags"`
}

type tagEntry struct {
	Pos    models.Coordinate `yaml:"pos"`
	Values []string          `yaml:"values"`
}

// YAMLDecoder decodes YAML template files, resolving anchors through
// Registry.
type YAMLDecoder struct {
	Registry *Registry
}

// NewYAMLDecoder creates a decoder over registry. A nil registry resolves
// every anchor to a plain block.
func NewYAMLDecoder(registry *Registry) *YAMLDecoder {
	return &YAMLDecoder{Registry: registry}
}

// Decode implements Decoder. Failures are returned as *DecodeError.
func (d *YAMLDecoder) Decode(ctx context.Context, key string, r io.Reader) (Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, &DecodeError{Key: key, Err: err}
	}

	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("empty template")
		}
		return nil, &DecodeError{Key: key, Err: err}
	}
	if doc.Size != nil && (doc.Size.X <= 0 || doc.Size.Y <= 0 || doc.Size.Z <= 0) {
		return nil, &DecodeError{Key: key, Err: fmt.Errorf("invalid size %s", doc.Size)}
	}

	tags := make(map[models.Coordinate][]string, len(doc.Tags))
	for _, t := range doc.Tags {
		tags[t.Pos] = append(tags[t.Pos], t.Values...)
	}

	key = catpath.Normalize(key)
	name := strings.TrimSuffix(path.Base(key), path.Ext(key))
	return New(name, catpath.Parent(key), d.Registry.Lookup(doc.Anchor), doc.Data, tags), nil
}
