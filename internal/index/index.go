// Package index scans a pack's directory tree into categories and leaf
// template entries.
//
// An Index is built once per pack load and is read-only afterwards, so it is
// safe for concurrent use. Enumeration order is lexicographic by segment and
// is the order every caller presents.
package index

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/storage"
	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

// IconFile marks a category as having an icon.
const IconFile = "icon.png"

// ErrUnknownPath is returned for category paths the pack does not contain.
var ErrUnknownPath = errors.New("unknown category path")

// MixedContentError reports a directory holding both templates and
// sub-directories. Its templates are not indexed.
type MixedContentError struct {
	Pack      string
	Path      string
	Templates []string
}

func (e *MixedContentError) Error() string {
	where := e.Path
	if where == catpath.Root {
		where = "<root>"
	}
	return fmt.Sprintf("pack %s: %s mixes %d template(s) with sub-categories", e.Pack, where, len(e.Templates))
}

// Options configures Build.
type Options struct {
	// Extensions lists recognized template file extensions.
	Extensions []string
	Logger     *zap.Logger
}

// Entry is one raw template file of a terminal category.
type Entry struct {
	// Key is the file's path inside the storage source.
	Key string
	// Name is the file name including extension.
	Name string
	// Dir is the category path holding the file.
	Dir string
}

// Stats summarizes an index.
type Stats struct {
	Categories int
	Leaves     int
	Templates  int
	Problems   int
}

type node struct {
	category models.Category
	children []string
	entries  []Entry
}

// Index is the scanned tree of one pack.
type Index struct {
	pack     models.PackDescriptor
	nodes    map[string]*node
	order    []string
	problems []error
	builtAt  time.Time
}

type builder struct {
	src    storage.Source
	pack   models.PackDescriptor
	exts   map[string]bool
	logger *zap.Logger
	idx    *Index
}

// Build scans pack below its root path in src.
func Build(ctx context.Context, src storage.Source, pack models.PackDescriptor, opts Options) (*Index, error) {
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = []string{blueprint.Extension}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Named(nil, "index")
	}

	b := &builder{
		src:    src,
		pack:   pack,
		exts:   make(map[string]bool, len(exts)),
		logger: logger.With(zap.String("pack", pack.Name)),
		idx: &Index{
			pack:  pack,
			nodes: make(map[string]*node),
		},
	}
	for _, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		b.exts[strings.ToLower(e)] = true
	}

	if err := b.scan(ctx, catpath.Root); err != nil {
		return nil, err
	}
	b.idx.builtAt = time.Now()
	return b.idx, nil
}

func (b *builder) scan(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := b.src.List(ctx, catpath.ToSource(b.pack.RootPath, dir))
	if err != nil {
		return fmt.Errorf("scan %s/%s: %w", b.pack.Name, dir, err)
	}

	var subdirs []string
	var files []Entry
	hasIcon := false
	for _, e := range entries {
		switch {
		case e.IsDir:
			subdirs = append(subdirs, e.Name)
		case e.Name == IconFile:
			hasIcon = true
		case b.exts[strings.ToLower(path.Ext(e.Name))]:
			files = append(files, Entry{
				Key:  catpath.ToSource(b.pack.RootPath, catpath.Join(dir, e.Name)),
				Name: e.Name,
				Dir:  dir,
			})
		}
	}
	sort.Strings(subdirs)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	n := &node{category: models.Category{
		PackName:   b.pack.Name,
		SubPath:    dir,
		IsTerminal: dir != catpath.Root && len(subdirs) == 0,
		HasIcon:    hasIcon,
	}}

	if len(files) > 0 && (len(subdirs) > 0 || dir == catpath.Root) {
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = f.Name
		}
		problem := &MixedContentError{Pack: b.pack.Name, Path: dir, Templates: names}
		b.idx.problems = append(b.idx.problems, problem)
		b.logger.Error("mixed category content", zap.String("path", dir), zap.Strings("templates", names))
		files = nil
	}
	if n.category.IsTerminal {
		n.entries = files
	}

	b.idx.nodes[dir] = n
	b.idx.order = append(b.idx.order, dir)

	for _, name := range subdirs {
		child := catpath.Join(dir, name)
		n.children = append(n.children, child)
		if err := b.scan(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// Pack returns the descriptor the index was built for.
func (x *Index) Pack() models.PackDescriptor { return x.pack }

// BuiltAt returns when the scan finished.
func (x *Index) BuiltAt() time.Time { return x.builtAt }

// Problems returns the configuration problems found during the scan.
func (x *Index) Problems() []error {
	return append([]error(nil), x.problems...)
}

func (x *Index) lookup(p string) (*node, error) {
	p = catpath.Normalize(p)
	n, ok := x.nodes[p]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", x.pack.Name, p, ErrUnknownPath)
	}
	return n, nil
}

// Category returns the category at p.
func (x *Index) Category(p string) (models.Category, error) {
	n, err := x.lookup(p)
	if err != nil {
		return models.Category{}, err
	}
	return n.category, nil
}

// Children returns the immediate sub-categories of p in enumeration order.
// A terminal category has none.
func (x *Index) Children(p string) ([]models.Category, error) {
	n, err := x.lookup(p)
	if err != nil {
		return nil, err
	}
	out := make([]models.Category, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, x.nodes[c].category)
	}
	return out, nil
}

// LeafEntries returns the template entries of p in enumeration order.
// A non-terminal category has none.
func (x *Index) LeafEntries(p string) ([]Entry, error) {
	n, err := x.lookup(p)
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), n.entries...), nil
}

// Stats counts the index's nodes.
func (x *Index) Stats() Stats {
	s := Stats{Problems: len(x.problems)}
	for _, n := range x.nodes {
		if n.category.SubPath == catpath.Root {
			continue
		}
		s.Categories++
		if n.category.IsTerminal {
			s.Leaves++
			s.Templates += len(n.entries)
		}
	}
	return s
}

// Match is a search hit.
type Match struct {
	// Path is the category path, or the category path of a template.
	Path string `json:"path"`
	// Template is the template file name without extension, empty for
	// category hits.
	Template string `json:"template,omitempty"`
	Distance int    `json:"distance"`
}

// Search ranks category paths and template names against query using
// normalized, case-insensitive fuzzy matching. Results are ordered by
// distance, then enumeration order. limit <= 0 means no limit.
func (x *Index) Search(query string, limit int) []Match {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	var targets []string
	var matches []Match
	for _, p := range x.order {
		n := x.nodes[p]
		if p != catpath.Root {
			targets = append(targets, p)
			matches = append(matches, Match{Path: p})
		}
		for _, e := range n.entries {
			name := strings.TrimSuffix(e.Name, path.Ext(e.Name))
			targets = append(targets, catpath.Join(p, name))
			matches = append(matches, Match{Path: p, Template: name})
		}
	}

	ranks := fuzzy.RankFindNormalizedFold(query, targets)
	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Distance != ranks[j].Distance {
			return ranks[i].Distance < ranks[j].Distance
		}
		return ranks[i].OriginalIndex < ranks[j].OriginalIndex
	})

	out := make([]Match, 0, len(ranks))
	for _, r := range ranks {
		m := matches[r.OriginalIndex]
		m.Distance = r.Distance
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
