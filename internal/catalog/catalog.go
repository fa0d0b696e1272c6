// Package catalog discovers structure packs in a storage source and owns
// their indexes.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/structurize/packcatalog/internal/events"
	"github.com/structurize/packcatalog/internal/index"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/metrics"
	"github.com/structurize/packcatalog/internal/storage"
	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

// DescriptorFile is the metadata file every pack directory holds.
const DescriptorFile = "pack.json"

// ErrUnknownPack is returned for pack names the catalog does not know.
var ErrUnknownPack = errors.New("unknown pack")

// Options configures a Catalog.
type Options struct {
	// Root is the directory inside the source holding one directory per pack.
	Root       string
	Extensions []string
	Logger     *zap.Logger
	Events     *events.Broadcaster
}

// Catalog is the pack provider. Indexes are built lazily and at most once
// per pack at a time.
type Catalog struct {
	src    storage.Source
	root   string
	exts   []string
	logger *zap.Logger
	events *events.Broadcaster

	mu          sync.RWMutex
	packs       map[string]models.PackDescriptor
	indexes     map[string]*index.Index
	generations map[string]uint64
	group       singleflight.Group
}

// New creates a catalog over src. Call Discover before use.
func New(src storage.Source, opts Options) *Catalog {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Named(nil, "catalog")
	}
	return &Catalog{
		src:     src,
		root:    catpath.Normalize(opts.Root),
		exts:    opts.Extensions,
		logger:  logger,
		events:  opts.Events,
		packs:       make(map[string]models.PackDescriptor),
		indexes:     make(map[string]*index.Index),
		generations: make(map[string]uint64),
	}
}

// Source returns the underlying storage source.
func (c *Catalog) Source() storage.Source { return c.src }

// Discover scans the root for pack directories holding a pack.json and
// replaces the known pack set. Cached indexes of packs that disappeared are
// dropped. Unreadable descriptors are logged and skipped.
func (c *Catalog) Discover(ctx context.Context) ([]models.PackDescriptor, error) {
	entries, err := c.src.List(ctx, c.root)
	if err != nil {
		return nil, fmt.Errorf("discover packs: %w", err)
	}

	found := make(map[string]models.PackDescriptor)
	for _, e := range entries {
		if !e.IsDir {
			continue
		}
		dir := catpath.Join(c.root, e.Name)
		desc, err := c.readDescriptor(ctx, dir)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				c.logger.Warn("skipping pack", zap.String("dir", dir), zap.Error(err))
			}
			continue
		}
		if desc.Name == "" {
			desc.Name = e.Name
		}
		if prev, dup := found[desc.Name]; dup {
			c.logger.Warn("duplicate pack name",
				zap.String("name", desc.Name),
				zap.String("kept", prev.RootPath),
				zap.String("skipped", dir))
			continue
		}
		found[desc.Name] = desc
	}

	c.mu.Lock()
	for name := range c.indexes {
		if _, ok := found[name]; !ok {
			delete(c.indexes, name)
		}
	}
	c.packs = found
	c.mu.Unlock()

	c.logger.Info("discovered packs", zap.Int("count", len(found)))
	return c.Packs(), nil
}

func (c *Catalog) readDescriptor(ctx context.Context, dir string) (models.PackDescriptor, error) {
	rc, err := c.src.Open(ctx, catpath.Join(dir, DescriptorFile))
	if err != nil {
		return models.PackDescriptor{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return models.PackDescriptor{}, fmt.Errorf("read %s: %w", DescriptorFile, err)
	}
	var desc models.PackDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return models.PackDescriptor{}, fmt.Errorf("parse %s: %w", DescriptorFile, err)
	}
	desc.RootPath = dir
	desc.Source = c.src.Type()
	desc.Immutable = c.src.Type() != "local"
	return desc, nil
}

// Packs returns the known packs sorted by name.
func (c *Catalog) Packs() []models.PackDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.PackDescriptor, 0, len(c.packs))
	for _, p := range c.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor returns the descriptor of the named pack.
func (c *Catalog) Descriptor(name string) (models.PackDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.packs[name]
	if !ok {
		return models.PackDescriptor{}, fmt.Errorf("%s: %w", name, ErrUnknownPack)
	}
	return p, nil
}

// Index returns the pack's index, building it on first use. Concurrent
// callers share one build.
func (c *Catalog) Index(ctx context.Context, name string) (*index.Index, error) {
	c.mu.RLock()
	idx, ok := c.indexes[name]
	c.mu.RUnlock()
	if ok {
		return idx, nil
	}
	return c.build(ctx, name)
}

// Generation returns how often the pack was reloaded.
func (c *Catalog) Generation(name string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[name]
}

// build scans the pack for its current generation. The scan is shared by
// every caller of that generation and outlives the one that started it; a
// scan overtaken by a reload is returned to its callers but not stored.
func (c *Catalog) build(ctx context.Context, name string) (*index.Index, error) {
	gen := c.Generation(name)
	flight := fmt.Sprintf("%s@%d", name, gen)
	v, err, _ := c.group.Do(flight, func() (any, error) {
		desc, err := c.Descriptor(name)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		idx, err := index.Build(context.WithoutCancel(ctx), c.src, desc, index.Options{
			Extensions: c.exts,
			Logger:     c.logger.Named("index"),
		})
		metrics.RecordIndexBuild(name, time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}

		st := idx.Stats()
		metrics.SetIndexSize(name, st.Categories, st.Leaves, st.Templates, st.Problems)
		c.logger.Info("indexed pack",
			zap.String("pack", name),
			zap.Int("categories", st.Categories),
			zap.Int("templates", st.Templates),
			zap.Int("problems", st.Problems),
			zap.Duration("duration", time.Since(start)))

		c.mu.Lock()
		if _, still := c.packs[name]; still && c.generations[name] == gen {
			c.indexes[name] = idx
		} else {
			c.logger.Debug("discarding superseded index", zap.String("pack", name), zap.Uint64("generation", gen))
		}
		c.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*index.Index), nil
}

// Reload rebuilds the pack's index from scratch and publishes
// events.EventPackReloaded carrying the new generation.
func (c *Catalog) Reload(ctx context.Context, name string) (*index.Index, error) {
	desc, err := c.Descriptor(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.generations[name]++
	gen := c.generations[name]
	delete(c.indexes, name)
	c.mu.Unlock()

	if r, ok := c.src.(storage.Refresher); ok {
		if err := r.Refresh(desc.RootPath); err != nil {
			c.logger.Warn("refresh source", zap.String("pack", name), zap.Error(err))
		}
	}

	idx, err := c.build(ctx, name)
	if err != nil {
		return nil, err
	}
	if c.events != nil {
		c.events.Publish(events.Event{Type: events.EventPackReloaded, Pack: name, Generation: gen})
	}
	return idx, nil
}

// Open returns the content of a template file of pack.
func (c *Catalog) Open(ctx context.Context, pack, key string) (io.ReadCloser, error) {
	desc, err := c.Descriptor(pack)
	if err != nil {
		return nil, err
	}
	if !catpath.IsAncestor(desc.RootPath, key) {
		return nil, fmt.Errorf("%s is outside pack %s: %w", key, pack, storage.ErrNotFound)
	}
	return c.src.Open(ctx, key)
}
