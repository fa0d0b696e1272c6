// Package local provides a local filesystem pack source.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/structurize/packcatalog/internal/storage"
	"github.com/structurize/packcatalog/pkg/catpath"
)

// Config holds local filesystem source settings.
type Config struct {
	RootPath string `koanf:"root"`
}

// Source implements storage.Source over a directory tree.
type Source struct {
	rootPath string
}

// New creates a new local filesystem source.
func New(cfg Config) (*Source, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	abs, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}
	return &Source{rootPath: abs}, nil
}

// LocalPath returns the filesystem path of key. Keys are normalized, so the
// result never leaves the root.
func (s *Source) LocalPath(key string) string {
	return filepath.Join(s.rootPath, filepath.FromSlash(catpath.Normalize(key)))
}

// Root returns the absolute root directory.
func (s *Source) Root() string {
	return s.rootPath
}

// List reads dir. Hidden entries are skipped.
func (s *Source) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	des, err := os.ReadDir(s.LocalPath(dir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	entries := make([]storage.Entry, 0, len(des))
	for _, de := range des {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		entries = append(entries, storage.Entry{Name: de.Name(), IsDir: de.IsDir()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Open opens the file at key.
func (s *Source) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.LocalPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Type returns "local".
func (s *Source) Type() string { return "local" }

// Close is a no-op.
func (s *Source) Close() error { return nil }
