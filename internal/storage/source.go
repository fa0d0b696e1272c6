// Package storage defines the Source interface packs are read from.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key or directory does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one raw directory entry.
type Entry struct {
	Name  string
	IsDir bool
}

// Source is read-only pack storage. Keys and directories are forward-slash
// paths relative to the source root; "" is the root itself.
type Source interface {
	// List returns the entries of dir sorted by name.
	List(ctx context.Context, dir string) ([]Entry, error)

	// Open returns the content of the file at key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Type returns the source type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the source.
	Close() error
}

// LocalPather is implemented by sources backed by the local filesystem.
type LocalPather interface {
	LocalPath(key string) string
}

// Refresher is implemented by sources that cache remote content and can
// drop it before a pack is rebuilt.
type Refresher interface {
	Refresh(prefix string) error
}
