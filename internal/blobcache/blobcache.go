// Package blobcache keeps a bounded on-disk copy of remote template files.
package blobcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/structurize/packcatalog/internal/metrics"
)

type entry struct {
	key        string
	localPath  string
	size       int64
	lastAccess time.Time
}

// Cache manages locally cached blobs, evicting the least recently used
// entry when maxSize would be exceeded.
type Cache struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	entries map[string]*entry
	size    int64
}

// New creates a cache rooted at dir holding at most maxSize bytes.
func New(dir string, maxSize int64) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("cache max size must be positive, got %d", maxSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob cache: %w", err)
	}
	return &Cache{
		dir:     dir,
		maxSize: maxSize,
		entries: make(map[string]*entry),
	}, nil
}

func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Get returns the local path if key is cached.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	metrics.RecordBlobCache(ok)
	if !ok {
		return "", false
	}
	e.lastAccess = time.Now()
	return e.localPath, true
}

// Put stores the content of r under key and returns its local path. The
// file only becomes visible under its final name once fully written.
func (c *Cache) Put(key string, r io.Reader) (string, error) {
	f, err := os.CreateTemp(c.dir, ".blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("blob cache: %w", err)
	}
	tmp := f.Name()
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("blob cache: write %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.size -= old.size
		delete(c.entries, key)
	}
	c.makeRoom(n)

	dst := filepath.Join(c.dir, fileName(key))
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("blob cache: store %s: %w", key, err)
	}
	c.entries[key] = &entry{key: key, localPath: dst, size: n, lastAccess: time.Now()}
	c.size += n
	metrics.SetBlobCacheBytes(c.size)
	return dst, nil
}

// Evict removes key from the cache.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(e)
		metrics.SetBlobCacheBytes(c.size)
	}
}

// EvictPrefix removes every key starting with prefix and returns the count.
func (c *Cache) EvictPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.remove(e)
			n++
		}
	}
	metrics.SetBlobCacheBytes(c.size)
	return n
}

// Clear removes every cached blob and returns how many were removed.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	for _, e := range c.entries {
		c.remove(e)
	}
	metrics.SetBlobCacheBytes(0)
	return n
}

// Stats describes the cache contents.
type Stats struct {
	Bytes    int64
	MaxBytes int64
	Blobs    int
}

// Stats returns the current cache contents.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Bytes: c.size, MaxBytes: c.maxSize, Blobs: len(c.entries)}
}

// makeRoom evicts least recently used blobs until need more bytes fit or
// the cache is empty. c.mu must be held.
func (c *Cache) makeRoom(need int64) {
	for c.size+need > c.maxSize && len(c.entries) > 0 {
		var lru *entry
		for _, e := range c.entries {
			if lru == nil || e.lastAccess.Before(lru.lastAccess) {
				lru = e
			}
		}
		c.remove(lru)
	}
}

// remove deletes e and its file. c.mu must be held.
func (c *Cache) remove(e *entry) {
	_ = os.Remove(e.localPath)
	c.size -= e.size
	delete(c.entries, e.key)
}
