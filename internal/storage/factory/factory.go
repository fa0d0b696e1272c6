// Package factory builds a storage.Source from its type name.
package factory

import (
	"context"
	"fmt"

	"github.com/structurize/packcatalog/internal/storage"
	"github.com/structurize/packcatalog/internal/storage/local"
	s3source "github.com/structurize/packcatalog/internal/storage/s3"
)

// Config selects and configures a source.
type Config struct {
	Type  string
	Local local.Config
	S3    s3source.Config
}

// New creates a Source from cfg.
func New(ctx context.Context, cfg Config) (storage.Source, error) {
	switch cfg.Type {
	case "local", "":
		return local.New(cfg.Local)
	case "s3":
		return s3source.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown source type: %s", cfg.Type)
	}
}
