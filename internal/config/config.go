// Package config loads configuration from defaults, an optional YAML file,
// PACKCATALOG_* environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/preview"
	"github.com/structurize/packcatalog/internal/resolver"
	"github.com/structurize/packcatalog/internal/storage/factory"
	"github.com/structurize/packcatalog/internal/storage/local"
	s3source "github.com/structurize/packcatalog/internal/storage/s3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "PACKCATALOG_"

// EnvConfigFile names the config file when --config is not given.
const EnvConfigFile = EnvPrefix + "CONFIG"

// sections are the nested key groups. An env var or flag whose first word
// names a section is split there: PACKCATALOG_S3_ACCESS_KEY -> s3.access_key.
var sections = []string{"packs", "s3", "resolver", "session"}

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr string `koanf:"listen_addr"`

	// Logging
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// AnchorsFile lists the anchor kinds templates may reference.
	AnchorsFile string `koanf:"anchors_file"`

	Packs    PacksConfig     `koanf:"packs"`
	S3       s3source.Config `koanf:"s3"`
	Resolver ResolverConfig  `koanf:"resolver"`
	Session  SessionConfig   `koanf:"session"`
}

// PacksConfig selects where packs are read from.
type PacksConfig struct {
	// Source is "local" or "s3".
	Source string `koanf:"source"`
	// Root is the local directory holding packs.
	Root string `koanf:"root"`
	// Subdir is the directory inside the source holding the pack folders.
	Subdir     string        `koanf:"subdir"`
	Extensions []string      `koanf:"extensions"`
	Watch      bool          `koanf:"watch"`
	Debounce   time.Duration `koanf:"debounce"`
}

// ResolverConfig sizes the resolver.
type ResolverConfig struct {
	Workers   int           `koanf:"workers"`
	QueueSize int           `koanf:"queue_size"`
	CacheSize int           `koanf:"cache_size"`
	CacheTTL  time.Duration `koanf:"cache_ttl"`
}

// SessionConfig configures browse sessions.
type SessionConfig struct {
	PreviewKey string `koanf:"preview_key"`
	// IdleTimeout closes API sessions nobody used for this long.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"listen_addr":          ":8080",
		"log_level":            "info",
		"log_format":           "json",
		"anchors_file":         "",
		"packs.source":         "local",
		"packs.root":           "./packs",
		"packs.subdir":         "",
		"packs.extensions":     []string{blueprint.Extension},
		"packs.watch":          true,
		"packs.debounce":       "250ms",
		"s3.region":            "us-east-1",
		"s3.cache_dir":         "/tmp/packcatalog-cache",
		"s3.cache_max_bytes":   int64(512 * 1024 * 1024),
		"resolver.workers":     4,
		"resolver.queue_size":  100,
		"resolver.cache_size":  256,
		"resolver.cache_ttl":   "10m",
		"session.preview_key":  preview.DefaultKey,
		"session.idle_timeout": "30m",
	}
}

// Load reads the configuration. cfgFile may be empty, in which case
// $PACKCATALOG_CONFIG is used if set. flags may be nil; only flags that
// were set on the command line override other sources.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if cfgFile == "" {
		cfgFile = os.Getenv(EnvConfigFile)
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if s == "config" {
			return ""
		}
		return sectionKey(s, "_")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed || f.Name == "config" {
				return "", nil
			}
			key := sectionKey(f.Name, "-")
			return strings.ReplaceAll(key, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// sectionKey turns "s3<sep>access<sep>key" into "s3.access<sep>key".
func sectionKey(s, sep string) string {
	for _, sec := range sections {
		if strings.HasPrefix(s, sec+sep) {
			return sec + "." + strings.TrimPrefix(s, sec+sep)
		}
	}
	return s
}

// Validate rejects unusable values.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}

	switch c.Packs.Source {
	case "local":
		if c.Packs.Root == "" {
			return fmt.Errorf("packs.root is required for the local source")
		}
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required for the s3 source")
		}
	default:
		return fmt.Errorf("invalid packs.source %q", c.Packs.Source)
	}
	if len(c.Packs.Extensions) == 0 {
		return fmt.Errorf("packs.extensions must not be empty")
	}
	for _, ext := range c.Packs.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("pack extension %q must start with a dot", ext)
		}
	}
	if c.Packs.Debounce < 0 {
		return fmt.Errorf("packs.debounce must not be negative")
	}

	if c.Resolver.Workers <= 0 {
		return fmt.Errorf("resolver.workers must be positive")
	}
	if c.Resolver.QueueSize <= 0 {
		return fmt.Errorf("resolver.queue_size must be positive")
	}
	if c.Resolver.CacheSize <= 0 {
		return fmt.Errorf("resolver.cache_size must be positive")
	}
	if c.Resolver.CacheTTL <= 0 {
		return fmt.Errorf("resolver.cache_ttl must be positive")
	}
	if c.Session.PreviewKey == "" {
		return fmt.Errorf("session.preview_key is required")
	}
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	return nil
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat, OutputPath: "stdout"}
}

// Storage returns the storage source configuration.
func (c *Config) Storage() factory.Config {
	return factory.Config{
		Type:  c.Packs.Source,
		Local: local.Config{RootPath: c.Packs.Root},
		S3:    c.S3,
	}
}

// ResolverOptions returns the resolver sizing.
func (c *Config) ResolverOptions() resolver.Options {
	return resolver.Options{
		Workers:   c.Resolver.Workers,
		QueueSize: c.Resolver.QueueSize,
		CacheSize: c.Resolver.CacheSize,
		CacheTTL:  c.Resolver.CacheTTL,
	}
}
