// Package s3 provides a pack source backed by an S3-compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/blobcache"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/metrics"
	"github.com/structurize/packcatalog/internal/storage"
	"github.com/structurize/packcatalog/pkg/catpath"
)

// Config holds S3 source settings.
type Config struct {
	Endpoint      string `koanf:"endpoint"`
	Bucket        string `koanf:"bucket"`
	Region        string `koanf:"region"`
	AccessKey     string `koanf:"access_key"`
	SecretKey     string `koanf:"secret_key"`
	Prefix        string `koanf:"prefix"`
	CacheDir      string `koanf:"cache_dir"`
	CacheMaxBytes int64  `koanf:"cache_max_bytes"`
}

// API is the subset of the S3 client used by Source.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source implements storage.Source over S3/MinIO.
type Source struct {
	client API
	bucket string
	prefix string
	cache  *blobcache.Cache
	logger *zap.Logger
}

// New creates a source from cfg using static credentials and path-style
// addressing.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	var cache *blobcache.Cache
	if cfg.CacheDir != "" {
		maxBytes := cfg.CacheMaxBytes
		if maxBytes <= 0 {
			maxBytes = 256 << 20
		}
		cache, err = blobcache.New(cfg.CacheDir, maxBytes)
		if err != nil {
			return nil, err
		}
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, cache), nil
}

// NewWithClient creates a source over an existing client. cache may be nil.
func NewWithClient(client API, bucket, prefix string, cache *blobcache.Cache) *Source {
	return &Source{
		client: client,
		bucket: bucket,
		prefix: catpath.Normalize(prefix),
		cache:  cache,
		logger: logging.Named(nil, "s3"),
	}
}

func (s *Source) objectKey(key string) string {
	return catpath.ToSource(s.prefix, key)
}

// List lists dir using "/" as delimiter. Sub-prefixes become directories.
func (s *Source) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	start := time.Now()

	prefix := s.objectKey(dir)
	if prefix != "" {
		prefix += "/"
	}

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []storage.Entry
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			metrics.RecordS3Operation("list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			if name != "" {
				entries = append(entries, storage.Entry{Name: name, IsDir: true})
			}
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name != "" && !strings.Contains(name, "/") {
				entries = append(entries, storage.Entry{Name: name})
			}
		}
	}
	metrics.RecordS3Operation("list_objects", time.Since(start), true)

	if len(entries) == 0 && dir != "" {
		return nil, fmt.Errorf("list %s: %w", dir, storage.ErrNotFound)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Open returns the object at key, serving it from the blob cache when
// possible.
func (s *Source) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	objKey := s.objectKey(key)
	if s.cache != nil {
		if path, ok := s.cache.Get(objKey); ok {
			f, err := os.Open(path)
			if err == nil {
				return f, nil
			}
			s.cache.Evict(objKey)
		}
	}

	start := time.Now()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("get object %s: %w", key, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	metrics.RecordS3Operation("get_object", time.Since(start), true)

	if s.cache == nil {
		return out.Body, nil
	}
	defer out.Body.Close()

	path, err := s.cache.Put(objKey, out.Body)
	if err != nil {
		return nil, fmt.Errorf("cache object %s: %w", key, err)
	}
	s.logger.Debug("cached object", zap.String("key", objKey))
	return os.Open(path)
}

// Refresh drops cached objects below prefix.
func (s *Source) Refresh(prefix string) error {
	if s.cache == nil {
		return nil
	}
	p := s.objectKey(prefix)
	if p != "" {
		p += "/"
	}
	n := s.cache.EvictPrefix(p)
	st := s.cache.Stats()
	s.logger.Debug("refreshed blob cache",
		zap.String("prefix", p),
		zap.Int("evicted", n),
		zap.Int("blobs", st.Blobs),
		zap.Int64("bytes", st.Bytes))
	return nil
}

// Type returns "s3".
func (s *Source) Type() string { return "s3" }

// Close drops the blob cache.
func (s *Source) Close() error {
	if s.cache != nil {
		s.cache.Clear()
	}
	return nil
}
