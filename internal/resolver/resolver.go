// Package resolver resolves category listings and leaf template loads on a
// background worker pool.
//
// Requests are keyed by (kind, pack, path). A request for a key that is
// already outstanding returns the outstanding Future, so the work for a key
// runs once no matter how many callers ask. Completed results are retained
// in an expiring LRU until the pack is invalidated.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/index"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/metrics"
	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

// Kind distinguishes the two resolution operations.
type Kind string

const (
	KindCategories Kind = "categories"
	KindLeaf       Kind = "leaf"
)

var (
	// ErrQueueFull completes a future whose work could not be queued.
	ErrQueueFull = errors.New("resolver queue is full")
	// ErrClosed completes futures requested after the pool shut down.
	ErrClosed = errors.New("resolver is closed")
)

// Provider supplies pack indexes and template content.
type Provider interface {
	Index(ctx context.Context, pack string) (*index.Index, error)
	Open(ctx context.Context, pack, key string) (io.ReadCloser, error)
}

// Options configures a Resolver.
type Options struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize is the size of the work queue buffer.
	QueueSize int
	// CacheSize bounds the number of retained completed results.
	CacheSize int
	// CacheTTL expires retained results.
	CacheTTL time.Duration
	Logger   *zap.Logger
}

type key struct {
	kind Kind
	pack string
	path string
}

type task struct {
	key key
	run func(ctx context.Context)
}

// Resolver owns the worker pool. Start must run for queued work to execute.
type Resolver struct {
	provider Provider
	decoder  blueprint.Decoder
	workers  int
	logger   *zap.Logger

	queue   chan task
	seq     atomic.Uint64
	cache   *expirable.LRU[key, any]
	started atomic.Bool

	mu       sync.Mutex
	closed   bool
	inflight map[key]any
	// epochs counts invalidations per pack; results of an older epoch are
	// not retained.
	epochs map[string]uint64
	// reloads is the newest pack reload applied per pack.
	reloads map[string]uint64
}

// New creates a resolver.
func New(provider Provider, decoder blueprint.Decoder, opts Options) *Resolver {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named(nil, "resolver")
	}

	return &Resolver{
		provider: provider,
		decoder:  decoder,
		workers:  opts.Workers,
		logger:   opts.Logger,
		queue:    make(chan task, opts.QueueSize),
		cache:    expirable.NewLRU[key, any](opts.CacheSize, nil, opts.CacheTTL),
		inflight: make(map[key]any),
		epochs:   make(map[string]uint64),
		reloads:  make(map[string]uint64),
	}
}

// Start runs the workers. It blocks until ctx is cancelled, then closes the
// queue and waits for the workers to drain it. Futures still queued at that
// point complete with the context's error.
func (r *Resolver) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("resolver already started")
	}
	r.logger.Info("starting resolver", zap.Int("workers", r.workers), zap.Int("queue_size", cap(r.queue)))

	var wg sync.WaitGroup
	for i := range r.workers {
		wg.Add(1)
		go r.worker(ctx, i, &wg)
	}

	<-ctx.Done()
	r.logger.Info("resolver shutting down, draining queue")

	r.mu.Lock()
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	wg.Wait()
	r.logger.Info("resolver shutdown complete")
	return nil
}

func (r *Resolver) worker(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()
	logger := r.logger.With(zap.Int("worker", id))
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for t := range r.queue {
		metrics.SetResolverQueueSize(len(r.queue))
		t.run(ctx)
	}
}

// ResolveCategories lists the sub-categories of path.
func (r *Resolver) ResolveCategories(ctx context.Context, pack, path string) *Future[[]models.Category] {
	return resolve(ctx, r, key{KindCategories, pack, catpath.Normalize(path)}, r.listCategories)
}

// ResolveLeaf loads and decodes the templates of the terminal category path.
// Templates that fail to decode are logged and left out.
func (r *Resolver) ResolveLeaf(ctx context.Context, pack, path string) *Future[[]blueprint.Template] {
	return resolve(ctx, r, key{KindLeaf, pack, catpath.Normalize(path)}, r.loadLeaf)
}

func resolve[T any](ctx context.Context, r *Resolver, k key, work func(ctx context.Context, k key) (T, error)) *Future[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache.Get(k); ok {
		if f, ok := cached.(*Future[T]); ok {
			metrics.RecordResolveRequest(string(k.kind), "cache_hit")
			return f
		}
	}
	if pending, ok := r.inflight[k]; ok {
		metrics.RecordResolveRequest(string(k.kind), "coalesced")
		return pending.(*Future[T])
	}

	f := newFuture[T](k)
	if r.closed {
		f.complete(*new(T), ErrClosed, r.seq.Add(1))
		return f
	}
	if err := ctx.Err(); err != nil {
		f.complete(*new(T), err, r.seq.Add(1))
		return f
	}

	epoch := r.epochs[k.pack]
	t := task{key: k, run: func(ctx context.Context) {
		start := time.Now()
		v, err := work(ctx, k)
		metrics.RecordResolve(string(k.kind), time.Since(start), err == nil)
		if err != nil {
			r.logger.Warn("resolution failed",
				zap.String("kind", string(k.kind)),
				zap.String("pack", k.pack),
				zap.String("path", k.path),
				zap.Error(err))
		}
		r.finish(k, epoch, f, err == nil)
		f.complete(v, err, r.seq.Add(1))
		metrics.DecResolverInProgress()
	}}

	select {
	case r.queue <- t:
		r.inflight[k] = f
		metrics.IncResolverInProgress()
		metrics.SetResolverQueueSize(len(r.queue))
		metrics.RecordResolveRequest(string(k.kind), "started")
	default:
		metrics.RecordResolveRequest(string(k.kind), "rejected")
		f.complete(*new(T), fmt.Errorf("%s %s/%s: %w", k.kind, k.pack, k.path, ErrQueueFull), r.seq.Add(1))
	}
	return f
}

// finish releases the in-flight key and retains successful results unless
// the pack was invalidated meanwhile.
func (r *Resolver) finish(k key, epoch uint64, f any, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[k] == f {
		delete(r.inflight, k)
	}
	if ok && r.epochs[k.pack] == epoch {
		r.cache.Add(k, f)
	}
}

// Invalidate forgets every retained and in-flight result of pack. In-flight
// work still completes for the callers holding its future, but later
// requests start fresh.
//
// reload identifies the pack reload that made the results stale. Every
// subscriber of a reload may call Invalidate; only the first call for a
// given reload, or a newer one, has an effect, so requests issued after it
// keep coalescing. A zero reload always invalidates. Invalidate reports
// whether it dropped anything.
func (r *Resolver) Invalidate(pack string, reload uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reload != 0 {
		if reload <= r.reloads[pack] {
			return false
		}
		r.reloads[pack] = reload
	}
	r.epochs[pack]++
	for _, k := range r.cache.Keys() {
		if k.pack == pack {
			r.cache.Remove(k)
		}
	}
	for k := range r.inflight {
		if k.pack == pack {
			delete(r.inflight, k)
		}
	}
	r.logger.Debug("invalidated pack", zap.String("pack", pack), zap.Uint64("reload", reload))
	return true
}

// Pending returns the number of outstanding keys.
func (r *Resolver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Resolver) listCategories(ctx context.Context, k key) ([]models.Category, error) {
	idx, err := r.provider.Index(ctx, k.pack)
	if err != nil {
		return nil, err
	}
	return idx.Children(k.path)
}

func (r *Resolver) loadLeaf(ctx context.Context, k key) ([]blueprint.Template, error) {
	idx, err := r.provider.Index(ctx, k.pack)
	if err != nil {
		return nil, err
	}
	entries, err := idx.LeafEntries(k.path)
	if err != nil {
		return nil, err
	}

	templates := make([]blueprint.Template, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tpl, err := r.decode(ctx, k.pack, e)
		if err != nil {
			metrics.RecordDecodeFailure(k.pack)
			r.logger.Error("dropping template",
				zap.String("pack", k.pack),
				zap.String("key", e.Key),
				zap.Error(err))
			continue
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}

func (r *Resolver) decode(ctx context.Context, pack string, e index.Entry) (blueprint.Template, error) {
	rel := catpath.Join(e.Dir, e.Name)
	rc, err := r.provider.Open(ctx, pack, e.Key)
	if err != nil {
		return nil, &blueprint.DecodeError{Key: rel, Err: err}
	}
	defer rc.Close()

	tpl, err := r.decoder.Decode(ctx, rel, rc)
	if err != nil {
		var de *blueprint.DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, &blueprint.DecodeError{Key: rel, Err: err}
	}
	return tpl, nil
}
