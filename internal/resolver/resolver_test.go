package resolver

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/catalog"
	"github.com/structurize/packcatalog/internal/index"
	"github.com/structurize/packcatalog/internal/packtest"
	"github.com/structurize/packcatalog/internal/storage/local"
	"github.com/structurize/packcatalog/pkg/models"
)

// gatedProvider delegates to a catalog, counting opens and optionally
// holding every Index call until the gate is closed.
type gatedProvider struct {
	cat     *catalog.Catalog
	gate    chan struct{}
	indexes atomic.Int32
	opens   atomic.Int32
}

func (p *gatedProvider) Index(ctx context.Context, pack string) (*index.Index, error) {
	p.indexes.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.cat.Index(ctx, pack)
}

func (p *gatedProvider) Open(ctx context.Context, pack, key string) (io.ReadCloser, error) {
	p.opens.Add(1)
	return p.cat.Open(ctx, pack, key)
}

func newProvider(t *testing.T, files map[string]string) *gatedProvider {
	t.Helper()
	root := t.TempDir()
	packtest.Write(t, root, files)
	src, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)
	cat := catalog.New(src, catalog.Options{Root: "packs", Logger: zap.NewNop()})
	_, err = cat.Discover(context.Background())
	require.NoError(t, err)
	return &gatedProvider{cat: cat}
}

func fixture() map[string]string {
	return map[string]string{
		"packs/medieval/pack.json":                     packtest.Descriptor("medieval"),
		"packs/medieval/houses/brick/house1.blueprint": packtest.Plain(),
		"packs/medieval/houses/brick/house2.blueprint": packtest.Plain(),
		"packs/medieval/walls/wall.blueprint":          packtest.Plain(),
	}
}

func startResolver(t *testing.T, p Provider, opts Options) *Resolver {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := New(p, blueprint.NewYAMLDecoder(nil), opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func wait[T any](t *testing.T, f *Future[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.NoError(t, err)
	return v
}

func TestResolveCategories(t *testing.T) {
	r := startResolver(t, newProvider(t, fixture()), Options{})

	cats := wait(t, r.ResolveCategories(context.Background(), "medieval", ""))
	require.Len(t, cats, 2)
	assert.Equal(t, "houses", cats[0].SubPath)
	assert.Equal(t, "walls", cats[1].SubPath)

	f := r.ResolveCategories(context.Background(), "medieval", "castles")
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, index.ErrUnknownPath)
}

func TestResolveLeafScenario(t *testing.T) {
	r := startResolver(t, newProvider(t, fixture()), Options{})

	tpls := wait(t, r.ResolveLeaf(context.Background(), "medieval", "houses/brick"))
	require.Len(t, tpls, 2)
	assert.Equal(t, "house1", tpls[0].FileName())
	assert.Equal(t, "houses/brick", tpls[0].FilePath())
	assert.Equal(t, "house2", tpls[1].FileName())
}

func TestRequestCoalescing(t *testing.T) {
	p := newProvider(t, fixture())
	p.gate = make(chan struct{})
	r := startResolver(t, p, Options{})
	ctx := context.Background()

	f1 := r.ResolveLeaf(ctx, "medieval", "houses")
	f2 := r.ResolveLeaf(ctx, "medieval", `houses/`)
	assert.Same(t, f1, f2)
	assert.False(t, f1.Done())
	_, err := f1.Result()
	assert.ErrorIs(t, err, ErrPending)
	assert.Equal(t, 1, r.Pending())

	close(p.gate)
	wait(t, f1)
	assert.Equal(t, int32(1), p.indexes.Load())
	assert.Equal(t, 0, r.Pending())
}

func TestConcurrentCallersShareWork(t *testing.T) {
	p := newProvider(t, fixture())
	p.gate = make(chan struct{})
	r := startResolver(t, p, Options{Workers: 4})

	var wg sync.WaitGroup
	futures := make([]*Future[[]blueprint.Template], 16)
	for i := range futures {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futures[i] = r.ResolveLeaf(context.Background(), "medieval", "houses/brick")
		}()
	}
	wg.Wait()
	close(p.gate)

	for _, f := range futures {
		assert.Same(t, futures[0], f)
	}
	wait(t, futures[0])
	assert.Equal(t, int32(2), p.opens.Load())
}

func TestCompletedResultsAreRetained(t *testing.T) {
	p := newProvider(t, fixture())
	r := startResolver(t, p, Options{})
	ctx := context.Background()

	first := r.ResolveLeaf(ctx, "medieval", "walls")
	wait(t, first)
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)

	second := r.ResolveLeaf(ctx, "medieval", "walls")
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), p.opens.Load())

	assert.True(t, r.Invalidate("medieval", 0))
	third := r.ResolveLeaf(ctx, "medieval", "walls")
	assert.NotSame(t, first, third)
	wait(t, third)
	assert.Equal(t, int32(2), p.opens.Load())
}

func TestInvalidateOncePerReload(t *testing.T) {
	p := newProvider(t, fixture())
	r := startResolver(t, p, Options{})
	ctx := context.Background()

	wait(t, r.ResolveLeaf(ctx, "medieval", "walls"))
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, 5*time.Millisecond)

	// Each subscriber of reload 1 invalidates and re-requests in turn.
	var futures []*Future[[]blueprint.Template]
	applied := 0
	for range 3 {
		if r.Invalidate("medieval", 1) {
			applied++
		}
		futures = append(futures, r.ResolveLeaf(ctx, "medieval", "walls"))
	}
	assert.Equal(t, 1, applied)
	for _, f := range futures[1:] {
		assert.Same(t, futures[0], f)
	}
	wait(t, futures[0])
	assert.Equal(t, int32(2), p.opens.Load())

	// Stale and repeated reloads are ignored, a newer one is not.
	assert.False(t, r.Invalidate("medieval", 1))
	assert.True(t, r.Invalidate("medieval", 2))
	assert.True(t, r.Invalidate("modern", 1))
}

func TestPartialFailureTolerance(t *testing.T) {
	files := fixture()
	files["packs/medieval/towers/a.blueprint"] = packtest.Plain()
	files["packs/medieval/towers/b.blueprint"] = packtest.Plain()
	files["packs/medieval/towers/c.blueprint"] = "anchor: [broken"
	files["packs/medieval/towers/d.blueprint"] = packtest.Plain()
	files["packs/medieval/towers/e.blueprint"] = packtest.Plain()

	core, logs := observer.New(zap.ErrorLevel)
	r := startResolver(t, newProvider(t, files), Options{Logger: zap.New(core)})

	f := r.ResolveLeaf(context.Background(), "medieval", "towers")
	tpls := wait(t, f)
	require.Len(t, tpls, 4)
	names := make([]string, len(tpls))
	for i, tpl := range tpls {
		names[i] = tpl.FileName()
	}
	assert.Equal(t, []string{"a", "b", "d", "e"}, names)

	entries := logs.FilterMessage("dropping template").All()
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].ContextMap()["key"].(string), "c.blueprint"))
}

func TestQueueFull(t *testing.T) {
	p := newProvider(t, fixture())
	// Not started: the single queue slot fills up.
	r := New(p, blueprint.NewYAMLDecoder(nil), Options{QueueSize: 1, Logger: zap.NewNop()})
	ctx := context.Background()

	queued := r.ResolveCategories(ctx, "medieval", "")
	rejected := r.ResolveCategories(ctx, "medieval", "houses")

	assert.False(t, queued.Done())
	require.True(t, rejected.Done())
	_, err := rejected.Result()
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, r.Pending(), "rejected key must not stay in flight")
}

func TestShutdownCompletesQueuedFutures(t *testing.T) {
	p := newProvider(t, fixture())
	p.gate = make(chan struct{})
	r := New(p, blueprint.NewYAMLDecoder(nil), Options{Workers: 1, Logger: zap.NewNop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Start(ctx)
		close(done)
	}()

	f1 := r.ResolveLeaf(context.Background(), "medieval", "walls")
	f2 := r.ResolveLeaf(context.Background(), "medieval", "houses/brick")
	cancel()
	<-done

	for _, f := range []*Future[[]blueprint.Template]{f1, f2} {
		require.True(t, f.Done())
		_, err := f.Result()
		assert.ErrorIs(t, err, context.Canceled)
	}

	late := r.ResolveLeaf(context.Background(), "medieval", "walls")
	_, err := late.Result()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFutureCallbacksAndSeq(t *testing.T) {
	r := startResolver(t, newProvider(t, fixture()), Options{Workers: 1})
	ctx := context.Background()

	var got atomic.Int32
	f1 := r.ResolveCategories(ctx, "medieval", "")
	f1.OnComplete(func(cats []models.Category, err error) {
		if err == nil {
			got.Store(int32(len(cats)))
		}
	})
	wait(t, f1)
	f2 := r.ResolveLeaf(ctx, "medieval", "walls")
	wait(t, f2)

	require.Eventually(t, func() bool { return got.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Greater(t, f2.Seq(), f1.Seq())

	called := false
	f1.OnComplete(func([]models.Category, error) { called = true })
	assert.True(t, called, "callback on a completed future runs immediately")
}
