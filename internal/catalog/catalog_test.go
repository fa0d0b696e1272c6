package catalog

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/events"
	"github.com/structurize/packcatalog/internal/packtest"
	"github.com/structurize/packcatalog/internal/storage"
	"github.com/structurize/packcatalog/internal/storage/local"
)

func newCatalog(t *testing.T, files map[string]string) (*Catalog, string, *events.Broadcaster) {
	t.Helper()
	root := t.TempDir()
	packtest.Write(t, root, files)
	src, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)

	bus := events.NewBroadcaster()
	c := New(src, Options{Root: "packs", Logger: zap.NewNop(), Events: bus})
	_, err = c.Discover(context.Background())
	require.NoError(t, err)
	return c, root, bus
}

func fixture() map[string]string {
	return map[string]string{
		"packs/medieval/pack.json":                     packtest.Descriptor("Medieval"),
		"packs/medieval/houses/brick/house1.blueprint": packtest.Plain(),
		"packs/medieval/walls/wall.blueprint":          packtest.Plain(),
		"packs/modern/pack.json":                       packtest.Descriptor("Modern"),
		"packs/modern/towers/tower.blueprint":          packtest.Plain(),
		"packs/broken/pack.json":                       "{not json",
		"packs/nometa/walls/wall.blueprint":            packtest.Plain(),
	}
}

func TestDiscover(t *testing.T) {
	c, _, _ := newCatalog(t, fixture())

	packs := c.Packs()
	require.Len(t, packs, 2)
	assert.Equal(t, "Medieval", packs[0].Name)
	assert.Equal(t, "packs/medieval", packs[0].RootPath)
	assert.Equal(t, "local", packs[0].Source)
	assert.False(t, packs[0].Immutable)
	assert.Equal(t, "test pack", packs[0].Description)
	assert.Equal(t, "Modern", packs[1].Name)

	_, err := c.Descriptor("nometa")
	assert.ErrorIs(t, err, ErrUnknownPack)
}

func TestIndexIsBuiltOnce(t *testing.T) {
	c, _, _ := newCatalog(t, fixture())
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan any, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := c.Index(ctx, "Medieval")
			if err != nil {
				results <- err
				return
			}
			results <- idx
		}()
	}
	wg.Wait()
	close(results)

	var first any
	for r := range results {
		if first == nil {
			first = r
		}
		assert.Same(t, first, r)
	}

	_, err := c.Index(ctx, "Castles")
	assert.ErrorIs(t, err, ErrUnknownPack)
}

func TestReloadRebuildsAndPublishes(t *testing.T) {
	c, root, bus := newCatalog(t, fixture())
	ctx := context.Background()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	before, err := c.Index(ctx, "Medieval")
	require.NoError(t, err)
	_, err = before.Category("towers")
	assert.Error(t, err)

	packtest.Write(t, root, map[string]string{"packs/medieval/towers/tower.blueprint": packtest.Plain()})

	after, err := c.Reload(ctx, "Medieval")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	_, err = after.Category("towers")
	assert.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, events.EventPackReloaded, ev.Type)
		assert.Equal(t, "Medieval", ev.Pack)
		assert.Equal(t, uint64(1), ev.Generation)
	case <-time.After(time.Second):
		t.Fatal("no reload event")
	}
	assert.Equal(t, uint64(1), c.Generation("Medieval"))
	assert.Zero(t, c.Generation("Modern"))
}

// heldSource parks the first List call made after hold is set until
// release is closed. The listing is taken before parking.
type heldSource struct {
	storage.Source
	hold    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (h *heldSource) List(ctx context.Context, dir string) ([]storage.Entry, error) {
	entries, err := h.Source.List(ctx, dir)
	if h.hold.CompareAndSwap(true, false) {
		close(h.entered)
		<-h.release
	}
	return entries, err
}

func newHeldCatalog(t *testing.T) (*Catalog, string, *heldSource) {
	t.Helper()
	root := t.TempDir()
	packtest.Write(t, root, fixture())
	src, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)

	held := &heldSource{Source: src, entered: make(chan struct{}), release: make(chan struct{})}
	c := New(held, Options{Root: "packs", Logger: zap.NewNop()})
	_, err = c.Discover(context.Background())
	require.NoError(t, err)
	held.hold.Store(true)
	return c, root, held
}

func waitEntered(t *testing.T, h *heldSource) {
	t.Helper()
	select {
	case <-h.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("build never listed the pack")
	}
}

func TestReloadSupersedesInFlightBuild(t *testing.T) {
	c, root, held := newHeldCatalog(t)
	ctx := context.Background()

	stale := make(chan error, 1)
	go func() {
		_, err := c.Index(ctx, "Medieval")
		stale <- err
	}()
	waitEntered(t, held)

	packtest.Write(t, root, map[string]string{"packs/medieval/towers/tower.blueprint": packtest.Plain()})
	fresh, err := c.Reload(ctx, "Medieval")
	require.NoError(t, err)

	close(held.release)
	require.NoError(t, <-stale)

	current, err := c.Index(ctx, "Medieval")
	require.NoError(t, err)
	assert.Same(t, fresh, current)
	_, err = current.Category("towers")
	assert.NoError(t, err)
}

func TestBuildOutlivesCancelledCaller(t *testing.T) {
	c, _, held := newHeldCatalog(t)
	reqCtx, cancel := context.WithCancel(context.Background())

	first := make(chan error, 1)
	go func() {
		_, err := c.Index(reqCtx, "Medieval")
		first <- err
	}()
	waitEntered(t, held)

	joined := make(chan error, 1)
	go func() {
		idx, err := c.Index(context.Background(), "Medieval")
		if err == nil {
			_, err = idx.Category("walls")
		}
		joined <- err
	}()
	cancel()
	close(held.release)

	assert.NoError(t, <-first)
	assert.NoError(t, <-joined)
}

func TestOpenStaysInsidePack(t *testing.T) {
	c, _, _ := newCatalog(t, fixture())
	ctx := context.Background()

	rc, err := c.Open(ctx, "Medieval", "packs/medieval/walls/wall.blueprint")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Contains(t, string(data), "anchor")

	_, err = c.Open(ctx, "Medieval", "packs/modern/towers/tower.blueprint")
	assert.Error(t, err)
}

func TestWatchReloadsChangedPack(t *testing.T) {
	c, root, bus := newCatalog(t, fixture())
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, 20*time.Millisecond) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register directories.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "packs", "modern", "towers", "spire.blueprint"), []byte(packtest.Plain()), 0644))

	select {
	case ev := <-ch:
		assert.Equal(t, "Modern", ev.Pack)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload the pack")
	}
}
