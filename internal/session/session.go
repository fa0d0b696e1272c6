// Package session implements the per-session browse cache: navigation
// depth, outstanding resolver futures, the resolved category listings and
// the leaf groupings, answered to the UI through a non-blocking Poll.
//
// A Session has a single owner. None of its methods are safe for
// concurrent use; callers that share a session serialize access.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/events"
	"github.com/structurize/packcatalog/internal/grouping"
	"github.com/structurize/packcatalog/internal/index"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/metrics"
	"github.com/structurize/packcatalog/internal/preview"
	"github.com/structurize/packcatalog/internal/resolver"
	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

var (
	// ErrNoPack is returned by navigation before a pack was opened.
	ErrNoPack = errors.New("no pack is open")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session is closed")
)

// InvalidPathError reports a selection id that matches nothing in the
// grouping cache.
type InvalidPathError struct {
	ID string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid blueprint name at depth: %q", e.ID)
}

// Resolver is the part of the resolver a session drives.
type Resolver interface {
	ResolveCategories(ctx context.Context, pack, path string) *resolver.Future[[]models.Category]
	ResolveLeaf(ctx context.Context, pack, path string) *resolver.Future[[]blueprint.Template]
	// Invalidate forgets the pack's results for the given reload. Repeated
	// calls for a reload already applied do nothing.
	Invalidate(pack string, reload uint64) bool
}

// Packs validates pack names on Open.
type Packs interface {
	Descriptor(name string) (models.PackDescriptor, error)
}

// Deps are the collaborators of a session. Packs and Events are optional.
type Deps struct {
	Resolver Resolver
	Previews *preview.Registry
	Packs    Packs
	Events   *events.Broadcaster
	Logger   *zap.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithViewer sets who is browsing.
func WithViewer(v models.Viewer) Option {
	return func(s *Session) { s.viewer = v }
}

// WithPreviewKey sets the preview slot the session writes selections to.
func WithPreviewKey(key string) Option {
	return func(s *Session) { s.previewKey = key }
}

// Session is one browsing context.
type Session struct {
	key        string
	previewKey string
	viewer     models.Viewer

	resolver Resolver
	previews *preview.Registry
	packs    Packs
	events   *events.Broadcaster
	sub      chan events.Event
	logger   *zap.Logger

	pack     string
	depth    string
	previous string
	// notice reports a failed navigation after the view was rolled back.
	notice error

	rootReq  *resolver.Future[[]models.Category]
	root     []models.Category
	rootDone bool
	rootErr  error

	categoryReqs map[string]*resolver.Future[[]models.Category]
	leafReqs     map[string]*resolver.Future[[]blueprint.Template]
	listings     map[string][]models.Category
	groupings    map[string]*grouping.LeafGrouping
	failures     map[string]error

	lastSelection string
	closed        bool
}

// New creates a session identified by key.
func New(key string, deps Deps, opts ...Option) *Session {
	s := &Session{
		key:        key,
		previewKey: preview.DefaultKey,
		resolver:   deps.Resolver,
		previews:   deps.Previews,
		packs:      deps.Packs,
		events:     deps.Events,
		logger:     deps.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.previews == nil {
		s.previews = preview.NewRegistry()
	}
	if s.logger == nil {
		s.logger = logging.Named(nil, "session")
	}
	s.logger = s.logger.With(zap.String("session", key))
	if s.events != nil {
		s.sub = s.events.Subscribe(events.EventPackReloaded)
	}
	s.reset()
	metrics.AddSessionsActive(1)
	return s
}

// Key returns the session key.
func (s *Session) Key() string { return s.key }

// PreviewKey returns the preview slot the session writes to.
func (s *Session) PreviewKey() string { return s.previewKey }

// Pack returns the active pack, empty before Open.
func (s *Session) Pack() string { return s.pack }

// Depth returns the current category path.
func (s *Session) Depth() string { return s.depth }

// Viewer returns who is browsing.
func (s *Session) Viewer() models.Viewer { return s.viewer }

func (s *Session) reset() {
	s.depth = catpath.Root
	s.previous = catpath.Root
	s.notice = nil
	s.rootReq = nil
	s.root = nil
	s.rootDone = false
	s.rootErr = nil
	s.categoryReqs = make(map[string]*resolver.Future[[]models.Category])
	s.leafReqs = make(map[string]*resolver.Future[[]blueprint.Template])
	s.listings = make(map[string][]models.Category)
	s.groupings = make(map[string]*grouping.LeafGrouping)
	s.failures = make(map[string]error)
}

// Open activates pack, switching if another pack is active, and requests
// its root categories. Reopening the active pack keeps the cached state.
func (s *Session) Open(ctx context.Context, pack string) error {
	if s.closed {
		return ErrClosed
	}
	if pack == "" {
		return ErrNoPack
	}
	if pack == s.pack {
		return nil
	}
	return s.SwitchPack(ctx, pack)
}

// SwitchPack drops every pending handle, clears the caches and the
// session's preview slot, then requests the root categories of pack.
func (s *Session) SwitchPack(ctx context.Context, pack string) error {
	if s.closed {
		return ErrClosed
	}
	if s.packs != nil {
		if _, err := s.packs.Descriptor(pack); err != nil {
			return err
		}
	}

	if s.pack != "" {
		s.logger.Debug("switching pack", zap.String("from", s.pack), zap.String("to", pack))
		s.previews.Clear(s.previewKey)
	}
	s.pack = pack
	s.lastSelection = ""
	s.reset()
	s.rootReq = s.resolver.ResolveCategories(ctx, pack, catpath.Root)
	return nil
}

// Navigate moves to path. A cached grouping or listing answers directly;
// otherwise the path's categories are requested and the page fills in on
// a later Poll. If the pack turns out not to hold path, the session returns
// to the depth it navigated from.
func (s *Session) Navigate(ctx context.Context, path string) error {
	if s.closed {
		return ErrClosed
	}
	if s.pack == "" {
		return ErrNoPack
	}
	path = catpath.Normalize(path)
	if path != s.depth {
		s.previous = s.depth
	}
	s.notice = nil
	s.moveTo(ctx, path)
	return nil
}

func (s *Session) moveTo(ctx context.Context, path string) {
	s.depth = path
	switch {
	case path == catpath.Root:
		if s.rootReq == nil && (!s.rootDone || s.rootErr != nil) {
			s.rootReq = s.resolver.ResolveCategories(ctx, s.pack, catpath.Root)
		}
	case s.groupings[path] != nil:
	case s.leafReqs[path] != nil:
	case s.listings[path] != nil:
		s.expand(ctx, s.listings[path])
	case s.categoryReqs[path] != nil:
	default:
		delete(s.failures, path)
		s.categoryReqs[path] = s.resolver.ResolveCategories(ctx, s.pack, path)
	}
}

// rollback abandons the current depth after its path proved unknown.
func (s *Session) rollback(ctx context.Context, err error) {
	target := s.previous
	if target == s.depth || s.failures[target] != nil {
		target = catpath.Root
	}
	s.logger.Warn("navigation failed, returning to previous page",
		zap.String("pack", s.pack),
		zap.String("path", s.depth),
		zap.String("previous", target),
		zap.Error(err))
	delete(s.failures, s.depth)
	s.previous = target
	s.notice = err
	s.moveTo(ctx, target)
}

// Back navigates to the parent of the current depth and returns it.
func (s *Session) Back(ctx context.Context) (string, error) {
	parent := catpath.Parent(s.depth)
	if err := s.Navigate(ctx, parent); err != nil {
		return s.depth, err
	}
	return parent, nil
}

// Poll applies every completed future in completion order and returns a
// snapshot of the session. It never blocks.
func (s *Session) Poll(ctx context.Context) Snapshot {
	if s.closed {
		return Snapshot{}
	}
	s.drainEvents(ctx)
	for s.applyCompleted(ctx) > 0 {
	}
	return s.snapshot()
}

type completion struct {
	seq   uint64
	pack  string
	apply func()
}

// applyCompleted applies what is done now and returns how many futures it
// consumed. Applying may issue new requests that are already complete.
func (s *Session) applyCompleted(ctx context.Context) int {
	var done []completion

	if f := s.rootReq; f != nil && f.Done() {
		s.rootReq = nil
		done = append(done, completion{f.Seq(), f.Pack(), func() { s.applyRoot(ctx, f) }})
	}
	for path, f := range s.categoryReqs {
		if f.Done() {
			delete(s.categoryReqs, path)
			done = append(done, completion{f.Seq(), f.Pack(), func() { s.applyCategories(ctx, path, f) }})
		}
	}
	for path, f := range s.leafReqs {
		if f.Done() {
			delete(s.leafReqs, path)
			done = append(done, completion{f.Seq(), f.Pack(), func() { s.applyLeaf(path, f) }})
		}
	}

	sort.Slice(done, func(i, j int) bool { return done[i].seq < done[j].seq })
	for _, c := range done {
		if c.pack != s.pack {
			s.logger.Debug("discarding completion for inactive pack",
				zap.String("pack", c.pack), zap.String("active", s.pack))
			continue
		}
		c.apply()
	}
	return len(done)
}

func (s *Session) applyRoot(ctx context.Context, f *resolver.Future[[]models.Category]) {
	cats, err := f.Result()
	s.rootDone = true
	if err != nil {
		s.rootErr = err
		s.logger.Warn("loading root categories failed", zap.String("pack", s.pack), zap.Error(err))
		return
	}
	s.root = cats
	s.expand(ctx, cats)
}

func (s *Session) applyCategories(ctx context.Context, path string, f *resolver.Future[[]models.Category]) {
	cats, err := f.Result()
	if err != nil {
		s.failures[path] = err
		if path == s.depth && errors.Is(err, index.ErrUnknownPath) {
			s.rollback(ctx, err)
			return
		}
		s.logger.Warn("loading categories failed",
			zap.String("pack", s.pack), zap.String("path", path), zap.Error(err))
		return
	}
	if len(cats) == 0 {
		s.leafReqs[path] = s.resolver.ResolveLeaf(ctx, s.pack, path)
		return
	}
	s.listings[path] = cats
	if path == s.depth {
		s.expand(ctx, cats)
	}
}

func (s *Session) applyLeaf(path string, f *resolver.Future[[]blueprint.Template]) {
	tpls, err := f.Result()
	if err != nil {
		s.failures[path] = err
		s.logger.Warn("loading templates failed",
			zap.String("pack", s.pack), zap.String("path", path), zap.Error(err))
		return
	}
	s.groupings[path] = grouping.Build(path, tpls, s.viewer)
}

// expand eagerly requests what the listed categories hold.
func (s *Session) expand(ctx context.Context, cats []models.Category) {
	for _, c := range cats {
		p := c.SubPath
		if c.IsTerminal {
			if s.groupings[p] == nil && s.leafReqs[p] == nil {
				s.leafReqs[p] = s.resolver.ResolveLeaf(ctx, s.pack, p)
			}
			continue
		}
		if s.listings[p] == nil && s.categoryReqs[p] == nil {
			s.categoryReqs[p] = s.resolver.ResolveCategories(ctx, s.pack, p)
		}
	}
}

func (s *Session) drainEvents(ctx context.Context) {
	if s.sub == nil {
		return
	}
	for {
		select {
		case e, ok := <-s.sub:
			if !ok {
				s.sub = nil
				return
			}
			if e.Type == events.EventPackReloaded && e.Pack == s.pack && s.pack != "" {
				s.invalidate(ctx, e.Generation)
			}
		default:
			return
		}
	}
}

// invalidate drops everything cached for the active pack and starts over at
// the same depth. The preview keeps its template. Only the first session to
// see a reload invalidates the resolver; the others share its requests.
func (s *Session) invalidate(ctx context.Context, reload uint64) {
	depth := s.depth
	first := s.resolver.Invalidate(s.pack, reload)
	s.logger.Info("pack reloaded, invalidating session cache",
		zap.String("pack", s.pack),
		zap.Uint64("generation", reload),
		zap.Bool("resolver_invalidated", first))
	s.reset()
	s.rootReq = s.resolver.ResolveCategories(ctx, s.pack, catpath.Root)
	if depth != catpath.Root {
		_ = s.Navigate(ctx, depth)
	}
}

// Close releases the event subscription. The preview slot is left to the
// caller, which may still need to flush it.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.sub != nil {
		s.events.Unsubscribe(s.sub)
		s.sub = nil
	}
	metrics.AddSessionsActive(-1)
}
