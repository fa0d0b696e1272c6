// Package api provides the HTTP browse API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/catalog"
	"github.com/structurize/packcatalog/internal/events"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/metrics"
	"github.com/structurize/packcatalog/internal/preview"
	"github.com/structurize/packcatalog/internal/session"
	"github.com/structurize/packcatalog/pkg/models"
)

// Options configures a Server.
type Options struct {
	// PreviewKey prefixes the preview slot of every session.
	PreviewKey string
	// IdleTimeout closes sessions nobody used for this long. Zero uses
	// DefaultIdleTimeout.
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// DefaultIdleTimeout is the idle time after which a session is closed.
const DefaultIdleTimeout = 30 * time.Minute

// Server hosts browse sessions over HTTP.
type Server struct {
	catalog     *catalog.Catalog
	resolver    session.Resolver
	previews    *preview.Registry
	broadcaster *events.Broadcaster
	previewKey  string
	idleTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// entry serializes access to one session; its holder is the session owner.
type entry struct {
	mu sync.Mutex
	s  *session.Session
	// lastUsed is the unix nano time of the last request.
	lastUsed atomic.Int64
}

func newEntry(s *session.Session, now time.Time) *entry {
	e := &entry{s: s}
	e.lastUsed.Store(now.UnixNano())
	return e
}

func (e *entry) touch() { e.lastUsed.Store(time.Now().UnixNano()) }

func (e *entry) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastUsed.Load()))
}

// NewServer creates a new server.
func NewServer(cat *catalog.Catalog, res session.Resolver, previews *preview.Registry, broadcaster *events.Broadcaster, opts Options) *Server {
	if opts.PreviewKey == "" {
		opts.PreviewKey = preview.DefaultKey
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named(nil, "api")
	}
	return &Server{
		catalog:     cat,
		resolver:    res,
		previews:    previews,
		broadcaster: broadcaster,
		previewKey:  opts.PreviewKey,
		idleTimeout: opts.IdleTimeout,
		logger:      opts.Logger,
		sessions:    make(map[string]*entry),
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware(routePattern))
	r.Use(metrics.Middleware(routePattern))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Route("/packs", func(r chi.Router) {
			r.Get("/", s.handlePacks)
			r.Get("/{pack}", s.handlePack)
			r.Post("/{pack}/reload", s.handleReload)
			r.Get("/{pack}/search", s.handleSearch)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handlePoll)
				r.Delete("/", s.handleCloseSession)
				r.Post("/pack", s.handleSwitchPack)
				r.Post("/navigate", s.handleNavigate)
				r.Post("/back", s.handleBack)
				r.Post("/select", s.handleSelect)
				r.Post("/restore", s.handleRestore)
				r.Get("/preview", s.handleGetPreview)
				r.Put("/preview", s.handleUpdatePreview)
				r.Post("/cancel", s.handleCancel)
				r.Post("/place", s.handlePlace)
			})
		})
	})
	return r
}

// Close closes every session.
func (s *Server) Close() {
	s.mu.Lock()
	entries := s.sessions
	s.sessions = make(map[string]*entry)
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.s.Close()
		e.mu.Unlock()
	}
}

// RunSweeper closes idle sessions until ctx is done.
func (s *Server) RunSweeper(ctx context.Context) error {
	interval := s.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Sweep(ctx, now)
		}
	}
}

// Sweep closes the sessions idle at now for longer than the idle timeout,
// clearing their previews the way DELETE does, and returns how many it
// closed.
func (s *Server) Sweep(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var idle []*entry
	for id, e := range s.sessions {
		if e.idleSince(now) > s.idleTimeout {
			idle = append(idle, e)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, e := range idle {
		e.mu.Lock()
		s.closeSession(ctx, e.s)
		e.mu.Unlock()
		s.logger.Info("session expired", zap.String("session", e.s.Key()))
	}
	if len(idle) > 0 {
		metrics.RecordSessionsExpired(len(idle))
	}
	return len(idle)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"packs":    len(s.catalog.Packs()),
		"sessions": s.sessionCount(),
	})
}

// ─── Packs ──────────────────────────────────────────────────────────────────

func (s *Server) handlePacks(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{"packs": s.catalog.Packs()})
}

type packResponse struct {
	models.PackDescriptor
	Categories int      `json:"categories"`
	Leaves     int      `json:"leaves"`
	Templates  int      `json:"templates"`
	Problems   []string `json:"problems,omitempty"`
}

func (s *Server) handlePack(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pack")
	desc, err := s.catalog.Descriptor(name)
	if err != nil {
		s.sendError(w, http.StatusNotFound, err.Error())
		return
	}
	idx, err := s.catalog.Index(r.Context(), name)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	st := idx.Stats()
	resp := packResponse{
		PackDescriptor: desc,
		Categories:     st.Categories,
		Leaves:         st.Leaves,
		Templates:      st.Templates,
	}
	for _, p := range idx.Problems() {
		resp.Problems = append(resp.Problems, p.Error())
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pack")
	idx, err := s.catalog.Reload(r.Context(), name)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownPack) {
			s.sendError(w, http.StatusNotFound, err.Error())
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"pack": name, "built_at": idx.BuiltAt()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "pack")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	idx, err := s.catalog.Index(r.Context(), name)
	if err != nil {
		if errors.Is(err, catalog.ErrUnknownPack) {
			s.sendError(w, http.StatusNotFound, err.Error())
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"matches": idx.Search(r.URL.Query().Get("q"), limit)})
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	types := r.URL.Query()["type"]
	for _, t := range types {
		if !slices.Contains(events.Types, t) {
			s.sendError(w, http.StatusBadRequest, "unknown event type: "+t)
			return
		}
	}

	ch := s.broadcaster.Subscribe(types...)
	defer s.broadcaster.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
