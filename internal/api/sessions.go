package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/structurize/packcatalog/internal/catalog"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/placement"
	"github.com/structurize/packcatalog/internal/session"
	"github.com/structurize/packcatalog/pkg/models"
)

type createSessionRequest struct {
	Pack   string        `json:"pack"`
	Viewer models.Viewer `json:"viewer"`
}

type sessionResponse struct {
	ID         string           `json:"id"`
	PreviewKey string           `json:"preview_key"`
	Snapshot   session.Snapshot `json:"snapshot"`
	Preview    map[string]any   `json:"preview"`
}

type selectionResponse struct {
	session.Selection
	Template string           `json:"template,omitempty"`
	Restored *bool            `json:"restored,omitempty"`
	Snapshot session.Snapshot `json:"snapshot"`
}

type previewRequest struct {
	Position *models.Coordinate `json:"pos"`
	Rotation *models.Rotation   `json:"rotation"`
	Mirror   *bool              `json:"mirror"`
}

type placeRequest struct {
	Handler string `json:"handler"`
	ID      string `json:"id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.NewString()
	sess := session.New(id, session.Deps{
		Resolver: s.resolver,
		Previews: s.previews,
		Packs:    s.catalog,
		Events:   s.broadcaster,
		Logger:   s.logger,
	}, session.WithViewer(req.Viewer), session.WithPreviewKey(s.previewKey+":"+id))

	if req.Pack != "" {
		if err := sess.Open(r.Context(), req.Pack); err != nil {
			sess.Close()
			s.sendSessionError(w, err)
			return
		}
	}

	e := newEntry(sess, time.Now())
	s.mu.Lock()
	s.sessions[id] = e
	s.mu.Unlock()

	s.logger.Info("session opened",
		zap.String("session", id),
		zap.String("pack", req.Pack),
		zap.String("viewer", req.Viewer.Name))

	e.mu.Lock()
	defer e.mu.Unlock()
	s.sendJSON(w, http.StatusCreated, s.sessionView(r, sess))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		s.sendError(w, http.StatusNotFound, "session not found")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s.closeSession(r.Context(), e.s)
	w.WriteHeader(http.StatusNoContent)
}

// closeSession cancels the session's preview and closes it. The caller
// owns the session and has removed it from the table.
func (s *Server) closeSession(ctx context.Context, sess *session.Session) {
	if _, err := placement.Cancel(ctx, s.previews, sess.PreviewKey(), s.syncer(sess)); err != nil {
		s.logger.Warn("cancel preview on close", zap.String("session", sess.Key()), zap.Error(err))
	}
	sess.Close()
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session.Session) {
		s.sendJSON(w, http.StatusOK, s.sessionView(r, sess))
	})
}

func (s *Server) handleSwitchPack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pack string `json:"pack"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.withSession(w, r, func(sess *session.Session) {
		if err := sess.Open(r.Context(), req.Pack); err != nil {
			s.sendSessionError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, s.sessionView(r, sess))
	})
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.withSession(w, r, func(sess *session.Session) {
		if err := sess.Navigate(r.Context(), req.Path); err != nil {
			s.sendSessionError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, s.sessionView(r, sess))
	})
}

func (s *Server) handleBack(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session.Session) {
		if _, err := sess.Back(r.Context()); err != nil {
			s.sendSessionError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, s.sessionView(r, sess))
	})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.withSession(w, r, func(sess *session.Session) {
		sel, err := sess.Select(req.ID)
		if err != nil {
			s.sendSessionError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, s.selectionView(r, sess, sel, nil))
	})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session.Session) {
		sel, ok, err := sess.Restore()
		if err != nil {
			s.sendSessionError(w, err)
			return
		}
		s.sendJSON(w, http.StatusOK, s.selectionView(r, sess, sel, &ok))
	})
}

func (s *Server) handleGetPreview(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session.Session) {
		s.sendJSON(w, http.StatusOK, placement.Payload(s.previews.GetOrCreate(sess.PreviewKey())))
	})
}

func (s *Server) handleUpdatePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Rotation != nil && (*req.Rotation < models.RotateNone || *req.Rotation > models.Rotate270) {
		s.sendError(w, http.StatusBadRequest, "rotation must be between 0 and 3")
		return
	}
	s.withSession(w, r, func(sess *session.Session) {
		key := sess.PreviewKey()
		if req.Position != nil {
			s.previews.SetPosition(key, req.Position)
		}
		if req.Rotation != nil || req.Mirror != nil {
			transform := s.previews.GetOrCreate(key).Transform
			if req.Rotation != nil {
				transform.Rotation = *req.Rotation
			}
			if req.Mirror != nil {
				transform.Mirror = *req.Mirror
			}
			s.previews.SetTransform(key, transform)
		}

		state := s.previews.GetOrCreate(key)
		if err := s.syncer(sess).Sync(r.Context(), key, state); err != nil {
			s.sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.sendJSON(w, http.StatusOK, placement.Payload(state))
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(sess *session.Session) {
		if _, err := placement.Cancel(r.Context(), s.previews, sess.PreviewKey(), s.syncer(sess)); err != nil {
			s.sendError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.sendJSON(w, http.StatusOK, s.sessionView(r, sess))
	})
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := decodeBody(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	handler, err := placement.ParseHandler(req.Handler)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.withSession(w, r, func(sess *session.Session) {
		key := sess.PreviewKey()
		state := s.previews.GetOrCreate(key)
		if state.HasTemplate() && !sess.CanBuild(state.Template) {
			s.sendError(w, http.StatusForbidden, "requirements not met")
			return
		}
		placed, err := placement.BuildRequest(sess.Pack(), state, handler, req.ID)
		if err != nil {
			s.sendError(w, http.StatusConflict, err.Error())
			return
		}

		// Survival placement consumes the preview.
		if handler == placement.HandlerSurvival {
			if _, err := placement.Cancel(r.Context(), s.previews, key, s.syncer(sess)); err != nil {
				s.logger.Warn("cancel preview after placement", zap.String("session", sess.Key()), zap.Error(err))
			}
		}

		logging.WithContext(r.Context()).Info("placement requested",
			zap.String("session", sess.Key()),
			zap.String("pack", placed.PackName),
			zap.String("path", placed.RelativeFilePath),
			zap.String("handler", string(placed.Handler)))
		s.sendJSON(w, http.StatusOK, placed)
	})
}

// withSession runs fn while holding the session's lock.
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, fn func(*session.Session)) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		s.sendError(w, http.StatusNotFound, "session not found")
		return
	}

	e.touch()
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.s)
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) syncer(sess *session.Session) placement.Syncer {
	return &placement.BroadcastSyncer{Events: s.broadcaster, Pack: sess.Pack}
}

func (s *Server) sessionView(r *http.Request, sess *session.Session) sessionResponse {
	return sessionResponse{
		ID:         sess.Key(),
		PreviewKey: sess.PreviewKey(),
		Snapshot:   sess.Poll(r.Context()),
		Preview:    placement.Payload(s.previews.GetOrCreate(sess.PreviewKey())),
	}
}

func (s *Server) selectionView(r *http.Request, sess *session.Session, sel session.Selection, restored *bool) selectionResponse {
	resp := selectionResponse{
		Selection: sel,
		Restored:  restored,
		Snapshot:  sess.Poll(r.Context()),
	}
	if sel.Template != nil {
		resp.Template = placement.RelativeFilePath(sel.Template)
	}
	return resp
}

func (s *Server) sendSessionError(w http.ResponseWriter, err error) {
	var invalid *session.InvalidPathError
	switch {
	case errors.As(err, &invalid):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, catalog.ErrUnknownPack):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNoPack):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		s.sendError(w, http.StatusGone, err.Error())
	default:
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}
