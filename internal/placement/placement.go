// Package placement turns preview snapshots into placement requests and
// flushes cancelled previews to the remote authority.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/events"
	"github.com/structurize/packcatalog/internal/preview"
	"github.com/structurize/packcatalog/pkg/catpath"
	"github.com/structurize/packcatalog/pkg/models"
)

// ErrNoTemplate is returned when the preview holds nothing to place.
var ErrNoTemplate = errors.New("no template selected")

// Handler selects how the server places the template.
type Handler string

const (
	HandlerSurvival Handler = "survival"
	HandlerCreative Handler = "creative"
)

// ParseHandler parses a handler name. Empty means survival.
func ParseHandler(s string) (Handler, error) {
	switch Handler(s) {
	case "", HandlerSurvival:
		return HandlerSurvival, nil
	case HandlerCreative:
		return HandlerCreative, nil
	default:
		return "", fmt.Errorf("unknown placement handler %q", s)
	}
}

// Request is the placement message sent to the server.
type Request struct {
	Handler          Handler           `json:"handler"`
	ID               string            `json:"id,omitempty"`
	PackName         string            `json:"pack"`
	RelativeFilePath string            `json:"path"`
	Position         models.Coordinate `json:"pos"`
	Rotation         models.Rotation   `json:"rotation"`
	Mirror           bool              `json:"mirror"`
}

// RelativeFilePath returns the pack-relative file path of t.
func RelativeFilePath(t blueprint.Template) string {
	return catpath.Join(t.FilePath(), t.FileName()+blueprint.Extension)
}

// BuildRequest builds the placement request for state. A missing position
// places at the origin.
func BuildRequest(pack string, state preview.State, handler Handler, id string) (Request, error) {
	if !state.HasTemplate() {
		return Request{}, ErrNoTemplate
	}
	req := Request{
		Handler:          handler,
		ID:               id,
		PackName:         pack,
		RelativeFilePath: RelativeFilePath(state.Template),
		Rotation:         state.Transform.Rotation,
		Mirror:           state.Transform.Mirror,
	}
	if state.Position != nil {
		req.Position = *state.Position
	}
	return req, nil
}

// Syncer pushes preview state to the remote authority.
type Syncer interface {
	Sync(ctx context.Context, key string, state preview.State) error
}

// SyncFunc adapts a function to Syncer.
type SyncFunc func(ctx context.Context, key string, state preview.State) error

func (f SyncFunc) Sync(ctx context.Context, key string, state preview.State) error {
	return f(ctx, key, state)
}

// Cancel clears the preview slot and syncs the reset state, carrying the
// prior transform, before the snapshot is discarded. It returns the prior
// state.
func Cancel(ctx context.Context, reg *preview.Registry, key string, syncer Syncer) (preview.State, error) {
	prior := reg.Clear(key)
	reset := preview.State{
		Position:  &models.Coordinate{},
		Transform: prior.Transform,
	}
	if syncer == nil {
		return prior, nil
	}
	if err := syncer.Sync(ctx, key, reset); err != nil {
		return prior, fmt.Errorf("sync cancelled preview %q: %w", key, err)
	}
	return prior, nil
}

// BroadcastSyncer publishes preview-sync events.
type BroadcastSyncer struct {
	Events *events.Broadcaster
	// Pack is reported on every event.
	Pack func() string
}

// Sync implements Syncer.
func (b *BroadcastSyncer) Sync(ctx context.Context, key string, state preview.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var pack string
	if b.Pack != nil {
		pack = b.Pack()
	}
	b.Events.Publish(events.Event{
		Type:      events.EventPreviewSync,
		Pack:      pack,
		Key:       key,
		Payload:   Payload(state),
		Timestamp: time.Now().Unix(),
	})
	return nil
}

// Payload encodes state for events and API responses.
func Payload(state preview.State) map[string]any {
	p := map[string]any{
		"rotation": state.Transform.Rotation.String(),
		"mirror":   state.Transform.Mirror,
	}
	if state.Template != nil {
		p["template"] = RelativeFilePath(state.Template)
	}
	if state.Position != nil {
		p["pos"] = state.Position.String()
	}
	return p
}
