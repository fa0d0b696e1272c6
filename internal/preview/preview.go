// Package preview holds the selected template, position and transform of
// each browsing session, keyed by an opaque session key.
package preview

import (
	"sort"
	"sync"

	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/metrics"
	"github.com/structurize/packcatalog/pkg/models"
)

// DefaultKey is the key of the build tool's own preview.
const DefaultKey = "blueprint"

// State is an immutable snapshot of one preview slot.
type State struct {
	Template  blueprint.Template
	Position  *models.Coordinate
	Transform models.RotationMirror
}

// HasTemplate reports whether a template is selected.
func (s State) HasTemplate() bool { return s.Template != nil }

func (s State) clone() State {
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}
	return s
}

// Registry maps session keys to preview state. Every method is atomic and
// a write is visible to every later read.
type Registry struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{states: make(map[string]State)}
}

// GetOrCreate returns the state of key, creating an empty slot if needed.
func (r *Registry) GetOrCreate(key string) State {
	r.mu.RLock()
	s, ok := r.states[key]
	r.mu.RUnlock()
	if ok {
		return s.clone()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[key]; ok {
		return s.clone()
	}
	r.states[key] = State{}
	return State{}
}

// Get returns the state of key without creating it.
func (r *Registry) Get(key string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[key]
	return s.clone(), ok
}

// Set replaces the whole slot.
func (r *Registry) Set(key string, tpl blueprint.Template, pos *models.Coordinate, transform models.RotationMirror) {
	r.update(key, func(s *State) {
		s.Template = tpl
		s.Position = pos
		s.Transform = transform
	})
}

// SetTemplate replaces the template and keeps position and transform.
func (r *Registry) SetTemplate(key string, tpl blueprint.Template) {
	r.update(key, func(s *State) { s.Template = tpl })
}

// SetPosition replaces the position and keeps template and transform.
func (r *Registry) SetPosition(key string, pos *models.Coordinate) {
	r.update(key, func(s *State) { s.Position = pos })
}

// SetTransform replaces the transform and keeps template and position.
func (r *Registry) SetTransform(key string, transform models.RotationMirror) {
	r.update(key, func(s *State) { s.Transform = transform })
}

func (r *Registry) update(key string, fn func(*State)) {
	r.mu.Lock()
	s := r.states[key]
	fn(&s)
	r.states[key] = s.clone()
	n := r.activeLocked()
	r.mu.Unlock()
	metrics.SetPreviewsActive(n)
}

// Clear removes the slot and returns its prior state so the caller can
// flush it before it is discarded.
func (r *Registry) Clear(key string) State {
	r.mu.Lock()
	prior := r.states[key]
	delete(r.states, key)
	n := r.activeLocked()
	r.mu.Unlock()
	metrics.SetPreviewsActive(n)
	return prior
}

// Keys returns the keys of all slots, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.states))
	for k := range r.states {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) activeLocked() int {
	n := 0
	for _, s := range r.states {
		if s.Template != nil {
			n++
		}
	}
	return n
}
