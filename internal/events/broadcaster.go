// Package events fans catalog and preview changes out to sessions, the
// resolver and event-stream clients.
package events

import (
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/structurize/packcatalog/internal/metrics"
)

const (
	// EventPackReloaded is published after a pack's index was rebuilt.
	EventPackReloaded = "pack_reloaded"
	// EventPreviewSync carries a preview snapshot to the remote authority.
	EventPreviewSync = "preview_sync"
)

// Types lists every event type the broadcaster carries.
var Types = []string{EventPackReloaded, EventPreviewSync}

// SubscriberBuffer is the number of events a subscriber may fall behind
// before further events are dropped for it.
const SubscriberBuffer = 64

// Event is a change notification.
type Event struct {
	Type string `json:"type"`
	Pack string `json:"pack"`
	Key  string `json:"key,omitempty"`
	// Generation identifies a pack reload; it increases with every reload
	// of the same pack.
	Generation uint64         `json:"generation,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Broadcaster delivers published events to subscribers without blocking
// the publisher.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[chan Event][]string
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event][]string)}
}

// Subscribe registers a subscriber for the given event types, or for every
// type when none are given. The caller must Unsubscribe when done.
func (b *Broadcaster) Subscribe(types ...string) chan Event {
	ch := make(chan Event, SubscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = slices.Clone(types)
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Repeated calls
// are no-ops.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish stamps e and hands it to every subscriber interested in its type.
// A subscriber whose buffer is full misses the event.
func (b *Broadcaster) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	metrics.RecordEvent(e.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, types := range b.subs {
		if len(types) > 0 && !slices.Contains(types, e.Type) {
			continue
		}
		select {
		case ch <- e:
		default:
			metrics.RecordEventDropped(e.Type)
		}
	}
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// MarshalEvent encodes e as the data line of an event stream frame.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
