// Package events carries the gateway's internal lifecycle notifications:
// config diffs, fleet state transitions, auth challenges and validation
// failures. Subscribers receive events on buffered channels; a slow
// subscriber drops events rather than stalling the publisher.
package events

import (
	"sync"
	"time"

	"junction/pkg/logging"
)

// Type enumerates the event kinds published on the bus.
type Type string

const (
	// ServerAdded fires when a reload introduces a new server spec.
	ServerAdded Type = "SERVER_ADDED"
	// ServerRemoved fires when a reload drops a server spec.
	ServerRemoved Type = "SERVER_REMOVED"
	// ServerModified fires when a reload changes an existing spec.
	ServerModified Type = "SERVER_MODIFIED"
	// ServerStateChanged fires on outbound client state transitions.
	ServerStateChanged Type = "SERVER_STATE_CHANGED"
	// AuthRequired fires once per transition into AwaitingAuth.
	AuthRequired Type = "AUTH_REQUIRED"
	// ValidationError fires when a config entry or reload is rejected.
	ValidationError Type = "VALIDATION_ERROR"
	// PresetChanged fires when the preset store reports a change.
	PresetChanged Type = "PRESET_CHANGED"
	// ConfigReloaded fires after a reload pipeline run completes.
	ConfigReloaded Type = "CONFIG_RELOADED"
)

// Event is one bus notification. Only the fields relevant to the type
// are populated.
type Event struct {
	Type   Type
	Server string
	// Fields lists the changed field names for SERVER_MODIFIED.
	Fields []string
	// State carries the new state for SERVER_STATE_CHANGED.
	State string
	// AuthorizationURL carries the browser URL for AUTH_REQUIRED.
	AuthorizationURL string
	// Message carries human-readable detail (validation errors).
	Message string
	Time    time.Time
}

const subscriberBuffer = 100

// Bus is an in-process publish/subscribe fan-out.
type Bus struct {
	mu          sync.RWMutex
	subscribers []chan Event
	closed      bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber and returns its channel. The
// channel is closed when the bus shuts down.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers = append(b.subscribers, ch)
	return ch
}

// Publish delivers the event to every subscriber. Delivery is
// best-effort: a full subscriber channel drops the event with a
// warning instead of blocking the publisher.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			logging.Warn("EventBus", "Dropping %s event for %s: subscriber channel full", ev.Type, ev.Server)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
