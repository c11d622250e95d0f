// Package events provides a panic-recovering pub/sub broker used to
// surface BFT lifecycle events (batch proposed/signed/certified, leader
// committed, block materialized, peer disconnected) to subscribers
// such as metrics and logging.
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType labels what happened.
type EventType string

const (
	EventBatchProposed     EventType = "batch_proposed"
	EventBatchSigned       EventType = "batch_signed"
	EventBatchCertified    EventType = "batch_certified"
	EventRoundTimedOut     EventType = "round_timed_out"
	EventEquivocation      EventType = "equivocation_detected"
	EventLeaderCommitted   EventType = "leader_committed"
	EventLeaderSkipped     EventType = "leader_skipped"
	EventBlockMaterialized EventType = "block_materialized"
	EventGCAdvanced        EventType = "gc_advanced"
	EventPeerConnected     EventType = "peer_connected"
	EventPeerDisconnected  EventType = "peer_disconnected"
	EventSyncProgress      EventType = "sync_progress"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type   EventType      `json:"type"`
	Round  uint64         `json:"round,omitempty"`
	Height int64          `json:"height,omitempty"`
	Data   map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot crash the node or stall round progression.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logrus.WithField("event_type", ev.Type).Errorf("events: handler panicked: %v", r)
				}
			}()
			h(ev)
		}()
	}
}
