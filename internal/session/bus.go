package session

import (
	"sync"

	"tiller/internal/protocol"
)

// EventType discriminates bus events.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventHistorySynced     EventType = "history_synced"
	EventChatAppended      EventType = "chat_appended"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalResolved  EventType = "approval_resolved"
	EventApprovalExpired   EventType = "approval_expired"
	EventOrphanResult      EventType = "orphan_result"
	EventProtocolError     EventType = "protocol_error"
	EventServerError       EventType = "server_error"
)

// Event is the single typed envelope consumers receive. Which fields are
// set depends on Type.
type Event struct {
	Type      EventType
	State     ConnState
	SessionID string
	Messages  []ChatMessage
	Request   *protocol.ApprovalRequest
	RequestID string
	Outcome   Outcome
	Message   string
	Err       error
}

// Handler consumes bus events.
type Handler func(Event)

// Bus fans events out to subscribers in order. Dispatch runs over a
// snapshot of the subscriber list, so a handler added during dispatch does
// not receive the event currently being delivered.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns its unsubscribe function.
func (b *Bus) Subscribe(fn Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	// copy-on-write keeps in-flight dispatches on their own snapshot
	subs := make([]subscriber, len(b.subs), len(b.subs)+1)
	copy(subs, b.subs)
	b.subs = append(subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := make([]subscriber, 0, len(b.subs))
		for _, s := range b.subs {
			if s.id != id {
				subs = append(subs, s)
			}
		}
		b.subs = subs
	}
}

// Publish delivers the event to every subscriber present when the call
// started, in subscription order.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}
