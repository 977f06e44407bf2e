package session

import (
	"github.com/google/uuid"

	"tiller/internal/protocol"
	"tiller/pkg/logger"
)

// Reconciler merges the server's backlog snapshot with messages observed
// live during the connect race into one ordered, duplicate-free transcript.
//
// Between the connected acknowledgment and the history frame, live messages
// are buffered rather than rendered. Once the backlog arrives it becomes the
// authoritative prefix: buffered duplicates are dropped, survivors appended
// in arrival order, and the reconciler switches to pass-through.
type Reconciler struct {
	sessionID  string
	synced     bool
	buffer     []ChatMessage
	transcript []ChatMessage
	local      []ChatMessage // optimistic user sends awaiting server echo
}

// NewReconciler creates an unsynced reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// OnConnected starts a fresh reconciliation cycle for the session. The
// existing transcript is kept as a stale cache until the new backlog
// replaces it; unechoed local sends survive the reset.
func (r *Reconciler) OnConnected(sessionID string) {
	r.sessionID = sessionID
	r.synced = false
	r.buffer = nil
}

// SessionID returns the session of the current cycle.
func (r *Reconciler) SessionID() string {
	return r.sessionID
}

// Synced reports whether the backlog for the current cycle has arrived.
func (r *Reconciler) Synced() bool {
	return r.synced
}

// NoteLocal records an optimistic user send. It renders immediately and is
// re-appended after a reconnect backlog that does not yet include it.
func (r *Reconciler) NoteLocal(msg ChatMessage) []ChatMessage {
	r.local = append(r.local, msg)
	r.transcript = append(r.transcript, msg)
	return []ChatMessage{msg}
}

// OnLive handles a message observed on the wire. It returns the messages to
// append to the visible transcript; pre-history messages are buffered and
// return nothing.
func (r *Reconciler) OnLive(msg ChatMessage) []ChatMessage {
	if !r.synced {
		r.buffer = append(r.buffer, msg)
		return nil
	}
	r.transcript = append(r.transcript, msg)
	return []ChatMessage{msg}
}

// OnHistory installs the backlog as the authoritative transcript prefix and
// returns the full reconciled transcript.
func (r *Reconciler) OnHistory(backlog []protocol.HistoryMessage) []ChatMessage {
	base := make([]ChatMessage, 0, len(backlog))
	for _, h := range backlog {
		base = append(base, ChatMessage{
			ID:        uuid.NewString(),
			Role:      Role(h.Role),
			Content:   h.Content,
			Timestamp: h.Timestamp,
			AgentID:   h.AgentID,
		})
	}

	merged := base

	dropped := 0
	for _, m := range r.buffer {
		if containsExact(base, m) {
			dropped++
			continue
		}
		merged = append(merged, m)
	}

	// Optimistic sends already echoed in the backlog are done; the rest are
	// preserved after the refreshed prefix.
	var keep []ChatMessage
	for _, m := range r.local {
		if containsEcho(base, m) {
			continue
		}
		keep = append(keep, m)
		merged = append(merged, m)
	}
	r.local = keep

	if dropped > 0 {
		logger.Debug().Int("dropped", dropped).Str("session_id", r.sessionID).Msg("Dropped live duplicates of backlog entries")
	}

	r.buffer = nil
	r.transcript = merged
	r.synced = true
	return merged
}

// Transcript returns a copy of the current reconciled transcript.
func (r *Reconciler) Transcript() []ChatMessage {
	out := make([]ChatMessage, len(r.transcript))
	copy(out, r.transcript)
	return out
}

// containsExact matches on role, timestamp and content: the duplicate key
// for live frames raced against the backlog.
func containsExact(msgs []ChatMessage, m ChatMessage) bool {
	for _, c := range msgs {
		if c.Role == m.Role && c.Content == m.Content && c.Timestamp.Equal(m.Timestamp) {
			return true
		}
	}
	return false
}

// containsEcho matches an optimistic local send against its server echo.
// The server assigns its own timestamp, so the key is role and content.
func containsEcho(msgs []ChatMessage, m ChatMessage) bool {
	for _, c := range msgs {
		if c.Role == m.Role && c.Content == m.Content {
			return true
		}
	}
	return false
}
