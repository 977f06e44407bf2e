package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tiller/internal/protocol"
	"tiller/pkg/logger"
)

// Outcome is the terminal state of an approval exchange.
type Outcome int

const (
	OutcomeApproved Outcome = iota
	OutcomeDenied
	OutcomeExpired
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeDenied:
		return "denied"
	case OutcomeExpired:
		return "expired"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Resolution is delivered to the registered callback exactly once.
type Resolution struct {
	Outcome Outcome
	Message string
}

// ResolveFunc receives the resolution of a pending approval.
type ResolveFunc func(Resolution)

// ErrDuplicateRequest reports a pending approval registered twice under the
// same id. The backend contract guarantees uniqueness; a duplicate is a
// backend bug and is surfaced, never silently overwritten.
var ErrDuplicateRequest = errors.New("approval request already pending")

type pendingApproval struct {
	request  protocol.ApprovalRequest
	deadline time.Time
	resolve  ResolveFunc
}

// Approvals tracks in-flight human-approval exchanges keyed by request id,
// with deadline-based expiry and exactly-once resolution.
type Approvals struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewApprovals creates an empty registry.
func NewApprovals() *Approvals {
	return &Approvals{pending: make(map[string]*pendingApproval)}
}

// Register tracks a new approval exchange. The callback fires exactly once
// with the final outcome: resolved, expired or cancelled.
func (a *Approvals) Register(req protocol.ApprovalRequest, resolve ResolveFunc) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.pending[req.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	a.pending[req.ID] = &pendingApproval{
		request:  req,
		deadline: req.Deadline(),
		resolve:  resolve,
	}
	logger.Debug().Str("request_id", req.ID).Time("deadline", req.Deadline()).Msg("Approval registered")
	return nil
}

// Resolve completes the exchange for id. Returns false when no matching
// entry exists (an orphan result); a late or repeated resolve is a logged
// no-op that never invokes the callback twice.
func (a *Approvals) Resolve(id string, approved bool, message string) bool {
	a.mu.Lock()
	entry, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if !ok {
		logger.Warn().Str("request_id", id).Msg("Approval result with no pending request")
		return false
	}

	outcome := OutcomeDenied
	if approved {
		outcome = OutcomeApproved
	}
	entry.resolve(Resolution{Outcome: outcome, Message: message})
	return true
}

// ExpireOverdue removes every entry whose deadline has passed, resolving
// each with OutcomeExpired, and returns the original requests.
func (a *Approvals) ExpireOverdue(now time.Time) []protocol.ApprovalRequest {
	a.mu.Lock()
	var overdue []*pendingApproval
	for id, entry := range a.pending {
		if !now.Before(entry.deadline) {
			overdue = append(overdue, entry)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()

	requests := make([]protocol.ApprovalRequest, 0, len(overdue))
	for _, entry := range overdue {
		logger.Warn().Str("request_id", entry.request.ID).Msg("Approval timed out")
		entry.resolve(Resolution{Outcome: OutcomeExpired, Message: "approval timed out"})
		requests = append(requests, entry.request)
	}
	return requests
}

// CancelAll resolves every pending entry with OutcomeCancelled and empties
// the registry. Called on connection loss so callers never await across a
// dropped channel.
func (a *Approvals) CancelAll() []protocol.ApprovalRequest {
	a.mu.Lock()
	entries := make([]*pendingApproval, 0, len(a.pending))
	for _, entry := range a.pending {
		entries = append(entries, entry)
	}
	a.pending = make(map[string]*pendingApproval)
	a.mu.Unlock()

	requests := make([]protocol.ApprovalRequest, 0, len(entries))
	for _, entry := range entries {
		entry.resolve(Resolution{Outcome: OutcomeCancelled, Message: "connection lost"})
		requests = append(requests, entry.request)
	}
	return requests
}

// Pending returns the number of outstanding exchanges.
func (a *Approvals) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
