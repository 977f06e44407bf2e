// Package session implements the real-time session protocol engine: one
// bidirectional channel to the agent backend carrying chat traffic and
// out-of-band human-approval exchanges, reconciled across connection loss.
package session

import (
	"time"

	"tiller/internal/protocol"
)

// Role classifies a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleApproval  Role = "approval"
)

// ApprovalResult is the backend's resolution of an approval request.
type ApprovalResult struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Message   string `json:"message"`
}

// ChatMessage is one entry of the session transcript. Entries are
// append-only facts: produced from history or live traffic, or synthesized
// locally when the user sends a chat message before the server echo.
type ChatMessage struct {
	ID              string                    `json:"id"`
	Role            Role                      `json:"role"`
	Content         string                    `json:"content"`
	Timestamp       time.Time                 `json:"timestamp"`
	AgentID         string                    `json:"agent_id,omitempty"`
	ApprovalRequest *protocol.ApprovalRequest `json:"approval_request,omitempty"`
	ApprovalResult  *ApprovalResult           `json:"approval_result,omitempty"`
}

// TranscriptCache persists the reconciled transcript so a cold start can
// render the last known state before the channel connects.
type TranscriptCache interface {
	Replace(sessionID string, msgs []ChatMessage) error
	Append(sessionID string, msgs []ChatMessage) error
}
