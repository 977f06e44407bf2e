// Package protocol defines the wire messages exchanged with the agent
// backend over the session channel and the codec that encodes and decodes
// them. One JSON object per frame, discriminated by a "type" field.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client → server message types.
const (
	TypeChat             = "chat"
	TypeApprovalResponse = "approval_response"
	TypePing             = "ping"
)

// Server → client message types.
const (
	TypeChatResponse    = "chat_response"
	TypeApprovalRequest = "approval_request"
	TypeApprovalResult  = "approval_result"
	TypeError           = "error"
	TypePong            = "pong"
	TypeConnected       = "connected"
	TypeHistory         = "history"
)

// ApprovalRequest identifies a pending human decision on a command the
// backend wants to execute. Immutable once received.
type ApprovalRequest struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Channel        string    `json:"channel"`
	ChatID         string    `json:"chat_id"`
	Command        string    `json:"command"`
	WorkingDir     string    `json:"working_dir"`
	Context        string    `json:"context"`
	Timestamp      time.Time `json:"timestamp"`
	TimeoutSecs    int64     `json:"timeout_secs"`
	DisplayMessage string    `json:"display_message,omitempty"`
}

// Deadline returns the instant this request expires.
func (r *ApprovalRequest) Deadline() time.Time {
	return r.Timestamp.Add(time.Duration(r.TimeoutSecs) * time.Second)
}

// HistoryMessage is one entry of the server's backlog replay. AgentID is
// set when the backend attributes the entry to a specific agent (main or
// role) so the UI can label multi-agent threads.
type HistoryMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id,omitempty"`
}

// ClientMessage is one outbound frame. The valid variants are chat,
// approval_response and ping; use the constructors below rather than
// filling the struct by hand.
type ClientMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Approved  *bool  `json:"approved,omitempty"`
}

// NewChat builds a chat message.
func NewChat(content string) ClientMessage {
	return ClientMessage{Type: TypeChat, Content: content}
}

// NewApprovalResponse builds the human decision for a pending approval.
func NewApprovalResponse(requestID string, approved bool) ClientMessage {
	return ClientMessage{Type: TypeApprovalResponse, RequestID: requestID, Approved: &approved}
}

// NewPing builds a heartbeat probe.
func NewPing() ClientMessage {
	return ClientMessage{Type: TypePing}
}

// ServerMessage is one inbound frame. Which fields are populated depends
// on Type; Decode validates the per-variant requirements.
type ServerMessage struct {
	Type      string           `json:"type"`
	Content   string           `json:"content,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitzero"`
	Request   *ApprovalRequest `json:"request,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Approved  *bool            `json:"approved,omitempty"`
	Message   string           `json:"message,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Messages  []HistoryMessage `json:"messages"`
}

// Encode serializes an outbound message, rejecting variants outside the
// closed set and variants missing required fields.
func Encode(msg ClientMessage) ([]byte, error) {
	switch msg.Type {
	case TypeChat:
		if msg.Content == "" {
			return nil, fmt.Errorf("encode %s: empty content", msg.Type)
		}
	case TypeApprovalResponse:
		if msg.RequestID == "" {
			return nil, fmt.Errorf("encode %s: missing request_id", msg.Type)
		}
		if msg.Approved == nil {
			return nil, fmt.Errorf("encode %s: missing approved", msg.Type)
		}
	case TypePing:
	default:
		return nil, fmt.Errorf("encode: unknown message type %q", msg.Type)
	}
	return json.Marshal(msg)
}

// DecodeError reports a malformed or unrecognized inbound frame. It is an
// isolated failure: the offending frame is dropped and the channel stays
// open.
type DecodeError struct {
	Reason string
	Frame  []byte
}

func (e *DecodeError) Error() string {
	return "decode frame: " + e.Reason
}

// Decode parses an inbound frame into a ServerMessage. An unknown type or
// a variant missing required fields yields a *DecodeError.
func Decode(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Reason: err.Error(), Frame: data}
	}

	switch msg.Type {
	case TypeChatResponse:
		if msg.Timestamp.IsZero() {
			return nil, &DecodeError{Reason: "chat_response missing timestamp", Frame: data}
		}
	case TypeApprovalRequest:
		if msg.Request == nil {
			return nil, &DecodeError{Reason: "approval_request missing request", Frame: data}
		}
		if msg.Request.ID == "" {
			return nil, &DecodeError{Reason: "approval_request missing request id", Frame: data}
		}
	case TypeApprovalResult:
		if msg.RequestID == "" {
			return nil, &DecodeError{Reason: "approval_result missing request_id", Frame: data}
		}
		if msg.Approved == nil {
			return nil, &DecodeError{Reason: "approval_result missing approved", Frame: data}
		}
	case TypeError:
		if msg.Message == "" {
			return nil, &DecodeError{Reason: "error missing message", Frame: data}
		}
	case TypeConnected:
		if msg.SessionID == "" {
			return nil, &DecodeError{Reason: "connected missing session_id", Frame: data}
		}
	case TypeHistory:
		if msg.Messages == nil {
			return nil, &DecodeError{Reason: "history missing messages", Frame: data}
		}
	case TypePong:
	case "":
		return nil, &DecodeError{Reason: "missing type", Frame: data}
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message type %q", msg.Type), Frame: data}
	}
	return &msg, nil
}

// EncodeServer serializes a server message. Used by test harnesses and
// kept here so both directions of the codec live together.
func EncodeServer(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}
