package api

import (
	"encoding/json"
	"time"
)

// Status is the backend health and inventory summary from GET /api/status.
type Status struct {
	Running      bool   `json:"running"`
	Version      string `json:"version"`
	UptimeSecs   uint64 `json:"uptime_secs"`
	SessionCount int    `json:"session_count"`
	ChannelCount int    `json:"channel_count"`
	CronJobCount int    `json:"cron_job_count"`
	RoleCount    int    `json:"role_count"`
}

// Paginated wraps list responses that the backend pages server-side.
type Paginated[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID           string    `json:"id"`
	Channel      string    `json:"channel"`
	Scope        string    `json:"scope"`
	Identifier   string    `json:"identifier"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionQuery filters and pages the session list.
type SessionQuery struct {
	Page     int
	PageSize int
	Channel  string
	Scope    string
}

// SessionDetail carries full session metadata plus message history.
type SessionDetail struct {
	ID           string           `json:"id"`
	Channel      string           `json:"channel"`
	Scope        string           `json:"scope"`
	Identifier   string           `json:"identifier"`
	Participants []string         `json:"participants"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Messages     []SessionMessage `json:"messages"`
}

// SessionMessage is one history entry in a session detail.
type SessionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpdateSessionRequest is the PATCH /api/sessions/:id body.
type UpdateSessionRequest struct {
	Archived *bool `json:"archived,omitempty"`
}

// ChannelInfo describes one configured channel and its connection status.
type ChannelInfo struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Status  string `json:"status"` // connected, disconnected, error, disabled
}

// CronJobInfo describes one scheduled job.
type CronJobInfo struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Enabled     bool            `json:"enabled"`
	Schedule    json.RawMessage `json:"schedule"`
	Payload     json.RawMessage `json:"payload"`
	State       CronJobState    `json:"state"`
	CreatedAtMs int64           `json:"created_at_ms"`
	UpdatedAtMs int64           `json:"updated_at_ms"`
}

// CronJobState is the runtime state of a scheduled job.
type CronJobState struct {
	NextRunAtMs *int64  `json:"next_run_at_ms"`
	LastRunAtMs *int64  `json:"last_run_at_ms"`
	LastStatus  *string `json:"last_status"`
	LastError   *string `json:"last_error"`
}

// UpdateCronJobRequest is the PATCH /api/cron/:id body. Schedule, when set,
// is validated locally before the request is issued.
type UpdateCronJobRequest struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`
}

// RoleInfo is one agent role with its full configuration.
type RoleInfo struct {
	Name          string   `json:"name"`
	SystemPrompt  string   `json:"system_prompt"`
	Skills        []string `json:"skills"`
	Tools         []string `json:"tools"`
	Provider      string   `json:"provider"`
	Model         string   `json:"model"`
	MaxTokens     uint32   `json:"max_tokens"`
	Temperature   float32  `json:"temperature"`
	MaxIterations uint32   `json:"max_iterations"`
	WorkspaceDir  string   `json:"workspace_dir"`
}

// SkillInfo is one row of the skill list.
type SkillInfo struct {
	Name          string   `json:"name"`
	AssignedRoles []string `json:"assigned_roles"`
}

// SkillDetail carries the skill content.
type SkillDetail struct {
	Name          string   `json:"name"`
	Content       string   `json:"content"`
	AssignedRoles []string `json:"assigned_roles"`
}

// LogEntry is one buffered backend log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Target    string    `json:"target"`
	Message   string    `json:"message"`
}

// LogQuery filters and pages the log buffer.
type LogQuery struct {
	Page     int
	PageSize int
	Level    string
	Keyword  string
}
