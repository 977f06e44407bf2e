// Package api is the REST client for the backend's control surface. All
// endpoints wrap their payload in a {success, data?, error?} envelope; a
// 401 clears the held credential, which is the caller's signal to
// re-authenticate before reopening the session channel.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
)

// ErrUnauthorized reports a rejected credential. The stored token has
// already been cleared when this is returned.
var ErrUnauthorized = errors.New("unauthorized: credential rejected")

// APIError is a non-401 error response from the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %s (%d %s)", e.Message, e.StatusCode, e.Code)
}

// envelope is the standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client calls the backend REST surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialStore
}

// NewClient creates a client for the backend at baseURL. The credential
// store supplies the bearer token per request.
func NewClient(baseURL string, creds CredentialStore) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		creds: creds,
	}
}

// SetTimeout sets the per-request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// call executes one request and unwraps the envelope into result.
func (c *Client) call(method, path string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := c.creds.Token()
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if cerr := c.creds.Clear(); cerr != nil {
			return fmt.Errorf("clear credential: %w", cerr)
		}
		return ErrUnauthorized
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Code:       http.StatusText(resp.StatusCode),
			Message:    string(respBody),
		}
		var errResp struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("parse response envelope: %w", err)
	}
	if !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if result != nil {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("parse response data: %w", err)
		}
	}
	return nil
}

// Status returns the backend status summary.
func (c *Client) Status() (Status, error) {
	var st Status
	err := c.call(http.MethodGet, "/api/status", nil, &st)
	return st, err
}

// CheckCompat verifies the backend version satisfies the given minimum.
func (c *Client) CheckCompat(min string) error {
	constraint, err := semver.NewConstraint(">= " + min)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", min, err)
	}

	st, err := c.Status()
	if err != nil {
		return err
	}
	v, err := semver.NewVersion(st.Version)
	if err != nil {
		return fmt.Errorf("backend reported version %q: %w", st.Version, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("backend version %s is older than required %s", v, min)
	}
	return nil
}

// Sessions lists sessions with paging and optional channel/scope filters.
func (c *Client) Sessions(q SessionQuery) (Paginated[SessionSummary], error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.Channel != "" {
		params.Set("channel", q.Channel)
	}
	if q.Scope != "" {
		params.Set("scope", q.Scope)
	}

	path := "/api/sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page Paginated[SessionSummary]
	err := c.call(http.MethodGet, path, nil, &page)
	return page, err
}

// Session returns one session with its full message history.
func (c *Client) Session(id string) (SessionDetail, error) {
	var detail SessionDetail
	err := c.call(http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &detail)
	return detail, err
}

// UpdateSession patches session metadata.
func (c *Client) UpdateSession(id string, req UpdateSessionRequest) (SessionSummary, error) {
	var summary SessionSummary
	err := c.call(http.MethodPatch, "/api/sessions/"+url.PathEscape(id), req, &summary)
	return summary, err
}

// Channels lists the configured channels and their status.
func (c *Client) Channels() ([]ChannelInfo, error) {
	var channels []ChannelInfo
	err := c.call(http.MethodGet, "/api/channels", nil, &channels)
	return channels, err
}

// CronJobs lists the scheduled jobs.
func (c *Client) CronJobs() ([]CronJobInfo, error) {
	var jobs []CronJobInfo
	err := c.call(http.MethodGet, "/api/cron", nil, &jobs)
	return jobs, err
}

// UpdateCronJob patches a scheduled job. A schedule string in the request
// is validated locally so a typo never reaches the scheduler.
func (c *Client) UpdateCronJob(id string, req UpdateCronJobRequest) (CronJobInfo, error) {
	if req.Schedule != "" {
		if _, err := cron.ParseStandard(req.Schedule); err != nil {
			return CronJobInfo{}, fmt.Errorf("invalid cron schedule %q: %w", req.Schedule, err)
		}
	}
	var job CronJobInfo
	err := c.call(http.MethodPatch, "/api/cron/"+url.PathEscape(id), req, &job)
	return job, err
}

// Roles lists the agent roles.
func (c *Client) Roles() ([]RoleInfo, error) {
	var roles []RoleInfo
	err := c.call(http.MethodGet, "/api/roles", nil, &roles)
	return roles, err
}

// Skills lists the available skills.
func (c *Client) Skills() ([]SkillInfo, error) {
	var skills []SkillInfo
	err := c.call(http.MethodGet, "/api/skills", nil, &skills)
	return skills, err
}

// Skill returns one skill with its content.
func (c *Client) Skill(name string) (SkillDetail, error) {
	var detail SkillDetail
	err := c.call(http.MethodGet, "/api/skills/"+url.PathEscape(name), nil, &detail)
	return detail, err
}

// Config returns the sanitized backend configuration.
func (c *Client) Config() (map[string]interface{}, error) {
	var cfg map[string]interface{}
	err := c.call(http.MethodGet, "/api/config", nil, &cfg)
	return cfg, err
}

// Logs returns buffered backend log entries with filtering.
func (c *Client) Logs(q LogQuery) (Paginated[LogEntry], error) {
	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.Level != "" {
		params.Set("level", q.Level)
	}
	if q.Keyword != "" {
		params.Set("keyword", q.Keyword)
	}

	path := "/api/logs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var page Paginated[LogEntry]
	err := c.call(http.MethodGet, path, nil, &page)
	return page, err
}
