// Package client talks to an interlock server over HTTP. Client satisfies
// storage.Store, so code written against the local store works unchanged
// against a shared server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/monitor"
	"github.com/mistakeknot/interlock/internal/picker"
	"github.com/mistakeknot/interlock/internal/storage"
)

var _ storage.Store = (*Client)(nil)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	Project string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

// WithProject sets the project used when a call passes an empty one.
func WithProject(project string) Option {
	return func(c *Client) {
		c.Project = strings.TrimSpace(project)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) project(p string) string {
	if strings.TrimSpace(p) == "" {
		return c.Project
	}
	return p
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

func (c *Client) RegisterAgent(ctx context.Context, reg core.AgentRegistration) (core.Agent, error) {
	var out wireAgent
	err := c.do(ctx, http.MethodPost, "/api/agents", map[string]any{
		"project":          c.project(reg.Project),
		"name":             reg.Name,
		"program":          reg.Program,
		"model":            reg.Model,
		"task_description": reg.TaskDescription,
	}, &out)
	return out.core(), err
}

func (c *Client) Touch(ctx context.Context, project, name string) (core.Agent, error) {
	var out wireAgent
	err := c.do(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(name)+"/heartbeat",
		map[string]any{"project": c.project(project)}, &out)
	return out.core(), err
}

func (c *Client) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	var out wireAgent
	err := c.do(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(name)+c.query(project, nil), nil, &out)
	return out.core(), err
}

func (c *Client) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	var out struct {
		Agents []wireAgent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agents"+c.query(project, nil), nil, &out); err != nil {
		return nil, err
	}
	agents := make([]core.Agent, 0, len(out.Agents))
	for _, a := range out.Agents {
		agents = append(agents, a.core())
	}
	return agents, nil
}

func (c *Client) Reserve(ctx context.Context, req core.ReserveRequest) ([]core.Reservation, error) {
	var out reservationsBody
	err := c.do(ctx, http.MethodPost, "/api/reservations", map[string]any{
		"project":     c.project(req.Project),
		"agent":       req.Agent,
		"patterns":    req.Patterns,
		"ttl_seconds": int(req.TTL / time.Second),
		"exclusive":   req.Exclusive,
		"reason":      req.Reason,
	}, &out)
	return out.core(), err
}

func (c *Client) Release(ctx context.Context, req core.ReleaseRequest) ([]core.Reservation, error) {
	var out reservationsBody
	err := c.do(ctx, http.MethodPost, "/api/reservations/release", map[string]any{
		"project":  c.project(req.Project),
		"agent":    req.Agent,
		"patterns": req.Patterns,
		"all":      req.All,
	}, &out)
	return out.core(), err
}

func (c *Client) ReleaseByID(ctx context.Context, project, agent, id string) (core.Reservation, error) {
	var out reservationsBody
	err := c.do(ctx, http.MethodPost, "/api/reservations/release", map[string]any{
		"project": c.project(project),
		"agent":   agent,
		"id":      id,
	}, &out)
	if err != nil {
		return core.Reservation{}, err
	}
	if len(out.Reservations) != 1 {
		return core.Reservation{}, fmt.Errorf("release %s: server returned %d reservations", id, len(out.Reservations))
	}
	return out.Reservations[0].core(), nil
}

func (c *Client) ActiveReservations(ctx context.Context, filter core.ReservationFilter) ([]core.Reservation, error) {
	extra := url.Values{}
	if filter.Agent != "" {
		extra.Set("agent", filter.Agent)
	}
	var out reservationsBody
	err := c.do(ctx, http.MethodGet, "/api/reservations"+c.query(filter.Project, extra), nil, &out)
	return out.core(), err
}

func (c *Client) CheckPaths(ctx context.Context, project, agent string, paths []string) ([]core.PathConflict, error) {
	var out struct {
		Conflicts []struct {
			Path        string          `json:"path"`
			Reservation wireReservation `json:"reservation"`
		} `json:"conflicts"`
	}
	err := c.do(ctx, http.MethodPost, "/api/reservations/check", map[string]any{
		"project": c.project(project),
		"agent":   agent,
		"paths":   paths,
	}, &out)
	if err != nil {
		return nil, err
	}
	conflicts := make([]core.PathConflict, 0, len(out.Conflicts))
	for _, pc := range out.Conflicts {
		conflicts = append(conflicts, core.PathConflict{Path: pc.Path, Reservation: pc.Reservation.core()})
	}
	return conflicts, nil
}

func (c *Client) SendMessage(ctx context.Context, draft core.Draft) (core.Message, error) {
	body := map[string]any{
		"project":      c.project(draft.Project),
		"from":         draft.From,
		"to":           draft.To,
		"cc":           draft.CC,
		"subject":      draft.Subject,
		"body":         draft.Body,
		"thread_id":    draft.ThreadID,
		"importance":   string(draft.Importance),
		"ack_required": draft.AckRequired,
	}
	if draft.ExpiresAt != nil {
		body["expires_at"] = draft.ExpiresAt.UTC()
	}
	var out wireMessage
	err := c.do(ctx, http.MethodPost, "/api/messages", body, &out)
	return out.core(), err
}

func (c *Client) GetMessage(ctx context.Context, project, id string) (core.Message, error) {
	var out wireMessage
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(id)+c.query(project, nil), nil, &out)
	return out.core(), err
}

func (c *Client) Inbox(ctx context.Context, project, agent string, opts core.InboxOptions) ([]core.InboxItem, error) {
	extra := url.Values{}
	if opts.UnreadOnly {
		extra.Set("unread", "true")
	}
	if opts.ThreadID != "" {
		extra.Set("thread", opts.ThreadID)
	}
	if opts.MarkRead {
		extra.Set("mark_read", "true")
	}
	if opts.Limit > 0 {
		extra.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out inboxBody
	if err := c.do(ctx, http.MethodGet, "/api/inbox/"+url.PathEscape(agent)+c.query(project, extra), nil, &out); err != nil {
		return nil, err
	}
	return out.core(), nil
}

// Thread returns a thread as agent sees it, oldest first.
func (c *Client) Thread(ctx context.Context, project, agent, threadID string) ([]core.InboxItem, error) {
	extra := url.Values{"agent": {agent}}
	var out inboxBody
	if err := c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadID)+c.query(project, extra), nil, &out); err != nil {
		return nil, err
	}
	return out.core(), nil
}

func (c *Client) MarkRead(ctx context.Context, project, messageID, agent string) error {
	return c.messageAction(ctx, project, messageID, agent, "read", "", nil)
}

func (c *Client) Ack(ctx context.Context, project, messageID, agent string) error {
	return c.messageAction(ctx, project, messageID, agent, "ack", "", nil)
}

func (c *Client) Reply(ctx context.Context, project, messageID, agent, body string) (core.Message, error) {
	var out wireMessage
	err := c.messageAction(ctx, project, messageID, agent, "reply", body, &out)
	return out.core(), err
}

func (c *Client) messageAction(ctx context.Context, project, messageID, agent, action, body string, out any) error {
	payload := map[string]any{"project": c.project(project), "agent": agent}
	if body != "" {
		payload["body"] = body
	}
	return c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/"+action, payload, out)
}

func (c *Client) Search(ctx context.Context, project string, q core.SearchQuery) ([]core.Message, error) {
	extra := url.Values{"q": {q.Text}}
	if q.ThreadID != "" {
		extra.Set("thread", q.ThreadID)
	}
	if q.Limit > 0 {
		extra.Set("limit", strconv.Itoa(q.Limit))
	}
	var out struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/search"+c.query(project, extra), nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]core.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, m.core())
	}
	return msgs, nil
}

func (c *Client) PendingAcks(ctx context.Context, project, agent string) ([]core.PendingAck, error) {
	extra := url.Values{}
	if agent != "" {
		extra.Set("agent", agent)
	}
	var out struct {
		Pending []wirePendingAck `json:"pending"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/acks/pending"+c.query(project, extra), nil, &out); err != nil {
		return nil, err
	}
	pending := make([]core.PendingAck, 0, len(out.Pending))
	for _, p := range out.Pending {
		pending = append(pending, p.core())
	}
	return pending, nil
}

// DetectRequest names a session for the server's supervisor to read, or
// carries Output to classify directly.
type DetectRequest struct {
	SessionID   string          `json:"session_id,omitempty"`
	Agent       string          `json:"agent,omitempty"`
	Project     string          `json:"project,omitempty"`
	Output      *string         `json:"output,omitempty"`
	CurrentTask string          `json:"current_task,omitempty"`
	LastClosed  *ClosedTaskInfo `json:"last_closed,omitempty"`
}

type ClosedTaskInfo struct {
	ID       string    `json:"id"`
	ClosedAt time.Time `json:"closed_at"`
}

func (c *Client) Detect(ctx context.Context, req DetectRequest) (monitor.Observation, error) {
	var out monitor.Observation
	err := c.do(ctx, http.MethodPost, "/api/sessions/detect", req, &out)
	return out, err
}

// Next asks the server's tracker for the task to pick up after completedID.
// A nil pick means nothing is eligible.
func (c *Client) Next(ctx context.Context, project, completedID string, preferEpic bool) (*picker.Pick, error) {
	var out struct {
		Next *picker.Pick `json:"next"`
	}
	err := c.do(ctx, http.MethodPost, "/api/next", map[string]any{
		"project":      project,
		"completed_id": completedID,
		"prefer_epic":  preferEpic,
	}, &out)
	return out.Next, err
}

// Close is a no-op; the server owns the store.
func (c *Client) Close() error { return nil }

func (c *Client) query(project string, extra url.Values) string {
	v := url.Values{}
	for k, vals := range extra {
		v[k] = vals
	}
	if p := c.project(project); p != "" {
		v.Set("project", p)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
