package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Event is one push from the server. Fields not relevant to Type are empty;
// Raw keeps the full payload.
type Event struct {
	Type          string    `json:"type"`
	Project       string    `json:"project"`
	Agent         string    `json:"agent,omitempty"`
	MessageID     string    `json:"message_id,omitempty"`
	ThreadID      string    `json:"thread_id,omitempty"`
	From          string    `json:"from,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Importance    string    `json:"importance,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	PathPattern   string    `json:"path_pattern,omitempty"`
	Exclusive     bool      `json:"exclusive,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	State         string    `json:"state,omitempty"`
	Previous      string    `json:"previous,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// EventHandler is called for each event received via WebSocket
type EventHandler func(event Event)

// WSClient listens for events addressed to one agent and to its project.
type WSClient struct {
	baseURL   string
	apiKey    string
	project   string
	agent     string
	types     []string
	conn      *websocket.Conn
	handlers  []EventHandler
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	reconnect bool
}

// WSOption configures the WebSocket client
type WSOption func(*WSClient)

func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) {
		c.apiKey = key
	}
}

func WithWSProject(project string) WSOption {
	return func(c *WSClient) {
		c.project = project
	}
}

// WithWSEventTypes asks the server to deliver only these event types.
func WithWSEventTypes(types ...string) WSOption {
	return func(c *WSClient) {
		c.types = append(c.types, types...)
	}
}

// WithAutoReconnect enables automatic reconnection on disconnect
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

func NewWSClient(baseURL, agent string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   baseURL,
		agent:     agent,
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEvent registers an event handler
func (c *WSClient) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the server and starts dispatching events in the background.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *WSClient) dial(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + c.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "client closing")
		}
	})
	return err
}

func (c *WSClient) buildWSURL() (string, error) {
	if c.agent == "" {
		return "", fmt.Errorf("agent required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/agents/" + url.PathEscape(c.agent)
	q := u.Query()
	if c.project != "" {
		q.Set("project", c.project)
	}
	if len(c.types) > 0 {
		q.Set("types", strings.Join(c.types, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			if !c.reconnect || !c.handleReconnect(ctx) {
				return
			}
			continue
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			continue
		}
		event.Raw = raw
		c.dispatchEvent(event)
	}
}

func (c *WSClient) dispatchEvent(event Event) {
	c.mu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// handleReconnect redials with capped exponential backoff. It reports false
// when the client was closed or ctx ended first.
func (c *WSClient) handleReconnect(ctx context.Context) bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err == nil {
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// FilteredEventHandler passes on only events whose type is listed. No types
// means every event.
func FilteredEventHandler(types []string, handler EventHandler) EventHandler {
	return func(event Event) {
		if len(types) == 0 {
			handler(event)
			return
		}
		for _, t := range types {
			if event.Type == t {
				handler(event)
				return
			}
		}
	}
}
