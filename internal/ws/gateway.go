// Package ws pushes coordination events to agents over websockets.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/auth"
	"github.com/mistakeknot/interlock/internal/core"
)

const writeTimeout = 5 * time.Second

// listener is one connected agent. types, when non-nil, limits delivery to
// the listed event types.
type listener struct {
	conn    *websocket.Conn
	project string
	agent   string
	types   map[string]bool
}

func (l *listener) wants(eventType string) bool {
	return l.types == nil || l.types[eventType]
}

// Hub fans events out to listeners keyed by project slug. Listeners only
// receive; anything they send is discarded.
type Hub struct {
	mu        sync.RWMutex
	byProject map[string]map[*listener]struct{}
	logger    *slog.Logger
}

func NewHub() *Hub {
	return &Hub{
		byProject: make(map[string]map[*listener]struct{}),
		logger:    slog.Default().With("component", "ws"),
	}
}

func projectKey(project string) string {
	if strings.TrimSpace(project) == "" {
		return ""
	}
	return core.ProjectSlug(project)
}

// parseTypes reads the comma separated ?types= filter. Empty means all.
func parseTypes(raw string) map[string]bool {
	var out map[string]bool
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			if out == nil {
				out = make(map[string]bool)
			}
			out[t] = true
		}
	}
	return out
}

// Handler serves /ws/agents/{agent}?project=...&types=.... API-key callers
// are pinned to their key's project; localhost callers must name one.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/agents/"), "/")
		if agent == "" {
			http.Error(w, "agent required", http.StatusBadRequest)
			return
		}
		requested := projectKey(r.URL.Query().Get("project"))
		info, _ := auth.FromContext(r.Context())
		project := requested
		if info.Mode == auth.ModeAPIKey {
			project = projectKey(info.Project)
			if requested != "" && requested != project {
				http.Error(w, "project not covered by api key", http.StatusForbidden)
				return
			}
		}
		if project == "" {
			http.Error(w, "project required", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket accept failed", "agent", agent, "error", err)
			return
		}

		l := &listener{conn: conn, project: project, agent: agent, types: parseTypes(r.URL.Query().Get("types"))}
		h.add(l)
		defer h.remove(l)
		h.logger.Debug("listener connected", "project", project, "agent", agent)

		for {
			var v any
			if err := wsjson.Read(r.Context(), conn, &v); err != nil {
				return
			}
		}
	}
}

func eventType(event any) string {
	if m, ok := event.(map[string]any); ok {
		if t, ok := m["type"].(string); ok {
			return t
		}
	}
	return ""
}

// Broadcast sends event to agent's listeners in project. An empty agent
// reaches the whole project; an empty project reaches every project.
func (h *Hub) Broadcast(project, agent string, event any) {
	targets := h.match(projectKey(project), agent, eventType(event))
	for _, l := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := wsjson.Write(ctx, l.conn, event)
		cancel()
		if err != nil {
			h.logger.Debug("dropping listener", "project", l.project, "agent", l.agent, "error", err)
			h.remove(l)
			go l.conn.Close(websocket.StatusGoingAway, "write error")
		}
	}
}

// Listeners counts open connections.
func (h *Hub) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.byProject {
		n += len(set)
	}
	return n
}

func (h *Hub) match(project, agent, eventType string) []*listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*listener
	collect := func(set map[*listener]struct{}) {
		for l := range set {
			if (agent == "" || l.agent == agent) && l.wants(eventType) {
				out = append(out, l)
			}
		}
	}
	if project != "" {
		collect(h.byProject[project])
		return out
	}
	for _, set := range h.byProject {
		collect(set)
	}
	return out
}

func (h *Hub) add(l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byProject[l.project]
	if !ok {
		set = make(map[*listener]struct{})
		h.byProject[l.project] = set
	}
	set[l] = struct{}{}
}

func (h *Hub) remove(l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byProject[l.project]
	delete(set, l)
	if len(set) == 0 {
		delete(h.byProject, l.project)
	}
}
