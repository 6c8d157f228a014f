package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/interlock/internal/auth"
	httpapi "github.com/mistakeknot/interlock/internal/http"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

type wsEnv struct {
	srv   *httptest.Server
	hub   *Hub
	store *sqlite.Store
}

func newWSEnv(t *testing.T, ring *auth.Keyring) *wsEnv {
	t.Helper()
	st := sqlite.NewSQLiteTest(t)
	hub := NewHub()
	svc := httpapi.NewService(st).WithBroadcaster(hub)
	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(ring)))
	t.Cleanup(srv.Close)
	return &wsEnv{srv: srv, hub: hub, store: st}
}

func (e *wsEnv) register(t *testing.T, project string, names ...string) {
	t.Helper()
	for _, n := range names {
		sqlite.MustRegister(t, e.store, project, n)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, agent, project string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/" + agent + "?project=" + project
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial %s/%s: %v", agent, project, err)
	}
	return conn
}

func readWSEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var event map[string]any
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var v map[string]any
	if err := wsjson.Read(ctx, conn, &v); err == nil {
		t.Fatalf("expected no event, got %v", v)
	}
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	buf, _ := json.Marshal(payload)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func sendMsg(t *testing.T, srvURL, project, from string, to []string, body string) {
	t.Helper()
	resp := postJSON(t, srvURL+"/api/messages", map[string]any{
		"project": project, "from": from, "to": to, "subject": "note", "body": body,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send msg status: %d", resp.StatusCode)
	}
}

// waitListeners blocks until the hub has registered n connections.
func waitListeners(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Listeners() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d listeners, have %d", n, hub.Listeners())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWSAuthRejection(t *testing.T) {
	ring := auth.NewKeyring(true, map[string]string{"secret-a": "proj-a", "secret-b": "proj-b"})
	env := newWSEnv(t, ring)

	t.Run("remote IP without bearer rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/ws/agents/agent-a?project=proj-a", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.10")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("bearer with wrong project param rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/agents/agent-a?project=proj-b", nil)
		req.RemoteAddr = "203.0.113.10:9999"
		req.Header.Set("Authorization", "Bearer secret-a")
		rr := httptest.NewRecorder()
		env.srv.Config.Handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for project mismatch, got %d", rr.Code)
		}
	})

	t.Run("localhost without project rejected", func(t *testing.T) {
		resp, err := http.Get(env.srv.URL + "/ws/agents/agent-a")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("localhost with project param accepted", func(t *testing.T) {
		conn := dialWS(t, env.srv, "agent-a", "proj-a")
		conn.Close(websocket.StatusNormalClosure, "")
	})
}

func TestWSReceivesMessageEvents(t *testing.T) {
	env := newWSEnv(t, nil)
	env.register(t, "proj-a", "alice", "bob")

	conn := dialWS(t, env.srv, "bob", "proj-a")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitListeners(t, env.hub, 1)

	sendMsg(t, env.srv.URL, "proj-a", "alice", []string{"bob"}, "hi")

	event := readWSEvent(t, conn, 2*time.Second)
	if event["type"] != "message.created" || event["from"] != "alice" {
		t.Fatalf("unexpected event %v", event)
	}
}

func TestWSProjectKeyAndSlugShareListeners(t *testing.T) {
	env := newWSEnv(t, nil)
	env.register(t, "/work/acme", "alice", "bob")

	conn := dialWS(t, env.srv, "bob", "work-acme")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitListeners(t, env.hub, 1)

	sendMsg(t, env.srv.URL, "/work/acme", "alice", []string{"bob"}, "hi")
	if ev := readWSEvent(t, conn, 2*time.Second); ev["type"] != "message.created" {
		t.Fatalf("expected message.created, got %v", ev["type"])
	}
}

func TestWSProjectIsolation(t *testing.T) {
	env := newWSEnv(t, nil)
	env.register(t, "proj-a", "sender", "agent-a")
	env.register(t, "proj-b", "agent-a")

	connA := dialWS(t, env.srv, "agent-a", "proj-a")
	defer connA.Close(websocket.StatusNormalClosure, "")
	connB := dialWS(t, env.srv, "agent-a", "proj-b")
	defer connB.Close(websocket.StatusNormalClosure, "")
	waitListeners(t, env.hub, 2)

	sendMsg(t, env.srv.URL, "proj-a", "sender", []string{"agent-a"}, "proj-a only")

	if ev := readWSEvent(t, connA, 2*time.Second); ev["type"] != "message.created" {
		t.Fatalf("expected message.created, got %v", ev["type"])
	}
	expectSilence(t, connB)
}

func TestWSAgentTargetedDelivery(t *testing.T) {
	env := newWSEnv(t, nil)
	env.register(t, "proj-x", "sender", "agent-a", "agent-b")

	connA := dialWS(t, env.srv, "agent-a", "proj-x")
	defer connA.Close(websocket.StatusNormalClosure, "")
	connB := dialWS(t, env.srv, "agent-b", "proj-x")
	defer connB.Close(websocket.StatusNormalClosure, "")
	waitListeners(t, env.hub, 2)

	sendMsg(t, env.srv.URL, "proj-x", "sender", []string{"agent-b"}, "b only")

	if ev := readWSEvent(t, connB, 2*time.Second); ev["type"] != "message.created" {
		t.Fatalf("expected message.created, got %v", ev["type"])
	}
	expectSilence(t, connA)
}

func TestWSReservationEventsReachWholeProject(t *testing.T) {
	env := newWSEnv(t, nil)
	env.register(t, "proj-x", "agent-a", "agent-b")

	connB := dialWS(t, env.srv, "agent-b", "proj-x")
	defer connB.Close(websocket.StatusNormalClosure, "")
	waitListeners(t, env.hub, 1)

	resp := postJSON(t, env.srv.URL+"/api/reservations", map[string]any{
		"project": "proj-x", "agent": "agent-a", "patterns": []string{"src/**"}, "ttl_seconds": 600,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("reserve status %d", resp.StatusCode)
	}
	ev := readWSEvent(t, connB, 2*time.Second)
	if ev["type"] != "reservation.created" || ev["path_pattern"] != "src/**" || ev["agent"] != "agent-a" {
		t.Fatalf("unexpected event %v", ev)
	}
}

func TestWSSubscriptionCleanup(t *testing.T) {
	env := newWSEnv(t, nil)
	env.register(t, "proj-x", "sender", "agent-temp")

	conn := dialWS(t, env.srv, "agent-temp", "proj-x")
	waitListeners(t, env.hub, 1)
	conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Listeners() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("listener not removed, have %d", env.hub.Listeners())
		}
		time.Sleep(5 * time.Millisecond)
	}
	sendMsg(t, env.srv.URL, "proj-x", "sender", []string{"agent-temp"}, "after close")
}

func TestWSConcurrentBroadcast(t *testing.T) {
	env := newWSEnv(t, nil)
	const numSubscribers = 10
	const numMessages = 5

	env.register(t, "proj-x", "sender")
	allAgents := make([]string, numSubscribers)
	conns := make([]*websocket.Conn, numSubscribers)
	for i := 0; i < numSubscribers; i++ {
		allAgents[i] = fmt.Sprintf("agent-%d", i)
		env.register(t, "proj-x", allAgents[i])
		conns[i] = dialWS(t, env.srv, allAgents[i], "proj-x")
		defer conns[i].Close(websocket.StatusNormalClosure, "")
	}
	waitListeners(t, env.hub, numSubscribers)

	for i := 0; i < numMessages; i++ {
		sendMsg(t, env.srv.URL, "proj-x", "sender", allAgents, fmt.Sprintf("broadcast-%d", i))
	}

	var wg sync.WaitGroup
	for i := 0; i < numSubscribers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < numMessages; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				var event map[string]any
				err := wsjson.Read(ctx, conns[idx], &event)
				cancel()
				if err != nil {
					t.Errorf("subscriber %d failed to read message %d: %v", idx, j, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestWSTypeFilter(t *testing.T) {
	env := newWSEnv(t, nil)
	env.register(t, "proj-x", "sender", "agent-a")

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/agents/agent-a?project=proj-x&types=reservation.created"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitListeners(t, env.hub, 1)

	sendMsg(t, env.srv.URL, "proj-x", "sender", []string{"agent-a"}, "filtered out")
	env.hub.Broadcast("proj-x", "", map[string]any{"type": "reservation.created", "path_pattern": "docs/**"})

	ev := readWSEvent(t, conn, 2*time.Second)
	if ev["type"] != "reservation.created" {
		t.Fatalf("expected only reservation events, got %v", ev)
	}
}

func TestParseTypes(t *testing.T) {
	if parseTypes("") != nil || parseTypes(" , ") != nil {
		t.Fatal("empty filter should mean every type")
	}
	got := parseTypes("message.created, session.state")
	if len(got) != 2 || !got["message.created"] || !got["session.state"] {
		t.Fatalf("parseTypes = %v", got)
	}
}
