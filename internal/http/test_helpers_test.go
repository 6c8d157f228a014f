package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

const proj = "/work/acme"

type recordingBus struct {
	mu     sync.Mutex
	events []map[string]any
}

func (b *recordingBus) Broadcast(project, agent string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := event.(map[string]any)
	e["_target"] = agent
	b.events = append(b.events, e)
}

func (b *recordingBus) ofType(t string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, e := range b.events {
		if e["type"] == t {
			out = append(out, e)
		}
	}
	return out
}

// testEnv bundles a Service over an in-memory store and an httptest server.
// Requests come from localhost so no API key is needed.
type testEnv struct {
	srv   *httptest.Server
	svc   *Service
	store *sqlite.Store
	bus   *recordingBus
	clock *sqlite.TestClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := sqlite.NewTestClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	st := sqlite.NewSQLiteTest(t, sqlite.WithClock(clock.Now))
	bus := &recordingBus{}
	svc := NewService(st).WithBroadcaster(bus).WithClock(clock.Now)
	srv := httptest.NewServer(NewRouter(svc, nil, nil))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, svc: svc, store: st, bus: bus, clock: clock}
}

func (e *testEnv) register(t *testing.T, names ...string) {
	t.Helper()
	for _, n := range names {
		sqlite.MustRegister(t, e.store, proj, n)
	}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d (%v)", want, resp.StatusCode, body)
	}
}
