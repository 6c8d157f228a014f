package httpapi

import (
	"net/http"
	"testing"
	"time"
)

func reserve(t *testing.T, env *testEnv, agent string, exclusive bool, patterns ...string) *http.Response {
	t.Helper()
	return env.post(t, "/api/reservations", map[string]any{
		"project": proj, "agent": agent, "patterns": patterns,
		"ttl_seconds": 3600, "exclusive": exclusive, "reason": "refactor",
	})
}

func TestReserveConflictNamesHolder(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "A", "B")

	resp := reserve(t, env, "A", true, "src/**")
	requireStatus(t, resp, http.StatusCreated)
	created := decodeJSON[reservationsResponse](t, resp)
	if len(created.Reservations) != 1 || !created.Reservations[0].IsActive || created.Reservations[0].Agent != "A" {
		t.Fatalf("unexpected reservation %+v", created)
	}
	if got := created.Reservations[0].ExpiresAt.Sub(created.Reservations[0].CreatedAt); got != time.Hour {
		t.Fatalf("ttl = %v", got)
	}

	resp = reserve(t, env, "B", true, "src/auth/**")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	body := decodeJSON[errorResponse](t, resp)
	if body.Error != "reservation_conflict" || len(body.Conflicts) != 1 || body.Conflicts[0].HeldBy != "A" {
		t.Fatalf("unexpected conflict body %+v", body)
	}

	resp = reserve(t, env, "B", true, "tests/auth/**")
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	if got := env.bus.ofType("reservation.created"); len(got) != 2 {
		t.Fatalf("expected 2 reservation.created events, got %d", len(got))
	}
}

func TestReserveDefaultsToExclusive(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "A", "B")
	resp := env.post(t, "/api/reservations", map[string]any{"project": proj, "agent": "A", "patterns": []string{"docs/**"}})
	requireStatus(t, resp, http.StatusCreated)
	if r := decodeJSON[reservationsResponse](t, resp); !r.Reservations[0].Exclusive {
		t.Fatal("expected exclusive by default")
	}
	resp = reserve(t, env, "B", false, "docs/readme.md")
	requireStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestReserveSharedCoexist(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "A", "B")
	resp := reserve(t, env, "A", false, "src/**")
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = reserve(t, env, "B", false, "src/**")
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = env.get(t, "/api/reservations?project="+proj)
	requireStatus(t, resp, http.StatusOK)
	if list := decodeJSON[reservationsResponse](t, resp); len(list.Reservations) != 2 {
		t.Fatalf("expected 2 active reservations, got %d", len(list.Reservations))
	}
	resp = env.get(t, "/api/reservations?project="+proj+"&agent=B")
	if list := decodeJSON[reservationsResponse](t, resp); len(list.Reservations) != 1 || list.Reservations[0].Agent != "B" {
		t.Fatalf("agent filter failed: %+v", list)
	}
}

func TestReserveValidation(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "A")
	resp := reserve(t, env, "A", true, "/etc/passwd")
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.post(t, "/api/reservations", map[string]any{"project": proj, "agent": "A", "patterns": []string{"x"}, "ttl_seconds": -5})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = reserve(t, env, "Ghost", true, "src/**")
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestReleaseByPatternAndID(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "A", "B")
	resp := reserve(t, env, "A", true, "src/**", "docs/**")
	requireStatus(t, resp, http.StatusCreated)
	created := decodeJSON[reservationsResponse](t, resp)

	resp = env.post(t, "/api/reservations/release", map[string]any{"project": proj, "agent": "A", "patterns": []string{"src/**"}})
	requireStatus(t, resp, http.StatusOK)
	if rel := decodeJSON[reservationsResponse](t, resp); len(rel.Reservations) != 1 || rel.Reservations[0].PathPattern != "src/**" || rel.Reservations[0].IsActive {
		t.Fatalf("unexpected release result %+v", rel)
	}

	var docsID string
	for _, r := range created.Reservations {
		if r.PathPattern == "docs/**" {
			docsID = r.ID
		}
	}
	resp = env.post(t, "/api/reservations/release", map[string]any{"project": proj, "agent": "B", "id": docsID})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = env.post(t, "/api/reservations/release", map[string]any{"project": proj, "agent": "A", "id": docsID})
	requireStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = env.post(t, "/api/reservations/release", map[string]any{"project": proj, "agent": "A", "id": "missing"})
	requireStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	if got := env.bus.ofType("reservation.released"); len(got) != 2 {
		t.Fatalf("expected 2 reservation.released events, got %d", len(got))
	}
}

func TestCheckPaths(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "A", "B")
	resp := reserve(t, env, "A", true, "src/auth/**")
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = env.post(t, "/api/reservations/check", map[string]any{
		"project": proj, "agent": "B", "paths": []string{"src/auth/login.go", "README.md"},
	})
	requireStatus(t, resp, http.StatusOK)
	got := decodeJSON[checkPathsResponse](t, resp)
	if len(got.Conflicts) != 1 || got.Conflicts[0].Path != "src/auth/login.go" || got.Conflicts[0].Reservation.Agent != "A" {
		t.Fatalf("unexpected conflicts %+v", got)
	}

	resp = env.post(t, "/api/reservations/check", map[string]any{
		"project": proj, "agent": "A", "paths": []string{"src/auth/login.go"},
	})
	if own := decodeJSON[checkPathsResponse](t, resp); len(own.Conflicts) != 0 {
		t.Fatalf("own reservation reported as conflict: %+v", own)
	}
}

func TestExpiredReservationNoLongerBlocks(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "A", "B")
	resp := env.post(t, "/api/reservations", map[string]any{"project": proj, "agent": "A", "patterns": []string{"src/**"}, "ttl_seconds": 60})
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	env.clock.Advance(2 * time.Minute)
	resp = reserve(t, env, "B", true, "src/**")
	requireStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
}
