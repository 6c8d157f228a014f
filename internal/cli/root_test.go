package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/supervisor"
	"github.com/mistakeknot/interlock/internal/tracker"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type cliEnv struct {
	t    *testing.T
	db   string
	deps Deps
	sup  *supervisor.Static
	trk  *tracker.Memory
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	for _, k := range []string{"INTERLOCK_CONFIG", "INTERLOCK_DB", "INTERLOCK_PROJECT", "INTERLOCK_AGENT",
		"INTERLOCK_ADDR", "INTERLOCK_KEYS_FILE", "INTERLOCK_SERVER", "INTERLOCK_API_KEY"} {
		t.Setenv(k, "")
	}
	t.Setenv("INTERLOCK_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	closed := testNow.Add(-10 * time.Minute)
	env := &cliEnv{
		t:   t,
		db:  filepath.Join(t.TempDir(), "interlock.db"),
		sup: supervisor.NewStatic(),
		trk: tracker.NewMemory(
			tracker.Task{ID: "acme-1", Title: "auth", Status: tracker.StatusClosed, Priority: 1, Assignee: "alice", ClosedAt: &closed},
			tracker.Task{ID: "acme-2", Title: "billing", Priority: 1},
			tracker.Task{ID: "acme-3", Title: "docs", Priority: 3},
		),
	}
	env.deps = Deps{
		Tracker:    func(*config.Config) tracker.Tracker { return env.trk },
		Supervisor: func(*config.Config) supervisor.Supervisor { return env.sup },
		Now:        func() time.Time { return testNow },
	}
	return env
}

// run executes one command against the env's store as agent (empty for none).
func (e *cliEnv) run(agent string, args ...string) (string, string, error) {
	e.t.Helper()
	full := []string{"--db", e.db, "--project", "/work/acme"}
	if agent != "" {
		full = append(full, "--agent", agent)
	}
	return executeCommand(e.deps, append(full, args...)...)
}

func (e *cliEnv) mustRun(agent string, args ...string) string {
	e.t.Helper()
	out, stderr, err := e.run(agent, args...)
	if err != nil {
		e.t.Fatalf("%v failed: %v\nstderr: %s", args, err, stderr)
	}
	return out
}

func executeCommand(deps Deps, args ...string) (string, string, error) {
	cmd := NewRootCmd("test", deps)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	return v
}

func TestRegisterAndWhoami(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun("alice", "register", "--program", "claude-code", "--model", "opus", "--task", "auth")
	if strings.TrimSpace(out) != "alice" {
		t.Fatalf("register printed %q", out)
	}
	out = env.mustRun("alice", "whoami")
	if !strings.Contains(out, "alice in acme") && !strings.Contains(out, "alice in work-acme") {
		t.Fatalf("whoami = %q", out)
	}
	if !strings.Contains(out, "task: auth") {
		t.Fatalf("whoami missing task: %q", out)
	}

	generated := strings.TrimSpace(env.mustRun("", "register", "--program", "codex", "--model", "gpt"))
	if generated == "" || generated == "alice" {
		t.Fatalf("expected a generated name, got %q", generated)
	}
	out = env.mustRun("", "list-agents")
	if !strings.Contains(out, "alice") || !strings.Contains(out, generated) {
		t.Fatalf("list-agents = %q", out)
	}
}

func TestWhoamiRequiresAgent(t *testing.T) {
	env := newCLIEnv(t)
	_, stderr, err := env.run("", "whoami")
	if err == nil || !strings.Contains(stderr, "no agent") {
		t.Fatalf("expected missing agent error, got %v / %q", err, stderr)
	}
}

func TestReserveConflictAndCheck(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("alice", "register", "--program", "claude-code", "--model", "opus")
	env.mustRun("bob", "register", "--program", "codex", "--model", "gpt")

	out := env.mustRun("alice", "reserve", "internal/http/**", "--reason", "router rework")
	if !strings.Contains(out, "reserved internal/http/**") || !strings.Contains(out, "exclusive") {
		t.Fatalf("reserve = %q", out)
	}

	_, stderr, err := env.run("bob", "reserve", "internal/http/router.go")
	var conflict *core.ConflictError
	if err == nil || !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if !strings.Contains(stderr, "reservation refused") || !strings.Contains(stderr, "alice") {
		t.Fatalf("conflict output = %q", stderr)
	}

	// shared reservations outside the held pattern still succeed
	env.mustRun("bob", "reserve", "docs/**", "--shared")

	out, _, err = env.run("bob", "check", "internal/http/router.go", "README.md")
	if err == nil {
		t.Fatal("check should fail while alice holds internal/http/**")
	}
	if !strings.Contains(out, "internal/http/router.go reserved by alice") {
		t.Fatalf("check output = %q", out)
	}
	if _, _, err := env.run("alice", "check", "internal/http/router.go"); err != nil {
		t.Fatalf("own reservation should not block: %v", err)
	}

	out = env.mustRun("bob", "list-reservations", "--mine")
	if !strings.Contains(out, "docs/**") || strings.Contains(out, "internal/http/**") {
		t.Fatalf("list-reservations --mine = %q", out)
	}

	out = env.mustRun("alice", "release", "--all")
	if !strings.Contains(out, "released internal/http/**") {
		t.Fatalf("release = %q", out)
	}
	env.mustRun("bob", "reserve", "internal/http/router.go")
}

func TestReleaseNeedsTarget(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("alice", "register", "--program", "claude-code", "--model", "opus")
	if _, _, err := env.run("alice", "release"); err == nil {
		t.Fatal("release without patterns, --all or --id should fail")
	}
}

func TestMessagingFlow(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("alice", "register", "--program", "claude-code", "--model", "opus")
	env.mustRun("bob", "register", "--program", "codex", "--model", "gpt")
	env.mustRun("carol", "register", "--program", "codex", "--model", "gpt")

	out := env.mustRun("alice", "--json", "send", "--to", "bob", "--cc", "carol",
		"--subject", "migration plan", "--body", "please review the schema", "--ack", "--importance", "high")
	sent := decode[core.Message](t, out)
	if sent.ID == "" || len(sent.To) != 1 || sent.To[0] != "bob" {
		t.Fatalf("sent = %+v", sent)
	}

	out = env.mustRun("bob", "inbox", "--unread")
	if !strings.Contains(out, "migration plan") || !strings.Contains(out, "from alice") || !strings.Contains(out, "ack") {
		t.Fatalf("inbox = %q", out)
	}

	out = env.mustRun("", "pending-acks", "--all")
	if !strings.Contains(out, "bob owes ack") || !strings.Contains(out, "carol owes ack") {
		t.Fatalf("pending-acks = %q", out)
	}
	env.mustRun("bob", "ack", sent.ID)
	out = env.mustRun("bob", "pending-acks")
	if !strings.Contains(out, "no pending acks") {
		t.Fatalf("bob should owe nothing: %q", out)
	}

	out = env.mustRun("bob", "--json", "reply", sent.ID, "--body", "looks good")
	reply := decode[core.Message](t, out)
	if reply.ThreadID != sent.ID || len(reply.To) != 1 || reply.To[0] != "alice" {
		t.Fatalf("reply = %+v", reply)
	}

	out = env.mustRun("alice", "--json", "inbox", "--thread", sent.ID)
	items := decode[[]core.InboxItem](t, out)
	if len(items) != 1 || items[0].Message.ID != reply.ID {
		t.Fatalf("alice thread inbox = %+v", items)
	}

	out = env.mustRun("alice", "search", "schema")
	if !strings.Contains(out, "migration plan") {
		t.Fatalf("search = %q", out)
	}
	out = env.mustRun("alice", "search", "nothing-matches-this")
	if !strings.Contains(out, "no matches") {
		t.Fatalf("empty search = %q", out)
	}

	// unknown recipients are rejected
	if _, _, err := env.run("alice", "send", "--to", "nobody", "--subject", "x"); err == nil {
		t.Fatal("send to an unregistered agent should fail")
	}
}

func TestInboxMarkRead(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("alice", "register", "--program", "claude-code", "--model", "opus")
	env.mustRun("bob", "register", "--program", "codex", "--model", "gpt")
	env.mustRun("alice", "send", "--to", "bob", "--subject", "hello", "--body", "hi")

	env.mustRun("bob", "inbox", "--mark-read")
	out := env.mustRun("bob", "inbox", "--unread")
	if !strings.Contains(out, "inbox empty") {
		t.Fatalf("expected empty unread inbox, got %q", out)
	}
}

func TestSendBodyFromStdin(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("alice", "register", "--program", "claude-code", "--model", "opus")
	env.mustRun("bob", "register", "--program", "codex", "--model", "gpt")

	cmd := NewRootCmd("test", env.deps)
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader("body from a pipe\n"))
	cmd.SetArgs([]string{"--db", env.db, "--project", "/work/acme", "--agent", "alice", "send", "--to", "bob", "--subject", "piped", "--body", "-"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("send failed: %v (%s)", err, stderr.String())
	}
	out := env.mustRun("bob", "inbox")
	if !strings.Contains(out, "body from a pipe") {
		t.Fatalf("inbox = %q", out)
	}
}

func TestNextCommand(t *testing.T) {
	env := newCLIEnv(t)
	out := env.mustRun("", "next", "acme-1")
	if !strings.Contains(out, "next: acme-2 billing") || !strings.Contains(out, "backlog") {
		t.Fatalf("next = %q", out)
	}

	// Without a finished task the backlog answers directly.
	out = env.mustRun("", "next")
	if !strings.Contains(out, "next: acme-2 billing") || !strings.Contains(out, "backlog") {
		t.Fatalf("next without id = %q", out)
	}

	env.deps.Tracker = func(*config.Config) tracker.Tracker { return nil }
	if _, stderr, err := env.run("", "next", "acme-1"); err == nil || !strings.Contains(stderr, "no task tracker") {
		t.Fatalf("expected missing tracker error, got %v / %q", err, stderr)
	}
}

func TestStatusCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.sup.Set("acme:0", "Task completed. All tests pass.")

	out := env.mustRun("alice", "--json", "status", "acme:0")
	obs := decode[map[string]any](t, out)
	if obs["state"] != "completed" || obs["last_closed"] != "acme-1" {
		t.Fatalf("status = %v", obs)
	}

	env.sup.Set("acme:1", "booting")
	out = env.mustRun("bob", "status", "acme:1")
	if !strings.Contains(out, "starting") {
		t.Fatalf("status = %q", out)
	}
}

func TestMonitorOnce(t *testing.T) {
	env := newCLIEnv(t)
	env.sup.Set("acme:0", "Task completed. All tests pass.")

	out := env.mustRun("", "monitor", "--once", "--session", "acme:0=alice")
	if !strings.Contains(out, "acme:0") || !strings.Contains(out, "completed") {
		t.Fatalf("monitor output = %q", out)
	}
	if !strings.Contains(out, "next: acme-2") {
		t.Fatalf("monitor should suggest the next task: %q", out)
	}

	if _, _, err := env.run("", "monitor", "--once"); err == nil {
		t.Fatal("monitor without sessions should fail")
	}
}

func TestInitCommand(t *testing.T) {
	env := newCLIEnv(t)
	keys := filepath.Join(t.TempDir(), "keys.yaml")

	out := env.mustRun("", "--json", "init", "--keys-file", keys)
	res := decode[map[string]string](t, out)
	if res["key"] == "" || res["project"] != core.ProjectSlug("/work/acme") {
		t.Fatalf("init = %v", res)
	}
	out = env.mustRun("", "init", "--keys-file", keys, "--list")
	if strings.TrimSpace(out) != core.ProjectSlug("/work/acme") {
		t.Fatalf("init --list = %q", out)
	}
}
