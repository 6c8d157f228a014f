package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{"open": StatusOpen, "IN_PROGRESS": StatusInProgress, "blocked": StatusBlocked, "closed": StatusClosed} {
		got, err := ParseStatus(in)
		if err != nil || got != want {
			t.Fatalf("ParseStatus(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseStatus("someday"); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestIDConventions(t *testing.T) {
	if got := ParentFromID("bd-a1.3"); got != "bd-a1" {
		t.Fatalf("ParentFromID = %q", got)
	}
	if got := ParentFromID("bd-a1"); got != "" {
		t.Fatalf("expected no parent, got %q", got)
	}
	if got := ProjectOf("bd-a1.3"); got != "bd" {
		t.Fatalf("ProjectOf = %q", got)
	}
}

func TestMemoryRejectsBadPriority(t *testing.T) {
	m := NewMemory()
	if err := m.Put(Task{ID: "bd-1", Priority: 7}); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMemoryListReadySkipsBlocked(t *testing.T) {
	m := NewMemory(
		Task{ID: "bd-1", Priority: 2},
		Task{ID: "bd-2", Priority: 1, Dependencies: []string{"bd-3"}},
		Task{ID: "bd-3", Priority: 3, Status: StatusInProgress},
		Task{ID: "ox-1", Priority: 0},
	)
	ready, err := m.ListReady(context.Background(), "bd")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != "bd-1" {
		t.Fatalf("unexpected ready set %+v", ready)
	}
}

func TestCurrentAndLastClosed(t *testing.T) {
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	cur, last := CurrentAndLastClosed([]Task{
		{ID: "a", Status: StatusClosed, ClosedAt: &early},
		{ID: "b", Status: StatusClosed, ClosedAt: &late},
		{ID: "c", Status: StatusInProgress, Priority: 2},
		{ID: "d", Status: StatusOpen},
	})
	if cur == nil || cur.ID != "c" {
		t.Fatalf("current = %+v", cur)
	}
	if last == nil || last.ID != "b" {
		t.Fatalf("last closed = %+v", last)
	}

	// With nothing in progress an assigned open task is presumed active.
	cur, _ = CurrentAndLastClosed([]Task{
		{ID: "e", Status: StatusOpen, Priority: 3},
		{ID: "f", Status: StatusOpen, Priority: 1},
		{ID: "g", Status: StatusBlocked, Priority: 0},
	})
	if cur == nil || cur.ID != "f" {
		t.Fatalf("current without in-progress = %+v", cur)
	}
}

type fakeCommandRunner struct {
	calls   []string
	outputs map[string]string
}

func (f *fakeCommandRunner) Run(_ string, name string, args ...string) ([]byte, error) {
	if name != "bd" {
		return nil, fmt.Errorf("unexpected command %s", name)
	}
	key := strings.Join(args, " ")
	f.calls = append(f.calls, key)
	out, ok := f.outputs[key]
	if !ok {
		return []byte("Error: issue not found"), fmt.Errorf("exit status 1")
	}
	return []byte(out), nil
}

func TestBeadsGetTask(t *testing.T) {
	runner := &fakeCommandRunner{outputs: map[string]string{
		"show bd-a1.2 --json": `[{"id":"bd-a1.2","title":"Wire login","status":"in_progress","priority":1,"issue_type":"task",
			"assignee":"GreenCastle","dependencies":[{"id":"bd-a1","status":"open","priority":1,"issue_type":"epic","dependency_type":"parent-child"},
			{"id":"bd-a1.1","status":"closed","priority":"P2","issue_type":"task","dependency_type":"blocks"}]}]`,
	}}
	b := NewBeads(t.TempDir(), WithCommandRunner(runner.Run))
	task, err := b.GetTask(context.Background(), "bd-a1.2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusInProgress || task.Priority != 1 || task.Parent != "bd-a1" || task.Project != "bd" {
		t.Fatalf("unexpected task %+v", task)
	}
	if len(task.Dependencies) != 1 || task.Dependencies[0] != "bd-a1.1" {
		t.Fatalf("expected blocking dependency only, got %v", task.Dependencies)
	}
	if _, err := b.GetTask(context.Background(), "bd-zz"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBeadsListReadyAndEpicChildren(t *testing.T) {
	runner := &fakeCommandRunner{outputs: map[string]string{
		"ready --json": `[{"id":"bd-9","status":"open","priority":3},{"id":"bd-4","status":"open","priority":0},{"id":"ox-1","status":"open","priority":0}]`,
		"show bd-a1 --json": `{"id":"bd-a1","status":"open","priority":1,"issue_type":"epic",
			"dependents":[{"id":"bd-a1.1","status":"open","priority":2,"dependency_type":"parent-child"},
			{"id":"bd-x","status":"open","priority":2,"dependency_type":"blocks"}]}`,
	}}
	b := NewBeads("", WithCommandRunner(runner.Run))
	ready, err := b.ListReady(context.Background(), "bd")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(ready) != 2 || ready[0].ID != "bd-4" {
		t.Fatalf("expected bd tasks by priority, got %+v", ready)
	}
	children, err := b.Dependencies(context.Background(), "bd-a1")
	if err != nil {
		t.Fatalf("deps: %v", err)
	}
	if len(children) != 1 || children[0].ID != "bd-a1.1" {
		t.Fatalf("expected epic child, got %+v", children)
	}
}

func TestBeadsRejectsOutOfRangePriority(t *testing.T) {
	runner := &fakeCommandRunner{outputs: map[string]string{
		"show bd-1 --json": `{"id":"bd-1","status":"open","priority":9}`,
	}}
	b := NewBeads("", WithCommandRunner(runner.Run))
	if _, err := b.GetTask(context.Background(), "bd-1"); !errors.Is(err, core.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
