package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// CommandRunner overrides the external command executor.
type CommandRunner func(dir, name string, args ...string) ([]byte, error)

func defaultCommandRunner(dir, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Beads reads tasks through the bd command line.
type Beads struct {
	dir    string
	bin    string
	runCmd CommandRunner
}

type BeadsOption func(*Beads)

// WithCommandRunner swaps the external command executor.
func WithCommandRunner(runner CommandRunner) BeadsOption {
	return func(b *Beads) {
		if runner != nil {
			b.runCmd = runner
		}
	}
}

// WithBinary sets the bd executable name or path.
func WithBinary(bin string) BeadsOption {
	return func(b *Beads) {
		if bin != "" {
			b.bin = bin
		}
	}
}

// NewBeads returns a tracker that runs bd inside dir.
func NewBeads(dir string, opts ...BeadsOption) *Beads {
	b := &Beads{dir: dir, bin: "bd", runCmd: defaultCommandRunner}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

var _ Tracker = (*Beads)(nil)

type beadDep struct {
	beadRecord
	DependencyType string `json:"dependency_type"`
}

type beadRecord struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Status       string          `json:"status"`
	Priority     json.RawMessage `json:"priority"`
	IssueType    string          `json:"issue_type"`
	Assignee     string          `json:"assignee"`
	Parent       string          `json:"parent"`
	CreatedAt    time.Time       `json:"created_at"`
	ClosedAt     *time.Time      `json:"closed_at"`
	Dependencies []beadDep       `json:"dependencies"`
	Dependents   []beadDep       `json:"dependents"`
}

func (r beadRecord) task() (Task, error) {
	status, err := ParseStatus(r.Status)
	if err != nil {
		return Task{}, fmt.Errorf("bead %s: %w", r.ID, err)
	}
	prio, err := parsePriority(r.Priority)
	if err != nil {
		return Task{}, fmt.Errorf("bead %s: %w", r.ID, err)
	}
	t := Task{
		ID:        r.ID,
		Title:     r.Title,
		Status:    status,
		Priority:  prio,
		Type:      r.IssueType,
		Assignee:  r.Assignee,
		Parent:    r.Parent,
		Project:   ProjectOf(r.ID),
		CreatedAt: r.CreatedAt,
		ClosedAt:  r.ClosedAt,
	}
	for _, d := range r.Dependencies {
		if d.DependencyType == "parent-child" {
			if t.Parent == "" {
				t.Parent = d.ID
			}
			continue
		}
		t.Dependencies = append(t.Dependencies, d.ID)
	}
	return t, nil
}

// parsePriority accepts 2, "2" and "P2".
func parsePriority(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return MaxPriority, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, ValidatePriority(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: priority %s", core.ErrInvalidInput, raw)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "P"))
	if err != nil {
		return 0, fmt.Errorf("%w: priority %q", core.ErrInvalidInput, s)
	}
	return n, ValidatePriority(n)
}

// decodeRecords accepts a bare array, a single object, or {"items": [...]}.
func decodeRecords(data []byte) ([]beadRecord, error) {
	var arr []beadRecord
	if err := json.Unmarshal(data, &arr); err == nil {
		return arr, nil
	}
	var one beadRecord
	if err := json.Unmarshal(data, &one); err == nil && one.ID != "" {
		return []beadRecord{one}, nil
	}
	var wrapper struct {
		Items []beadRecord `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Items, nil
}

func (b *Beads) run(args ...string) ([]beadRecord, error) {
	out, err := b.runCmd(b.dir, b.bin, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(strings.ToLower(msg), "not found") {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, msg)
		}
		return nil, fmt.Errorf("%s %s failed: %s: %w", b.bin, strings.Join(args, " "), msg, err)
	}
	recs, err := decodeRecords(out)
	if err != nil {
		return nil, fmt.Errorf("parse %s %s output: %w", b.bin, args[0], err)
	}
	return recs, nil
}

func (b *Beads) show(id string) (beadRecord, error) {
	if strings.TrimSpace(id) == "" {
		return beadRecord{}, fmt.Errorf("%w: task id required", core.ErrInvalidInput)
	}
	recs, err := b.run("show", id, "--json")
	if err != nil {
		return beadRecord{}, err
	}
	if len(recs) == 0 {
		return beadRecord{}, fmt.Errorf("%w: task %q", core.ErrNotFound, id)
	}
	return recs[0], nil
}

func tasksOf(recs []beadRecord, keep func(Task) bool) ([]Task, error) {
	var out []Task
	for _, r := range recs {
		t, err := r.task()
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func depTasks(deps []beadDep, skipParent bool) ([]Task, error) {
	var out []Task
	for _, d := range deps {
		if skipParent && d.DependencyType == "parent-child" {
			continue
		}
		t, err := d.task()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *Beads) GetTask(ctx context.Context, id string) (Task, error) {
	rec, err := b.show(id)
	if err != nil {
		return Task{}, err
	}
	return rec.task()
}

func (b *Beads) ListReady(ctx context.Context, project string) ([]Task, error) {
	recs, err := b.run("ready", "--json")
	if err != nil {
		return nil, err
	}
	tasks, err := tasksOf(recs, func(t Task) bool { return t.Status == StatusOpen && t.MatchesProject(project) })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Priority < tasks[j].Priority })
	return tasks, nil
}

func (b *Beads) ListOpenByType(ctx context.Context, taskType, project string) ([]Task, error) {
	recs, err := b.run("list", "--status", string(StatusOpen), "--type", taskType, "--json")
	if err != nil {
		return nil, err
	}
	return tasksOf(recs, func(t Task) bool { return t.MatchesProject(project) })
}

// Dependencies returns what id waits on. For an epic these are its children.
func (b *Beads) Dependencies(ctx context.Context, id string) ([]Task, error) {
	rec, err := b.show(id)
	if err != nil {
		return nil, err
	}
	deps, err := depTasks(rec.Dependencies, true)
	if err != nil {
		return nil, err
	}
	if rec.IssueType == TypeEpic {
		// bd records epic children as parent-child dependents.
		for _, d := range rec.Dependents {
			if d.DependencyType != "parent-child" {
				continue
			}
			t, err := d.task()
			if err != nil {
				return nil, err
			}
			deps = append(deps, t)
		}
	}
	return deps, nil
}

func (b *Beads) Dependents(ctx context.Context, id string) ([]Task, error) {
	rec, err := b.show(id)
	if err != nil {
		return nil, err
	}
	return depTasks(rec.Dependents, false)
}

func (b *Beads) AssignedTo(ctx context.Context, assignee string) ([]Task, error) {
	if assignee == "" {
		return nil, fmt.Errorf("%w: assignee required", core.ErrInvalidInput)
	}
	recs, err := b.run("list", "--assignee", assignee, "--all", "--json")
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return tasksOf(recs, nil)
}
