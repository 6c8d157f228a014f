// Package tracker reads tasks from the external issue tracker. Tasks are opaque
// records: only ID, status, priority, type, assignee, parent linkage and
// dependency edges are interpreted.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// ParseStatus maps tracker output onto the closed status set.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusOpen:
		return StatusOpen, nil
	case StatusInProgress, "in-progress":
		return StatusInProgress, nil
	case StatusBlocked:
		return StatusBlocked, nil
	case StatusClosed, "done":
		return StatusClosed, nil
	}
	return "", fmt.Errorf("%w: task status %q", core.ErrInvalidInput, s)
}

const (
	MinPriority = 0
	MaxPriority = 4

	TypeEpic = "epic"
)

// ValidatePriority rejects priorities outside 0 (highest) to 4 (lowest).
func ValidatePriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range %d-%d", core.ErrInvalidInput, p, MinPriority, MaxPriority)
	}
	return nil
}

type Task struct {
	ID           string
	Title        string
	Status       Status
	Priority     int
	Type         string
	Assignee     string
	Parent       string
	Project      string
	Dependencies []string
	CreatedAt    time.Time
	ClosedAt     *time.Time
}

// Tracker is the read surface the picker and monitor need.
type Tracker interface {
	GetTask(ctx context.Context, id string) (Task, error)
	// ListReady returns open tasks with no unclosed dependency, sorted by
	// priority. An empty project matches every task.
	ListReady(ctx context.Context, project string) ([]Task, error)
	ListOpenByType(ctx context.Context, taskType, project string) ([]Task, error)
	Dependencies(ctx context.Context, id string) ([]Task, error)
	Dependents(ctx context.Context, id string) ([]Task, error)
	AssignedTo(ctx context.Context, assignee string) ([]Task, error)
}

// ProjectOf derives a task's project from its ID prefix: "bd-a1.3" -> "bd".
func ProjectOf(id string) string {
	if i := strings.LastIndex(id, "-"); i > 0 {
		return id[:i]
	}
	return ""
}

// ParentFromID applies the dotted-suffix convention: "bd-a1.3" -> "bd-a1".
func ParentFromID(id string) string {
	if i := strings.LastIndex(id, "."); i > 0 && i < len(id)-1 {
		return id[:i]
	}
	return ""
}

// MatchesProject reports whether t belongs to project; empty matches all.
func (t Task) MatchesProject(project string) bool {
	return project == "" || t.Project == project
}

// CurrentAndLastClosed splits an assignee's tasks into the one presumed active
// and the most recently closed one. An in-progress task beats an assigned open
// one; within a status the higher priority wins.
func CurrentAndLastClosed(tasks []Task) (current *Task, lastClosed *Task) {
	rank := func(s Status) int {
		if s == StatusInProgress {
			return 0
		}
		return 1
	}
	for i := range tasks {
		t := &tasks[i]
		switch t.Status {
		case StatusInProgress, StatusOpen:
			if current == nil || rank(t.Status) < rank(current.Status) ||
				(rank(t.Status) == rank(current.Status) && t.Priority < current.Priority) {
				current = t
			}
		case StatusClosed:
			if t.ClosedAt != nil && (lastClosed == nil || t.ClosedAt.After(*lastClosed.ClosedAt)) {
				lastClosed = t
			}
		}
	}
	return current, lastClosed
}
