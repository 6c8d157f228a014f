package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mistakeknot/interlock/internal/core"
)

// Memory is an in-process tracker for tests and embedding.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

var _ Tracker = (*Memory)(nil)

func NewMemory(tasks ...Task) *Memory {
	m := &Memory{tasks: make(map[string]Task)}
	for _, t := range tasks {
		if err := m.Put(t); err != nil {
			panic(err)
		}
	}
	return m
}

// Put inserts or replaces a task. Project defaults to the ID prefix.
func (m *Memory) Put(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("%w: task id required", core.ErrInvalidInput)
	}
	if err := ValidatePriority(t.Priority); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	if t.Project == "" {
		t.Project = ProjectOf(t.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) GetTask(ctx context.Context, id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: task %q", core.ErrNotFound, id)
	}
	return t, nil
}

// blocked reports whether any dependency other than the task's parent is
// still open. Caller holds the lock.
func (m *Memory) blocked(t Task) bool {
	for _, dep := range t.Dependencies {
		if dep == t.Parent {
			continue
		}
		if d, ok := m.tasks[dep]; ok && d.Status != StatusClosed {
			return true
		}
	}
	return false
}

func (m *Memory) ListReady(ctx context.Context, project string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Status == StatusOpen && t.Type != TypeEpic && t.MatchesProject(project) && !m.blocked(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListOpenByType(ctx context.Context, taskType, project string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Status != StatusClosed && t.Type == taskType && t.MatchesProject(project) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Dependencies(ctx context.Context, id string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: task %q", core.ErrNotFound, id)
	}
	var out []Task
	for _, dep := range t.Dependencies {
		if d, ok := m.tasks[dep]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) Dependents(ctx context.Context, id string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[id]; !ok {
		return nil, fmt.Errorf("%w: task %q", core.ErrNotFound, id)
	}
	var out []Task
	for _, t := range m.tasks {
		for _, dep := range t.Dependencies {
			if dep == id {
				out = append(out, t)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AssignedTo(ctx context.Context, assignee string) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Task
	for _, t := range m.tasks {
		if t.Assignee == assignee {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
