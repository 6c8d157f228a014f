// Package picker chooses what an agent should work on after finishing a task.
package picker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/tracker"
)

type Source string

const (
	SourceEpic    Source = "epic"
	SourceBacklog Source = "backlog"
)

// Request describes the task that was just finished. PreferEpic keeps the
// agent inside the same epic when one can be found.
type Request struct {
	CompletedID string
	Project     string
	PreferEpic  bool
}

// Pick is the suggested next task.
type Pick struct {
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
	Priority  int    `json:"priority"`
	Source    Source `json:"source"`
	EpicID    string `json:"epic_id,omitempty"`
	EpicTitle string `json:"epic_title,omitempty"`
}

type Picker struct {
	tracker tracker.Tracker
	logger  *slog.Logger
}

func New(t tracker.Tracker) *Picker {
	return &Picker{tracker: t, logger: slog.Default().With("component", "picker")}
}

// Next returns the next task, or nil when nothing is ready.
func (p *Picker) Next(ctx context.Context, req Request) (*Pick, error) {
	if req.CompletedID != "" && req.PreferEpic {
		epic, err := p.resolveParent(ctx, req)
		if err != nil {
			return nil, err
		}
		if epic != nil {
			pick, err := p.fromEpic(ctx, *epic, req)
			if err != nil {
				return nil, err
			}
			if pick != nil {
				return pick, nil
			}
			p.logger.Debug("epic has no ready sibling", "epic", epic.ID, "completed", req.CompletedID)
		}
	}
	return p.fromBacklog(ctx, req)
}

// resolveParent tries the explicit parent link, then the dotted-suffix ID
// convention, then a scan of open epics that list the task as a dependency.
func (p *Picker) resolveParent(ctx context.Context, req Request) (*tracker.Task, error) {
	done, err := p.tracker.GetTask(ctx, req.CompletedID)
	if err != nil {
		return nil, fmt.Errorf("completed task: %w", err)
	}

	for _, id := range []string{done.Parent, tracker.ParentFromID(done.ID)} {
		if id == "" {
			continue
		}
		parent, err := p.tracker.GetTask(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parent %s: %w", id, err)
		}
		return &parent, nil
	}

	epics, err := p.tracker.ListOpenByType(ctx, tracker.TypeEpic, req.Project)
	if err != nil {
		return nil, fmt.Errorf("list epics: %w", err)
	}
	for _, epic := range epics {
		deps, err := p.tracker.Dependencies(ctx, epic.ID)
		if err != nil {
			return nil, fmt.Errorf("epic %s dependencies: %w", epic.ID, err)
		}
		for _, d := range deps {
			if d.ID == done.ID {
				return &epic, nil
			}
		}
	}
	return nil, nil
}

func (p *Picker) fromEpic(ctx context.Context, epic tracker.Task, req Request) (*Pick, error) {
	siblings, err := p.tracker.Dependencies(ctx, epic.ID)
	if err != nil {
		return nil, fmt.Errorf("epic %s dependencies: %w", epic.ID, err)
	}
	var eligible []tracker.Task
	for _, s := range siblings {
		if s.ID == req.CompletedID || s.Status != tracker.StatusOpen || !s.MatchesProject(req.Project) {
			continue
		}
		blocked, err := p.blocked(ctx, s, epic.ID)
		if err != nil {
			return nil, err
		}
		if !blocked {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority < eligible[j].Priority
		}
		return eligible[i].ID < eligible[j].ID
	})
	best := eligible[0]
	return &Pick{
		TaskID:    best.ID,
		Title:     best.Title,
		Priority:  best.Priority,
		Source:    SourceEpic,
		EpicID:    epic.ID,
		EpicTitle: epic.Title,
	}, nil
}

// blocked reports whether t waits on any unclosed task other than its epic.
func (p *Picker) blocked(ctx context.Context, t tracker.Task, epicID string) (bool, error) {
	deps, err := p.tracker.Dependencies(ctx, t.ID)
	if err != nil {
		return false, fmt.Errorf("task %s dependencies: %w", t.ID, err)
	}
	for _, d := range deps {
		if d.ID == epicID || d.Type == tracker.TypeEpic {
			continue
		}
		if d.Status != tracker.StatusClosed {
			return true, nil
		}
	}
	return false, nil
}

// fromBacklog orders ready work by priority, then newest first, then ID.
func (p *Picker) fromBacklog(ctx context.Context, req Request) (*Pick, error) {
	ready, err := p.tracker.ListReady(ctx, req.Project)
	if err != nil {
		return nil, fmt.Errorf("list ready: %w", err)
	}
	var candidates []tracker.Task
	for _, t := range ready {
		if t.ID == req.CompletedID || t.Type == tracker.TypeEpic || t.Status != tracker.StatusOpen {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	best := candidates[0]
	return &Pick{TaskID: best.ID, Title: best.Title, Priority: best.Priority, Source: SourceBacklog}, nil
}
