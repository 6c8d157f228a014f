// Package monitor polls agent sessions on a schedule, infers their state and
// suggests the next task when a session finishes one.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/picker"
	"github.com/mistakeknot/interlock/internal/session"
	"github.com/mistakeknot/interlock/internal/supervisor"
	"github.com/mistakeknot/interlock/internal/telemetry"
	"github.com/mistakeknot/interlock/internal/tracker"
)

// outputBudget leaves room for escape sequences that Tail strips.
const outputBudget = session.TailBytes * 4

// Broadcaster delivers events to connected listeners.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// Watch binds a supervisor session to the agent working in it.
type Watch struct {
	SessionID string
	Agent     string
	Project   string
}

// Observation is the result of polling one session.
type Observation struct {
	SessionID   string        `json:"session_id"`
	Agent       string        `json:"agent,omitempty"`
	Project     string        `json:"project,omitempty"`
	State       session.State `json:"state"`
	Previous    session.State `json:"previous,omitempty"`
	CurrentTask string        `json:"current_task,omitempty"`
	LastClosed  string        `json:"last_closed,omitempty"`
	Next        *picker.Pick  `json:"next,omitempty"`
	ObservedAt  time.Time     `json:"observed_at"`
}

// Changed reports whether the state differs from the previous poll.
func (o Observation) Changed() bool {
	return o.State != o.Previous
}

type Config struct {
	Watches    []Watch
	Interval   time.Duration
	Supervisor supervisor.Supervisor
	// Tracker is optional; without it detection relies on output alone.
	Tracker tracker.Tracker
	Bus     Broadcaster
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

type Monitor struct {
	watches  []Watch
	interval time.Duration
	sup      supervisor.Supervisor
	trk      tracker.Tracker
	picker   *picker.Picker
	bus      Broadcaster
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu     sync.Mutex
	states map[string]session.State
	cron   *cronlib.Cron
}

func New(cfg Config) *Monitor {
	m := &Monitor{
		watches:  append([]Watch(nil), cfg.Watches...),
		interval: cfg.Interval,
		sup:      cfg.Supervisor,
		trk:      cfg.Tracker,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      cfg.Now,
		states:   make(map[string]session.State),
	}
	if m.interval <= 0 {
		m.interval = 5 * time.Second
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "monitor")
	if m.metrics == nil {
		m.metrics = telemetry.NoopMetrics()
	}
	if m.tracer == nil {
		m.tracer = telemetry.Noop().Tracer
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.trk != nil {
		m.picker = picker.New(m.trk)
	}
	return m
}

// Start schedules PollAll every interval until Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	c := cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := c.AddFunc(spec, func() { m.PollAll(ctx) }); err != nil {
		return fmt.Errorf("schedule poll: %w", err)
	}
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	c.Start()
	m.logger.Info("monitor started", "interval", m.interval, "sessions", len(m.watches))
	return nil
}

// Stop halts scheduling and waits for a running poll to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	m.logger.Info("monitor stopped")
}

// PollAll polls every watched session once. Sessions that fail are logged and
// skipped.
func (m *Monitor) PollAll(ctx context.Context) []Observation {
	out := make([]Observation, 0, len(m.watches))
	for _, w := range m.watches {
		if ctx.Err() != nil {
			break
		}
		obs, err := m.Poll(ctx, w)
		if err != nil {
			m.logger.Warn("poll failed", "session", w.SessionID, "error", err)
			continue
		}
		out = append(out, obs)
	}
	return out
}

// Poll observes one session, records its state and announces changes. A
// transition into completed also carries the next-task suggestion.
func (m *Monitor) Poll(ctx context.Context, w Watch) (Observation, error) {
	ctx, span := telemetry.StartSpan(ctx, m.tracer, "monitor.poll",
		telemetry.AttrSessionID.String(w.SessionID),
		telemetry.AttrAgent.String(w.Agent),
	)
	defer span.End()

	obs, lastClosed, err := m.observe(ctx, w)
	if err != nil {
		span.RecordError(err)
		return Observation{}, err
	}
	span.SetAttributes(telemetry.AttrState.String(string(obs.State)))
	m.metrics.MonitorPolls.Add(ctx, 1)

	m.mu.Lock()
	prev, seen := m.states[w.SessionID]
	m.states[w.SessionID] = obs.State
	m.mu.Unlock()
	if seen {
		obs.Previous = prev
	}
	if !obs.Changed() {
		return obs, nil
	}

	m.metrics.StateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(obs.State))))
	m.logger.Info("session state changed", "session", w.SessionID, "agent", w.Agent, "from", prev, "to", obs.State)
	m.broadcast(w, map[string]any{
		"type":       string(core.EventSessionState),
		"session_id": w.SessionID,
		"agent":      w.Agent,
		"state":      string(obs.State),
		"previous":   string(obs.Previous),
	})

	if obs.State == session.StateCompleted && lastClosed != nil && m.picker != nil {
		pick, err := m.picker.Next(ctx, picker.Request{
			CompletedID: lastClosed.ID,
			Project:     tracker.ProjectOf(lastClosed.ID),
			PreferEpic:  true,
		})
		if err != nil {
			m.logger.Warn("next task lookup failed", "session", w.SessionID, "completed", lastClosed.ID, "error", err)
			return obs, nil
		}
		if pick != nil {
			obs.Next = pick
			m.metrics.TasksSuggested.Add(ctx, 1)
			m.broadcast(w, map[string]any{
				"type":       string(core.EventNextTask),
				"session_id": w.SessionID,
				"agent":      w.Agent,
				"completed":  lastClosed.ID,
				"next":       pick,
			})
		}
	}
	return obs, nil
}

// State returns the last observed state of a session.
func (m *Monitor) State(sessionID string) (session.State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[sessionID]
	return st, ok
}

func (m *Monitor) observe(ctx context.Context, w Watch) (Observation, *tracker.Task, error) {
	return Observe(ctx, m.sup, m.trk, w, m.now())
}

// Observe fetches the session's recent output and its agent's tasks and runs
// the detector once. trk may be nil. The returned task is the agent's most
// recently closed one, if any.
func Observe(ctx context.Context, sup supervisor.Supervisor, trk tracker.Tracker, w Watch, now time.Time) (Observation, *tracker.Task, error) {
	output, err := sup.RecentOutput(ctx, w.SessionID, outputBudget)
	if err != nil {
		return Observation{}, nil, fmt.Errorf("recent output: %w", err)
	}
	in := session.Input{Output: output, Now: now}
	obs := Observation{SessionID: w.SessionID, Agent: w.Agent, Project: w.Project, ObservedAt: now}

	var lastClosed *tracker.Task
	if trk != nil && w.Agent != "" {
		tasks, err := trk.AssignedTo(ctx, w.Agent)
		if err != nil {
			return Observation{}, nil, fmt.Errorf("tasks for %s: %w", w.Agent, err)
		}
		current, closed := tracker.CurrentAndLastClosed(tasks)
		if current != nil {
			in.CurrentTask = current.ID
			obs.CurrentTask = current.ID
		}
		if closed != nil {
			lastClosed = closed
			in.LastClosed = &session.ClosedTask{ID: closed.ID, ClosedAt: *closed.ClosedAt}
			obs.LastClosed = closed.ID
		}
	}
	obs.State = session.Detect(in)
	return obs, lastClosed, nil
}

func (m *Monitor) broadcast(w Watch, event map[string]any) {
	if m.bus == nil {
		return
	}
	event["project"] = w.Project
	m.bus.Broadcast(w.Project, w.Agent, event)
}
