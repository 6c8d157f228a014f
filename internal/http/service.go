package httpapi

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/supervisor"
	"github.com/mistakeknot/interlock/internal/telemetry"
	"github.com/mistakeknot/interlock/internal/tracker"
)

type Service struct {
	store   storage.Store
	bus     Broadcaster
	sup     supervisor.Supervisor
	trk     tracker.Tracker
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Broadcaster pushes events to listeners of a project. An empty agent
// reaches every listener in the project.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

func NewService(store storage.Store) *Service {
	return &Service{
		store:   store,
		logger:  slog.Default().With("component", "http"),
		metrics: telemetry.NoopMetrics(),
		tracer:  telemetry.Noop().Tracer,
		now:     time.Now,
	}
}

func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.bus = b
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l.With("component", "http")
	return s
}

func (s *Service) WithTelemetry(p *telemetry.Provider, m *telemetry.Metrics) *Service {
	if p != nil {
		s.tracer = p.Tracer
	}
	if m != nil {
		s.metrics = m
	}
	return s
}

// WithSupervisor enables output capture for session detection.
func (s *Service) WithSupervisor(sup supervisor.Supervisor) *Service {
	s.sup = sup
	return s
}

// WithTracker enables task lookups for detection and next-task picking.
func (s *Service) WithTracker(t tracker.Tracker) *Service {
	s.trk = t
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) broadcast(project, agent string, event map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(project, agent, event)
}
