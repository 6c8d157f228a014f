package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments recorded by the server and the monitor.
type Metrics struct {
	RequestDuration      metric.Float64Histogram
	ReservationsGranted  metric.Int64Counter
	ReservationConflicts metric.Int64Counter
	MessagesSent         metric.Int64Counter
	MonitorPolls         metric.Int64Counter
	StateTransitions     metric.Int64Counter
	TasksSuggested       metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("interlock.http.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationsGranted, err = meter.Int64Counter("interlock.reservations.granted",
		metric.WithDescription("Reservations granted"),
	)
	if err != nil {
		return nil, err
	}

	m.ReservationConflicts, err = meter.Int64Counter("interlock.reservations.conflicts",
		metric.WithDescription("Reserve calls rejected by a conflicting reservation"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesSent, err = meter.Int64Counter("interlock.messages.sent",
		metric.WithDescription("Messages and replies stored"),
	)
	if err != nil {
		return nil, err
	}

	m.MonitorPolls, err = meter.Int64Counter("interlock.monitor.polls",
		metric.WithDescription("Session polls run by the monitor"),
	)
	if err != nil {
		return nil, err
	}

	m.StateTransitions, err = meter.Int64Counter("interlock.session.transitions",
		metric.WithDescription("Observed session state changes"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSuggested, err = meter.Int64Counter("interlock.tasks.suggested",
		metric.WithDescription("Next-task suggestions produced"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that discard every measurement.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		panic(err)
	}
	return m
}
