package sqlite

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker +
// RetryOnDBLock so transient busy errors are absorbed and a failing database
// is shed quickly.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
	retry RetryConfig
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second))
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	if cb.OnStateChange == nil {
		logger := inner.logger
		cb.OnStateChange = func(from, to BreakerState) {
			level := slog.LevelInfo
			if to == StateOpen {
				level = slog.LevelWarn
			}
			logger.Log(context.Background(), level, "circuit breaker transition", "from", from.String(), "to", to.String())
		}
	}
	return &ResilientStore{inner: inner, cb: cb, retry: DefaultRetryConfig()}
}

// Inner exposes the wrapped store for maintenance jobs.
func (r *ResilientStore) Inner() *Store {
	return r.inner
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func resilient[T any](ctx context.Context, r *ResilientStore, fn func() (T, error)) (T, error) {
	var result T
	err := r.cb.Execute(func() error {
		return RetryOnDBLockWithConfig(ctx, r.retry, func() error {
			var innerErr error
			result, innerErr = fn()
			return innerErr
		})
	})
	return result, err
}

func resilientErr(ctx context.Context, r *ResilientStore, fn func() error) error {
	return r.cb.Execute(func() error {
		return RetryOnDBLockWithConfig(ctx, r.retry, fn)
	})
}

func (r *ResilientStore) RegisterAgent(ctx context.Context, reg core.AgentRegistration) (core.Agent, error) {
	return resilient(ctx, r, func() (core.Agent, error) { return r.inner.RegisterAgent(ctx, reg) })
}

func (r *ResilientStore) Touch(ctx context.Context, project, name string) (core.Agent, error) {
	return resilient(ctx, r, func() (core.Agent, error) { return r.inner.Touch(ctx, project, name) })
}

func (r *ResilientStore) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	return resilient(ctx, r, func() (core.Agent, error) { return r.inner.GetAgent(ctx, project, name) })
}

func (r *ResilientStore) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	return resilient(ctx, r, func() ([]core.Agent, error) { return r.inner.ListAgents(ctx, project) })
}

func (r *ResilientStore) Reserve(ctx context.Context, req core.ReserveRequest) ([]core.Reservation, error) {
	return resilient(ctx, r, func() ([]core.Reservation, error) { return r.inner.Reserve(ctx, req) })
}

func (r *ResilientStore) Release(ctx context.Context, req core.ReleaseRequest) ([]core.Reservation, error) {
	return resilient(ctx, r, func() ([]core.Reservation, error) { return r.inner.Release(ctx, req) })
}

func (r *ResilientStore) ReleaseByID(ctx context.Context, project, agent, id string) (core.Reservation, error) {
	return resilient(ctx, r, func() (core.Reservation, error) { return r.inner.ReleaseByID(ctx, project, agent, id) })
}

func (r *ResilientStore) ActiveReservations(ctx context.Context, filter core.ReservationFilter) ([]core.Reservation, error) {
	return resilient(ctx, r, func() ([]core.Reservation, error) { return r.inner.ActiveReservations(ctx, filter) })
}

func (r *ResilientStore) CheckPaths(ctx context.Context, project, agent string, paths []string) ([]core.PathConflict, error) {
	return resilient(ctx, r, func() ([]core.PathConflict, error) { return r.inner.CheckPaths(ctx, project, agent, paths) })
}

func (r *ResilientStore) SendMessage(ctx context.Context, draft core.Draft) (core.Message, error) {
	return resilient(ctx, r, func() (core.Message, error) { return r.inner.SendMessage(ctx, draft) })
}

func (r *ResilientStore) GetMessage(ctx context.Context, project, id string) (core.Message, error) {
	return resilient(ctx, r, func() (core.Message, error) { return r.inner.GetMessage(ctx, project, id) })
}

func (r *ResilientStore) Inbox(ctx context.Context, project, agent string, opts core.InboxOptions) ([]core.InboxItem, error) {
	return resilient(ctx, r, func() ([]core.InboxItem, error) { return r.inner.Inbox(ctx, project, agent, opts) })
}

func (r *ResilientStore) MarkRead(ctx context.Context, project, messageID, agent string) error {
	return resilientErr(ctx, r, func() error { return r.inner.MarkRead(ctx, project, messageID, agent) })
}

func (r *ResilientStore) Ack(ctx context.Context, project, messageID, agent string) error {
	return resilientErr(ctx, r, func() error { return r.inner.Ack(ctx, project, messageID, agent) })
}

func (r *ResilientStore) Reply(ctx context.Context, project, messageID, agent, body string) (core.Message, error) {
	return resilient(ctx, r, func() (core.Message, error) { return r.inner.Reply(ctx, project, messageID, agent, body) })
}

func (r *ResilientStore) Search(ctx context.Context, project string, q core.SearchQuery) ([]core.Message, error) {
	return resilient(ctx, r, func() ([]core.Message, error) { return r.inner.Search(ctx, project, q) })
}

func (r *ResilientStore) PendingAcks(ctx context.Context, project, agent string) ([]core.PendingAck, error) {
	return resilient(ctx, r, func() ([]core.PendingAck, error) { return r.inner.PendingAcks(ctx, project, agent) })
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
