package sqlite

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// Broadcaster is the interface for emitting events to WebSocket clients.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// Sweeper periodically reports reservations whose TTL lapsed without a
// release. It never writes: expiry is evaluated lazily at query time, so the
// sweep only logs and notifies listeners.
type Sweeper struct {
	store    *Store
	bus      Broadcaster
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	watermark time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(store *Store, bus Broadcaster, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		bus:      bus,
		interval: interval,
		logger:   slog.Default().With("component", "sweeper"),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine. The first sweep covers only
// the preceding interval so a restart does not replay old expiries.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)
	sw.mu.Lock()
	sw.watermark = sw.store.now().Add(-sw.interval)
	sw.mu.Unlock()

	go func() {
		defer close(sw.done)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

// Sweep reports reservations that expired since the previous sweep and
// returns them.
func (sw *Sweeper) Sweep(ctx context.Context) []core.Reservation {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.store.now()
	expired, err := sw.store.ExpiredBetween(ctx, sw.watermark, now)
	if err != nil {
		sw.logger.Error("sweep failed", "error", err)
		return nil
	}
	sw.watermark = now
	if len(expired) == 0 {
		return nil
	}

	sw.logger.Info("reservations expired without release", "count", len(expired))
	for _, r := range expired {
		sw.logger.Debug("reservation expired", "project", r.Project, "agent", r.AgentName, "pattern", r.PathPattern)
		if sw.bus != nil {
			sw.bus.Broadcast(r.Project, "", map[string]any{
				"type":           string(core.EventReservationExpired),
				"project":        r.Project,
				"reservation_id": r.ID,
				"agent":          r.AgentName,
				"path_pattern":   r.PathPattern,
				"expired_at":     r.ExpiresAt,
			})
		}
	}
	return expired
}
