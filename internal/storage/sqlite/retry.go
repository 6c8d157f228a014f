package sqlite

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
	"modernc.org/sqlite"
)

const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// RetryConfig controls exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter
}

// DefaultRetryConfig returns the default retry configuration:
// 5 retries, 50ms base, 25% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 5,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnDBLock retries fn while the database reports busy, using the default
// config. Exhausted retries surface as core.ErrStoreBusy.
func RetryOnDBLock(ctx context.Context, fn func() error) error {
	return retryOnDBLockInternal(ctx, DefaultRetryConfig(), fn, time.Sleep)
}

// RetryOnDBLockWithConfig is RetryOnDBLock with an explicit config.
func RetryOnDBLockWithConfig(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryOnDBLockInternal(ctx, cfg, fn, time.Sleep)
}

func retryOnDBLockInternal(ctx context.Context, cfg RetryConfig, fn func() error, sleepFn func(time.Duration)) error {
	err := fn()
	if err == nil {
		return nil
	}
	if !isDBLocked(err) {
		return err
	}

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		delay := cfg.BaseDelay * (1 << (attempt - 1))
		jitter := time.Duration(float64(delay) * rand.Float64() * cfg.JitterPct)
		sleepFn(delay + jitter)

		err = fn()
		if err == nil {
			return nil
		}
		if !isDBLocked(err) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", core.ErrStoreBusy, err)
}

func isDBLocked(err error) bool {
	if errors.Is(err, core.ErrStoreBusy) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "sqlite_busy")
}
