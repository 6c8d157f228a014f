package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotRecipient = errors.New("not a recipient")
	// ErrStoreBusy is the only error kind callers may retry automatically.
	ErrStoreBusy = errors.New("store busy")
)

// ConflictDetail names one active reservation that blocks a request.
type ConflictDetail struct {
	ReservationID string    `json:"reservation_id"`
	HeldBy        string    `json:"held_by"`
	Pattern       string    `json:"pattern"`
	Requested     string    `json:"requested"`
	Exclusive     bool      `json:"exclusive"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// ConflictError is returned by Reserve when any requested pattern overlaps an
// incompatible active reservation. It lists every blocker.
type ConflictError struct {
	Conflicts []ConflictDetail
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s held by %s until %s", c.Pattern, c.HeldBy, c.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return "reservation conflict: " + strings.Join(parts, "; ")
}

// IsDomainError reports whether err is a caller-facing outcome rather than a
// store failure. Domain errors never count against the circuit breaker.
func IsDomainError(err error) bool {
	if err == nil {
		return false
	}
	var conflict *ConflictError
	return errors.As(err, &conflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNotRecipient)
}
