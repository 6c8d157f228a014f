package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

// NewSQLiteTest returns an in-memory store closed at test cleanup.
func NewSQLiteTest(t *testing.T, opts ...Option) *Store {
	t.Helper()
	st, err := NewInMemory(opts...)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// TestClock is a settable clock for stores under test.
type TestClock struct {
	now time.Time
}

func NewTestClock(start time.Time) *TestClock {
	return &TestClock{now: start.UTC()}
}

func (c *TestClock) Now() time.Time          { return c.now }
func (c *TestClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// MustRegister registers an agent or fails the test.
func MustRegister(t *testing.T, st interface {
	RegisterAgent(context.Context, core.AgentRegistration) (core.Agent, error)
}, project, name string) core.Agent {
	t.Helper()
	a, err := st.RegisterAgent(context.Background(), core.AgentRegistration{
		Project: project,
		Name:    name,
		Program: "claude-code",
		Model:   "opus",
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return a
}
