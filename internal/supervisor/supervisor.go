// Package supervisor fetches recent terminal output from the process
// supervisor hosting agent sessions.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mistakeknot/interlock/internal/core"
)

// Supervisor exposes the recent output of a running agent session.
type Supervisor interface {
	RecentOutput(ctx context.Context, sessionID string, maxBytes int) (string, error)
}

// CommandRunner overrides the external command executor.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// defaultCommandRunner returns stdout, or stderr when the command fails.
func defaultCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Stderr, err
	}
	return out, err
}

// Tmux reads pane contents with tmux capture-pane.
type Tmux struct {
	runCmd CommandRunner
	lines  int
}

// NewTmux captures up to historyLines of scrollback per call.
func NewTmux(historyLines int, runner CommandRunner) *Tmux {
	if runner == nil {
		runner = defaultCommandRunner
	}
	if historyLines <= 0 {
		historyLines = 200
	}
	return &Tmux{runCmd: runner, lines: historyLines}
}

var _ Supervisor = (*Tmux)(nil)

func (t *Tmux) RecentOutput(ctx context.Context, sessionID string, maxBytes int) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("%w: session id required", core.ErrInvalidInput)
	}
	out, err := t.runCmd(ctx, "tmux", "capture-pane", "-p", "-J", "-t", sessionID, "-S", "-"+strconv.Itoa(t.lines))
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "can't find") || strings.Contains(msg, "no server running") {
			return "", fmt.Errorf("%w: tmux session %q", core.ErrNotFound, sessionID)
		}
		return "", fmt.Errorf("tmux capture-pane %s: %w", sessionID, err)
	}
	return lastBytes(string(out), maxBytes), nil
}

func lastBytes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Static serves fixed output per session. Useful for tests and replays.
type Static struct {
	mu     sync.RWMutex
	output map[string]string
}

func NewStatic() *Static {
	return &Static{output: make(map[string]string)}
}

func (s *Static) Set(sessionID, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output[sessionID] = output
}

func (s *Static) RecentOutput(ctx context.Context, sessionID string, maxBytes int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.output[sessionID]
	if !ok {
		return "", fmt.Errorf("%w: session %q", core.ErrNotFound, sessionID)
	}
	return lastBytes(out, maxBytes), nil
}
