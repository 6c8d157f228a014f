package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mistakeknot/interlock/internal/core"
)

func TestTmuxRecentOutput(t *testing.T) {
	var gotArgs []string
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		if name != "tmux" {
			return nil, fmt.Errorf("unexpected command %s", name)
		}
		gotArgs = args
		return []byte("line one\nline two\nready for review\n"), nil
	}
	tm := NewTmux(50, runner)
	out, err := tm.RecentOutput(context.Background(), "agents:1", 17)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if out != "ready for review\n" {
		t.Fatalf("expected last 17 bytes, got %q", out)
	}
	if strings.Join(gotArgs, " ") != "capture-pane -p -J -t agents:1 -S -50" {
		t.Fatalf("unexpected args %v", gotArgs)
	}
}

func TestTmuxMissingSession(t *testing.T) {
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		return []byte("can't find session: ghost"), fmt.Errorf("exit status 1")
	}
	if _, err := NewTmux(0, runner).RecentOutput(context.Background(), "ghost", 100); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	s.Set("a", "hello world")
	out, err := s.RecentOutput(context.Background(), "a", 5)
	if err != nil || out != "world" {
		t.Fatalf("got %q, %v", out, err)
	}
	if _, err := s.RecentOutput(context.Background(), "b", 5); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
