package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInboxFollowLocal(t *testing.T) {
	env := newCLIEnv(t)
	env.mustRun("alice", "register", "--program", "claude-code", "--model", "opus")
	env.mustRun("bob", "register", "--program", "codex", "--model", "gpt")
	env.mustRun("alice", "send", "--to", "bob", "--subject", "before follow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	cmd := NewRootCmd("test", env.deps)
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs([]string{"--db", env.db, "--project", "/work/acme", "--agent", "bob", "inbox", "--follow"})
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	waitFor := func(want string) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if strings.Contains(out.String(), want) {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %q in %q", want, out.String())
	}
	waitFor("before follow")

	env.mustRun("alice", "send", "--to", "bob", "--subject", "while following")
	waitFor("while following")
	if n := strings.Count(out.String(), "before follow"); n != 1 {
		t.Fatalf("earlier message printed %d times", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("follow returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not stop on cancel")
	}
}
