// Package session infers what a coding agent is doing from the recent tail of
// its terminal output.
package session

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// State is the inferred activity state of an agent session. It is derived on
// every poll and never stored.
type State string

const (
	StateStarting       State = "starting"
	StateWorking        State = "working"
	StateNeedsInput     State = "needs-input"
	StateCompacting     State = "compacting"
	StateCompleting     State = "completing"
	StateReadyForReview State = "ready-for-review"
	StateCompleted      State = "completed"
	StateIdle           State = "idle"
)

// States lists every state in display order.
func States() []State {
	return []State{
		StateStarting, StateWorking, StateNeedsInput, StateCompacting,
		StateCompleting, StateReadyForReview, StateCompleted, StateIdle,
	}
}

// ParseState maps a string onto a State.
func ParseState(s string) (State, error) {
	for _, st := range States() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown session state %q", s)
}

const (
	// TailBytes bounds how much recent output is scanned.
	TailBytes = 3000
	// MinOutputChars is the cleaned tail length below which a session with no
	// task is still considered to be starting up.
	MinOutputChars = 80
	// RecentCloseWindow is how long after closing a task a session without a
	// new task reports completed.
	RecentCloseWindow = 2 * time.Hour
)

type markerSet struct {
	state   State
	markers []string
}

// markerTable is scanned in order; on equal positions the earlier entry wins.
// Markers are lowercase.
var markerTable = []markerSet{
	{StateNeedsInput, []string{"awaiting input", "enter to select", "type something", "☐"}},
	{StateReadyForReview, []string{"ready for review", "shall i mark", "should i mark", "ready to mark complete"}},
	{StateCompleting, []string{"marking complete"}},
	{StateCompacting, []string{"compacting context", "compacting conversation"}},
	{StateWorking, []string{"now working on task"}},
}

var completionMarkers = []string{"task completed", "marked complete", "task closed", "closed task"}

// ClosedTask is the most recently closed task of a session.
type ClosedTask struct {
	ID       string
	ClosedAt time.Time
}

// Input is everything Detect looks at. Now is supplied by the caller so the
// result depends on the arguments alone.
type Input struct {
	Output      string
	CurrentTask string
	LastClosed  *ClosedTask
	Now         time.Time
}

// Detect maps the evidence to one state. The most recent marker in the output
// decides; absent markers fall back on task state and output length.
func Detect(in Input) State {
	tail := Tail(in.Output)

	if in.CurrentTask != "" {
		if st, ok := latestMarker(tail); ok {
			return st
		}
		return StateWorking
	}

	if in.LastClosed != nil {
		if lastIndex(tail, completionMarkers) >= 0 {
			return StateCompleted
		}
		if age := in.Now.Sub(in.LastClosed.ClosedAt); age >= 0 && age <= RecentCloseWindow {
			return StateCompleted
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(tail)) < MinOutputChars {
		return StateStarting
	}
	return StateIdle
}

// Tail strips terminal escapes, keeps the last TailBytes bytes on a rune
// boundary and lowercases the result.
func Tail(output string) string {
	clean := ansi.Strip(output)
	if len(clean) > TailBytes {
		cut := len(clean) - TailBytes
		for cut < len(clean) && !utf8.RuneStart(clean[cut]) {
			cut++
		}
		clean = clean[cut:]
	}
	return strings.ToLower(clean)
}

func latestMarker(tail string) (State, bool) {
	best, bestAt := State(""), -1
	for _, set := range markerTable {
		if at := lastIndex(tail, set.markers); at > bestAt {
			best, bestAt = set.state, at
		}
	}
	return best, bestAt >= 0
}

func lastIndex(s string, markers []string) int {
	at := -1
	for _, m := range markers {
		if i := strings.LastIndex(s, m); i > at {
			at = i
		}
	}
	return at
}
