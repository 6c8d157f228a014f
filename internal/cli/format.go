package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/session"
)

var (
	red    = color.New(color.FgRed)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	gray   = color.New(color.FgHiBlack)
	bold   = color.New(color.Bold)
)

func relTime(t, now time.Time) string {
	return humanize.RelTime(t, now, "ago", "from now")
}

func mode(exclusive bool) string {
	if exclusive {
		return "exclusive"
	}
	return "shared"
}

func printReservation(w io.Writer, r core.Reservation, now time.Time) {
	fmt.Fprintf(w, "%s  %s  %s  expires %s",
		cyan.Sprint(r.PathPattern), r.AgentName, mode(r.Exclusive), relTime(r.ExpiresAt, now))
	if r.Reason != "" {
		fmt.Fprintf(w, "  %s", gray.Sprintf("(%s)", r.Reason))
	}
	fmt.Fprintf(w, "  %s\n", gray.Sprint(r.ID))
}

// printConflicts lists every blocker of a refused reservation and reports
// whether err was a conflict.
func printConflicts(w io.Writer, err error, now time.Time) bool {
	var conflict *core.ConflictError
	if !errors.As(err, &conflict) {
		return false
	}
	red.Fprintln(w, "reservation refused:")
	for _, c := range conflict.Conflicts {
		fmt.Fprintf(w, "  %s overlaps %s held by %s (%s, expires %s)\n",
			c.Requested, cyan.Sprint(c.Pattern), bold.Sprint(c.HeldBy), mode(c.Exclusive), relTime(c.ExpiresAt, now))
	}
	return true
}

func importanceMark(imp core.Importance) string {
	switch imp {
	case core.ImportanceUrgent:
		return red.Sprint("!!")
	case core.ImportanceHigh:
		return yellow.Sprint("! ")
	}
	return "  "
}

func printInboxItem(w io.Writer, it core.InboxItem, now time.Time) {
	m := it.Message
	flags := " "
	if it.ReadAt == nil {
		flags = green.Sprint("*")
	}
	if m.AckRequired && it.AckAt == nil {
		flags += yellow.Sprint("ack")
	}
	fmt.Fprintf(w, "%s %s %s  from %s  %s  %s\n",
		flags, importanceMark(m.Importance), bold.Sprint(m.Subject), m.From, gray.Sprint(relTime(m.CreatedAt, now)), gray.Sprint(m.ID))
	if body := strings.TrimSpace(m.Body); body != "" {
		for _, line := range strings.Split(body, "\n") {
			fmt.Fprintf(w, "    %s\n", line)
		}
	}
}

func stateColor(st session.State) *color.Color {
	switch st {
	case session.StateNeedsInput, session.StateReadyForReview:
		return yellow
	case session.StateCompleted, session.StateCompleting:
		return green
	case session.StateWorking, session.StateCompacting:
		return cyan
	}
	return gray
}
