package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/core"
	"github.com/mistakeknot/interlock/internal/monitor"
	"github.com/mistakeknot/interlock/internal/picker"
	"github.com/mistakeknot/interlock/internal/tracker"
)

var errNoTracker = errors.New("no task tracker configured (tracker.kind is none)")

func printPick(w io.Writer, completed string, pick *picker.Pick) {
	if pick == nil {
		if completed == "" {
			fmt.Fprintln(w, "nothing ready")
			return
		}
		fmt.Fprintf(w, "nothing ready after %s\n", completed)
		return
	}
	fmt.Fprintf(w, "next: %s %s (P%d, from %s", bold.Sprint(pick.TaskID), pick.Title, pick.Priority, pick.Source)
	if pick.EpicID != "" {
		fmt.Fprintf(w, " %s", pick.EpicID)
	}
	fmt.Fprintln(w, ")")
}

func newNextCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next [completed-task-id]",
		Short: "Suggest the task to pick up, after finishing one or from the backlog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			completed := ""
			if len(args) == 1 {
				completed = args[0]
			}
			noEpic, _ := cmd.Flags().GetBool("no-epic")
			taskProject, _ := cmd.Flags().GetString("task-project")
			if taskProject == "" {
				taskProject = tracker.ProjectOf(completed)
			}

			var pick *picker.Pick
			if ctx.Remote != nil {
				pick, err = ctx.Remote.Next(cmd.Context(), taskProject, completed, !noEpic)
			} else {
				trk := deps.tracker(ctx.Config)
				if trk == nil {
					return writeCommandError(cmd, errNoTracker)
				}
				pick, err = picker.New(trk).Next(cmd.Context(), picker.Request{
					CompletedID: completed,
					Project:     taskProject,
					PreferEpic:  !noEpic,
				})
			}
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, map[string]any{"next": pick})
			}
			printPick(cmd.OutOrStdout(), completed, pick)
			return nil
		},
	}
	cmd.Flags().Bool("no-epic", false, "skip epic siblings and go straight to the backlog")
	cmd.Flags().String("task-project", "", "tracker project filter (default: prefix of the task ID)")
	return cmd
}

func newStatusCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Detect what an agent session is doing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			w := monitor.Watch{SessionID: args[0], Agent: ctx.Agent, Project: ctx.Project}
			var obs monitor.Observation
			if ctx.Remote != nil {
				obs, err = ctx.Remote.Detect(cmd.Context(), client.DetectRequest{SessionID: w.SessionID, Agent: w.Agent, Project: w.Project})
			} else {
				obs, _, err = monitor.Observe(cmd.Context(), deps.supervisor(ctx.Config), deps.tracker(ctx.Config), w, deps.now())
			}
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, obs)
			}
			printObservation(cmd.OutOrStdout(), obs)
			return nil
		},
	}
	return cmd
}

func printObservation(w io.Writer, obs monitor.Observation) {
	fmt.Fprintf(w, "%s  %s", obs.SessionID, stateColor(obs.State).Sprint(obs.State))
	if obs.Previous != "" && obs.Previous != obs.State {
		fmt.Fprintf(w, " (was %s)", obs.Previous)
	}
	if obs.Agent != "" {
		fmt.Fprintf(w, "  agent %s", obs.Agent)
	}
	if obs.CurrentTask != "" {
		fmt.Fprintf(w, "  task %s", obs.CurrentTask)
	} else if obs.LastClosed != "" {
		fmt.Fprintf(w, "  closed %s", obs.LastClosed)
	}
	fmt.Fprintln(w)
}

// watchesFrom merges --session flags (id or id=agent) with the configured
// sessions. Flags replace the config list when given.
func watchesFrom(cfg *config.Config, flags []string, defaultAgent string) ([]monitor.Watch, error) {
	var out []monitor.Watch
	if len(flags) > 0 {
		for _, f := range flags {
			id, agent, _ := strings.Cut(f, "=")
			if strings.TrimSpace(id) == "" {
				return nil, fmt.Errorf("%w: empty session id in %q", core.ErrInvalidInput, f)
			}
			if agent == "" {
				agent = defaultAgent
			}
			out = append(out, monitor.Watch{SessionID: id, Agent: agent, Project: cfg.Project})
		}
		return out, nil
	}
	for _, s := range cfg.Monitor.Sessions {
		project := s.Project
		if project == "" {
			project = cfg.Project
		}
		out = append(out, monitor.Watch{SessionID: s.ID, Agent: s.Agent, Project: project})
	}
	return out, nil
}

// printingBus writes monitor events to the terminal.
type printingBus struct {
	mu   sync.Mutex
	w    io.Writer
	json func(v any) error
}

func (b *printingBus) Broadcast(project, agent string, event any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.json != nil {
		_ = b.json(event)
		return
	}
	ev, ok := event.(map[string]any)
	if !ok {
		return
	}
	switch ev["type"] {
	case string(core.EventSessionState):
		fmt.Fprintf(b.w, "%v  %v -> %s  agent %v\n", ev["session_id"], ev["previous"], bold.Sprint(ev["state"]), ev["agent"])
	case string(core.EventNextTask):
		pick, _ := ev["next"].(*picker.Pick)
		fmt.Fprintf(b.w, "%v  ", ev["session_id"])
		printPick(b.w, fmt.Sprint(ev["completed"]), pick)
	}
}

func newMonitorCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Poll agent sessions and report state changes",
		Long:  "Poll the configured sessions (monitor.sessions, or --session) on an interval, print every state change and suggest the next task when a session completes one.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			sessions, _ := cmd.Flags().GetStringSlice("session")
			watches, err := watchesFrom(ctx.Config, sessions, ctx.Agent)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if len(watches) == 0 {
				return writeCommandError(cmd, fmt.Errorf("no sessions to watch: pass --session or list monitor.sessions in config"))
			}
			interval, _ := cmd.Flags().GetDuration("interval")
			if interval <= 0 {
				interval = ctx.Config.Monitor.Interval
			}
			once, _ := cmd.Flags().GetBool("once")

			bus := &printingBus{w: cmd.OutOrStdout()}
			if ctx.JSONMode {
				bus.json = func(v any) error { return writeJSON(cmd, v) }
			}
			m := monitor.New(monitor.Config{
				Watches:    watches,
				Interval:   interval,
				Supervisor: deps.supervisor(ctx.Config),
				Tracker:    deps.tracker(ctx.Config),
				Bus:        bus,
				Now:        deps.now,
			})

			m.PollAll(cmd.Context())
			if once {
				return nil
			}
			if err := m.Start(cmd.Context()); err != nil {
				return writeCommandError(cmd, err)
			}
			<-cmd.Context().Done()
			m.Stop()
			return nil
		},
	}
	cmd.Flags().StringSlice("session", nil, "session to watch as id or id=agent (repeatable)")
	cmd.Flags().Duration("interval", 0, "poll interval (default monitor.interval)")
	cmd.Flags().Bool("once", false, "poll once and exit")
	return cmd
}
