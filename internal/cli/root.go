package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/supervisor"
	"github.com/mistakeknot/interlock/internal/tracker"
)

const AppName = "interlock"

// Deps are the external collaborators commands reach for. Tests replace them;
// nil fields fall back to the configured adapters.
type Deps struct {
	Tracker    func(cfg *config.Config) tracker.Tracker
	Supervisor func(cfg *config.Config) supervisor.Supervisor
	Now        func() time.Time
}

func (d Deps) tracker(cfg *config.Config) tracker.Tracker {
	if d.Tracker != nil {
		return d.Tracker(cfg)
	}
	switch cfg.Tracker.Kind {
	case "beads":
		var opts []tracker.BeadsOption
		if cfg.Tracker.Binary != "" {
			opts = append(opts, tracker.WithBinary(cfg.Tracker.Binary))
		}
		return tracker.NewBeads(cfg.Tracker.Dir, opts...)
	}
	return nil
}

func (d Deps) supervisor(cfg *config.Config) supervisor.Supervisor {
	if d.Supervisor != nil {
		return d.Supervisor(cfg)
	}
	return supervisor.NewTmux(cfg.Monitor.HistoryLines, nil)
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewRootCmd builds the interlock command tree.
func NewRootCmd(version string, deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Interlock - coordination for concurrent coding agents",
		Long:          "Interlock gives coding agents sharing a workspace advisory file reservations, threaded mail, session state detection and next-task suggestions.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	pf := cmd.PersistentFlags()
	pf.String("config", "", "config file (default $INTERLOCK_CONFIG or ./interlock.yaml)")
	pf.String("db", "", "coordination store path (overrides config)")
	pf.String("project", "", "project key (default: config, then working directory)")
	pf.String("agent", "", "acting agent name (default: config or $INTERLOCK_AGENT)")
	pf.String("server", "", "talk to an interlock server at this URL instead of the local store")
	pf.String("api-key", "", "API key for --server (default $INTERLOCK_API_KEY)")
	pf.Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		newRegisterCmd(deps),
		newWhoamiCmd(deps),
		newListAgentsCmd(deps),
		newReserveCmd(deps),
		newReleaseCmd(deps),
		newListReservationsCmd(deps),
		newCheckCmd(deps),
		newSendCmd(deps),
		newInboxCmd(deps),
		newAckCmd(deps),
		newReplyCmd(deps),
		newSearchCmd(deps),
		newPendingAcksCmd(deps),
		newNextCmd(deps),
		newStatusCmd(deps),
		newMonitorCmd(deps),
		newServeCmd(deps),
		newInitCmd(),
	)
	return cmd
}

// Execute runs the root command with ctx, printing any error.
func Execute(ctx context.Context, version string) error {
	cmd := NewRootCmd(version, Deps{})
	return cmd.ExecuteContext(ctx)
}
