package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/core"
)

func newReserveCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reserve <pattern>...",
		Short: "Reserve file path patterns before editing them",
		Long:  "Reserve glob patterns (e.g. internal/http/**) for the acting agent. All patterns are granted or none are; a refusal lists every blocking reservation.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent, err := ctx.RequireAgent()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			shared, _ := cmd.Flags().GetBool("shared")
			reason, _ := cmd.Flags().GetString("reason")

			granted, err := ctx.Store.Reserve(cmd.Context(), core.ReserveRequest{
				Project:   ctx.Project,
				Agent:     agent,
				Patterns:  args,
				TTL:       ttl,
				Exclusive: !shared,
				Reason:    reason,
			})
			if err != nil {
				if !ctx.JSONMode && printConflicts(cmd.ErrOrStderr(), err, deps.now()) {
					return err
				}
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, granted)
			}
			now := deps.now()
			out := cmd.OutOrStdout()
			for _, r := range granted {
				fmt.Fprint(out, green.Sprint("reserved "))
				printReservation(out, r, now)
			}
			return nil
		},
	}
	cmd.Flags().Duration("ttl", core.DefaultReservationTTL, "how long the reservation lasts")
	cmd.Flags().Bool("shared", false, "take a shared reservation (other shared holders may coexist)")
	cmd.Flags().String("reason", "", "why the files are reserved")
	return cmd
}

func newReleaseCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "release [pattern...]",
		Short: "Release reservations held by the acting agent",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent, err := ctx.RequireAgent()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			all, _ := cmd.Flags().GetBool("all")
			id, _ := cmd.Flags().GetString("id")

			var released []core.Reservation
			switch {
			case id != "":
				r, err := ctx.Store.ReleaseByID(cmd.Context(), ctx.Project, agent, id)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				released = []core.Reservation{r}
			case all || len(args) > 0:
				released, err = ctx.Store.Release(cmd.Context(), core.ReleaseRequest{
					Project:  ctx.Project,
					Agent:    agent,
					Patterns: args,
					All:      all,
				})
				if err != nil {
					return writeCommandError(cmd, err)
				}
			default:
				return writeCommandError(cmd, fmt.Errorf("name patterns to release, or pass --all or --id"))
			}

			if ctx.JSONMode {
				return writeJSON(cmd, released)
			}
			out := cmd.OutOrStdout()
			if len(released) == 0 {
				fmt.Fprintln(out, "nothing to release")
				return nil
			}
			for _, r := range released {
				fmt.Fprintf(out, "released %s\n", cyan.Sprint(r.PathPattern))
			}
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "release every reservation the agent holds")
	cmd.Flags().String("id", "", "release one reservation by ID")
	return cmd
}

func newListReservationsCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-reservations",
		Short: "List active reservations in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			mine, _ := cmd.Flags().GetBool("mine")
			filter := core.ReservationFilter{Project: ctx.Project}
			if mine {
				if filter.Agent, err = ctx.RequireAgent(); err != nil {
					return writeCommandError(cmd, err)
				}
			}
			active, err := ctx.Store.ActiveReservations(cmd.Context(), filter)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, active)
			}
			out := cmd.OutOrStdout()
			if len(active) == 0 {
				fmt.Fprintln(out, "no active reservations")
				return nil
			}
			now := deps.now()
			for _, r := range active {
				printReservation(out, r, now)
			}
			return nil
		},
	}
	cmd.Flags().Bool("mine", false, "only the acting agent's reservations")
	return cmd
}

// newCheckCmd is meant for pre-commit hooks: it fails when another agent
// holds an exclusive reservation over any of the given paths.
func newCheckCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>...",
		Short: "Fail if other agents hold reservations over these paths",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			conflicts, err := ctx.Store.CheckPaths(cmd.Context(), ctx.Project, ctx.Agent, args)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				if err := writeJSON(cmd, conflicts); err != nil {
					return err
				}
			} else {
				now := deps.now()
				for _, c := range conflicts {
					fmt.Fprintf(cmd.OutOrStdout(), "%s reserved by %s (%s, expires %s)\n",
						red.Sprint(c.Path), bold.Sprint(c.Reservation.AgentName), cyan.Sprint(c.Reservation.PathPattern), relTime(c.Reservation.ExpiresAt, now))
				}
			}
			if len(conflicts) > 0 {
				return fmt.Errorf("%d path(s) reserved by other agents", len(conflicts))
			}
			return nil
		},
	}
}
