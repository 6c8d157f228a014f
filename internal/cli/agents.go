package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/core"
)

func newRegisterCmd(deps Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register (or update) an agent in the project",
		Long:  "Register an agent. Without --agent a pronounceable name is generated; registering an existing name updates it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			program, _ := cmd.Flags().GetString("program")
			model, _ := cmd.Flags().GetString("model")
			task, _ := cmd.Flags().GetString("task")
			agent, err := ctx.Store.RegisterAgent(cmd.Context(), core.AgentRegistration{
				Project:         ctx.Project,
				Name:            ctx.Agent,
				Program:         program,
				Model:           model,
				TaskDescription: task,
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, agent)
			}
			fmt.Fprintln(cmd.OutOrStdout(), agent.Name)
			return nil
		},
	}
	cmd.Flags().String("program", "", "agent program, e.g. claude-code")
	cmd.Flags().String("model", "", "model the agent runs")
	cmd.Flags().String("task", "", "what the agent is working on")
	return cmd
}

func newWhoamiCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			name, err := ctx.RequireAgent()
			if err != nil {
				return writeCommandError(cmd, err)
			}
			agent, err := ctx.Store.GetAgent(cmd.Context(), ctx.Project, name)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, agent)
			}
			out := cmd.OutOrStdout()
			now := deps.now()
			fmt.Fprintf(out, "%s in %s\n", bold.Sprint(agent.Name), agent.Project)
			fmt.Fprintf(out, "  program: %s  model: %s\n", agent.Program, agent.Model)
			if agent.TaskDescription != "" {
				fmt.Fprintf(out, "  task: %s\n", agent.TaskDescription)
			}
			fmt.Fprintf(out, "  registered %s, last active %s\n", relTime(agent.CreatedAt, now), relTime(agent.LastActive, now))
			return nil
		},
	}
}

func newListAgentsCmd(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "list-agents",
		Short: "List agents registered in the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agents, err := ctx.Store.ListAgents(cmd.Context(), ctx.Project)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if ctx.JSONMode {
				return writeJSON(cmd, agents)
			}
			out := cmd.OutOrStdout()
			if len(agents) == 0 {
				fmt.Fprintln(out, "no agents registered")
				return nil
			}
			now := deps.now()
			for _, a := range agents {
				fmt.Fprintf(out, "%-24s %-14s %-18s active %s\n", a.Name, a.Program, a.Model, relTime(a.LastActive, now))
			}
			return nil
		},
	}
}
