package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/internal/core"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Issue an API key for a project",
		Long:  "Add a new API key for the project to the server's keys file, creating the file when needed. The key is printed once; agents pass it as a bearer token.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			path, _ := cmd.Flags().GetString("keys-file")
			if path == "" {
				path = cfg.Server.KeysFile
			}
			jsonMode, _ := cmd.Flags().GetBool("json")

			if list, _ := cmd.Flags().GetBool("list"); list {
				projects, err := KeyedProjects(path)
				if err != nil {
					return writeCommandError(cmd, err)
				}
				if jsonMode {
					return writeJSON(cmd, map[string]any{"keys_file": path, "projects": projects})
				}
				for _, p := range projects {
					fmt.Fprintln(cmd.OutOrStdout(), p)
				}
				return nil
			}

			rotate, _ := cmd.Flags().GetBool("rotate")
			key, err := InitKeysFile(path, cfg.Project, InitOptions{Rotate: rotate})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			slug := core.ProjectSlug(cfg.Project)
			if jsonMode {
				return writeJSON(cmd, map[string]any{"keys_file": path, "project": slug, "key": key})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s issued for %s in %s\n", green.Sprint("key"), bold.Sprint(slug), path)
			fmt.Fprintln(out, key)
			return nil
		},
	}
	cmd.Flags().String("keys-file", "", "keys file (default server.keys_file)")
	cmd.Flags().Bool("rotate", false, "revoke the project's existing keys")
	cmd.Flags().Bool("list", false, "list projects that have keys")
	return cmd
}
