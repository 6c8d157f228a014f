package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interlock/client"
	"github.com/mistakeknot/interlock/internal/config"
	"github.com/mistakeknot/interlock/internal/storage"
	"github.com/mistakeknot/interlock/internal/storage/sqlite"
)

// CommandContext carries what every command needs: the resolved config, the
// store (local or remote) and the acting identity.
type CommandContext struct {
	Config   *config.Config
	Store    storage.Store
	Local    *sqlite.Store  // nil when talking to a server
	Remote   *client.Client // nil when using the local store
	Project  string
	Agent    string
	JSONMode bool
}

func (c *CommandContext) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

// RequireAgent returns the acting agent or explains how to set one.
func (c *CommandContext) RequireAgent() (string, error) {
	if c.Agent == "" {
		return "", fmt.Errorf("no agent: pass --agent, set INTERLOCK_AGENT or agent: in %s", config.DefaultPath)
	}
	return c.Agent, nil
}

// loadConfig resolves config from --config or the environment, then applies
// command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.Load(path)
		if err == nil {
			cfg.ApplyEnv()
		}
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.Store.Path = v
	}
	if v, _ := cmd.Flags().GetString("project"); v != "" {
		cfg.Project = v
	}
	if v, _ := cmd.Flags().GetString("agent"); v != "" {
		cfg.Agent = v
	}
	if cfg.Project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve project from working directory: %w", err)
		}
		cfg.Project = wd
	}
	if strings.HasPrefix(cfg.Project, ".") {
		if abs, err := filepath.Abs(cfg.Project); err == nil {
			cfg.Project = abs
		}
	}
	return cfg, nil
}

// GetContext opens the store selected by flags and config.
func GetContext(cmd *cobra.Command) (*CommandContext, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	jsonMode, _ := cmd.Flags().GetBool("json")
	ctx := &CommandContext{Config: cfg, Project: cfg.Project, Agent: cfg.Agent, JSONMode: jsonMode}

	serverURL, _ := cmd.Flags().GetString("server")
	if serverURL == "" {
		serverURL = strings.TrimSpace(os.Getenv("INTERLOCK_SERVER"))
	}
	if serverURL != "" {
		key, _ := cmd.Flags().GetString("api-key")
		if key == "" {
			key = strings.TrimSpace(os.Getenv("INTERLOCK_API_KEY"))
		}
		ctx.Remote = client.New(serverURL, client.WithAPIKey(key), client.WithProject(cfg.Project))
		ctx.Store = ctx.Remote
		return ctx, nil
	}

	local, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	ctx.Local = local
	ctx.Store = sqlite.NewResilient(local)
	return ctx, nil
}

func writeCommandError(cmd *cobra.Command, err error) error {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", err.Error())
	return err
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
