package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "interlock.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
store:
  path: /tmp/coord.db
project: /work/acme
agent: GreenCastle
server:
  addr: ":9000"
logging:
  level: debug
  format: json
telemetry:
  enabled: true
  exporter: none
monitor:
  interval: 2s
  history_lines: 50
  sessions:
    - id: "acme:1"
      agent: GreenCastle
      project: /work/acme
tracker:
  kind: beads
  dir: /work/acme
janitor:
  interval: 1m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/tmp/coord.db" || cfg.Project != "/work/acme" || cfg.Agent != "GreenCastle" {
		t.Fatalf("unexpected identity fields: %+v", cfg)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.KeysFile != DefaultKeysFile {
		t.Fatalf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Monitor.Interval != 2*time.Second || cfg.Monitor.HistoryLines != 50 {
		t.Fatalf("unexpected monitor config: %+v", cfg.Monitor)
	}
	if len(cfg.Monitor.Sessions) != 1 || cfg.Monitor.Sessions[0].Agent != "GreenCastle" {
		t.Fatalf("unexpected sessions: %+v", cfg.Monitor.Sessions)
	}
	if cfg.Janitor.Interval != time.Minute {
		t.Fatalf("janitor interval = %v", cfg.Janitor.Interval)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Exporter != "none" {
		t.Fatalf("unexpected telemetry: %+v", cfg.Telemetry)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Path != DefaultStorePath || cfg.Server.Addr != DefaultAddr {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Monitor.Interval != DefaultPollInterval || cfg.Monitor.HistoryLines != DefaultHistoryLines {
		t.Fatalf("monitor defaults not applied: %+v", cfg.Monitor)
	}
	if cfg.Janitor.Interval != 0 {
		t.Fatalf("janitor should be off by default, got %v", cfg.Janitor.Interval)
	}
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("ACME_ROOT", "/srv/acme")
	cfg, err := Parse([]byte("project: ${ACME_ROOT}\nstore:\n  path: ${ACME_ROOT}/coord.db\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Project != "/srv/acme" || cfg.Store.Path != "/srv/acme/coord.db" {
		t.Fatalf("expansion failed: %+v", cfg)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":      "monitor:\n  interval: soon\n",
		"zero interval":     "monitor:\n  interval: 0s\n",
		"bad tracker":       "tracker:\n  kind: jira\n",
		"session id":        "monitor:\n  sessions:\n    - agent: x\n",
		"duplicate session": "monitor:\n  sessions:\n    - id: a\n    - id: a\n",
		"bad yaml":          "project: [\n",
	}
	for name, body := range cases {
		if _, err := Parse([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("INTERLOCK_DB", "/env/db.sqlite")
	t.Setenv("INTERLOCK_PROJECT", "/env/project")
	t.Setenv("INTERLOCK_AGENT", "BlueLake")
	t.Setenv("INTERLOCK_ADDR", ":7000")
	t.Setenv("INTERLOCK_KEYS_FILE", "/env/keys.yaml")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Store.Path != "/env/db.sqlite" || cfg.Project != "/env/project" || cfg.Agent != "BlueLake" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Server.Addr != ":7000" || cfg.Server.KeysFile != "/env/keys.yaml" {
		t.Fatalf("server overrides not applied: %+v", cfg.Server)
	}
}

func TestLoadFromEnvMissingDefaultFile(t *testing.T) {
	t.Setenv("INTERLOCK_CONFIG", "")
	t.Chdir(t.TempDir())
	t.Setenv("INTERLOCK_AGENT", "RedFox")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.Agent != "RedFox" || cfg.Store.Path != DefaultStorePath {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadFromEnvExplicitMissingFile(t *testing.T) {
	t.Setenv("INTERLOCK_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}
