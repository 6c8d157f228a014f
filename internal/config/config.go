// Package config loads interlock settings from YAML with environment
// expansion and INTERLOCK_* overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/telemetry"
)

const (
	DefaultPath         = "interlock.yaml"
	DefaultStorePath    = ".interlock/interlock.db"
	DefaultAddr         = "127.0.0.1:7338"
	DefaultKeysFile     = "interlock.keys.yaml"
	DefaultPollInterval = 5 * time.Second
	DefaultHistoryLines = 200
)

type Config struct {
	Store     StoreConfig      `yaml:"store"`
	Project   string           `yaml:"project"`
	Agent     string           `yaml:"agent"`
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	Tracker   TrackerConfig    `yaml:"tracker"`
	Janitor   JanitorConfig    `yaml:"janitor"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	KeysFile string `yaml:"keys_file"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MonitorConfig lists the sessions the monitor polls.
type MonitorConfig struct {
	Interval     time.Duration   `yaml:"-"`
	IntervalRaw  string          `yaml:"interval"`
	HistoryLines int             `yaml:"history_lines"`
	Sessions     []SessionConfig `yaml:"sessions"`
}

// SessionConfig binds a supervisor session to the agent working in it.
type SessionConfig struct {
	ID      string `yaml:"id"`
	Agent   string `yaml:"agent"`
	Project string `yaml:"project"`
}

type TrackerConfig struct {
	Kind   string `yaml:"kind"`
	Dir    string `yaml:"dir"`
	Binary string `yaml:"binary"`
}

// JanitorConfig enables the expired-reservation reporter. Zero disables it.
type JanitorConfig struct {
	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// ResolvePath returns $INTERLOCK_CONFIG or ./interlock.yaml.
func ResolvePath() string {
	if v := strings.TrimSpace(os.Getenv("INTERLOCK_CONFIG")); v != "" {
		return v
	}
	return filepath.Join(".", DefaultPath)
}

// LoadFromEnv loads the file named by ResolvePath, tolerating its absence
// when INTERLOCK_CONFIG is unset, and applies environment overrides.
func LoadFromEnv() (*Config, error) {
	path := ResolvePath()
	explicit := strings.TrimSpace(os.Getenv("INTERLOCK_CONFIG")) != ""
	cfg, err := Load(path)
	if err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = Default()
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// Load reads path, expands ${VAR} references and parses durations.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config content.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overlays INTERLOCK_* variables onto cfg.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Store.Path, "INTERLOCK_DB")
	set(&c.Project, "INTERLOCK_PROJECT")
	set(&c.Agent, "INTERLOCK_AGENT")
	set(&c.Server.Addr, "INTERLOCK_ADDR")
	set(&c.Server.KeysFile, "INTERLOCK_KEYS_FILE")
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Monitor.Interval < 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Janitor.Interval < 0 {
		return fmt.Errorf("janitor.interval must not be negative")
	}
	switch c.Tracker.Kind {
	case "", "none", "beads":
	default:
		return fmt.Errorf("tracker.kind %q (want beads or none)", c.Tracker.Kind)
	}
	seen := make(map[string]bool, len(c.Monitor.Sessions))
	for i, s := range c.Monitor.Sessions {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("monitor.sessions[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("monitor.sessions[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = DefaultStorePath
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.KeysFile == "" {
		c.Server.KeysFile = DefaultKeysFile
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = DefaultPollInterval
	}
	if c.Monitor.HistoryLines <= 0 {
		c.Monitor.HistoryLines = DefaultHistoryLines
	}
	if c.Tracker.Kind == "" {
		c.Tracker.Kind = "beads"
	}
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Monitor.IntervalRaw != "" {
		cfg.Monitor.Interval, err = time.ParseDuration(cfg.Monitor.IntervalRaw)
		if err != nil {
			return fmt.Errorf("invalid monitor.interval: %w", err)
		}
		if cfg.Monitor.Interval <= 0 {
			return fmt.Errorf("monitor.interval must be positive")
		}
	}
	if cfg.Janitor.IntervalRaw != "" {
		cfg.Janitor.Interval, err = time.ParseDuration(cfg.Janitor.IntervalRaw)
		if err != nil {
			return fmt.Errorf("invalid janitor.interval: %w", err)
		}
	}
	return nil
}
