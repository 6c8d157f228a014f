package cli

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/auth"
)

type testKeysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Projects map[string]struct {
		Keys []string `yaml:"keys"`
	} `yaml:"projects"`
}

func readKeys(t *testing.T, path string) testKeysFile {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read keys file: %v", err)
	}
	var cfg testKeysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	return cfg
}

func TestInitKeysFileCreatesProjectKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "keys.yaml")
	key, err := InitKeysFile(path, "/work/acme", InitOptions{})
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if key == "" {
		t.Fatalf("expected generated key")
	}
	cfg := readKeys(t, path)
	keys := cfg.Projects["work-acme"].Keys
	if len(keys) != 1 || keys[0] != key {
		t.Fatalf("expected work-acme key %q, got %+v", key, keys)
	}
	if !cfg.DefaultPolicy.AllowLocalhostWithoutAuth {
		t.Fatal("expected localhost bypass to default on")
	}
}

func TestInitKeysFileAppendsAndRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	first, err := InitKeysFile(path, "acme", InitOptions{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	second, err := InitKeysFile(path, "acme", InitOptions{})
	if err != nil {
		t.Fatalf("init again: %v", err)
	}
	if got := readKeys(t, path).Projects["acme"].Keys; len(got) != 2 || got[0] != first || got[1] != second {
		t.Fatalf("expected both keys kept, got %v", got)
	}
	third, err := InitKeysFile(path, "acme", InitOptions{Rotate: true})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if got := readKeys(t, path).Projects["acme"].Keys; len(got) != 1 || got[0] != third {
		t.Fatalf("expected only the rotated key, got %v", got)
	}
}

func TestInitKeysFileReadableByKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	key, err := InitKeysFile(path, "/work/acme", InitOptions{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	ring, err := auth.LoadKeyring(path)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	if proj, ok := ring.ProjectForKey(key); !ok || proj != "work-acme" {
		t.Fatalf("ProjectForKey = %q, %v", proj, ok)
	}
	projects, err := KeyedProjects(path)
	if err != nil || len(projects) != 1 || projects[0] != "work-acme" {
		t.Fatalf("KeyedProjects = %v, %v", projects, err)
	}
}

func TestInitKeysFileValidation(t *testing.T) {
	if _, err := InitKeysFile("", "acme", InitOptions{}); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := InitKeysFile(filepath.Join(t.TempDir(), "k.yaml"), " ", InitOptions{}); err == nil {
		t.Fatal("expected error for empty project")
	}
}
