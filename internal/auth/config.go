package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mistakeknot/interlock/internal/core"
)

const defaultKeysFile = "interlock.keys.yaml"

// Keyring maps API keys to the project they unlock. Projects are stored as
// slugs so a key issued for "/work/acme" also covers "work-acme".
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToProject              map[string]string
}

// ResolveKeysPath returns $INTERLOCK_KEYS_FILE or ./interlock.keys.yaml.
func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("INTERLOCK_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

// LoadKeyring reads the keys file at path, writing one with a dev key first
// when none exists. An empty path yields a keyring with no keys that admits
// localhost only.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	if _, err := BootstrapDevKey(path, "dev"); err != nil {
		return nil, fmt.Errorf("bootstrap dev key: %w", err)
	}
	f, err := ReadKeysFile(path)
	if err != nil {
		return nil, err
	}
	return f.Keyring()
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToProject: make(map[string]string)}
}

func NewKeyring(allowLocalhost bool, keyToProject map[string]string) *Keyring {
	ring := defaultKeyring()
	ring.AllowLocalhostWithoutAuth = allowLocalhost
	for k, v := range keyToProject {
		ring.keyToProject[k] = core.ProjectSlug(v)
	}
	return ring
}

// Covers reports whether the keyring holds at least one key for project.
func (k *Keyring) Covers(project string) bool {
	if k == nil {
		return false
	}
	slug := core.ProjectSlug(project)
	for _, p := range k.keyToProject {
		if p == slug {
			return true
		}
	}
	return false
}

// ProjectForKey returns the slug of the project key unlocks.
func (k *Keyring) ProjectForKey(key string) (string, bool) {
	if k == nil {
		return "", false
	}
	project, ok := k.keyToProject[key]
	return project, ok
}
