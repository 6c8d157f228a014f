package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mistakeknot/interlock/internal/core"
)

// KeysFile is the YAML document a Keyring is loaded from:
//
//	default_policy:
//	  allow_localhost_without_auth: true
//	projects:
//	  work-acme:
//	    keys: [<key>, ...]
type KeysFile struct {
	DefaultPolicy Policy                 `yaml:"default_policy"`
	Projects      map[string]ProjectKeys `yaml:"projects"`
}

type Policy struct {
	AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
}

type ProjectKeys struct {
	Keys []string `yaml:"keys"`
}

// ReadKeysFile parses path. A missing file reads as an empty document.
func ReadKeysFile(path string) (*KeysFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &KeysFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	var f KeysFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	return &f, nil
}

// Issue adds a fresh key for project, recorded under its slug. rotate drops
// the project's existing keys first.
func (f *KeysFile) Issue(project string, rotate bool) (string, error) {
	if strings.TrimSpace(project) == "" {
		return "", fmt.Errorf("project required")
	}
	key, err := GenerateKey()
	if err != nil {
		return "", err
	}
	slug := core.ProjectSlug(project)
	if f.Projects == nil {
		f.Projects = make(map[string]ProjectKeys)
	}
	pk := f.Projects[slug]
	if rotate {
		pk.Keys = nil
	}
	pk.Keys = append(pk.Keys, key)
	f.Projects[slug] = pk
	if f.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		allow := true
		f.DefaultPolicy.AllowLocalhostWithoutAuth = &allow
	}
	return key, nil
}

// Save writes the document with owner-only permissions, creating the
// directory when needed.
func (f *KeysFile) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal keys file: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create keys dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write keys file: %w", err)
	}
	return nil
}

// KeyedProjects lists the project slugs holding at least one key.
func (f *KeysFile) KeyedProjects() []string {
	out := make([]string, 0, len(f.Projects))
	for p, pk := range f.Projects {
		if len(pk.Keys) > 0 {
			out = append(out, core.ProjectSlug(p))
		}
	}
	sort.Strings(out)
	return out
}

// Keyring indexes the document by key. A key listed under two projects is
// rejected.
func (f *KeysFile) Keyring() (*Keyring, error) {
	ring := defaultKeyring()
	if f.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *f.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for project, pk := range f.Projects {
		slug := core.ProjectSlug(project)
		for _, key := range pk.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToProject[key]; ok && existing != slug {
				return nil, fmt.Errorf("key reused across projects %s and %s", existing, slug)
			}
			ring.keyToProject[key] = slug
		}
	}
	return ring, nil
}

// GenerateKey returns 32 random bytes, base64url encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
