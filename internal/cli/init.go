// Package cli implements the interlock command line.
package cli

import (
	"fmt"
	"strings"

	"github.com/mistakeknot/interlock/internal/auth"
)

// InitOptions controls InitKeysFile. Rotate drops the project's existing keys
// before issuing the new one.
type InitOptions struct {
	Rotate bool
}

// InitKeysFile issues a fresh API key for project and writes it to the keys
// file at path, creating the file and its directory when needed. Projects are
// recorded by slug.
func InitKeysFile(path, project string, opts InitOptions) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	f, err := auth.ReadKeysFile(path)
	if err != nil {
		return "", err
	}
	key, err := f.Issue(project, opts.Rotate)
	if err != nil {
		return "", err
	}
	if err := f.Save(path); err != nil {
		return "", err
	}
	return key, nil
}

// KeyedProjects lists the projects that have at least one key.
func KeyedProjects(path string) ([]string, error) {
	f, err := auth.ReadKeysFile(path)
	if err != nil {
		return nil, err
	}
	return f.KeyedProjects(), nil
}
