package auth

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/mistakeknot/interlock/internal/core"
)

// BootstrapResult reports what BootstrapDevKey did. Key and Project are empty
// when the file already existed.
type BootstrapResult struct {
	KeysFile string
	Project  string
	Key      string
	Created  bool
}

// BootstrapDevKey writes a keys file holding one key for project (default
// "dev") unless keysPath already exists. An existing file is never touched.
func BootstrapDevKey(keysPath, project string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if project == "" {
		project = "dev"
	}
	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	f := &KeysFile{}
	key, err := f.Issue(project, false)
	if err != nil {
		return nil, err
	}
	if err := f.Save(keysPath); err != nil {
		return nil, err
	}
	slug := core.ProjectSlug(project)
	slog.Default().Info("bootstrapped dev key", "component", "auth", "keys_file", keysPath, "project", slug)
	return &BootstrapResult{KeysFile: keysPath, Project: slug, Key: key, Created: true}, nil
}
