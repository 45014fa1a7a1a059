// Package credentials persists the plugin's authentication token between
// runs. The host issues a token once (after the operator approves the
// plugin in its UI) and accepts it on every later session, so keeping it
// on disk means the approval dialog only ever appears once.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	tokenFileName = "token"
	appDirName    = "vts-orbiter"
)

// Store handles loading and saving the token file. The token is stored as
// plain text, one line; the file is created with mode 0600.
type Store struct {
	path string
}

// NewStore creates a Store backed by the given file path. Pass an empty
// string to use the default XDG state path.
func NewStore(path string) *Store {
	if path == "" {
		path = defaultTokenPath()
	}
	return &Store{path: path}
}

// Path returns the full path to the token file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the token from disk. A missing file is not an error: it means
// no token has been issued yet, and an empty token is returned.
func (s *Store) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Save writes the token to disk using an atomic temp-file-then-rename
// pattern. The parent directory is created if it does not already exist.
func (s *Store) Save(token string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating token dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("renaming token file: %w", err)
	}
	committed = true

	return nil
}

// defaultTokenPath returns ~/.local/state/vts-orbiter/token, respecting
// XDG_STATE_HOME if set.
func defaultTokenPath() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName, tokenFileName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName, tokenFileName)
}
