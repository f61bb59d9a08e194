package credstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appDirName = "whatsapp-gateway"

// FileBackend stores one file per key under dir, written atomically.
type FileBackend struct {
	dir string
}

// NewFileBackend stores credentials in dir. The directory is created on
// the first Put. Pass an empty string to use the default XDG state path.
func NewFileBackend(dir string) *FileBackend {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &FileBackend{dir: dir}
}

// Path returns the file used for key.
func (f *FileBackend) Path(key string) string {
	return filepath.Join(f.dir, sanitizeKey(key)+".json")
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.Path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	return data, nil
}

// Put uses a temp-file-then-rename so a crash never leaves a torn file.
func (f *FileBackend) Put(_ context.Context, key string, data []byte) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".creds-*.tmp")
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

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.Path(key)); err != nil {
		return fmt.Errorf("renaming credentials file: %w", err)
	}
	committed = true
	return nil
}

func (f *FileBackend) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.Path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials: %w", err)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }

// sanitizeKey keeps file names portable: anything outside [A-Za-z0-9._-]
// becomes '_'.
func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		}
		return '_'
	}, key)
}

// defaultStateDir returns ~/.local/state/whatsapp-gateway, respecting
// XDG_STATE_HOME if set.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
