// Package instance prevents two processes from provisioning the same paint
// folder at the same time.
package instance

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

var ErrAlreadyRunning = errors.New("another instance is already running")

type Lock struct {
	f *os.File
}

// Acquire creates (if needed) and locks the file at path. The lock is held
// until Release is called or the process exits.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w (lock file %s)", ErrAlreadyRunning, path)
	}
	//nolint:errcheck // pid is informational only
	f.Truncate(0)
	//nolint:errcheck // pid is informational only
	f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	return &Lock{f: f}, nil
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

// DefaultPath is the lock file within the user's cache dir
func DefaultPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "eqpaint", "eqpaint.lock")
}
