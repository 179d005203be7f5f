// Package runlock guards an output file against concurrent writers with an
// advisory flock on a sibling ".lock" file.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("runlock: already locked")

// Lock is a held lock. Release it when the write session ends.
type Lock struct {
	path string
	file *os.File
	once sync.Once
}

type lockedError struct {
	target string
}

func (e *lockedError) Error() string {
	return fmt.Sprintf("runlock: another step2 process is already writing to %s, use a different --output-csv or stop the other process first", e.target)
}

func (e *lockedError) Is(target error) bool { return target == ErrLocked }

// Acquire takes a non-blocking exclusive lock for outputPath.
func Acquire(outputPath string) (*Lock, error) {
	abs, err := filepath.Abs(outputPath)
	if err != nil {
		abs = outputPath
	}
	lockPath := abs + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("runlock: create dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644) //nolint:gosec // path is the caller's output file
	if err != nil {
		return nil, fmt.Errorf("runlock: open %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &lockedError{target: abs}
		}
		return nil, fmt.Errorf("runlock: flock %s: %w", lockPath, err)
	}
	return &Lock{path: lockPath, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		if uerr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); uerr != nil {
			err = fmt.Errorf("runlock: unlock %s: %w", l.path, uerr)
		}
		if cerr := l.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("runlock: close %s: %w", l.path, cerr)
		}
	})
	return err
}
