// Package lockfile keeps two neuralscribe processes from sharing one
// scratch directory. The lock holds the owner's PID; a lock whose owner
// is gone is taken over.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Name is the lock file name inside a scratch directory.
const Name = "neuralscribe.lock"

// ErrLocked matches a HeldError with errors.Is.
var ErrLocked = errors.New("lockfile: held by another process")

// HeldError reports the live process that owns the lock.
type HeldError struct {
	Path string
	PID  int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("another instance is already running (PID %d, lock %s)", e.PID, e.Path)
}

// Is reports whether target is ErrLocked.
func (e *HeldError) Is(target error) bool { return target == ErrLocked }

// Lock is an acquired lock file.
type Lock struct {
	path string
	pid  int
}

// PathFor returns the lock path for a scratch directory.
func PathFor(scratchDir string) string {
	return filepath.Join(scratchDir, Name)
}

// Acquire creates the lock at path. It fails with a *HeldError when a
// running process owns it and replaces it when the owner is gone or the
// contents are unreadable.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", pid)
			cerr := f.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file: %w", werr)
			}
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		owner, ok := readPID(path)
		if ok && owner != pid && isProcessRunning(owner) {
			return nil, &HeldError{Path: path, PID: owner}
		}
		// Stale, unreadable, or left behind by this process.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale lock file: %w", err)
		}
	}
	return nil, fmt.Errorf("lock %s changed hands while acquiring", path)
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release deletes the lock if it still names this process.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if owner, ok := readPID(l.path); ok && owner == l.pid {
		return os.Remove(l.path)
	}
	return nil
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// isProcessRunning probes pid with signal 0. EPERM means the process
// exists under another user.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
