// Package permission tracks whether the process may touch the audio source
// directory and its scratch directory. It replaces a process-wide flag with
// an explicit lifecycle object handed to whoever needs the answer.
package permission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// DeniedMessage is shown in place of the file list when access is missing.
const DeniedMessage = "Se necesitan permisos de almacenamiento para funcionar"

var (
	// ErrDenied means a check ran and access was refused.
	ErrDenied = errors.New("permission: storage access denied")
	// ErrUnknown means no check has completed yet.
	ErrUnknown = errors.New("permission: storage access not yet requested")
)

// State is the permission lifecycle state.
type State string

const (
	Unknown State = "unknown"
	Granted State = "granted"
	Denied  State = "denied"
)

// Checker performs the platform-specific access check.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }

// Lifecycle moves Unknown -> Granted | Denied. Denied may become Granted
// when a later request succeeds (the user granted access in system
// settings); Granted is never revoked within a process.
type Lifecycle struct {
	mu       sync.RWMutex
	state    State
	reason   string
	onChange []func(State)
}

// NewLifecycle returns a lifecycle in the Unknown state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: Unknown}
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Reason returns why the last request was denied, if it was.
func (l *Lifecycle) Reason() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.reason
}

// OnChange registers fn to be called after every state change.
func (l *Lifecycle) OnChange(fn func(State)) {
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

// Request runs c unless access is already granted, and records the outcome.
// Nothing retries automatically; callers invoke Request again (for example
// on resume) when they want a fresh answer.
func (l *Lifecycle) Request(ctx context.Context, c Checker) State {
	if l.State() == Granted {
		return Granted
	}
	if err := c.Check(ctx); err != nil {
		l.transition(Denied, err.Error())
		return Denied
	}
	l.transition(Granted, "")
	return Granted
}

func (l *Lifecycle) transition(to State, reason string) {
	l.mu.Lock()
	if l.state == Granted {
		l.mu.Unlock()
		return
	}
	changed := l.state != to
	l.state = to
	l.reason = reason
	hooks := append(([]func(State))(nil), l.onChange...)
	l.mu.Unlock()

	if changed {
		for _, fn := range hooks {
			fn(to)
		}
	}
}

// Require returns nil when access is granted, otherwise ErrDenied (wrapped
// with the reason) or ErrUnknown.
func (l *Lifecycle) Require() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.state {
	case Granted:
		return nil
	case Denied:
		if l.reason != "" {
			return fmt.Errorf("%w: %s", ErrDenied, l.reason)
		}
		return ErrDenied
	default:
		return ErrUnknown
	}
}

// StorageProbe checks that SourceDir, if it exists, can be listed and that
// ScratchDir can be created and written.
type StorageProbe struct {
	SourceDir  string
	ScratchDir string
}

// Check implements Checker.
func (p StorageProbe) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.SourceDir != "" {
		f, err := os.Open(p.SourceDir)
		switch {
		case err == nil:
			_, rerr := f.Readdirnames(1)
			_ = f.Close()
			if rerr != nil && !errors.Is(rerr, io.EOF) {
				return fmt.Errorf("read %s: %w", p.SourceDir, rerr)
			}
		case errors.Is(err, os.ErrNotExist):
			// an absent source dir lists as empty
		default:
			return fmt.Errorf("open %s: %w", p.SourceDir, err)
		}
	}

	if p.ScratchDir != "" {
		if err := os.MkdirAll(p.ScratchDir, 0o700); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
		probe := filepath.Join(p.ScratchDir, ".neuralscribe-probe")
		if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
			return fmt.Errorf("write scratch dir: %w", err)
		}
		_ = os.Remove(probe)
	}
	return nil
}
