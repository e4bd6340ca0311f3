package asr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry manages ASR backends and supports fallback transcription.
// A Registry is itself a Transcriber, so callers can hand it to the
// pipeline in place of a single backend.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	primary  string
	fallback string
}

var _ Transcriber = (*Registry)(nil)

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend under its own Name(). The first registered
// backend becomes the primary by default.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	r.backends[name] = b
	if r.primary == "" {
		r.primary = name
	}
}

// SetPrimary sets the primary backend by name.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("asr: unknown backend %q", name)
	}
	r.primary = name
	return nil
}

// SetFallback sets the fallback backend by name.
func (r *Registry) SetFallback(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("asr: unknown backend %q", name)
	}
	r.fallback = name
	return nil
}

// Get returns a backend by name, or false if not found.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Primary returns the primary backend, or nil if none configured.
func (r *Registry) Primary() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[r.primary]
}

// Fallback returns the fallback backend, or nil if none configured.
func (r *Registry) Fallback() Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fallback == "" || r.fallback == r.primary {
		return nil
	}
	return r.backends[r.fallback]
}

// Backends returns the sorted names of all registered backends.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TranscribeFile tries the primary backend first and falls back on a
// service error. ErrNoSpeech from the primary is a valid answer and is
// returned as is.
func (r *Registry) TranscribeFile(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error) {
	primary := r.Primary()
	if primary == nil {
		return nil, fmt.Errorf("asr: no primary backend configured")
	}

	transcript, err := primary.TranscribeFile(ctx, filePath, opts)
	if err == nil || errors.Is(err, ErrNoSpeech) {
		return transcript, err
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("asr: primary backend %q: %w", primary.Name(), err)
	}

	fallback := r.Fallback()
	if fallback == nil {
		return nil, fmt.Errorf("asr: primary backend %q failed: %w", primary.Name(), err)
	}

	transcript, fbErr := fallback.TranscribeFile(ctx, filePath, opts)
	if fbErr != nil {
		if errors.Is(fbErr, ErrNoSpeech) {
			return nil, fbErr
		}
		return nil, fmt.Errorf("asr: primary %q failed (%v), fallback %q also failed: %w", primary.Name(), err, fallback.Name(), fbErr)
	}

	return transcript, nil
}

// HealthCheckAll runs HealthCheck on every registered backend. A backend
// whose check itself errors is reported as unhealthy with the error text.
func (r *Registry) HealthCheckAll(ctx context.Context) []*HealthStatus {
	names := r.Backends()
	out := make([]*HealthStatus, 0, len(names))
	for _, name := range names {
		b, ok := r.Get(name)
		if !ok {
			continue
		}
		status, err := b.HealthCheck(ctx)
		if err != nil {
			status = &HealthStatus{Backend: name, Message: err.Error()}
		}
		out = append(out, status)
	}
	return out
}
