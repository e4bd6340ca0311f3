package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/tiroq/neuralscribe/internal/asr"
)

// ScriptedReply is what MockTranscriber returns for one call.
type ScriptedReply struct {
	Text  string
	Err   error
	Panic interface{}
}

// TranscribeCall records one invocation of MockTranscriber.
type TranscribeCall struct {
	Path       string
	Language   string
	FileExists bool     // whether Path existed when the call was made
	Leftovers  []string // other files in Path's directory at call time
}

// MockTranscriber answers calls in order from Replies. Calls beyond the
// script get Default.
type MockTranscriber struct {
	BackendName string
	Replies     []ScriptedReply
	Default     ScriptedReply
	Health      *asr.HealthStatus

	mu    sync.Mutex
	calls []TranscribeCall
}

var _ asr.Backend = (*MockTranscriber)(nil)

// Name returns BackendName or "mock".
func (m *MockTranscriber) Name() string {
	if m.BackendName == "" {
		return "mock"
	}
	return m.BackendName
}

// TranscribeFile records the call and plays back the next scripted reply.
func (m *MockTranscriber) TranscribeFile(ctx context.Context, path string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	_, statErr := os.Stat(path)
	var leftovers []string
	if des, err := os.ReadDir(filepath.Dir(path)); err == nil {
		for _, de := range des {
			if de.Name() != filepath.Base(path) {
				leftovers = append(leftovers, de.Name())
			}
		}
	}

	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, TranscribeCall{
		Path:       path,
		Language:   opts.Language,
		FileExists: statErr == nil,
		Leftovers:  leftovers,
	})
	reply := m.Default
	if idx < len(m.Replies) {
		reply = m.Replies[idx]
	}
	m.mu.Unlock()

	if reply.Panic != nil {
		panic(reply.Panic)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &asr.Transcript{
		Segments: []asr.Segment{{Text: reply.Text}},
		Language: opts.Language,
		Backend:  m.Name(),
	}, nil
}

// HealthCheck returns Health or a healthy status.
func (m *MockTranscriber) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	if m.Health != nil {
		return m.Health, nil
	}
	return &asr.HealthStatus{OK: true, Backend: m.Name(), Message: "mock"}, nil
}

// Calls returns a copy of the recorded calls.
func (m *MockTranscriber) Calls() []TranscribeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TranscribeCall, len(m.calls))
	copy(out, m.calls)
	return out
}
