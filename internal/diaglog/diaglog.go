// Package diaglog provides structured NDJSON diagnostic logging for
// neuralscribe runs. Activated by NEURALSCRIBE_DEBUG=true. When the env var
// is absent, all Log calls are no-ops and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugEnv is the environment variable that switches diagnostics on.
const DebugEnv = "NEURALSCRIBE_DEBUG"

// ── Component labels ─────────────────────────────────────────────────────────

const (
	ComponentPipeline   = "pipeline"
	ComponentStep       = "transcription-step"
	ComponentPicker     = "file-picker"
	ComponentPermission = "permission"
	ComponentServer     = "http-server"
	ComponentStream     = "event-stream"
	ComponentASR        = "asr"
	ComponentDiagExport = "diag-export"
)

// ── Event names ──────────────────────────────────────────────────────────────

const (
	EventRunStart         = "run_start"
	EventRunRejected      = "run_rejected"
	EventDecoded          = "decoded"
	EventSegmented        = "segmented"
	EventChunkExported    = "chunk_exported"
	EventChunkTranscribed = "chunk_transcribed"
	EventChunkNoSpeech    = "chunk_no_speech"
	EventChunkFailed      = "chunk_failed"
	EventTempRemoved      = "temp_removed"
	EventRunFinalized     = "run_finalized"
	EventRunFailed        = "run_failed"
	EventPermission       = "permission_state"
	EventTranscribeRetry  = "transcribe_retry"
	EventSubscriberDrop   = "subscriber_drop"
	EventFilesChanged     = "files_changed"
	EventRequest          = "http_request"
	EventBackendHealth    = "backend_health"
	EventDiagExported     = "diag_exported"
)

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`
	Component string      `json:"component"`
	Event     string      `json:"event"`
	RunID     string      `json:"run_id,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// Logger writes LogEntry values to a rolling NDJSON file. When debug mode is
// disabled every Log call is a no-op.
type Logger struct {
	rw      *rollingWriter
	mu      sync.Mutex
	enabled bool
}

// DefaultPath is where the debug log goes when no path is configured.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "neuralscribe-debug.ndjson")
}

// New opens (or creates) the NDJSON log file at path. If debug mode is
// disabled, path is ignored and a no-op logger is returned.
func New(path string) (*Logger, error) {
	if !IsDebugEnabled() {
		return NewNoOp(), nil
	}
	rw, err := newRollingWriter(path, 10*1024*1024)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log serialises entry and appends it as one line. Safe on a nil logger.
func (l *Logger) Log(entry LogEntry) {
	if l == nil || !l.enabled {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Enabled reports whether entries are actually written.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if l == nil || !l.enabled || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsDebugEnabled reports whether NEURALSCRIBE_DEBUG is set to "true".
func IsDebugEnabled() bool {
	return os.Getenv(DebugEnv) == "true"
}

// NewNoOp returns a logger where every Log call is a no-op.
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
