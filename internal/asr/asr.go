package asr

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoSpeech is returned by a backend when the audio was processed but no
// speech could be understood. Callers treat it as an empty result, not a
// failure.
var ErrNoSpeech = errors.New("asr: no speech recognized")

// Segment represents a single transcribed segment with timing.
type Segment struct {
	Start    time.Duration
	End      time.Duration
	Text     string
	Language string
	Score    float64 // confidence 0.0–1.0
}

// Transcript represents a complete transcription result.
type Transcript struct {
	Segments []Segment
	Language string
	Duration time.Duration
	Model    string
	Backend  string
}

// Text joins the non-empty segment texts with single spaces.
func (t *Transcript) Text() string {
	if t == nil {
		return ""
	}
	parts := make([]string, 0, len(t.Segments))
	for _, s := range t.Segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

// TranscribeOptions configures a transcription request.
type TranscribeOptions struct {
	Language   string // BCP-47 tag such as "es-ES"; "" = auto-detect
	Model      string // backend-specific model name
	Timestamps bool
}

// BaseLanguage returns the primary subtag of a BCP-47 tag ("es-ES" -> "es").
func BaseLanguage(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		return strings.ToLower(tag[:i])
	}
	return strings.ToLower(tag)
}

// HealthStatus reports backend health.
type HealthStatus struct {
	OK      bool          `json:"ok"`
	Backend string        `json:"backend"`
	Message string        `json:"message"`
	Latency time.Duration `json:"latency_ns"`
}

// Transcriber is the minimal capability the pipeline needs.
type Transcriber interface {
	TranscribeFile(ctx context.Context, filePath string, opts TranscribeOptions) (*Transcript, error)
}

// Backend is the interface that ASR backends must implement.
type Backend interface {
	Transcriber
	Name() string
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}
