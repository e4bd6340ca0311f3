// Package openaiwhisper transcribes chunks with the OpenAI audio API.
package openaiwhisper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tiroq/neuralscribe/internal/asr"
)

// Name is the backend identifier.
const Name = "openai_whisper"

var _ asr.Backend = (*Backend)(nil)

// Config configures the OpenAI backend.
type Config struct {
	APIKey  string
	BaseURL string // optional; for OpenAI-compatible servers
	Model   string // default whisper-1
	// NoSpeechThreshold drops segments whose no_speech_prob is above it.
	// Zero keeps every segment.
	NoSpeechThreshold float64
}

// Backend wraps a go-openai client.
type Backend struct {
	cfg    Config
	client *openai.Client
}

// NewBackend creates an OpenAI Whisper backend.
func NewBackend(cfg Config) *Backend {
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Backend{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return Name }

// TranscribeFile uploads filePath and maps the verbose JSON reply onto a
// Transcript. Blank text is asr.ErrNoSpeech.
func (b *Backend) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	model := opts.Model
	if model == "" {
		model = b.cfg.Model
	}

	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    model,
		FilePath: filePath,
		Language: asr.BaseLanguage(opts.Language),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai_whisper: %s: %w", filepath.Base(filePath), describe(err))
	}

	t := &asr.Transcript{
		Language: resp.Language,
		Duration: secs(resp.Duration),
		Model:    model,
		Backend:  Name,
	}
	for _, s := range resp.Segments {
		if b.cfg.NoSpeechThreshold > 0 && s.NoSpeechProb > b.cfg.NoSpeechThreshold {
			continue
		}
		t.Segments = append(t.Segments, asr.Segment{
			Start:    secs(s.Start),
			End:      secs(s.End),
			Text:     s.Text,
			Language: resp.Language,
			Score:    1 - s.NoSpeechProb,
		})
	}
	if len(resp.Segments) == 0 && strings.TrimSpace(resp.Text) != "" {
		t.Segments = []asr.Segment{{End: t.Duration, Text: resp.Text, Language: resp.Language}}
	}

	if t.Text() == "" {
		return nil, asr.ErrNoSpeech
	}
	return t, nil
}

// HealthCheck lists models, which verifies both reachability and the key.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Backend: Name}
	if b.cfg.APIKey == "" {
		status.Message = "no API key configured"
		return status, nil
	}

	start := time.Now()
	models, err := b.client.ListModels(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = fmt.Sprintf("list models failed: %v", describe(err))
		return status, nil
	}

	for _, m := range models.Models {
		if m.ID == b.cfg.Model {
			status.OK = true
			status.Message = "model " + m.ID + " available"
			return status, nil
		}
	}
	status.OK = true
	status.Message = fmt.Sprintf("reachable, %d models listed", len(models.Models))
	return status, nil
}

// describe flattens go-openai error types into a short message.
func describe(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("http %d: %w", apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("http %d: %w", reqErr.HTTPStatusCode, err)
	}
	return err
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
