// Package remotewhisper talks to a self-hosted Whisper HTTP API.
package remotewhisper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tiroq/neuralscribe/internal/asr"
	"github.com/tiroq/neuralscribe/internal/diaglog"
)

// Name is the backend identifier.
const Name = "remote_whisper_api"

var _ asr.Backend = (*Client)(nil)

// Config configures the remote Whisper API client.
type Config struct {
	BaseURL        string
	Token          string // optional auth token, sent as Bearer
	TimeoutSeconds int    // default 120
	Retries        int    // default 3
	Model          string // default "small"
}

// Client is an asr.Backend that calls a remote Whisper HTTP API.
type Client struct {
	cfg         Config
	client      *http.Client
	backoffBase time.Duration // default time.Second; tests override to 1ms

	logger   *diaglog.Logger
	loggerMu sync.RWMutex
}

// NewClient creates a new remote Whisper API client.
func NewClient(cfg Config) *Client {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = 3
	}
	if cfg.Model == "" {
		cfg.Model = "small"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:         cfg,
		backoffBase: time.Second,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
	}
}

// SetLogger injects a diaglog.Logger for debug logging.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentASR
	}
	l.Log(entry)
}

// Name returns the backend identifier.
func (c *Client) Name() string { return Name }

// transcribeResponse mirrors the JSON shape returned by the remote API.
type transcribeResponse struct {
	Segments []struct {
		Start    float64 `json:"start"`
		End      float64 `json:"end"`
		Text     string  `json:"text"`
		Language string  `json:"language"`
		Score    float64 `json:"score"`
	} `json:"segments"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Model    string  `json:"model"`
}

// TranscribeFile sends the audio file to the remote Whisper API and returns
// a parsed Transcript. Retries on transient errors (5xx, network). A
// response without any text is asr.ErrNoSpeech.
func (c *Client) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	model := opts.Model
	if model == "" {
		model = c.cfg.Model
	}

	timestamps := "false"
	if opts.Timestamps {
		timestamps = "true"
	}
	language := asr.BaseLanguage(opts.Language)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.log(diaglog.LogEntry{
				Event:   diaglog.EventTranscribeRetry,
				Reason:  lastErr.Error(),
				Payload: map[string]interface{}{"backend": Name, "attempt": attempt, "backoff_ms": backoff.Milliseconds()},
			})
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("transcribe %s: %w", filepath.Base(filePath), ctx.Err())
			case <-time.After(backoff):
			}
		}

		result, err := c.doTranscribe(ctx, filePath, model, language, timestamps)
		if err == nil {
			if strings.TrimSpace(result.Text()) == "" {
				return nil, asr.ErrNoSpeech
			}
			return result, nil
		}

		if !isRetryable(err) {
			return nil, fmt.Errorf("transcribe %s: %w", filepath.Base(filePath), err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transcribe %s: %w (last error: %v)", filepath.Base(filePath), ctx.Err(), err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("transcribe %s: all %d retries exhausted: %w", filepath.Base(filePath), c.cfg.Retries, lastErr)
}

// doTranscribe performs a single multipart POST to the transcription endpoint.
func (c *Client) doTranscribe(ctx context.Context, filePath, model, language, timestamps string) (*asr.Transcript, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	// Write multipart in a goroutine so the pipe feeds the request body.
	errCh := make(chan error, 1)
	go func() {
		part, err := writer.CreateFormFile("file", filepath.Base(filePath))
		if err != nil {
			errCh <- fmt.Errorf("create form file: %w", err)
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			errCh <- fmt.Errorf("copy audio data: %w", err)
			pw.CloseWithError(err)
			return
		}
		_ = writer.WriteField("model", model)
		if language != "" {
			_ = writer.WriteField("language", language)
		}
		_ = writer.WriteField("timestamps", timestamps)

		err = writer.Close()
		errCh <- err
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/transcribe", pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		pr.Close()
		<-errCh
		return nil, &retryableError{err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("read response body: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return nil, &retryableError{err: fmt.Errorf("server error %d: %s", resp.StatusCode, truncate(body, 200))}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
	}

	// a server may answer before reading the whole upload
	pr.Close()
	if writeErr := <-errCh; writeErr != nil && !errors.Is(writeErr, io.ErrClosedPipe) {
		return nil, fmt.Errorf("multipart write: %w", writeErr)
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	segments := make([]asr.Segment, len(parsed.Segments))
	for i, s := range parsed.Segments {
		segments[i] = asr.Segment{
			Start:    floatSecToDuration(s.Start),
			End:      floatSecToDuration(s.End),
			Text:     s.Text,
			Language: s.Language,
			Score:    s.Score,
		}
	}

	return &asr.Transcript{
		Segments: segments,
		Language: parsed.Language,
		Duration: floatSecToDuration(parsed.Duration),
		Model:    parsed.Model,
		Backend:  Name,
	}, nil
}

// HealthCheck queries the remote API health endpoint.
func (c *Client) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &asr.HealthStatus{
			Backend: Name,
			Message: fmt.Sprintf("health check failed: %v", err),
			Latency: latency,
		}, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &asr.HealthStatus{
			Backend: Name,
			Message: fmt.Sprintf("unhealthy: http %d: %s", resp.StatusCode, truncate(body, 200)),
			Latency: latency,
		}, nil
	}

	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &asr.HealthStatus{
			Backend: Name,
			Message: fmt.Sprintf("invalid health response: %v", err),
			Latency: latency,
		}, nil
	}

	msg := "healthy"
	if !parsed.OK {
		msg = "service reports not ok"
	}

	return &asr.HealthStatus{
		OK:      parsed.OK,
		Backend: Name,
		Message: msg,
		Latency: latency,
	}, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

// retryableError wraps errors that should trigger a retry.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// backoff returns exponential backoff duration: base * 2^(attempt-1) + jitter.
func (c *Client) backoff(attempt int) time.Duration {
	base := c.backoffBase
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	// jitter: 0–25% of delay
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func floatSecToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// truncate returns the first n bytes of body as a string.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
