// Package localwhisper runs a whisper CLI binary as a subprocess.
package localwhisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tiroq/neuralscribe/internal/asr"
)

// Name is the backend identifier.
const Name = "local_whisper"

var _ asr.Backend = (*Backend)(nil)

// Config configures the local whisper CLI backend.
type Config struct {
	BinaryPath     string // path to whisper-cpp or faster-whisper CLI
	ModelPath      string // path to .bin model file
	Model          string // model name (e.g., "small", "base")
	Threads        int    // CPU threads (0 = auto)
	TimeoutSeconds int    // per chunk, default 120
}

// Backend shells out to a whisper CLI binary for local transcription.
type Backend struct {
	cfg Config
}

// NewBackend creates a new local whisper backend with the given config.
func NewBackend(cfg Config) *Backend {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	return &Backend{cfg: cfg}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return Name }

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

type whisperOutput struct {
	Segments []whisperSegment `json:"segments"`
	Language string           `json:"language"`
}

// TranscribeFile invokes the whisper CLI on filePath. The whole process
// group is killed when the timeout expires or ctx is cancelled.
func (b *Backend) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	if _, err := os.Stat(b.cfg.BinaryPath); err != nil {
		return nil, fmt.Errorf("localwhisper: binary not found at %q: %w", b.cfg.BinaryPath, err)
	}

	cmd := exec.Command(b.cfg.BinaryPath, b.buildArgs(filePath, opts)...)
	// own process group so the whole tree can be killed
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("localwhisper: failed to start subprocess: %w", err)
	}

	timeout := time.Duration(b.cfg.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-runCtx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-waitErr
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("localwhisper: transcription timed out after %d seconds", b.cfg.TimeoutSeconds)
		}
		return nil, fmt.Errorf("localwhisper: %w", ctx.Err())
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		if msg != "" {
			return nil, fmt.Errorf("localwhisper: subprocess failed: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("localwhisper: subprocess failed: %w", err)
	}

	var output whisperOutput
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, fmt.Errorf("localwhisper: failed to parse JSON output: %w", err)
	}

	transcript := &asr.Transcript{
		Language: output.Language,
		Model:    b.resolveModel(opts),
		Backend:  Name,
	}
	for _, seg := range output.Segments {
		transcript.Segments = append(transcript.Segments, asr.Segment{
			Start: floatToDuration(seg.Start),
			End:   floatToDuration(seg.End),
			Text:  seg.Text,
			Score: seg.Score,
		})
	}
	if len(transcript.Segments) > 0 {
		transcript.Duration = transcript.Segments[len(transcript.Segments)-1].End
	}

	if transcript.Text() == "" {
		return nil, asr.ErrNoSpeech
	}
	return transcript, nil
}

// HealthCheck verifies the whisper binary exists, is executable, and responds.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Backend: Name}

	info, err := os.Stat(b.cfg.BinaryPath)
	if err != nil {
		status.Message = fmt.Sprintf("binary not found at %q: %v", b.cfg.BinaryPath, err)
		return status, nil
	}
	if info.Mode()&0111 == 0 {
		status.Message = fmt.Sprintf("binary at %q is not executable", b.cfg.BinaryPath)
		return status, nil
	}

	if b.cfg.ModelPath != "" {
		if _, err := os.Stat(b.cfg.ModelPath); err != nil {
			status.Message = fmt.Sprintf("model not found at %q: %v", b.cfg.ModelPath, err)
			return status, nil
		}
	}

	start := time.Now()
	err = exec.CommandContext(ctx, b.cfg.BinaryPath, "--help").Run()
	status.Latency = time.Since(start)

	// --help may exit non-zero on some binaries; we just need it to execute
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			status.Message = fmt.Sprintf("binary failed to execute: %v", err)
			return status, nil
		}
	}

	status.OK = true
	status.Message = "binary is available and executable"
	return status, nil
}

func (b *Backend) buildArgs(filePath string, opts asr.TranscribeOptions) []string {
	var args []string

	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}

	args = append(args, "--output-json")

	if lang := asr.BaseLanguage(opts.Language); lang != "" {
		args = append(args, "--language", lang)
	}

	if b.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(b.cfg.Threads))
	}

	args = append(args, filePath)
	return args
}

func (b *Backend) resolveModel(opts asr.TranscribeOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return b.cfg.Model
}

func floatToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
