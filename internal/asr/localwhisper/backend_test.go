package localwhisper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/neuralscribe/internal/asr"
)

// writeFakeScript creates an executable shell script in dir.
func writeFakeScript(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("failed to write fake script: %v", err)
	}
	return path
}

func fakeInput(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "temp_0.wav")
	if err := os.WriteFile(path, []byte("fake audio"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func skipOnWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
}

func TestTranscribeFile_Success(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()

	jsonOutput := `{"segments": [{"start": 0.0, "end": 5.2, "text": " Hola mundo", "score": 0.95}, {"start": 5.2, "end": 10.0, "text": "segundo segmento", "score": 0.88}], "language": "es"}`
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho '"+jsonOutput+"'\n")

	b := NewBackend(Config{BinaryPath: binPath, Model: "small", TimeoutSeconds: 10})
	transcript, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{Language: "es-ES"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if transcript.Backend != "local_whisper" || transcript.Language != "es" || transcript.Model != "small" {
		t.Errorf("transcript meta = %+v", transcript)
	}
	if len(transcript.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(transcript.Segments))
	}
	if want := time.Duration(5.2 * float64(time.Second)); transcript.Segments[0].End != want {
		t.Errorf("end = %v, want %v", transcript.Segments[0].End, want)
	}
	if transcript.Duration != 10*time.Second {
		t.Errorf("duration = %v", transcript.Duration)
	}
	if got := transcript.Text(); got != "Hola mundo segundo segmento" {
		t.Errorf("text = %q", got)
	}
}

func TestTranscribeFile_NoSegmentsIsNoSpeech(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho '{\"segments\": [], \"language\": \"es\"}'\n")

	_, err := NewBackend(Config{BinaryPath: binPath}).TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{})
	if !errors.Is(err, asr.ErrNoSpeech) {
		t.Errorf("err = %v, want ErrNoSpeech", err)
	}
}

func TestTranscribeFile_SubprocessFailure(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho 'model file missing' >&2\nexit 3\n")

	_, err := NewBackend(Config{BinaryPath: binPath}).TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{})
	if err == nil || !strings.Contains(err.Error(), "model file missing") {
		t.Errorf("err = %v, want stderr in message", err)
	}
	if errors.Is(err, asr.ErrNoSpeech) {
		t.Error("subprocess failure must not look like no-speech")
	}
}

func TestTranscribeFile_BadJSON(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho 'not json'\n")

	_, err := NewBackend(Config{BinaryPath: binPath}).TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{})
	if err == nil || !strings.Contains(err.Error(), "parse JSON") {
		t.Errorf("err = %v", err)
	}
}

func TestTranscribeFile_BinaryNotFound(t *testing.T) {
	b := NewBackend(Config{BinaryPath: "/nonexistent/whisper-binary", TimeoutSeconds: 5})

	_, err := b.TranscribeFile(context.Background(), "/some/file.wav", asr.TranscribeOptions{})
	if err == nil || !strings.Contains(err.Error(), "binary not found") {
		t.Errorf("err = %v", err)
	}
}

func TestTranscribeFile_Timeout(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper-slow", "#!/bin/sh\nsleep 30\n")

	b := NewBackend(Config{BinaryPath: binPath, TimeoutSeconds: 1})

	start := time.Now()
	_, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{})
	elapsed := time.Since(start)

	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("timeout took too long: %v (expected ~1s)", elapsed)
	}
}

func TestTranscribeFile_ContextCancel(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper-slow", "#!/bin/sh\nsleep 30\n")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := NewBackend(Config{BinaryPath: binPath, TimeoutSeconds: 60}).TranscribeFile(ctx, fakeInput(t, dir), asr.TranscribeOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want caller's deadline", err)
	}
}

func TestTranscribeFile_OptsModelOverridesConfig(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	binPath := writeFakeScript(t, dir, "whisper", "#!/bin/sh\necho '{\"segments\": [{\"start\": 0, \"end\": 1, \"text\": \"hola\"}]}'\n")

	b := NewBackend(Config{BinaryPath: binPath, Model: "base", TimeoutSeconds: 10})
	transcript, err := b.TranscribeFile(context.Background(), fakeInput(t, dir), asr.TranscribeOptions{Model: "large"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if transcript.Model != "large" {
		t.Errorf("model = %q, want large", transcript.Model)
	}
}

func TestHealthCheck(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "not-exec")
	if err := os.WriteFile(notExec, []byte("not a binary"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantOK  bool
		wantMsg string
	}{
		{"binary exists", Config{BinaryPath: "/bin/echo"}, true, "available"},
		{"missing binary", Config{BinaryPath: "/nonexistent/whisper"}, false, "binary not found"},
		{"missing model", Config{BinaryPath: "/bin/echo", ModelPath: "/nonexistent/model.bin"}, false, "model not found"},
		{"not executable", Config{BinaryPath: notExec}, false, "not executable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := NewBackend(tt.cfg).HealthCheck(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status.OK != tt.wantOK || !strings.Contains(status.Message, tt.wantMsg) {
				t.Errorf("status = %+v", status)
			}
			if status.Backend != "local_whisper" {
				t.Errorf("backend = %q", status.Backend)
			}
		})
	}
}

func TestDefaultTimeout(t *testing.T) {
	b := NewBackend(Config{})
	if b.cfg.TimeoutSeconds != 120 {
		t.Errorf("expected default timeout 120, got %d", b.cfg.TimeoutSeconds)
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		opts asr.TranscribeOptions
		want []string
	}{
		{
			name: "full",
			cfg:  Config{ModelPath: "/models/small.bin", Threads: 4},
			opts: asr.TranscribeOptions{Language: "es-ES"},
			want: []string{"--model", "/models/small.bin", "--output-json", "--language", "es", "--threads", "4", "/tmp/audio.wav"},
		},
		{
			name: "minimal",
			want: []string{"--output-json", "/tmp/audio.wav"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := NewBackend(tt.cfg).buildArgs("/tmp/audio.wav", tt.opts)
			if strings.Join(args, " ") != strings.Join(tt.want, " ") {
				t.Errorf("args = %v, want %v", args, tt.want)
			}
		})
	}
}
