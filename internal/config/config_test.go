package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable ApplyEnv reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"NEURALSCRIBE_SOURCE_DIR", "NEURALSCRIBE_SCRATCH_DIR", "NEURALSCRIBE_LANGUAGE",
		"NEURALSCRIBE_BACKEND", "NEURALSCRIBE_FALLBACK_BACKEND", "NEURALSCRIBE_FFMPEG",
		"NEURALSCRIBE_LISTEN_ADDR", "GOOGLE_SPEECH_API_KEY", "OPENAI_API_KEY", "OPENAI_BASE_URL",
		"NEURALSCRIBE_WHISPER_URL", "NEURALSCRIBE_WHISPER_TOKEN", "NEURALSCRIBE_WHISPER_BIN",
		"NEURALSCRIBE_WHISPER_MODEL_PATH", "NEURALSCRIBE_SEGMENT_SECONDS",
		"NEURALSCRIBE_EXTENSIONS", "NEURALSCRIBE_CORS_ORIGINS",
	} {
		t.Setenv(k, "")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Load / Save
// ─────────────────────────────────────────────────────────────────────────────

func TestLoad_missingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing config should not fail: %v", err)
	}
	if cfg.SegmentSeconds != 30 || cfg.Language != "es-ES" || cfg.Backend != BackendGoogle {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.SegmentLength() != 30*time.Second {
		t.Errorf("SegmentLength = %v", cfg.SegmentLength())
	}
}

func TestLoad_partialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"backend": "openai_whisper", "openai": {"api_key": "sk-x"}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendOpenAI || cfg.OpenAI.APIKey != "sk-x" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.SegmentSeconds != 30 || cfg.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoad_malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "failed to parse config") {
		t.Errorf("err = %v", err)
	}
}

func TestSave_roundTripOwnerOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.json")
	cfg := validTestConfig()
	cfg.Extensions = []string{".mp3"}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("perm = %o, want 600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Google.APIKey != "g-key" || len(got.Extensions) != 1 || got.Extensions[0] != ".mp3" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestSave_rejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := validTestConfig()
	cfg.SegmentSeconds = 0
	if err := Save(path, cfg); err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid config must not be written")
	}
}

func TestPath_envOverride(t *testing.T) {
	t.Setenv("NEURALSCRIBE_CONFIG", "/etc/ns.json")
	if Path() != "/etc/ns.json" {
		t.Errorf("Path = %q", Path())
	}
	t.Setenv("NEURALSCRIBE_CONFIG", "")
	t.Setenv("HOME", "/home/ana")
	if want := "/home/ana/.config/neuralscribe/config.json"; Path() != want {
		t.Errorf("Path = %q, want %q", Path(), want)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Environment
// ─────────────────────────────────────────────────────────────────────────────

func TestApplyEnv_overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("NEURALSCRIBE_BACKEND", "remote_whisper_api")
	t.Setenv("NEURALSCRIBE_WHISPER_URL", "http://whisper:9000")
	t.Setenv("NEURALSCRIBE_SEGMENT_SECONDS", "15")
	t.Setenv("NEURALSCRIBE_EXTENSIONS", ".mp3, .wav,")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Backend != BackendRemoteWhisper || cfg.RemoteWhisper.BaseURL != "http://whisper:9000" {
		t.Errorf("backend = %+v", cfg)
	}
	if cfg.SegmentSeconds != 15 {
		t.Errorf("segment = %d", cfg.SegmentSeconds)
	}
	if strings.Join(cfg.Extensions, "|") != ".mp3|.wav" {
		t.Errorf("extensions = %q", cfg.Extensions)
	}
	if cfg.OpenAI.APIKey != "sk-env" {
		t.Errorf("openai key = %q", cfg.OpenAI.APIKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("env-built config should validate: %v", err)
	}
}

func TestApplyEnv_emptyKeepsFileValue(t *testing.T) {
	clearEnv(t)
	cfg := Default()
	cfg.Language = "ca-ES"
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if cfg.Language != "ca-ES" {
		t.Errorf("language = %q", cfg.Language)
	}
}

func TestApplyEnv_badSegmentSeconds(t *testing.T) {
	clearEnv(t)
	t.Setenv("NEURALSCRIBE_SEGMENT_SECONDS", "half")
	if err := Default().ApplyEnv(); err == nil {
		t.Error("expected error for non-numeric segment seconds")
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("NEURALSCRIBE_TEST_FROM_FILE=hola\nNEURALSCRIBE_TEST_PRESET=file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEURALSCRIBE_TEST_FROM_FILE", "")
	os.Unsetenv("NEURALSCRIBE_TEST_FROM_FILE")
	t.Setenv("NEURALSCRIBE_TEST_PRESET", "process")

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("NEURALSCRIBE_TEST_FROM_FILE"); got != "hola" {
		t.Errorf("from file = %q", got)
	}
	if got := os.Getenv("NEURALSCRIBE_TEST_PRESET"); got != "process" {
		t.Errorf("existing variable overwritten: %q", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Validate
// ─────────────────────────────────────────────────────────────────────────────

func validTestConfig() *Config {
	cfg := Default()
	cfg.Google.APIKey = "g-key"
	return cfg
}

func TestValidate_valid(t *testing.T) {
	if err := validTestConfig().Validate(); err != nil {
		t.Errorf("expected nil error for valid config, got: %v", err)
	}
}

func TestValidate_segmentSeconds(t *testing.T) {
	tests := []struct {
		seconds int
		wantErr bool
	}{
		{0, true},
		{1, false},
		{300, false},
		{301, true},
		{-5, true},
	}
	for _, tt := range tests {
		cfg := validTestConfig()
		cfg.SegmentSeconds = tt.seconds
		if err := cfg.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("segment_seconds=%d: err = %v, wantErr %v", tt.seconds, err, tt.wantErr)
		}
	}
}

func TestValidate_emptyLanguage(t *testing.T) {
	cfg := validTestConfig()
	cfg.Language = "  "
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for blank language")
	}
}

func TestValidate_invalidBackend(t *testing.T) {
	cfg := validTestConfig()
	cfg.Backend = "openai"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid backend")
	}
}

func TestValidate_fallbackSameAsBackend(t *testing.T) {
	cfg := validTestConfig()
	cfg.FallbackBackend = BackendGoogle
	if err := cfg.Validate(); err == nil {
		t.Error("expected error when fallback equals primary backend")
	}
}

func TestValidate_invalidFallbackBackend(t *testing.T) {
	cfg := validTestConfig()
	cfg.FallbackBackend = "invalid"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid fallback backend name")
	}
}

func TestValidate_credentials(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"google without key", func(c *Config) { c.Google.APIKey = "" }, "GOOGLE_SPEECH_API_KEY"},
		{"openai without key", func(c *Config) { c.Backend = BackendOpenAI }, "OPENAI_API_KEY"},
		{"remote without url", func(c *Config) { c.Backend = BackendRemoteWhisper }, "remote_whisper.base_url"},
		{"local without binary", func(c *Config) { c.Backend = BackendLocalWhisper }, "local_whisper.binary_path"},
		{"fallback checked too", func(c *Config) { c.FallbackBackend = BackendOpenAI }, "OPENAI_API_KEY"},
		{"local ok", func(c *Config) {
			c.Backend = BackendLocalWhisper
			c.LocalWhisper.BinaryPath = "/usr/local/bin/whisper"
		}, ""},
		{"fallback ok", func(c *Config) {
			c.FallbackBackend = BackendRemoteWhisper
			c.RemoteWhisper.BaseURL = "http://localhost:9000"
		}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantMsg)
			}
		})
	}
}
