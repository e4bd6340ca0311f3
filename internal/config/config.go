package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend identifiers accepted in "backend" and "fallback_backend".
const (
	BackendGoogle        = "google_stt"
	BackendOpenAI        = "openai_whisper"
	BackendRemoteWhisper = "remote_whisper_api"
	BackendLocalWhisper  = "local_whisper"
)

// KnownBackends lists every backend the CLI can build.
var KnownBackends = []string{BackendGoogle, BackendOpenAI, BackendRemoteWhisper, BackendLocalWhisper}

// GoogleConfig holds web speech settings.
type GoogleConfig struct {
	APIKey          string `json:"api_key,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
	ProfanityFilter bool   `json:"profanity_filter,omitempty"`
}

// OpenAIConfig holds OpenAI audio API settings.
type OpenAIConfig struct {
	APIKey            string  `json:"api_key,omitempty"`
	BaseURL           string  `json:"base_url,omitempty"`
	Model             string  `json:"model,omitempty"`
	NoSpeechThreshold float64 `json:"no_speech_threshold,omitempty"`
}

// RemoteWhisperConfig holds settings for a self-hosted Whisper API.
type RemoteWhisperConfig struct {
	BaseURL        string `json:"base_url,omitempty"`
	Token          string `json:"token,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Retries        int    `json:"retries,omitempty"`
	Model          string `json:"model,omitempty"`
}

// LocalWhisperConfig holds settings for the whisper CLI subprocess.
type LocalWhisperConfig struct {
	BinaryPath     string `json:"binary_path,omitempty"`
	ModelPath      string `json:"model_path,omitempty"`
	Model          string `json:"model,omitempty"`
	Threads        int    `json:"threads,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Config is the neuralscribe configuration file.
type Config struct {
	SourceDir       string   `json:"source_dir,omitempty"`  // empty: platform downloads folder
	ScratchDir      string   `json:"scratch_dir,omitempty"` // empty: $TMPDIR/neuralscribe
	SegmentSeconds  int      `json:"segment_seconds"`
	Language        string   `json:"language"`
	Backend         string   `json:"backend"`
	FallbackBackend string   `json:"fallback_backend,omitempty"`
	Extensions      []string `json:"extensions,omitempty"`
	FFmpegPath      string   `json:"ffmpeg_path,omitempty"`
	ListenAddr      string   `json:"listen_addr"`
	CORSOrigins     []string `json:"cors_origins,omitempty"`

	Google        GoogleConfig        `json:"google"`
	OpenAI        OpenAIConfig        `json:"openai"`
	RemoteWhisper RemoteWhisperConfig `json:"remote_whisper"`
	LocalWhisper  LocalWhisperConfig  `json:"local_whisper"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SegmentSeconds: 30,
		Language:       "es-ES",
		Backend:        BackendGoogle,
		FFmpegPath:     "ffmpeg",
		ListenAddr:     "127.0.0.1:8787",
		CORSOrigins:    []string{"*"},
	}
}

// SegmentLength returns SegmentSeconds as a duration.
func (c *Config) SegmentLength() time.Duration {
	return time.Duration(c.SegmentSeconds) * time.Second
}

// Path returns the config file location: $NEURALSCRIBE_CONFIG, or
// ~/.config/neuralscribe/config.json.
func Path() string {
	if p := os.Getenv("NEURALSCRIBE_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "neuralscribe", "config.json")
}

// Load reads the config at path over the defaults. A missing file is not
// an error. The result is not validated; env overrides usually follow.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save validates cfg and writes it to path through a temp file and a
// rename. The file can hold API keys, so it is owner-only.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		os.Remove(tmpPath)
		return err
	}
	tmp = nil
	return os.Rename(tmpPath, path)
}

// LoadEnvFiles loads KEY=value files into the process environment.
// Missing files are skipped and variables that are already set win.
// With no arguments it loads ./.env.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from NEURALSCRIBE_* variables and the
// provider key variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	str("NEURALSCRIBE_SOURCE_DIR", &c.SourceDir)
	str("NEURALSCRIBE_SCRATCH_DIR", &c.ScratchDir)
	str("NEURALSCRIBE_LANGUAGE", &c.Language)
	str("NEURALSCRIBE_BACKEND", &c.Backend)
	str("NEURALSCRIBE_FALLBACK_BACKEND", &c.FallbackBackend)
	str("NEURALSCRIBE_FFMPEG", &c.FFmpegPath)
	str("NEURALSCRIBE_LISTEN_ADDR", &c.ListenAddr)
	str("GOOGLE_SPEECH_API_KEY", &c.Google.APIKey)
	str("OPENAI_API_KEY", &c.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.OpenAI.BaseURL)
	str("NEURALSCRIBE_WHISPER_URL", &c.RemoteWhisper.BaseURL)
	str("NEURALSCRIBE_WHISPER_TOKEN", &c.RemoteWhisper.Token)
	str("NEURALSCRIBE_WHISPER_BIN", &c.LocalWhisper.BinaryPath)
	str("NEURALSCRIBE_WHISPER_MODEL_PATH", &c.LocalWhisper.ModelPath)

	if v := os.Getenv("NEURALSCRIBE_SEGMENT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("NEURALSCRIBE_SEGMENT_SECONDS: %w", err)
		}
		c.SegmentSeconds = n
	}
	if v := os.Getenv("NEURALSCRIBE_EXTENSIONS"); v != "" {
		c.Extensions = splitList(v)
	}
	if v := os.Getenv("NEURALSCRIBE_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isKnownBackend(name string) bool {
	for _, b := range KnownBackends {
		if b == name {
			return true
		}
	}
	return false
}

// Validate checks Config for validity
func (c *Config) Validate() error {
	if c.SegmentSeconds < 1 || c.SegmentSeconds > 300 {
		return fmt.Errorf("segment_seconds must be between 1 and 300, got %d", c.SegmentSeconds)
	}
	if strings.TrimSpace(c.Language) == "" {
		return fmt.Errorf("language must not be empty")
	}

	if !isKnownBackend(c.Backend) {
		return fmt.Errorf("backend must be one of %s, got %q", strings.Join(KnownBackends, ", "), c.Backend)
	}
	if c.FallbackBackend != "" {
		if !isKnownBackend(c.FallbackBackend) {
			return fmt.Errorf("fallback_backend must be one of %s, got %q", strings.Join(KnownBackends, ", "), c.FallbackBackend)
		}
		if c.FallbackBackend == c.Backend {
			return fmt.Errorf("fallback_backend must differ from backend (%s)", c.Backend)
		}
	}

	for _, name := range []string{c.Backend, c.FallbackBackend} {
		if err := c.checkCredentials(name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) checkCredentials(backend string) error {
	switch backend {
	case BackendGoogle:
		if c.Google.APIKey == "" {
			return fmt.Errorf("%s requires google.api_key or GOOGLE_SPEECH_API_KEY", backend)
		}
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("%s requires openai.api_key or OPENAI_API_KEY", backend)
		}
	case BackendRemoteWhisper:
		if c.RemoteWhisper.BaseURL == "" {
			return fmt.Errorf("%s requires remote_whisper.base_url", backend)
		}
	case BackendLocalWhisper:
		if c.LocalWhisper.BinaryPath == "" {
			return fmt.Errorf("%s requires local_whisper.binary_path", backend)
		}
	}
	return nil
}
