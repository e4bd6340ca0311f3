// Package googlestt recognizes speech with the Google web speech v2
// endpoint, the same service browser dictation uses.
package googlestt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"

	"github.com/tiroq/neuralscribe/internal/asr"
	"github.com/tiroq/neuralscribe/internal/audio"
)

// Name is the backend identifier.
const Name = "google_stt"

// DefaultEndpoint is the web speech v2 recognize URL.
const DefaultEndpoint = "https://www.google.com/speech-api/v2/recognize"

var _ asr.Backend = (*Backend)(nil)

// Config holds Google web speech settings.
type Config struct {
	APIKey          string
	Endpoint        string // default DefaultEndpoint
	LanguageCode    string // used when the request has none; default "es-ES"
	TimeoutSeconds  int    // default 30
	ProfanityFilter bool
}

// Backend sends each chunk as raw 16-bit PCM and returns the most
// confident alternative.
type Backend struct {
	cfg     Config
	client  *http.Client
	decoder audio.Decoder
}

// NewBackend creates a Google web speech backend.
func NewBackend(cfg Config) *Backend {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = "es-ES"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	return &Backend{
		cfg:     cfg,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		decoder: audio.WAVDecoder{},
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string { return Name }

// recognizeResponse is one line of the newline-delimited reply.
type recognizeResponse struct {
	Result []struct {
		Alternative []struct {
			Transcript string   `json:"transcript"`
			Confidence *float64 `json:"confidence"`
		} `json:"alternative"`
		Final bool `json:"final"`
	} `json:"result"`
	ResultIndex int `json:"result_index"`
}

// TranscribeFile reads the WAV chunk at filePath and recognizes it. An
// answer without alternatives is asr.ErrNoSpeech.
func (b *Backend) TranscribeFile(ctx context.Context, filePath string, opts asr.TranscribeOptions) (*asr.Transcript, error) {
	if b.cfg.APIKey == "" {
		return nil, fmt.Errorf("google_stt: no API key configured")
	}
	src, err := b.decoder.Decode(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("google_stt: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = b.cfg.LanguageCode
	}

	body, err := b.recognize(ctx, src.MonoPCM16(), src.SampleRate(), lang)
	if err != nil {
		return nil, fmt.Errorf("google_stt: %s: %w", filepath.Base(filePath), err)
	}

	text, confidence, err := bestAlternative(body)
	if err != nil {
		return nil, fmt.Errorf("google_stt: %s: %w", filepath.Base(filePath), err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, asr.ErrNoSpeech
	}

	return &asr.Transcript{
		Segments: []asr.Segment{{
			Start:    0,
			End:      src.Duration(),
			Text:     text,
			Language: lang,
			Score:    confidence,
		}},
		Language: lang,
		Duration: src.Duration(),
		Backend:  Name,
	}, nil
}

func (b *Backend) recognize(ctx context.Context, pcm []byte, rate int, lang string) ([]byte, error) {
	q := url.Values{}
	q.Set("client", "chromium")
	q.Set("lang", lang)
	q.Set("key", b.cfg.APIKey)
	if b.cfg.ProfanityFilter {
		q.Set("pFilter", "1")
	} else {
		q.Set("pFilter", "0")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+"?"+q.Encode(), bytes.NewReader(pcm))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", fmt.Sprintf("audio/l16; rate=%d", rate))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recognition connection failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("recognition request failed: http %d: %s", resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

// bestAlternative scans the reply lines for the first non-empty result and
// returns its highest-confidence alternative. Alternatives without a
// confidence rank below any that have one.
func bestAlternative(body []byte) (string, float64, error) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r recognizeResponse
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return "", 0, fmt.Errorf("decode response: %w", err)
		}
		if len(r.Result) == 0 || len(r.Result[0].Alternative) == 0 {
			continue
		}

		best, bestConf := "", -1.0
		for _, alt := range r.Result[0].Alternative {
			conf := 0.0
			if alt.Confidence != nil {
				conf = *alt.Confidence
			}
			if best == "" || conf > bestConf {
				best, bestConf = alt.Transcript, conf
			}
		}
		return best, bestConf, nil
	}
	if err := sc.Err(); err != nil {
		return "", 0, fmt.Errorf("read response: %w", err)
	}
	return "", 0, nil
}

// HealthCheck sends a tenth of a second of silence. Any 200 answer means
// the key is accepted and the service is reachable.
func (b *Backend) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Backend: Name}
	if b.cfg.APIKey == "" {
		status.Message = "no API key configured"
		return status, nil
	}

	const rate = 16000
	silence := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:   make([]int, rate/10),
	}
	src, err := audio.NewSource("healthcheck", silence, 16)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	_, err = b.recognize(ctx, src.MonoPCM16(), rate, b.cfg.LanguageCode)
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = err.Error()
		return status, nil
	}
	status.OK = true
	status.Message = "recognizer reachable"
	return status, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
