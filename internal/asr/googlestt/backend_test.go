package googlestt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/neuralscribe/internal/asr"
	"github.com/tiroq/neuralscribe/testutil"
)

func chunkFile(t *testing.T, d time.Duration) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "temp_0.wav")
	testutil.WriteWAV(t, path, d, testutil.TestSampleRate)
	return path
}

func TestTranscribeFile_PicksMostConfident(t *testing.T) {
	var gotBody int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		q := r.URL.Query()
		if q.Get("lang") != "es-ES" || q.Get("key") != "k-123" || q.Get("client") != "chromium" {
			t.Errorf("query = %v", q)
		}
		if ct := r.Header.Get("Content-Type"); ct != "audio/l16; rate=1000" {
			t.Errorf("content-type = %q", ct)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = len(b)

		fmt.Fprintln(w, `{"result":[]}`)
		fmt.Fprintln(w, `{"result":[{"alternative":[{"transcript":"hola mundo","confidence":0.61},{"transcript":"ola mundo"},{"transcript":"hola mundos","confidence":0.92}],"final":true}],"result_index":0}`)
	}))
	defer ts.Close()

	b := NewBackend(Config{APIKey: "k-123", Endpoint: ts.URL})
	tr, err := b.TranscribeFile(context.Background(), chunkFile(t, 2*time.Second), asr.TranscribeOptions{Language: "es-ES"})
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if tr.Text() != "hola mundos" {
		t.Errorf("text = %q", tr.Text())
	}
	if tr.Segments[0].Score != 0.92 || tr.Segments[0].End != 2*time.Second {
		t.Errorf("segment = %+v", tr.Segments[0])
	}
	if gotBody != 2*testutil.TestSampleRate*2 {
		t.Errorf("uploaded %d bytes, want 2s of 16-bit mono", gotBody)
	}
}

func TestTranscribeFile_FirstAlternativeWithoutConfidence(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"result":[{"alternative":[{"transcript":"buenos días"},{"transcript":"buenos dias"}]}]}`)
	}))
	defer ts.Close()

	tr, err := NewBackend(Config{APIKey: "k", Endpoint: ts.URL}).TranscribeFile(context.Background(), chunkFile(t, time.Second), asr.TranscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Text() != "buenos días" {
		t.Errorf("text = %q", tr.Text())
	}
	if tr.Language != "es-ES" {
		t.Errorf("default language = %q", tr.Language)
	}
}

func TestTranscribeFile_NoResultIsNoSpeech(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"result":[]}`)
	}))
	defer ts.Close()

	_, err := NewBackend(Config{APIKey: "k", Endpoint: ts.URL}).TranscribeFile(context.Background(), chunkFile(t, time.Second), asr.TranscribeOptions{})
	if !errors.Is(err, asr.ErrNoSpeech) {
		t.Errorf("err = %v, want ErrNoSpeech", err)
	}
}

func TestTranscribeFile_ServiceErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantMsg string
	}{
		{"forbidden", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad key", http.StatusForbidden)
		}, "http 403"},
		{"garbage", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, "<html>")
		}, "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			_, err := NewBackend(Config{APIKey: "k", Endpoint: ts.URL}).TranscribeFile(context.Background(), chunkFile(t, time.Second), asr.TranscribeOptions{})
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("err = %v, want %q", err, tt.wantMsg)
			}
			if errors.Is(err, asr.ErrNoSpeech) {
				t.Error("service error must not be reported as no-speech")
			}
		})
	}
}

func TestTranscribeFile_RequiresKey(t *testing.T) {
	_, err := NewBackend(Config{}).TranscribeFile(context.Background(), "x.wav", asr.TranscribeOptions{})
	if err == nil || !strings.Contains(err.Error(), "no API key") {
		t.Errorf("err = %v", err)
	}
}

func TestTranscribeFile_UnreadableChunk(t *testing.T) {
	_, err := NewBackend(Config{APIKey: "k"}).TranscribeFile(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), asr.TranscribeOptions{})
	if err == nil {
		t.Fatal("expected error for missing chunk file")
	}
}

func TestHealthCheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"result":[]}`)
	}))
	defer ok.Close()
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer denied.Close()

	tests := []struct {
		name    string
		cfg     Config
		wantOK  bool
		wantMsg string
	}{
		{"no key", Config{}, false, "no API key"},
		{"reachable", Config{APIKey: "k", Endpoint: ok.URL}, true, "reachable"},
		{"rejected", Config{APIKey: "k", Endpoint: denied.URL}, false, "http 403"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := NewBackend(tt.cfg).HealthCheck(context.Background())
			if err != nil {
				t.Fatalf("HealthCheck: %v", err)
			}
			if status.OK != tt.wantOK || !strings.Contains(status.Message, tt.wantMsg) {
				t.Errorf("status = %+v", status)
			}
			if status.Backend != "google_stt" {
				t.Errorf("backend = %q", status.Backend)
			}
		})
	}
}
