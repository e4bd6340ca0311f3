package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tiroq/neuralscribe/internal/asr"
	"github.com/tiroq/neuralscribe/internal/audio"
	"github.com/tiroq/neuralscribe/internal/eventstream"
	"github.com/tiroq/neuralscribe/internal/permission"
	"github.com/tiroq/neuralscribe/internal/picker"
	"github.com/tiroq/neuralscribe/internal/pipeline"
	"github.com/tiroq/neuralscribe/internal/statemachine"
	"github.com/tiroq/neuralscribe/testutil"
)

type decoderFunc func(ctx context.Context, path string) (*audio.Source, error)

func (f decoderFunc) Decode(ctx context.Context, path string) (*audio.Source, error) {
	return f(ctx, path)
}

type staticHealth []*asr.HealthStatus

func (s staticHealth) HealthCheckAll(context.Context) []*asr.HealthStatus { return s }

type fixture struct {
	source string
	perms  *permission.Lifecycle
	hub    *eventstream.Hub
	pl     *pipeline.Pipeline
	tr     *testutil.MockTranscriber
	ts     *httptest.Server
}

func newFixture(t *testing.T, decoder audio.Decoder) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		source: filepath.Join(dir, "Download"),
		perms:  permission.NewLifecycle(),
		hub:    eventstream.NewHub(16, nil, nil),
		tr:     &testutil.MockTranscriber{Default: testutil.ScriptedReply{Text: "hola"}},
	}
	if err := os.MkdirAll(f.source, 0o755); err != nil {
		t.Fatal(err)
	}
	testutil.WriteWAV(t, filepath.Join(f.source, "memo.wav"), 45*time.Second, testutil.TestSampleRate)
	if err := os.WriteFile(filepath.Join(f.source, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	scratch := filepath.Join(dir, "scratch")
	if decoder == nil {
		decoder = audio.WAVDecoder{}
	}
	f.pl = pipeline.New(pipeline.Config{ScratchDir: scratch}, decoder, f.tr, f.hub, nil, nil)
	pk := picker.New(picker.Dir(f.source), f.perms)
	checker := permission.StorageProbe{SourceDir: f.source, ScratchDir: scratch}
	health := staticHealth{{OK: true, Backend: "mock", Message: "mock"}}

	s := New(Options{}, pk, f.perms, checker, f.pl, f.hub, health, nil, nil)
	f.ts = httptest.NewServer(s.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) grant(t *testing.T) {
	t.Helper()
	if st := f.perms.Request(context.Background(), permission.CheckerFunc(func(context.Context) error { return nil })); st != permission.Granted {
		t.Fatalf("grant: %s", st)
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// waitTerminal drains a hub subscription until a run ends.
func waitTerminal(t *testing.T, events <-chan pipeline.Event) pipeline.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Terminal() {
				return ev
			}
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func TestFilesRequirePermission(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := f.do(t, http.MethodGet, "/api/files", "")
	testutil.AssertEqual(t, http.StatusForbidden, resp.StatusCode, "status before request")
	testutil.AssertEqual(t, permission.DeniedMessage, body["message"], "denied message")
	testutil.AssertEqual(t, "unknown", body["state"], "state")

	resp, body = f.do(t, http.MethodPost, "/api/permissions/request", "")
	testutil.AssertEqual(t, http.StatusOK, resp.StatusCode, "request status")
	testutil.AssertEqual(t, "granted", body["state"], "state after request")
	if _, ok := body["message"]; ok {
		t.Error("granted state should carry no message")
	}

	resp, body = f.do(t, http.MethodGet, "/api/files", "")
	testutil.AssertEqual(t, http.StatusOK, resp.StatusCode, "status after grant")
	files, _ := body["files"].([]interface{})
	if len(files) != 1 {
		t.Fatalf("files = %v, want only memo.wav", body["files"])
	}
	testutil.AssertEqual(t, "memo.wav", files[0].(map[string]interface{})["name"], "listed name")
}

func TestPermissionDeniedReason(t *testing.T) {
	f := newFixture(t, nil)
	f.perms.Request(context.Background(), permission.CheckerFunc(func(context.Context) error {
		return permission.ErrDenied
	}))

	resp, body := f.do(t, http.MethodGet, "/api/permissions", "")
	testutil.AssertEqual(t, http.StatusOK, resp.StatusCode, "status")
	testutil.AssertEqual(t, "denied", body["state"], "state")
	testutil.AssertEqual(t, permission.DeniedMessage, body["message"], "message")

	resp, _ = f.do(t, http.MethodPost, "/api/runs", `{"name":"memo.wav"}`)
	testutil.AssertEqual(t, http.StatusForbidden, resp.StatusCode, "start without permission")
}

func TestStartRunValidation(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing name", `{}`, http.StatusBadRequest},
		{"path escape", `{"name":"../secret.wav"}`, http.StatusBadRequest},
		{"unknown file", `{"name":"other.wav"}`, http.StatusNotFound},
		{"filtered extension", `{"name":"notes.txt"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/api/runs", tt.body)
			testutil.AssertEqual(t, tt.status, resp.StatusCode, "status")
		})
	}
	if len(f.tr.Calls()) != 0 {
		t.Error("rejected requests must not start a run")
	}
}

func TestStartRunToCompletion(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t)

	_, body := f.do(t, http.MethodGet, "/api/runs/current", "")
	testutil.AssertEqual(t, string(statemachine.StateIdle), body["state"], "state before any run")

	events, cancel := f.hub.Subscribe()
	defer cancel()

	resp, body := f.do(t, http.MethodPost, "/api/runs", `{"name":"memo.wav"}`)
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "start status")
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatalf("no run id in %v", body)
	}

	final := waitTerminal(t, events)
	testutil.WaitForCondition(t, func() bool { return f.pl.Active() == nil }, 5*time.Second, "run did not clear")
	testutil.AssertEqual(t, runID, final.RunID, "terminal event run id")
	testutil.AssertEqual(t, pipeline.KindFinalized, final.Kind, "terminal kind")
	testutil.AssertEqual(t, "hola hola", final.Text, "joined text for two chunks")

	_, body = f.do(t, http.MethodGet, "/api/runs/current", "")
	testutil.AssertEqual(t, "finalized", body["state"], "polled state")
	testutil.AssertEqual(t, "hola hola", body["text"], "polled text")
}

func TestFailedRunReportsMessage(t *testing.T) {
	f := newFixture(t, nil)
	f.grant(t)
	if err := os.WriteFile(filepath.Join(f.source, "broken.wav"), []byte("not a wav"), 0o644); err != nil {
		t.Fatal(err)
	}

	events, cancel := f.hub.Subscribe()
	defer cancel()

	resp, _ := f.do(t, http.MethodPost, "/api/runs", `{"name":"broken.wav"}`)
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "start status")

	final := waitTerminal(t, events)
	testutil.WaitForCondition(t, func() bool { return f.pl.Active() == nil }, 5*time.Second, "run did not clear")
	testutil.AssertEqual(t, pipeline.KindFailed, final.Kind, "terminal kind")
	testutil.AssertStringContains(t, final.Text, "Error crítico en el worker: ", "event text")

	_, body := f.do(t, http.MethodGet, "/api/runs/current", "")
	testutil.AssertEqual(t, "failed", body["state"], "polled state")
	testutil.AssertEqual(t, final.Text, body["text"], "polled text")
}

func TestStartRunWhileBusy(t *testing.T) {
	release := make(chan struct{})
	blocking := decoderFunc(func(ctx context.Context, path string) (*audio.Source, error) {
		<-release
		return audio.WAVDecoder{}.Decode(ctx, path)
	})
	f := newFixture(t, blocking)
	f.grant(t)

	events, cancel := f.hub.Subscribe()
	defer cancel()

	resp, first := f.do(t, http.MethodPost, "/api/runs", `{"name":"memo.wav"}`)
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "first start")

	resp, body := f.do(t, http.MethodPost, "/api/runs", `{"name":"memo.wav"}`)
	testutil.AssertEqual(t, http.StatusConflict, resp.StatusCode, "second start")
	testutil.AssertEqual(t, first["run_id"], body["run_id"], "conflict names the active run")

	_, health := f.do(t, http.MethodGet, "/healthz", "")
	testutil.AssertEqual(t, first["run_id"], health["active_run"], "healthz active run")

	close(release)
	waitTerminal(t, events)
	testutil.WaitForCondition(t, func() bool { return f.pl.Active() == nil }, 5*time.Second, "run did not clear")

	resp, _ = f.do(t, http.MethodPost, "/api/runs", `{"name":"memo.wav"}`)
	testutil.AssertEqual(t, http.StatusAccepted, resp.StatusCode, "start after previous run ended")
	waitTerminal(t, events)
	testutil.WaitForCondition(t, func() bool { return f.pl.Active() == nil }, 5*time.Second, "second run did not clear")
}

func TestBackends(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.ts.URL + "/api/backends")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var statuses []asr.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || !statuses[0].OK || statuses[0].Backend != "mock" {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)

	req, _ := http.NewRequest(http.MethodOptions, f.ts.URL+"/api/runs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "POST") {
		t.Errorf("Allow-Methods = %q", resp.Header.Get("Access-Control-Allow-Methods"))
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	s := New(Options{}, picker.New(picker.Dir(f.source), f.perms), f.perms, nil, f.pl, f.hub, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
