// Package server exposes the picker, the permission lifecycle and the
// pipeline to a webview or remote client over HTTP, with run progress
// streamed on a WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/tiroq/neuralscribe/internal/asr"
	"github.com/tiroq/neuralscribe/internal/diaglog"
	"github.com/tiroq/neuralscribe/internal/eventstream"
	"github.com/tiroq/neuralscribe/internal/permission"
	"github.com/tiroq/neuralscribe/internal/picker"
	"github.com/tiroq/neuralscribe/internal/pipeline"
	"github.com/tiroq/neuralscribe/internal/statemachine"
)

// HealthChecker reports backend health. *asr.Registry implements it.
type HealthChecker interface {
	HealthCheckAll(ctx context.Context) []*asr.HealthStatus
}

// Options configures a Server.
type Options struct {
	CORSOrigins   []string      // default ["*"]
	HealthTimeout time.Duration // per /api/backends call, default 15s
}

// Server wires HTTP routes to the transcription components.
type Server struct {
	opts     Options
	picker   *picker.Picker
	perms    *permission.Lifecycle
	checker  permission.Checker
	pipeline *pipeline.Pipeline
	hub      *eventstream.Hub
	health   HealthChecker
	logger   *zap.Logger
	diag     *diaglog.Logger
	router   chi.Router
}

// New builds the server and its routes. health may be nil.
func New(opts Options, p *picker.Picker, perms *permission.Lifecycle, checker permission.Checker,
	pl *pipeline.Pipeline, hub *eventstream.Hub, health HealthChecker, logger *zap.Logger, diag *diaglog.Logger) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if diag == nil {
		diag = diaglog.NewNoOp()
	}
	s := &Server{
		opts:     opts,
		picker:   p,
		perms:    perms,
		checker:  checker,
		pipeline: pl,
		hub:      hub,
		health:   health,
		logger:   logger,
		diag:     diag,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(api chi.Router) {
		api.Get("/permissions", s.handlePermissions)
		api.Post("/permissions/request", s.handleRequestPermissions)
		api.Get("/files", s.handleFiles)
		api.Post("/runs", s.handleStartRun)
		api.Get("/runs/current", s.handleCurrentRun)
		api.Get("/events", s.hub.ServeWS)
		api.Get("/backends", s.handleBackends)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. A run in flight keeps going; only the listener stops.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
		s.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentServer,
			Event:     diaglog.EventRequest,
			Payload: map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
				"status": ww.Status(),
			},
		})
	})
}

// ── handlers ─────────────────────────────────────────────────────────────────

type permissionBody struct {
	State   permission.State `json:"state"`
	Reason  string           `json:"reason,omitempty"`
	Message string           `json:"message,omitempty"`
}

func (s *Server) permissionBody() permissionBody {
	body := permissionBody{State: s.perms.State(), Reason: s.perms.Reason()}
	if body.State != permission.Granted {
		body.Message = permission.DeniedMessage
	}
	return body
}

// GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":     "ok",
		"permission": s.perms.State(),
	}
	if run := s.pipeline.Active(); run != nil {
		body["active_run"] = run.ID
	}
	writeJSON(w, http.StatusOK, body)
}

// GET /api/permissions
func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.permissionBody())
}

// POST /api/permissions/request
func (s *Server) handleRequestPermissions(w http.ResponseWriter, r *http.Request) {
	s.perms.Request(r.Context(), s.checker)
	writeJSON(w, http.StatusOK, s.permissionBody())
}

// GET /api/files
func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	entries, err := s.picker.List()
	if err != nil {
		if isPermissionErr(err) {
			writeJSON(w, http.StatusForbidden, s.permissionBody())
			return
		}
		s.logger.Error("list files failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	dir, _ := s.picker.Dir()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dir":   dir,
		"files": entries,
	})
}

type startRunRequest struct {
	Name string `json:"name"`
}

// POST /api/runs
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing name")
		return
	}

	entry, err := s.picker.Resolve(req.Name)
	switch {
	case err == nil:
	case isPermissionErr(err):
		writeJSON(w, http.StatusForbidden, s.permissionBody())
		return
	case errors.Is(err, os.ErrNotExist):
		writeError(w, http.StatusNotFound, "file not found")
		return
	default:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.pipeline.Start(r.Context(), entry.Path)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			body := map[string]interface{}{"error": "transcription already in progress"}
			if active := s.pipeline.Active(); active != nil {
				body["run_id"] = active.ID
			}
			writeJSON(w, http.StatusConflict, body)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("run started", zap.String("run_id", run.ID), zap.String("file", entry.Name))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": run.ID,
		"name":   entry.Name,
	})
}

// GET /api/runs/current
func (s *Server) handleCurrentRun(w http.ResponseWriter, r *http.Request) {
	if ev, ok := s.hub.Last(); ok {
		writeJSON(w, http.StatusOK, ev)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.Event{State: statemachine.StateIdle})
}

// GET /api/backends
func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, []*asr.HealthStatus{})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.HealthTimeout)
	defer cancel()

	statuses := s.health.HealthCheckAll(ctx)
	for _, st := range statuses {
		s.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentASR,
			Event:     diaglog.EventBackendHealth,
			Reason:    st.Message,
			Payload:   map[string]interface{}{"backend": st.Backend, "ok": st.OK},
		})
	}
	writeJSON(w, http.StatusOK, statuses)
}

func isPermissionErr(err error) bool {
	return errors.Is(err, permission.ErrDenied) || errors.Is(err, permission.ErrUnknown)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
