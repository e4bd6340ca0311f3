// Package pipeline runs one audio file through decode, segmentation and
// per-chunk transcription on a worker goroutine, publishing every state
// change as an Event.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tiroq/neuralscribe/internal/asr"
	"github.com/tiroq/neuralscribe/internal/audio"
	"github.com/tiroq/neuralscribe/internal/diaglog"
	"github.com/tiroq/neuralscribe/internal/statemachine"
)

// DefaultLanguage is the recognition language when none is configured.
const DefaultLanguage = "es-ES"

// ErrRunInProgress is returned by Start while another run is active.
var ErrRunInProgress = errors.New("pipeline: a transcription run is already in progress")

// Config controls a Pipeline.
type Config struct {
	// ScratchDir holds one subdirectory per run for chunk files.
	ScratchDir    string
	SegmentLength time.Duration
	Language      string
	FallbackText  string
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(os.TempDir(), "neuralscribe")
	}
	if c.SegmentLength <= 0 {
		c.SegmentLength = audio.DefaultSegmentLength
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.FallbackText == "" {
		c.FallbackText = FallbackText
	}
	return c
}

// Result is the outcome of a finished run.
type Result struct {
	RunID    string             `json:"run_id"`
	Path     string             `json:"path"`
	State    statemachine.State `json:"state"`
	Text     string             `json:"text"` // the critical message when State is failed
	Segments []asr.Segment      `json:"-"`
	Duration time.Duration      `json:"duration_ns"`
	Err      error              `json:"-"`
}

// Run is a handle on one started transcription.
type Run struct {
	ID        string
	Path      string
	StartedAt time.Time

	sm     *statemachine.StateMachine
	done   chan struct{}
	result Result
}

// Done is closed once the run is finalized or failed and its scratch
// directory has been removed.
func (r *Run) Done() <-chan struct{} { return r.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (r *Run) Result() Result {
	<-r.done
	return r.result
}

// Snapshot returns the run's current progress.
func (r *Run) Snapshot() statemachine.Snapshot { return r.sm.Snapshot() }

// Pipeline owns the single-run invariant: at most one run is active.
type Pipeline struct {
	cfg     Config
	decoder audio.Decoder
	tr      asr.Transcriber
	pub     Publisher
	logger  *zap.Logger
	diag    *diaglog.Logger

	mu     sync.Mutex
	active *Run

	newID func() string
	now   func() time.Time
}

// New creates a pipeline. pub, logger and diag may be nil.
func New(cfg Config, decoder audio.Decoder, tr asr.Transcriber, pub Publisher, logger *zap.Logger, diag *diaglog.Logger) *Pipeline {
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if diag == nil {
		diag = diaglog.NewNoOp()
	}
	return &Pipeline{
		cfg:     cfg.WithDefaults(),
		decoder: decoder,
		tr:      tr,
		pub:     pub,
		logger:  logger,
		diag:    diag,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Active returns the running run, or nil.
func (p *Pipeline) Active() *Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Start begins transcribing path on a new goroutine and returns at once.
// The run is not tied to ctx's cancellation; once started it always ends
// in finalized or failed.
func (p *Pipeline) Start(ctx context.Context, path string) (*Run, error) {
	p.mu.Lock()
	if p.active != nil {
		busy := p.active.ID
		p.mu.Unlock()
		p.logger.Info("run rejected, another run is active", zap.String("active_run", busy), zap.String("path", path))
		p.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentPipeline,
			Event:     diaglog.EventRunRejected,
			RunID:     busy,
			Payload:   map[string]interface{}{"path": path},
		})
		return nil, fmt.Errorf("%w (run %s)", ErrRunInProgress, busy)
	}
	run := &Run{
		ID:        p.newID(),
		Path:      path,
		StartedAt: p.now(),
		sm:        statemachine.NewStateMachine(),
		done:      make(chan struct{}),
	}
	p.active = run
	p.mu.Unlock()

	go p.execute(context.WithoutCancel(ctx), run)
	return run, nil
}

// Execute runs path to completion on the calling goroutine's behalf and
// returns the result. The only error is ErrRunInProgress; run failures are
// reported in Result.Err.
func (p *Pipeline) Execute(ctx context.Context, path string) (Result, error) {
	run, err := p.Start(ctx, path)
	if err != nil {
		return Result{}, err
	}
	return run.Result(), nil
}

func (p *Pipeline) execute(ctx context.Context, run *Run) {
	log := p.logger.With(zap.String("run_id", run.ID))
	runDir := filepath.Join(p.cfg.ScratchDir, run.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", zap.Any("panic", r), zap.Stack("stack"))
			p.fail(run, fmt.Errorf("panic: %v", r))
		}
		if err := os.RemoveAll(runDir); err != nil {
			log.Warn("failed to remove run scratch dir", zap.String("dir", runDir), zap.Error(err))
		}
		run.result.Duration = p.now().Sub(run.StartedAt)

		p.mu.Lock()
		if p.active == run {
			p.active = nil
		}
		p.mu.Unlock()
		close(run.done)
	}()

	run.result = Result{RunID: run.ID, Path: run.Path}
	if err := run.sm.Begin(MsgLoading); err != nil {
		p.fail(run, err)
		return
	}
	log.Info("run started", zap.String("path", run.Path))
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventRunStart,
		RunID:     run.ID,
		Payload:   map[string]interface{}{"path": run.Path, "segment_ms": p.cfg.SegmentLength.Milliseconds(), "language": p.cfg.Language},
	})
	p.publish(run, KindLoading, "")

	if err := os.MkdirAll(runDir, 0o700); err != nil {
		p.fail(run, fmt.Errorf("create scratch dir: %w", err))
		return
	}

	src, err := p.decoder.Decode(ctx, run.Path)
	if err != nil {
		p.fail(run, err)
		return
	}
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventDecoded,
		RunID:     run.ID,
		Payload:   map[string]interface{}{"duration_ms": src.Duration().Milliseconds(), "sample_rate": src.SampleRate(), "channels": src.Channels()},
	})

	chunks, err := audio.Segment(src, p.cfg.SegmentLength)
	if err != nil {
		p.fail(run, err)
		return
	}
	total := len(chunks)
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventSegmented,
		RunID:     run.ID,
		Payload:   map[string]interface{}{"chunks": total},
	})
	log.Debug("source segmented", zap.Duration("duration", src.Duration()), zap.Int("chunks", total))

	if total == 0 {
		p.finalize(run, nil)
		return
	}

	if err := run.sm.Segmented(total, ProgressMessage(1, total)); err != nil {
		p.fail(run, err)
		return
	}
	p.publish(run, KindProgress, "")

	segments := make([]asr.Segment, 0, total)
	for i, c := range chunks {
		seg, err := p.transcribeChunk(ctx, run, runDir, c)
		if err != nil {
			p.fail(run, err)
			return
		}
		segments = append(segments, seg)

		if i+1 < total {
			if err := run.sm.Advance(ProgressMessage(i+2, total)); err != nil {
				p.fail(run, err)
				return
			}
			p.publish(run, KindProgress, "")
		}
	}
	p.finalize(run, segments)
}

func (p *Pipeline) finalize(run *Run, segments []asr.Segment) {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	text := strings.Join(parts, " ")
	recognized := len(parts)
	if text == "" {
		text = p.cfg.FallbackText
	}

	if err := run.sm.Finalize(text); err != nil {
		p.fail(run, err)
		return
	}
	run.result.State = statemachine.StateFinalized
	run.result.Text = text
	run.result.Segments = segments

	p.logger.Info("run finalized",
		zap.String("run_id", run.ID),
		zap.Int("chunks", len(segments)),
		zap.Int("recognized", recognized))
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventRunFinalized,
		RunID:     run.ID,
		Payload:   map[string]interface{}{"chunks": len(segments), "recognized": recognized, "chars": len(text)},
	})
	p.publish(run, KindFinalized, text)
}

func (p *Pipeline) fail(run *Run, err error) {
	msg := CriticalMessage(err)
	if ferr := run.sm.Fail(msg); ferr != nil {
		// already terminal
		p.logger.Warn("fail on terminal run", zap.String("run_id", run.ID), zap.Error(ferr))
		return
	}
	run.result.State = statemachine.StateFailed
	run.result.Text = msg
	run.result.Err = err

	p.logger.Error("run failed", zap.String("run_id", run.ID), zap.String("path", run.Path), zap.Error(err))
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventRunFailed,
		RunID:     run.ID,
		Reason:    err.Error(),
	})
	p.publish(run, KindFailed, msg)
}

func (p *Pipeline) publish(run *Run, kind EventKind, text string) {
	snap := run.sm.Snapshot()
	status := ""
	if kind == KindProgress {
		status = MsgTranscribing
	}
	p.pub.Publish(Event{
		RunID:   run.ID,
		Kind:    kind,
		State:   snap.State,
		Current: snap.Current,
		Total:   snap.Total,
		Message: snap.Message,
		Status:  status,
		Text:    text,
		Time:    p.now(),
	})
}
