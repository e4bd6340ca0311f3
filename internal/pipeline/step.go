package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/tiroq/neuralscribe/internal/asr"
	"github.com/tiroq/neuralscribe/internal/audio"
	"github.com/tiroq/neuralscribe/internal/diaglog"
)

// tempName is the scratch file name for chunk index.
func tempName(index int) string {
	return fmt.Sprintf("temp_%d.wav", index)
}

// transcribeChunk exports c into runDir, sends it to the transcriber and
// returns the recognized segment. Recognition problems yield an empty
// segment and a nil error; only export failures are returned. The
// temporary file is removed before returning, including on panic.
func (p *Pipeline) transcribeChunk(ctx context.Context, run *Run, runDir string, c audio.Chunk) (asr.Segment, error) {
	seg := asr.Segment{Start: c.Start, End: c.End, Language: p.cfg.Language}
	path := filepath.Join(runDir, tempName(c.Index))
	log := p.logger.With(zap.String("run_id", run.ID), zap.Int("chunk", c.Index))

	if err := c.Export(path); err != nil {
		return seg, fmt.Errorf("export chunk %d: %w", c.Index, err)
	}
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentStep,
		Event:     diaglog.EventChunkExported,
		RunID:     run.ID,
		Payload:   map[string]interface{}{"chunk": c.Index, "file": path, "duration_ms": c.Duration().Milliseconds()},
	})
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove temp file", zap.String("file", path), zap.Error(err))
			return
		}
		p.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentStep,
			Event:     diaglog.EventTempRemoved,
			RunID:     run.ID,
			Payload:   map[string]interface{}{"chunk": c.Index},
		})
	}()

	tr, err := p.tr.TranscribeFile(ctx, path, asr.TranscribeOptions{Language: p.cfg.Language})
	if err == nil {
		seg.Text = strings.TrimSpace(tr.Text())
		if seg.Text == "" {
			err = asr.ErrNoSpeech
		}
	}

	switch {
	case err == nil:
		p.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentStep,
			Event:     diaglog.EventChunkTranscribed,
			RunID:     run.ID,
			Payload:   map[string]interface{}{"chunk": c.Index, "chars": len(seg.Text)},
		})
	case errors.Is(err, asr.ErrNoSpeech):
		log.Debug("no speech recognized")
		p.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentStep,
			Event:     diaglog.EventChunkNoSpeech,
			RunID:     run.ID,
			Payload:   map[string]interface{}{"chunk": c.Index},
		})
	default:
		log.Warn("transcription failed", zap.String("backend", backendName(p.tr)), zap.Error(err))
		p.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentStep,
			Event:     diaglog.EventChunkFailed,
			RunID:     run.ID,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"chunk": c.Index, "backend": backendName(p.tr)},
		})
	}
	return seg, nil
}

func backendName(tr asr.Transcriber) string {
	if n, ok := tr.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", tr)
}
