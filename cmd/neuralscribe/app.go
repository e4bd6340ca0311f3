package main

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/tiroq/neuralscribe/internal/asr"
	"github.com/tiroq/neuralscribe/internal/asr/googlestt"
	"github.com/tiroq/neuralscribe/internal/asr/localwhisper"
	"github.com/tiroq/neuralscribe/internal/asr/openaiwhisper"
	"github.com/tiroq/neuralscribe/internal/asr/remotewhisper"
	"github.com/tiroq/neuralscribe/internal/audio"
	"github.com/tiroq/neuralscribe/internal/config"
	"github.com/tiroq/neuralscribe/internal/diaglog"
	"github.com/tiroq/neuralscribe/internal/eventstream"
	"github.com/tiroq/neuralscribe/internal/permission"
	"github.com/tiroq/neuralscribe/internal/picker"
	"github.com/tiroq/neuralscribe/internal/pipeline"
)

// app holds the components one command invocation works with.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	diag     *diaglog.Logger
	perms    *permission.Lifecycle
	checker  permission.Checker
	picker   *picker.Picker
	hub      *eventstream.Hub
	registry *asr.Registry
	pipeline *pipeline.Pipeline
}

// newApp wires the components. withBackends is false for commands that
// never transcribe, so they work without credentials.
func newApp(cfg *config.Config, logger *zap.Logger, diag *diaglog.Logger, withBackends bool) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		diag:     diag,
		perms:    permission.NewLifecycle(),
		hub:      eventstream.NewHub(eventstream.DefaultBuffer, logger.Named("stream"), diag),
		registry: asr.NewRegistry(),
	}

	var strategy picker.Strategy
	if cfg.SourceDir != "" {
		strategy = picker.Dir(cfg.SourceDir)
	} else {
		strategy = picker.ForPlatform(runtime.GOOS)
	}
	a.picker = picker.New(strategy, a.perms, cfg.Extensions...)
	a.picker.Logger = logger.Named("picker")

	if withBackends {
		reg, err := buildRegistry(cfg, diag)
		if err != nil {
			return nil, err
		}
		a.registry = reg
	}

	pcfg := pipeline.Config{
		ScratchDir:    cfg.ScratchDir,
		SegmentLength: cfg.SegmentLength(),
		Language:      cfg.Language,
	}.WithDefaults()
	scratch := pcfg.ScratchDir
	decoder := audio.AutoDecoder{FFmpeg: &audio.FFmpegDecoder{Binary: cfg.FFmpegPath, ScratchDir: scratch}}
	a.pipeline = pipeline.New(pcfg, decoder, a.registry, a.hub, logger.Named("pipeline"), diag)

	sourceDir, err := strategy.Dir()
	if err != nil {
		logger.Warn("source directory unavailable", zap.String("strategy", strategy.Name()), zap.Error(err))
	}
	a.checker = permission.StorageProbe{SourceDir: sourceDir, ScratchDir: scratch}

	a.perms.OnChange(func(s permission.State) {
		logger.Info("storage permission changed", zap.String("state", string(s)), zap.String("reason", a.perms.Reason()))
		diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentPermission,
			Event:     diaglog.EventPermission,
			Reason:    a.perms.Reason(),
			Payload:   map[string]interface{}{"state": string(s)},
		})
	})
	return a, nil
}

// scratchDir is where run directories and the lock file live.
func (a *app) scratchDir() string { return a.pipeline.Config().ScratchDir }

// requestPermission runs the storage check and reports whether access
// was granted.
func (a *app) requestPermission(ctx context.Context) bool {
	return a.perms.Request(ctx, a.checker) == permission.Granted
}

// buildRegistry registers the configured primary backend and, if set,
// the fallback.
func buildRegistry(cfg *config.Config, diag *diaglog.Logger) (*asr.Registry, error) {
	reg := asr.NewRegistry()
	for _, name := range []string{cfg.Backend, cfg.FallbackBackend} {
		if name == "" {
			continue
		}
		b, err := newBackend(name, cfg, diag)
		if err != nil {
			return nil, err
		}
		reg.Register(b)
	}
	if err := reg.SetPrimary(cfg.Backend); err != nil {
		return nil, err
	}
	if cfg.FallbackBackend != "" {
		if err := reg.SetFallback(cfg.FallbackBackend); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newBackend(name string, cfg *config.Config, diag *diaglog.Logger) (asr.Backend, error) {
	switch name {
	case config.BackendGoogle:
		return googlestt.NewBackend(googlestt.Config{
			APIKey:          cfg.Google.APIKey,
			Endpoint:        cfg.Google.Endpoint,
			LanguageCode:    cfg.Language,
			TimeoutSeconds:  cfg.Google.TimeoutSeconds,
			ProfanityFilter: cfg.Google.ProfanityFilter,
		}), nil
	case config.BackendOpenAI:
		return openaiwhisper.NewBackend(openaiwhisper.Config{
			APIKey:            cfg.OpenAI.APIKey,
			BaseURL:           cfg.OpenAI.BaseURL,
			Model:             cfg.OpenAI.Model,
			NoSpeechThreshold: cfg.OpenAI.NoSpeechThreshold,
		}), nil
	case config.BackendRemoteWhisper:
		c := remotewhisper.NewClient(remotewhisper.Config{
			BaseURL:        cfg.RemoteWhisper.BaseURL,
			Token:          cfg.RemoteWhisper.Token,
			TimeoutSeconds: cfg.RemoteWhisper.TimeoutSeconds,
			Retries:        cfg.RemoteWhisper.Retries,
			Model:          cfg.RemoteWhisper.Model,
		})
		c.SetLogger(diag)
		return c, nil
	case config.BackendLocalWhisper:
		return localwhisper.NewBackend(localwhisper.Config{
			BinaryPath:     cfg.LocalWhisper.BinaryPath,
			ModelPath:      cfg.LocalWhisper.ModelPath,
			Model:          cfg.LocalWhisper.Model,
			Threads:        cfg.LocalWhisper.Threads,
			TimeoutSeconds: cfg.LocalWhisper.TimeoutSeconds,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
