package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/tiroq/neuralscribe/internal/config"
	"github.com/tiroq/neuralscribe/internal/diaglog"
	"github.com/tiroq/neuralscribe/internal/lockfile"
	"github.com/tiroq/neuralscribe/internal/permission"
	"github.com/tiroq/neuralscribe/internal/picker"
	"github.com/tiroq/neuralscribe/internal/server"
	"github.com/tiroq/neuralscribe/internal/statemachine"
	"github.com/tiroq/neuralscribe/internal/transcript"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// command describes how a subcommand is wired.
type command struct {
	name         string
	production   bool // JSON logs
	withBackends bool // build and validate transcription backends
	flags        func(fs *flag.FlagSet)
	override     func(cfg *config.Config)
}

// setup parses flags, loads config and wires the app. A non-negative code
// means the caller should exit with it.
func setup(c command, args []string, stderr io.Writer) (*app, []string, int) {
	fs, opts := newFlagSet(c.name, stderr)
	if c.flags != nil {
		c.flags(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, exitUsage
	}

	cfg, err := loadConfig(opts, c.withBackends)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return nil, nil, exitUsage
	}
	if c.override != nil {
		c.override(cfg)
	}
	logger := newLogger(stderr, c.production, opts.verbose)
	diag := openDiag(logger)

	a, err := newApp(cfg, logger, diag, c.withBackends)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return nil, nil, exitUsage
	}
	return a, fs.Args(), -1
}

func (a *app) close() {
	_ = a.logger.Sync()
	_ = a.diag.Close()
}

// ── list ─────────────────────────────────────────────────────────────────────

func cmdList(args []string, stdout, stderr io.Writer) int {
	var watch bool
	a, _, code := setup(command{
		name: "list",
		flags: func(fs *flag.FlagSet) {
			fs.BoolVar(&watch, "watch", false, "keep running and reprint when the folder changes")
		},
	}, args, stderr)
	if code >= 0 {
		return code
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	if !a.requestPermission(ctx) {
		fmt.Fprintln(stderr, permission.DeniedMessage)
		if r := a.perms.Reason(); r != "" {
			fmt.Fprintln(stderr, "reason:", r)
		}
		return exitFailure
	}

	dir, _ := a.picker.Dir()
	if !watch {
		entries, err := a.picker.List()
		if err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return exitFailure
		}
		printEntries(stdout, dir, entries)
		return exitOK
	}

	err := a.picker.Watch(ctx, func(entries []picker.Entry) {
		a.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentPicker,
			Event:     diaglog.EventFilesChanged,
			Payload:   map[string]interface{}{"dir": dir, "count": len(entries)},
		})
		printEntries(stdout, dir, entries)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	return exitOK
}

func printEntries(w io.Writer, dir string, entries []picker.Entry) {
	if len(entries) == 0 {
		fmt.Fprintf(w, "no audio files in %s\n", dir)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Name, e.Size, e.ModTime.Format(time.DateTime))
	}
	_ = tw.Flush()
}

// ── transcribe ───────────────────────────────────────────────────────────────

func cmdTranscribe(args []string, stdout, stderr io.Writer) int {
	var formatName, lang string
	a, rest, code := setup(command{
		name:         "transcribe",
		withBackends: true,
		flags: func(fs *flag.FlagSet) {
			fs.StringVar(&formatName, "format", "plain", "output format: plain, txt, srt or vtt")
			fs.StringVar(&lang, "lang", "", "language tag, overrides config")
		},
		override: func(cfg *config.Config) {
			if lang != "" {
				cfg.Language = lang
			}
		},
	}, args, stderr)
	if code >= 0 {
		return code
	}
	defer a.close()

	format, err := transcript.ParseFormat(formatName)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitUsage
	}
	if len(rest) != 1 {
		fmt.Fprintln(stderr, "usage: neuralscribe transcribe [-format f] <name|path>")
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()

	path, err := a.resolveTarget(ctx, rest[0])
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}

	lock, err := lockfile.Acquire(lockfile.PathFor(a.scratchDir()))
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	defer lock.Release()

	events, unsubscribe := a.hub.Subscribe()
	defer unsubscribe()

	run, err := a.pipeline.Start(ctx, path)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	a.logger.Debug("run started", zap.String("run_id", run.ID), zap.String("path", path))

	present(ctx, stderr, events, run.Done())

	res := run.Result()
	if res.State == statemachine.StateFailed {
		return exitFailure
	}
	if err := transcript.Render(stdout, format, res.Text, res.Segments); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	return exitOK
}

// resolveTarget accepts a name from the listing or a path to any file.
// Either way storage permission must be granted first.
func (a *app) resolveTarget(ctx context.Context, target string) (string, error) {
	isPath := strings.ContainsRune(target, filepath.Separator)
	if !isPath {
		if _, err := os.Stat(target); err == nil {
			isPath = true
		}
	}

	if isPath {
		abs, err := filepath.Abs(target)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(abs); err != nil {
			return "", err
		}
		a.checker = permission.StorageProbe{SourceDir: filepath.Dir(abs), ScratchDir: a.scratchDir()}
		if !a.requestPermission(ctx) {
			return "", fmt.Errorf("%s: %w", permission.DeniedMessage, a.perms.Require())
		}
		return abs, nil
	}

	if !a.requestPermission(ctx) {
		return "", fmt.Errorf("%s: %w", permission.DeniedMessage, a.perms.Require())
	}
	entry, err := a.picker.Resolve(target)
	if err != nil {
		return "", err
	}
	return entry.Path, nil
}

// ── serve ────────────────────────────────────────────────────────────────────

func cmdServe(args []string, stdout, stderr io.Writer) int {
	var addr string
	a, _, code := setup(command{
		name:         "serve",
		production:   true,
		withBackends: true,
		flags: func(fs *flag.FlagSet) {
			fs.StringVar(&addr, "addr", "", "listen address, overrides config")
		},
	}, args, stderr)
	if code >= 0 {
		return code
	}
	defer a.close()
	if addr == "" {
		addr = a.cfg.ListenAddr
	}

	lock, err := lockfile.Acquire(lockfile.PathFor(a.scratchDir()))
	if err != nil {
		a.logger.Error("cannot start", zap.Error(err))
		return exitFailure
	}
	defer lock.Release()

	ctx, cancel := signalContext()
	defer cancel()

	a.logger.Info("starting neuralscribe",
		zap.String("version", Version),
		zap.Int("pid", os.Getpid()),
		zap.String("backend", a.cfg.Backend),
		zap.String("fallback", a.cfg.FallbackBackend),
	)
	a.requestPermission(ctx)
	a.logHealth(ctx)

	srv := server.New(server.Options{CORSOrigins: a.cfg.CORSOrigins},
		a.picker, a.perms, a.checker, a.pipeline, a.hub, a.registry, a.logger.Named("http"), a.diag)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		a.logger.Error("server stopped", zap.Error(err))
		return exitFailure
	}
	a.logger.Info("server stopped")
	return exitOK
}

// logHealth reports each backend's health at startup.
func (a *app) logHealth(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	for _, hs := range a.registry.HealthCheckAll(hctx) {
		fields := []zap.Field{zap.String("backend", hs.Backend), zap.Duration("latency", hs.Latency), zap.String("message", hs.Message)}
		if hs.OK {
			a.logger.Info("backend healthy", fields...)
		} else {
			a.logger.Warn("backend unhealthy", fields...)
		}
		a.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentASR,
			Event:     diaglog.EventBackendHealth,
			Reason:    hs.Message,
			Payload:   map[string]interface{}{"backend": hs.Backend, "ok": hs.OK},
		})
	}
}

// ── health ───────────────────────────────────────────────────────────────────

func cmdHealth(args []string, stdout, stderr io.Writer) int {
	a, _, code := setup(command{name: "health", withBackends: true}, args, stderr)
	if code >= 0 {
		return code
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 30*time.Second)
	defer cancelTimeout()

	primaryOK := false
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tROLE\tOK\tLATENCY\tMESSAGE")
	for _, hs := range a.registry.HealthCheckAll(ctx) {
		role := "fallback"
		if hs.Backend == a.cfg.Backend {
			role = "primary"
			primaryOK = hs.OK
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", hs.Backend, role, hs.OK, hs.Latency.Round(time.Millisecond), hs.Message)
	}
	_ = tw.Flush()

	if !primaryOK {
		return exitFailure
	}
	return exitOK
}

// ── config ───────────────────────────────────────────────────────────────────

// cmdConfig prints the effective configuration with secrets redacted, or
// writes it to the config file with -save.
func cmdConfig(args []string, stdout, stderr io.Writer) int {
	fs, opts := newFlagSet("config", stderr)
	save := fs.Bool("save", false, "validate and write the effective config to -config")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	cfg, err := loadConfig(opts, false)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitUsage
	}

	if *save {
		if err := config.Save(opts.configPath, cfg); err != nil {
			fmt.Fprintln(stderr, "error:", err)
			return exitFailure
		}
		fmt.Fprintf(stdout, "Wrote: %s\n", opts.configPath)
		return exitOK
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(diaglog.Redact(generic)); err != nil {
		return exitFailure
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, "warning:", err)
	}
	return exitOK
}
