package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tiroq/neuralscribe/internal/config"
	"github.com/tiroq/neuralscribe/internal/diaglog"
)

// Version is set at build time via -ldflags "-X main.Version=..."
var Version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

const usageText = `neuralscribe - transcribe voice memos

Usage:
  neuralscribe list [-watch]
  neuralscribe transcribe [-format plain|txt|srt|vtt] [-lang es-ES] <name|path>
  neuralscribe serve [-addr host:port]
  neuralscribe health
  neuralscribe config [-save]
  neuralscribe --export-diag
  neuralscribe version

Every subcommand accepts -config <file>, -env <files> and -v.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return exitUsage
	}

	switch args[0] {
	case "--export-diag", "export-diag":
		return exportDiag(stdout, stderr)
	case "list":
		return cmdList(args[1:], stdout, stderr)
	case "transcribe":
		return cmdTranscribe(args[1:], stdout, stderr)
	case "serve":
		return cmdServe(args[1:], stdout, stderr)
	case "health":
		return cmdHealth(args[1:], stdout, stderr)
	case "config":
		return cmdConfig(args[1:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintln(stdout, "neuralscribe", Version)
		return exitOK
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usageText)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usageText)
		return exitUsage
	}
}

// commonOptions are the flags every subcommand shares.
type commonOptions struct {
	configPath string
	envFiles   string
	verbose    bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonOptions) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &commonOptions{}
	fs.StringVar(&opts.configPath, "config", config.Path(), "config file")
	fs.StringVar(&opts.envFiles, "env", ".env", "comma-separated .env files to load")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")
	return fs, opts
}

// loadConfig layers .env files, the config file and the environment.
func loadConfig(opts *commonOptions, validate bool) (*config.Config, error) {
	var files []string
	for _, f := range strings.Split(opts.envFiles, ",") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	if len(files) > 0 {
		if err := config.LoadEnvFiles(files...); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

// newLogger builds a console logger for interactive commands and a JSON
// logger for serve. Both write to w.
func newLogger(w io.Writer, production, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	var enc zapcore.Encoder
	if production {
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), level))
}

func diagLogPath() string {
	if p := os.Getenv("NEURALSCRIBE_LOG_PATH"); p != "" {
		return p
	}
	return diaglog.DefaultPath()
}

// openDiag opens the NDJSON diagnostics log. Failure is logged and
// diagnostics are switched off.
func openDiag(logger *zap.Logger) *diaglog.Logger {
	d, err := diaglog.New(diagLogPath())
	if err != nil {
		logger.Warn("diagnostics disabled", zap.Error(err))
		return diaglog.NewNoOp()
	}
	if d.Enabled() {
		logger.Info("diagnostics enabled", zap.String("path", diagLogPath()))
	}
	return d
}

func exportDiag(stdout, stderr io.Writer) int {
	logPath := diagLogPath()
	diaglog.Version = Version
	path, n, err := diaglog.Export(logPath, ".")
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "hint: run with %s=true to enable diagnostics\n", diaglog.DebugEnv)
			return exitFailure
		}
		return exitUsage
	}

	if d, derr := diaglog.New(logPath); derr == nil {
		d.Log(diaglog.LogEntry{
			Component: diaglog.ComponentDiagExport,
			Event:     diaglog.EventDiagExported,
			Payload:   map[string]interface{}{"path": path, "entries": n},
		})
		_ = d.Close()
	}
	fmt.Fprintf(stdout, "Wrote: %s (%d lines)\n", path, n)
	return exitOK
}
