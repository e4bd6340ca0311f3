package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the first line written to the export file (valid NDJSON).
type DiagBundle struct {
	ExportedAt string `json:"exported_at"`
	AppVersion string `json:"app_version"`
	GoVersion  string `json:"go_version"`
	OS         string `json:"os"`
	Arch       string `json:"arch"`
	LogFile    string `json:"log_file"`
	EntryCount int    `json:"entry_count"`
}

// Export copies the NDJSON log at logPath into
// dest/neuralscribe-diag-<ts>.ndjson behind a DiagBundle header line.
// Blank lines are dropped. Returns the output path and entry count.
func Export(logPath, dest string) (path string, lines int, err error) {
	count, err := countEntries(logPath)
	if err != nil {
		return "", 0, err
	}

	src, err := os.Open(logPath)
	if err != nil {
		return "", 0, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = src.Close() }()

	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "neuralscribe-diag-"+tstamp+".ndjson")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, fmt.Errorf("output file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	if err := enc.Encode(DiagBundle{
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		AppVersion: Version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		LogFile:    logPath,
		EntryCount: count,
	}); err != nil {
		return "", 0, err
	}
	if err := copyEntries(w, src); err != nil {
		return "", 0, err
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, count, nil
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return s
}

func countEntries(logPath string) (int, error) {
	f, err := os.Open(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("log file not found at %s: %w", logPath, os.ErrNotExist)
		}
		return 0, fmt.Errorf("log file unreadable: %w", err)
	}
	defer func() { _ = f.Close() }()

	n := 0
	s := newLineScanner(f)
	for s.Scan() {
		if len(s.Bytes()) > 0 {
			n++
		}
	}
	if err := s.Err(); err != nil {
		return 0, fmt.Errorf("log file unreadable: %w", err)
	}
	return n, nil
}

func copyEntries(w io.Writer, r io.Reader) error {
	s := newLineScanner(r)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		if _, err := w.Write(line); err != nil {
			return err
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return s.Err()
}
