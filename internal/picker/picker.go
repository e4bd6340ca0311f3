// Package picker lists the audio files a user can choose to transcribe.
package picker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tiroq/neuralscribe/internal/permission"
)

// DefaultExtensions are the audio extensions shown by default.
var DefaultExtensions = []string{".m4a", ".mp3", ".wav", ".ogg", ".flac"}

// Strategy resolves the directory to list.
type Strategy interface {
	Dir() (string, error)
	Name() string
}

type fixedDir struct {
	name string
	path string
}

func (f fixedDir) Dir() (string, error) { return f.path, nil }
func (f fixedDir) Name() string         { return f.name }

// AndroidDownloads is the shared external storage Download folder.
var AndroidDownloads Strategy = fixedDir{name: "android-downloads", path: "/sdcard/Download/"}

// Dir lists a fixed path.
func Dir(path string) Strategy {
	return fixedDir{name: "dir", path: path}
}

type userDownloads struct{}

func (userDownloads) Name() string { return "user-downloads" }

func (userDownloads) Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, "Downloads"), nil
}

// UserDownloads is $HOME/Downloads.
var UserDownloads Strategy = userDownloads{}

// ForPlatform picks the downloads strategy for goos.
func ForPlatform(goos string) Strategy {
	if goos == "android" {
		return AndroidDownloads
	}
	return UserDownloads
}

// Entry is one listed audio file.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Picker lists matching files in the directory chosen by its strategy.
type Picker struct {
	strategy Strategy
	perms    *permission.Lifecycle
	exts     map[string]struct{}

	// Logger receives watch diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
	// PollInterval is used when fsnotify is unavailable. Defaults to 2s.
	PollInterval time.Duration
}

// New creates a picker. With no extensions DefaultExtensions are used.
// A nil strategy means ForPlatform(runtime.GOOS).
func New(strategy Strategy, perms *permission.Lifecycle, exts ...string) *Picker {
	if strategy == nil {
		strategy = ForPlatform(runtime.GOOS)
	}
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	set := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = struct{}{}
	}
	return &Picker{
		strategy:     strategy,
		perms:        perms,
		exts:         set,
		Logger:       zap.NewNop(),
		PollInterval: 2 * time.Second,
	}
}

// Strategy returns the directory strategy in use.
func (p *Picker) Strategy() Strategy { return p.strategy }

// Dir resolves the listed directory.
func (p *Picker) Dir() (string, error) { return p.strategy.Dir() }

// Matches reports whether name has one of the picker's extensions.
func (p *Picker) Matches(name string) bool {
	_, ok := p.exts[strings.ToLower(filepath.Ext(name))]
	return ok
}

// MatchesAudio reports whether name has one of DefaultExtensions.
func MatchesAudio(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range DefaultExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// List returns the matching regular files in directory order. An absent
// directory lists as empty.
func (p *Picker) List() ([]Entry, error) {
	if p.perms != nil {
		if err := p.perms.Require(); err != nil {
			return nil, err
		}
	}
	dir, err := p.strategy.Dir()
	if err != nil {
		return nil, err
	}

	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	entries := make([]Entry, 0, len(des))
	for _, de := range des {
		if !de.Type().IsRegular() || !p.Matches(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			Path:    filepath.Join(dir, de.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}

// Resolve maps a listed file name back to its entry. Names with path
// separators are rejected so callers cannot escape the directory.
func (p *Picker) Resolve(name string) (Entry, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return Entry{}, fmt.Errorf("invalid file name %q", name)
	}
	entries, err := p.List()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Name == name {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%s: %w", name, os.ErrNotExist)
}
