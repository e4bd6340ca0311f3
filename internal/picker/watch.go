package picker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// settleDelay lets a writer finish before the directory is re-listed.
const settleDelay = 50 * time.Millisecond

// Watch calls onChange with the current listing, then again every time the
// listing changes, until ctx is done. It uses fsnotify on the directory and
// falls back to polling when the watcher cannot be created or the directory
// does not exist yet.
func (p *Picker) Watch(ctx context.Context, onChange func([]Entry)) error {
	dir, err := p.strategy.Dir()
	if err != nil {
		return err
	}

	var last string
	refresh := func() {
		entries, err := p.List()
		if err != nil {
			p.Logger.Debug("list failed during watch", zap.String("dir", dir), zap.Error(err))
			return
		}
		if fp := fingerprint(entries); fp != last {
			last = fp
			onChange(entries)
		}
	}
	refresh()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.Logger.Warn("fsnotify not available, falling back to polling", zap.Error(err))
		return p.poll(ctx, refresh)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			p.Logger.Warn("failed to close watcher", zap.Error(err))
		}
	}()

	if err := watcher.Add(dir); err != nil {
		p.Logger.Info("cannot watch directory, falling back to polling", zap.String("dir", dir), zap.Error(err))
		return p.poll(ctx, refresh)
	}
	p.Logger.Debug("directory watcher started", zap.String("dir", dir))

	// events can be missed between the initial listing and Add
	pollTicker := time.NewTicker(p.interval())
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pollTicker.C:
			refresh()
		case event, ok := <-watcher.Events:
			if !ok {
				p.Logger.Info("fsnotify watcher closed, switching to polling")
				return p.poll(ctx, refresh)
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(settleDelay):
			}
			refresh()
		case werr, ok := <-watcher.Errors:
			if !ok {
				p.Logger.Info("fsnotify error channel closed, switching to polling")
				return p.poll(ctx, refresh)
			}
			p.Logger.Warn("watcher error", zap.Error(werr))
		}
	}
}

func (p *Picker) poll(ctx context.Context, refresh func()) error {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refresh()
		}
	}
}

func (p *Picker) interval() time.Duration {
	if p.PollInterval <= 0 {
		return 2 * time.Second
	}
	return p.PollInterval
}

func fingerprint(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s|%d|%d\n", e.Name, e.Size, e.ModTime.UnixNano())
	}
	return b.String()
}
