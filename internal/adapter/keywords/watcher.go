package keywords

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"agent-orchestrator/internal/domain"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Reloader invalidates cached keyword configuration.
type Reloader interface {
	Reload() uint64
}

// Watcher reloads keyword configuration when agent files in a directory
// change on disk.
type Watcher struct {
	dir      string
	reloader Reloader
	bus      domain.EventBus
	logger   *slog.Logger
	debounce time.Duration

	fsw *fsnotify.Watcher
}

// NewWatcher starts watching dir. Call Run to process events and Close to
// release the underlying watcher.
func NewWatcher(dir string, reloader Reloader, bus domain.EventBus, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		reloader: reloader,
		bus:      bus,
		logger:   logger,
		debounce: DefaultDebounce,
		fsw:      fsw,
	}, nil
}

// Run blocks until ctx is canceled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	var (
		timer   *time.Timer
		timerC  <-chan time.Time
		changed []string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			changed = append(changed, filepath.Base(ev.Name))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			version := w.reloader.Reload()
			w.logger.Info("keyword files changed, reloaded", "files", changed, "version", version)
			domain.PublishEvent(ctx, w.bus, domain.EventKeywordsReloaded, map[string]any{
				"files":   changed,
				"version": version,
			})
			changed = nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("keyword watcher error", "error", err)
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func relevant(ev fsnotify.Event) bool {
	if filepath.Ext(ev.Name) != fileExt {
		return false
	}
	return ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0
}
