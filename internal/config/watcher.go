package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the several writes editors make per save.
const DefaultDebounce = 200 * time.Millisecond

// ReloadEvent is one settled change of config.yaml. Err is set when the new
// file failed to load; Config then holds the last good configuration.
type ReloadEvent struct {
	Config Config
	Err    error
	// RestartRequired reports a fingerprint change. Only log_level applies
	// without a restart.
	RestartRequired bool
}

// Watcher follows config.yaml and reloads it after each settled change.
type Watcher struct {
	current  Config
	logger   *slog.Logger
	debounce time.Duration
	events   chan ReloadEvent
}

// NewWatcher watches the home directory of current. Reloads are compared
// against current's fingerprint.
func NewWatcher(current Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		current:  current,
		logger:   logger,
		debounce: DefaultDebounce,
		events:   make(chan ReloadEvent, 4),
	}
}

// SetDebounce overrides the settle window. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory so editors that replace the file by rename are seen.
	if err := fsw.Add(w.current.HomeDir); err != nil {
		fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.current.HomeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				settle = time.After(w.debounce)
			case <-settle:
				settle = nil
				w.reload(ctx)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ctx context.Context) {
	next, err := LoadFrom(w.current.HomeDir)
	ev := ReloadEvent{Config: w.current, Err: err}
	if err != nil {
		w.logger.Error("config reload failed; keeping previous config", "error", err)
	} else {
		ev.Config = next
		ev.RestartRequired = next.Fingerprint() != w.current.Fingerprint()
		w.logger.Info("config file changed",
			"path", ConfigPath(w.current.HomeDir),
			"fingerprint", next.Fingerprint(),
			"restart_required", ev.RestartRequired)
		w.current = next
	}
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}
