package wasm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay groups the events of one copy or build into a single reload.
const settleDelay = 100 * time.Millisecond

const stagedSuffix = ".staged.wasm"

// Change reports a task added, replaced or removed by the watcher.
type Change struct {
	Task    string
	Removed bool
}

// Watcher keeps a task directory loaded into a Host. Prebuilt .wasm files
// load directly; .go sources are built with tinygo when it is on PATH.
// Deleting a .wasm file unloads its task.
type Watcher struct {
	taskDir string
	host    *Host
	logger  *slog.Logger
	changes chan Change

	tinygo    string
	lastError atomic.Pointer[string]
}

func NewWatcher(taskDir string, host *Host, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		taskDir: taskDir,
		host:    host,
		logger:  logger,
		changes: make(chan Change, 16),
	}
}

// Changes yields every load and unload. Sends never block; a reader that
// falls behind misses changes, not tasks.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// LastError returns the most recent load failure, if any.
func (w *Watcher) LastError() string {
	if p := w.lastError.Load(); p != nil {
		return *p
	}
	return ""
}

// LoadAll loads every .wasm file currently in the task directory.
func (w *Watcher) LoadAll(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(w.taskDir, "*.wasm"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if !strings.HasSuffix(path, stagedSuffix) {
			w.sync(ctx, path)
		}
	}
	return nil
}

// Start loads the directory once and then follows changes until ctx ends.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.taskDir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	if path, err := exec.LookPath("tinygo"); err == nil {
		w.tinygo = path
	} else {
		w.logger.Debug("tinygo not found in PATH; only prebuilt .wasm tasks load")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(w.taskDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch task dir: %w", err)
	}
	if err := w.LoadAll(ctx); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	pending := map[string]bool{}
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if strings.HasSuffix(ev.Name, stagedSuffix) {
				continue
			}
			switch filepath.Ext(ev.Name) {
			case ".wasm":
				pending[ev.Name] = true
				settle = time.After(settleDelay)
			case ".go":
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					go w.compile(ctx, ev.Name)
				}
			}
		case <-settle:
			settle = nil
			for path := range pending {
				w.sync(ctx, path)
				delete(pending, path)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.fail("task watcher error", err)
		}
	}
}

// sync makes the host match path: a missing file unloads the task and
// unchanged bytes are left alone.
func (w *Watcher) sync(ctx context.Context, path string) {
	name := moduleNameFromPath(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if w.host.Unload(ctx, name) {
			w.notify(Change{Task: name, Removed: true})
		}
		return
	}
	if err != nil {
		w.fail("read wasm task failed", err, "path", path)
		return
	}
	sum := sha256.Sum256(data)
	if w.host.Digest(name) == hex.EncodeToString(sum[:]) {
		return
	}
	if err := w.host.LoadModuleFromFile(ctx, path); err != nil {
		w.fail("wasm task load failed", err, "path", path)
		return
	}
	w.notify(Change{Task: name})
}

func (w *Watcher) notify(c Change) {
	select {
	case w.changes <- c:
	default:
	}
}

// compile builds src into a staged module and promotes it once tinygo
// succeeds. The rename produces the .wasm event that loads it.
func (w *Watcher) compile(ctx context.Context, src string) {
	if w.tinygo == "" {
		return
	}
	base := strings.TrimSuffix(src, filepath.Ext(src))
	staged, final := base+stagedSuffix, base+".wasm"
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, w.tinygo, "build", "-target=wasi", "-buildmode=c-shared", "-o", staged, src)
	cmd.Stdout, cmd.Stderr = &out, &out
	if err := cmd.Run(); err != nil {
		w.fail("tinygo build failed", fmt.Errorf("%w: %s", err, strings.TrimSpace(out.String())), "src", src)
		return
	}
	if err := os.Rename(staged, final); err != nil {
		w.fail("promote staged wasm failed", err, "src", src)
		return
	}
	w.logger.Info("wasm task compiled", "src", src, "wasm", final)
}

func (w *Watcher) fail(msg string, err error, attrs ...any) {
	text := err.Error()
	w.lastError.Store(&text)
	w.logger.Error(msg, append(attrs, "error", err)...)
}
