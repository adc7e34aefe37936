// Package telemetry builds the process logger: JSON lines to
// <home>/logs/system.jsonl (and stdout unless quiet), with secret redaction
// and the frame ids carried by the logging context.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/stackrun/internal/shared"
)

const redacted = "[REDACTED]"

// NewLogger opens the system log. The level var may be adjusted later, for
// example when config.yaml is reloaded.
func NewLogger(homeDir string, level *slog.LevelVar, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	if level == nil {
		level = new(slog.LevelVar)
	}
	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	return slog.New(NewHandler(w, level)).With("component", "stackrun"), file, nil
}

// NewHandler returns the redacting JSON handler used by NewLogger. Records
// logged with a context gain its trace_id, task_run_id, stack_run_id and
// worker_id unless the call already set them.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &contextHandler{next: slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: replaceAttr,
	})}
}

type contextHandler struct {
	next slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	set := make(map[string]bool, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		set[a.Key] = true
		return true
	})
	for _, v := range shared.LogAttrs(ctx) {
		if a, ok := v.(slog.Attr); ok && !set[a.Key] {
			r.AddAttrs(a)
		}
	}
	return h.next.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{next: h.next.WithGroup(name)}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case shared.IsSensitiveKey(a.Key):
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, redactString(a.Value.String()))
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case error:
			return slog.String(a.Key, shared.Redact(v.Error()))
		case map[string]any, []any:
			return slog.Any(a.Key, shared.RedactFields(v))
		}
	}
	return a
}

// redactString drops whole values that look like auth headers.
func redactString(v string) string {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return redacted
	}
	return shared.Redact(v)
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
