// Package logging configures the process-wide slog logger. Package-level
// loggers obtained from L before Init still follow the handler Init installs.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeySessionID  = "sessionId"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
	KeyPath       = "path"
	KeyState      = "state"
)

// derivation is one WithAttrs or WithGroup call, replayed in order onto
// whichever root handler is current.
type derivation struct {
	group string
	attrs []slog.Attr
}

// deferredHandler resolves the root handler at log time, so loggers built
// during package init pick up the handler installed by Init.
type deferredHandler struct {
	root  *atomic.Pointer[slog.Handler]
	chain []derivation
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := *h.root.Load()
	for _, d := range h.chain {
		if d.group != "" {
			handler = handler.WithGroup(d.group)
		} else {
			handler = handler.WithAttrs(d.attrs)
		}
	}
	return handler
}

func (h *deferredHandler) derive(d derivation) *deferredHandler {
	chain := make([]derivation, len(h.chain), len(h.chain)+1)
	copy(chain, h.chain)
	return &deferredHandler{root: h.root, chain: append(chain, d)}
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*h.root.Load()).Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.derive(derivation{attrs: append([]slog.Attr(nil), attrs...)})
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(derivation{group: name})
}

var (
	root          atomic.Pointer[slog.Handler]
	defaultLogger = slog.New(&deferredHandler{root: &root})
)

func init() {
	install(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(defaultLogger)
}

func install(h slog.Handler) {
	root.Store(&h)
}

// Init installs the handler every logger writes through. Call once after
// config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: nil means os.Stderr; stdout is left to command output
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		install(slog.NewJSONHandler(output, opts))
	} else {
		install(slog.NewTextHandler(output, opts))
	}
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithSession returns a child logger carrying the capture session id.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	return logger.With(slog.String(KeySessionID, sessionID))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
