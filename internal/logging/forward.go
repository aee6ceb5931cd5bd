package logging

import (
	"context"
	"log/slog"
	"time"
)

// Forwarder ships one log record to the central log sink. Implementations
// must never block: records are forwarded best effort and dropped when the
// sink is unreachable.
type Forwarder interface {
	ForwardLog(severity, message, component string, timestamp time.Time)
}

// ForwardHandler wraps an slog.Handler and tees every record at or above
// minLevel to a Forwarder, typically the LogService client. Local output is
// unaffected; the forwarded copy is fire-and-forget.
type ForwardHandler struct {
	inner     slog.Handler
	forwarder Forwarder
	minLevel  slog.Level
	component string
}

// NewForwardHandler builds a ForwardHandler around inner. Records below
// minLevel are only handled locally.
func NewForwardHandler(inner slog.Handler, fw Forwarder, minLevel slog.Level) *ForwardHandler {
	return &ForwardHandler{inner: inner, forwarder: fw, minLevel: minLevel}
}

func (h *ForwardHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ForwardHandler) Handle(ctx context.Context, rec slog.Record) error {
	if h.forwarder != nil && rec.Level >= h.minLevel {
		h.forwarder.ForwardLog(severityName(rec.Level), rec.Message, h.component, rec.Time)
	}
	return h.inner.Handle(ctx, rec)
}

func (h *ForwardHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "component" {
			clone.component = a.Value.String()
		}
	}
	return &clone
}

func (h *ForwardHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	return &clone
}

func severityName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
