package redact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultKeys are the attribute keys whose string values are always
// sanitized. Error-valued attributes are sanitized regardless of key.
var DefaultKeys = []string{"error", "err", "details", "authorization", "cookie", "token", "query", "panic", "message"}

// Handler is a slog.Handler that sanitizes the record message and sensitive
// attributes before passing the record on.
type Handler struct {
	next slog.Handler
	keys map[string]struct{}
}

// NewHandler wraps next. With no keys, DefaultKeys apply.
func NewHandler(next slog.Handler, keys ...string) *Handler {
	if len(keys) == 0 {
		keys = DefaultKeys
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return &Handler{next: next, keys: set}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, String(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.scrub(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = h.scrub(a)
	}
	return &Handler{next: h.next.WithAttrs(scrubbed), keys: h.keys}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), keys: h.keys}
}

func (h *Handler) scrub(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	switch a.Value.Kind() {
	case slog.KindGroup:
		group := a.Value.Group()
		scrubbed := make([]slog.Attr, len(group))
		for i, ga := range group {
			scrubbed[i] = h.scrub(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(scrubbed...)}
	case slog.KindString:
		if h.sensitive(a.Key) {
			return slog.String(a.Key, String(a.Value.String()))
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, String(err.Error()))
		}
		if h.sensitive(a.Key) {
			return slog.String(a.Key, String(fmt.Sprint(a.Value.Any())))
		}
	}
	return a
}

func (h *Handler) sensitive(key string) bool {
	_, ok := h.keys[strings.ToLower(key)]
	return ok
}
