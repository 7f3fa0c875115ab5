// Package logtest provides a capturing slog handler for tests.
package logtest

import (
	"context"
	"log/slog"
	"sync"
)

// Entry is one captured record with its attributes flattened.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

// Handler captures every record. Handlers derived through WithAttrs share storage.
type Handler struct {
	mu      *sync.Mutex
	entries *[]Entry
	attrs   []slog.Attr
}

// New returns a handler and a logger writing to it.
func New() (*Handler, *slog.Logger) {
	h := &Handler{mu: &sync.Mutex{}, entries: &[]Entry{}}
	return h, slog.New(h)
}

func (h *Handler) Enabled(context.Context, slog.Level) bool { return true }

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{Level: r.Level, Message: r.Message, Attrs: make(map[string]string)}
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Attrs[a.Key] = a.Value.String()
		return true
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.entries = append(*h.entries, e)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{mu: h.mu, entries: h.entries, attrs: merged}
}

func (h *Handler) WithGroup(string) slog.Handler { return h }

// Entries returns a copy of everything captured so far.
func (h *Handler) Entries() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Entry, len(*h.entries))
	copy(out, *h.entries)
	return out
}

// Count returns how many captured records have exactly the given level.
func (h *Handler) Count(level slog.Level) int {
	n := 0
	for _, e := range h.Entries() {
		if e.Level == level {
			n++
		}
	}
	return n
}
