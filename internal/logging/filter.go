package logging

import (
	"context"
	"log/slog"
	"sync"
)

// componentKey is the attribute every component attaches via logger.With.
const componentKey = "component"

// levels is the shared, mutable level table. All handlers derived from one
// ComponentFilterHandler through WithAttrs/WithGroup point at the same table,
// so SetLevel affects loggers that were scoped before the call.
type levels struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

func (l *levels) level(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.overrides[component]; ok {
		return lvl
	}
	return l.def
}

// minimum is the most verbose level any component may log at.
func (l *levels) minimum() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lowest := l.def
	for _, lvl := range l.overrides {
		if lvl < lowest {
			lowest = lvl
		}
	}
	return lowest
}

// ComponentFilterHandler wraps a slog.Handler and filters records by level,
// with optional per-component overrides. The component is taken from the
// "component" attribute, either pre-attached with With or on the record.
type ComponentFilterHandler struct {
	inner     slog.Handler
	levels    *levels
	component string // from pre-attached attrs; empty if unknown
}

// NewComponentFilterHandler creates a filter around inner with the given default level.
func NewComponentFilterHandler(inner slog.Handler, def slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner: inner,
		levels: &levels{
			def:       def,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	h.levels.overrides[component] = level
}

// ClearLevel removes a component override. Unknown components are ignored.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	delete(h.levels.overrides, component)
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.level(component)
}

// SetDefaultLevel changes the level used for components without an override.
func (h *ComponentFilterHandler) SetDefaultLevel(level slog.Level) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	h.levels.def = level
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	return h.levels.def
}

func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.levels.level(h.component)
	}
	// The component may still arrive on the record; Handle decides.
	return level >= h.levels.minimum()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == componentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.level(component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == componentKey {
			component = a.Value.String()
		}
	}
	return &ComponentFilterHandler{
		inner:     h.inner.WithAttrs(attrs),
		levels:    h.levels,
		component: component,
	}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	return &ComponentFilterHandler{
		inner:     h.inner.WithGroup(name),
		levels:    h.levels,
		component: h.component,
	}
}
