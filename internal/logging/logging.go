// Package logging holds the recorder's slog conventions.
//
// Loggers reach components through their Config structs and a nil logger
// means silence. Each component scopes its logger once, at construction,
// with a "component" attribute; ComponentFilterHandler keys per-component
// levels on it. Output format, level and destination are decided in main
// only, and nothing calls slog.SetDefault.
//
// Successful per-message work is logged at Debug at most. Dropped messages,
// session transitions and flushes are what the Info and Warn levels carry.
package logging

import "log/slog"

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Default returns logger, or a discarding logger when it is nil:
//
//	func New(cfg Config) *Thing {
//	    return &Thing{logger: logging.Default(cfg.Logger).With("component", "thing")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}
