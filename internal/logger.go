// Package internal holds small protocol-agnostic building blocks (ring
// buffer, bounded LRU, port bitset, logging helpers) shared by the tcp
// engine. None of it is TCP-specific.
package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a verbosity level below slog.LevelDebug, used for
// per-segment tracing that is too noisy for ordinary debug logging.
const LevelTrace slog.Level = slog.LevelDebug - 2

// Logger is an embeddable slog wrapper matching the trace/debug/error
// helpers used throughout the control block and interface.
type Logger struct {
	Log *slog.Logger
}

func (l *Logger) Enabled(lvl slog.Level) bool {
	return l.Log != nil && l.Log.Handler().Enabled(context.Background(), lvl)
}

func (l *Logger) LogAttrs(lvl slog.Level, msg string, attrs ...slog.Attr) {
	if l.Log == nil {
		return
	}
	l.Log.LogAttrs(context.Background(), lvl, msg, attrs...)
}

func (l *Logger) Debug(msg string, attrs ...slog.Attr) { l.LogAttrs(slog.LevelDebug, msg, attrs...) }
func (l *Logger) Trace(msg string, attrs ...slog.Attr)  { l.LogAttrs(LevelTrace, msg, attrs...) }
func (l *Logger) Error(msg string, attrs ...slog.Attr)  { l.LogAttrs(slog.LevelError, msg, attrs...) }
