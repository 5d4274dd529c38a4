// Package xlog provides the leveled, caller-tagged logging used across
// the pool and container packages. Log density is deliberately low:
// pool open/close, restart, segment growth, rehash completion and
// garbage collection boundaries only — never per key.
package xlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Logger is the interface consumed by pmpool, cmap, radix and skiplist.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type logger struct {
	base  *slog.Logger
	color bool
}

// New returns a Logger writing plain slog text to w. If w is a
// terminal, w is wrapped in a colorable writer (the teacher's own
// isatty-gated pattern); the text handler emits no color codes either
// way.
func New(w io.Writer, level slog.Level) Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	out := w
	if color {
		out = colorable.NewColorable(w.(*os.File))
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	return &logger{base: slog.New(h), color: color}
}

// Default logs to stderr at Info level.
func Default() Logger { return New(os.Stderr, slog.LevelInfo) }

func (l *logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l *logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l *logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l *logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }

func (l *logger) log(level slog.Level, msg string, args ...any) {
	call := stack.Caller(2)
	args = append(args, "at", fmt.Sprintf("%+n (%v)", call, call))
	l.base.Log(context.Background(), level, msg, args...)
}

// Nop discards everything; used in tests that don't want log noise.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
