package logging

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"golang.org/x/exp/slog"
)

// L bundles an *slog.Logger with the Fatal/Panic helpers the standard
// library does not provide. Embedding *slog.Logger keeps Debug/Info/Warn/
// Error/With/WithGroup available unmodified.
type L struct {
	*slog.Logger

	exiter   exiter
	panicker panicker
}

type exiter interface{ Exit(code int) }

type defaultExiter struct{}

func (defaultExiter) Exit(code int) { os.Exit(code) }

type panicker interface{ Panic(msg string) }

type defaultPanicker struct{}

func (defaultPanicker) Panic(msg string) { panic(msg) }

func newL(logger *slog.Logger) *L {
	return &L{
		Logger:   logger,
		exiter:   defaultExiter{},
		panicker: defaultPanicker{},
	}
}

// With returns a new *L with the given attributes added to every record,
// preserving the exiter/panicker.
func (l *L) With(args ...any) *L {
	return &L{Logger: l.Logger.With(args...), exiter: l.exiter, panicker: l.panicker}
}

func (l *L) logf(level slog.Level, format string, args ...any) {
	if !l.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // skip [Callers, logf, Xf]
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = l.Handler().Handle(context.Background(), r)
}

// Debugf writes a formatted message at level debug.
func (l *L) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }

// Infof writes a formatted message at level info.
func (l *L) Infof(format string, args ...any) { l.logf(LevelInfo, format, args...) }

// Warnf writes a formatted message at level warn.
func (l *L) Warnf(format string, args ...any) { l.logf(LevelWarn, format, args...) }

// Errorf writes a formatted message at level error. Its arguments feed the
// format string, not a structured key-value tail.
func (l *L) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Fatal logs msg at level fatal with any attrs, then exits with status 1.
func (l *L) Fatal(msg string, attr ...any) {
	if l.Enabled(context.Background(), LevelFatal) {
		var pcs [1]uintptr
		runtime.Callers(2, pcs[:])
		r := slog.NewRecord(time.Now(), LevelFatal, msg, pcs[0])
		r.Add(attr...)
		_ = l.Handler().Handle(context.Background(), r)
	}
	l.exiter.Exit(1)
}

// Fatalf formats a message at level fatal, then exits with status 1.
func (l *L) Fatalf(format string, args ...any) {
	l.logf(LevelFatal, format, args...)
	l.exiter.Exit(1)
}

// Panic logs msg at level panic with any attrs, then panics with msg.
func (l *L) Panic(msg string, attr ...any) {
	if l.Enabled(context.Background(), LevelPanic) {
		var pcs [1]uintptr
		runtime.Callers(2, pcs[:])
		r := slog.NewRecord(time.Now(), LevelPanic, msg, pcs[0])
		r.Add(attr...)
		_ = l.Handler().Handle(context.Background(), r)
	}
	l.panicker.Panic(msg)
}

// Panicf formats a message at level panic, logs it, then panics with it.
func (l *L) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.logf(LevelPanic, "%s", msg)
	l.panicker.Panic(msg)
}
