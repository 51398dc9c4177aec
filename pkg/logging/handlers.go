package logging

import (
	"context"
	"runtime"
	"sync"
	"unicode"

	"golang.org/x/exp/slog"
)

// callerHandler injects the true call-site PC before delegating to next,
// so that the Fatal/Panic/Xf helpers (which call through this package's own
// frames) still report the caller's source location.
type callerHandler struct {
	addSource bool
	next      slog.Handler
}

func (c *callerHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return c.next.Enabled(ctx, level)
}

func (c *callerHandler) Handle(ctx context.Context, r slog.Record) error {
	if c.addSource {
		var pcs [1]uintptr
		runtime.Callers(3, pcs[:]) // skip [Callers, Handle, logf/Fatal/Panic]
		r.PC = pcs[0]
	}
	return c.next.Handle(ctx, r)
}

func (c *callerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &callerHandler{addSource: c.addSource, next: c.next.WithAttrs(attrs)}
}

func (c *callerHandler) WithGroup(group string) slog.Handler {
	return &callerHandler{addSource: c.addSource, next: c.next.WithGroup(group)}
}

// levelSplitHandler routes records at or above sepLevel to a distinct
// handler, letting error/fatal/panic output land on a different sink (e.g.
// stderr) than routine debug/info/warn noise.
type levelSplitHandler struct {
	standard slog.Handler
	sepLevel slog.Level
	errs     slog.Handler
}

func newLevelSplitHandler(std, errs slog.Handler) *levelSplitHandler {
	return &levelSplitHandler{standard: std, sepLevel: LevelError, errs: errs}
}

func (l *levelSplitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < l.sepLevel {
		return l.standard.Enabled(ctx, level)
	}
	return l.errs.Enabled(ctx, level)
}

func (l *levelSplitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < l.sepLevel {
		return l.standard.Handle(ctx, r)
	}
	return l.errs.Handle(ctx, r)
}

func (l *levelSplitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelSplitHandler{
		standard: l.standard.WithAttrs(attrs),
		sepLevel: l.sepLevel,
		errs:     l.errs.WithAttrs(attrs),
	}
}

func (l *levelSplitHandler) WithGroup(group string) slog.Handler {
	return &levelSplitHandler{
		standard: l.standard.WithGroup(group),
		sepLevel: l.sepLevel,
		errs:     l.errs.WithGroup(group),
	}
}

// plainHandler renders just the capitalized message, one line per record,
// for CLI-facing output that shouldn't look like a log stream.
type plainHandler struct {
	mu    sync.Mutex
	w     interface{ Write([]byte) (int, error) }
	level slog.Level
}

func newPlainHandler(w interface{ Write([]byte) (int, error) }, level slog.Level) *plainHandler {
	return &plainHandler{w: w, level: level}
}

func (p *plainHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= p.level
}

func (p *plainHandler) Handle(_ context.Context, r slog.Record) error {
	runes := []rune(r.Message)
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	runes = append(runes, '\n')

	p.mu.Lock()
	_, err := p.w.Write([]byte(string(runes)))
	p.mu.Unlock()
	return err
}

func (p *plainHandler) WithAttrs(_ []slog.Attr) slog.Handler { return p }
func (p *plainHandler) WithGroup(_ string) slog.Handler      { return p }
