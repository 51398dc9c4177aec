// Package logging supplies the structured logger used across the flow meter.
//
// It wraps golang.org/x/exp/slog and keeps the handler chain pluggable: JSON
// and logfmt go through the stock slog handlers, a third "plain" encoding
// exists for human-facing CLI output, and a level-split handler can route
// error-and-above records to a separate sink (e.g. stderr) while everything
// else goes to stdout.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/slog"
)

// Encoding picks the wire format of emitted log records.
type Encoding string

const (
	EncodingJSON   Encoding = "json"
	EncodingLogfmt Encoding = "logfmt"
	EncodingPlain  Encoding = "plain"
)

const (
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarn    = slog.LevelWarn
	LevelError   = slog.LevelError
	LevelFatal   = slog.Level(12)
	LevelPanic   = slog.Level(13)
	LevelUnknown = slog.Level(-128)
)

const (
	debugLevel = "debug"
	infoLevel  = "info"
	warnLevel  = "warn"
	errorLevel = "error"
	fatalLevel = "fatal"
	panicLevel = "panic"
)

// LevelFromString maps a config/CLI level name to its slog.Level, returning
// LevelUnknown for anything it doesn't recognize.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case debugLevel:
		return LevelDebug
	case infoLevel:
		return LevelInfo
	case warnLevel, "warning":
		return LevelWarn
	case errorLevel:
		return LevelError
	case fatalLevel:
		return LevelFatal
	case panicLevel:
		return LevelPanic
	default:
		return LevelUnknown
	}
}

type loggingConfig struct {
	enableCaller bool
	stdOutput    io.Writer
	errsOutput   io.Writer
	initialAttr  map[string]slog.Attr
}

const (
	initKeyName    = "name"
	initKeyVersion = "version"
)

// Option configures a logger produced by New or Init.
type Option func(*loggingConfig) error

// WithOutput sets the output for all levels below the error-split level.
func WithOutput(w io.Writer) Option {
	return func(lc *loggingConfig) error {
		lc.stdOutput = w
		return nil
	}
}

// WithErrorOutput routes level Error, Fatal and Panic to a separate writer.
func WithErrorOutput(w io.Writer) Option {
	return func(lc *loggingConfig) error {
		lc.errsOutput = w
		return nil
	}
}

var errEmptyFilePath = errors.New("empty filepath provided")

const (
	devnullOutput = "devnull"
	stderrOutput  = "stderr"
	stdoutOutput  = "stdout"
)

// WithFileOutput sets the output to a file path, or one of the special
// case-insensitive names "stdout", "stderr" and "devnull".
func WithFileOutput(path string) Option {
	return func(lc *loggingConfig) error {
		var output io.Writer
		switch strings.ToLower(path) {
		case stdoutOutput:
			output = os.Stdout
		case stderrOutput:
			output = os.Stderr
		case devnullOutput:
			output = io.Discard
		case "":
			return errEmptyFilePath
		default:
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			output = f
		}
		return WithOutput(output)(lc)
	}
}

// WithCaller enables source location reporting. It costs a runtime.Callers
// lookup per record, so it is off by default.
func WithCaller(b bool) Option {
	return func(lc *loggingConfig) error {
		lc.enableCaller = b
		return nil
	}
}

// WithName adds the application name as a constant field on every record.
func WithName(name string) Option {
	return func(lc *loggingConfig) error {
		lc.initialAttr[initKeyName] = slog.String(initKeyName, name)
		return nil
	}
}

// WithVersion adds the application version as a constant field.
func WithVersion(version string) Option {
	return func(lc *loggingConfig) error {
		lc.initialAttr[initKeyVersion] = slog.String(initKeyVersion, version)
		return nil
	}
}

// Init builds a logger and installs it as slog's package-level default.
func Init(level slog.Level, encoding Encoding, opts ...Option) error {
	logger, err := New(level, encoding, opts...)
	if err != nil {
		return err
	}
	slog.SetDefault(logger.Logger)
	return nil
}

func attrReplacer(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		a.Key = "ts"
	case slog.LevelKey:
		lvl := a.Value.Any().(slog.Level)
		switch {
		case lvl < LevelInfo:
			a.Value = slog.StringValue(debugLevel)
		case lvl < LevelWarn:
			a.Value = slog.StringValue(infoLevel)
		case lvl < LevelError:
			a.Value = slog.StringValue(warnLevel)
		case lvl < LevelFatal:
			a.Value = slog.StringValue(errorLevel)
		case lvl < LevelPanic:
			a.Value = slog.StringValue(fatalLevel)
		default:
			a.Value = slog.StringValue(panicLevel)
		}
	case slog.SourceKey:
		a.Key = "caller"
		src := a.Value.Any().(*slog.Source)
		dir, file := filepath.Split(src.File)
		src.File = filepath.Join(filepath.Base(dir), file)
	}
	return a
}

// New returns a standalone logger without touching slog's global default.
func New(level slog.Level, encoding Encoding, opts ...Option) (*L, error) {
	if level == LevelUnknown {
		return nil, fmt.Errorf("unknown log level provided: %s", level)
	}

	cfg := &loggingConfig{
		stdOutput:   os.Stdout,
		initialAttr: make(map[string]slog.Attr),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	hopts := slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.enableCaller,
		ReplaceAttr: attrReplacer,
	}

	th, err := newHandler(cfg.stdOutput, encoding, hopts)
	if err != nil {
		return nil, err
	}

	if cfg.errsOutput != nil {
		errH, _ := newHandler(cfg.errsOutput, encoding, hopts)
		th = newLevelSplitHandler(th, errH)
	}

	var attrs []slog.Attr
	for _, attr := range cfg.initialAttr {
		attrs = append(attrs, attr)
	}
	if len(attrs) > 0 {
		sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })
		th = th.WithAttrs(attrs)
	}

	if cfg.enableCaller {
		th = &callerHandler{addSource: true, next: th}
	}

	return newL(slog.New(th)), nil
}

func newHandler(w io.Writer, encoding Encoding, hopts slog.HandlerOptions) (slog.Handler, error) {
	switch encoding {
	case EncodingJSON:
		return slog.NewJSONHandler(w, &hopts), nil
	case EncodingLogfmt:
		return slog.NewTextHandler(w, &hopts), nil
	case EncodingPlain:
		return newPlainHandler(w, hopts.Level.Level()), nil
	default:
		return nil, fmt.Errorf("unknown log encoding %q", encoding)
	}
}

// NewFromContext builds a logger and enriches it with any fields stashed in
// ctx by WithFields.
func NewFromContext(ctx context.Context, level slog.Level, encoding Encoding, opts ...Option) (*L, error) {
	logger, err := New(level, encoding, opts...)
	if err != nil {
		return nil, err
	}
	return fromContext(ctx, logger), nil
}

// Logger returns an *L wrapping slog's current default logger.
func Logger() *L {
	return newL(slog.Default())
}

type loggerKeyType int

const fieldsKey loggerKeyType = 0

type loggerFields struct {
	mu     *sync.RWMutex
	fields map[string]any
}

func newLoggerFields() loggerFields {
	return loggerFields{mu: &sync.RWMutex{}, fields: make(map[string]any)}
}

func getFields(ctx context.Context) (loggerFields, bool) {
	lf, ok := ctx.Value(fieldsKey).(loggerFields)
	return lf, ok
}

// WithFields returns a context carrying the union of any fields already
// attached to ctx and the newly supplied ones. A logger pulled from the
// resulting context via FromContext carries all of them.
func WithFields(ctx context.Context, fields ...slog.Attr) context.Context {
	newFields := newLoggerFields()
	if ctx == nil {
		ctx = context.Background()
	}

	if lf, ok := getFields(ctx); ok {
		lf.mu.RLock()
		copyFields(lf.fields, newFields.fields)
		lf.mu.RUnlock()
	}

	for _, field := range fields {
		newFields.fields[field.Key] = field
	}
	return context.WithValue(ctx, fieldsKey, newFields)
}

func fromContext(ctx context.Context, logger *L) *L {
	if ctx == nil {
		return logger
	}
	lf, ok := getFields(ctx)
	if !ok {
		return logger
	}

	lf.mu.RLock()
	keys := make([]string, 0, len(lf.fields))
	for k := range lf.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, lf.fields[k])
	}
	lf.mu.RUnlock()

	return logger.With(args...)
}

// FromContext returns the global logger enriched with any fields set via
// WithFields on ctx.
func FromContext(ctx context.Context) *L {
	return fromContext(ctx, Logger())
}

func copyFields(src, dst map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
