// Package logger writes structured JSON logs and mirrors every record into the
// OpenTelemetry log bridge.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// TraceIDFn extracts the trace id to stamp on every record.
type TraceIDFn func(ctx context.Context) string

// Logger is a context-aware structured logger.
type Logger struct {
	handler   slog.Handler
	traceIDFn TraceIDFn
}

// New builds a logger writing JSON records at or above minLevel to w. Records carry the
// service name, the caller's file:line and, when traceIDFn is set, the trace id.
func New(w io.Writer, minLevel Level, serviceName string, traceIDFn TraceIDFn) *Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.Level(minLevel),
		ReplaceAttr: shortSource,
	})
	bridge := otelslog.NewHandler(serviceName, otelslog.WithSource(true))

	h := fanout{jsonHandler, leveled{Handler: bridge, min: slog.Level(minLevel)}}
	return &Logger{
		handler:   h.WithAttrs([]slog.Attr{slog.String("service", serviceName)}),
		traceIDFn: traceIDFn,
	}
}

// Noop returns a logger that discards everything.
func Noop() *Logger { return &Logger{handler: slog.NewJSONHandler(io.Discard, nil)} }

// shortSource renders the source attribute as "file.go:42".
func shortSource(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.SourceKey {
		return a
	}
	if src, ok := a.Value.Any().(*slog.Source); ok {
		return slog.String("file", fmt.Sprintf("%s:%d", filepath.Base(src.File), src.Line))
	}
	return a
}

// Debug logs at LevelDebug.
func (log *Logger) Debug(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelDebug, msg, args...)
}

// Info logs at LevelInfo.
func (log *Logger) Info(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelInfo, msg, args...)
}

// Warn logs at LevelWarn.
func (log *Logger) Warn(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelWarn, msg, args...)
}

// Error logs at LevelError.
func (log *Logger) Error(ctx context.Context, msg string, args ...any) {
	log.write(ctx, LevelError, msg, args...)
}

// callerSkip drops runtime.Callers, write and the exported level method. LoggerContext
// calls write directly so the depth is the same for both.
const callerSkip = 3

func (log *Logger) write(ctx context.Context, level Level, msg string, args ...any) {
	if !log.handler.Enabled(ctx, slog.Level(level)) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(callerSkip, pcs[:])

	r := slog.NewRecord(time.Now(), slog.Level(level), msg, pcs[0])
	if log.traceIDFn != nil {
		args = append(args, "trace_id", log.traceIDFn(ctx))
	}
	r.Add(args...)

	_ = log.handler.Handle(ctx, r)
}

// With returns a logger that adds keyvals to every record.
func (log *Logger) With(keyvals ...any) *Logger {
	return &Logger{
		handler:   log.handler.WithAttrs(pairs(keyvals)),
		traceIDFn: log.traceIDFn,
	}
}

// pairs turns alternating key/value arguments into attributes. Non-string keys and a
// trailing key without a value are dropped.
func pairs(keyvals []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, keyvals[i+1]))
	}
	return attrs
}

// fanout sends every record to each handler. The first handler error wins.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}

// leveled applies the configured minimum level to a handler that has none of its own.
type leveled struct {
	slog.Handler
	min slog.Level
}

func (l leveled) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= l.min && l.Handler.Enabled(ctx, level)
}

func (l leveled) WithAttrs(attrs []slog.Attr) slog.Handler {
	return leveled{Handler: l.Handler.WithAttrs(attrs), min: l.min}
}

func (l leveled) WithGroup(name string) slog.Handler {
	return leveled{Handler: l.Handler.WithGroup(name), min: l.min}
}

// LoggerContext accumulates attributes while a run progresses, such as the branch id once
// it is resolved or the operation id once the run is recorded.
type LoggerContext struct {
	base *Logger

	mu    sync.RWMutex
	attrs []slog.Attr
}

// NewLoggerContext wraps base.
func NewLoggerContext(base *Logger) *LoggerContext { return &LoggerContext{base: base} }

// Add appends attributes to every later record.
func (lc *LoggerContext) Add(keyvals ...any) {
	lc.mu.Lock()
	lc.attrs = append(lc.attrs, pairs(keyvals)...)
	lc.mu.Unlock()
}

func (lc *LoggerContext) args(args []any) []any {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	out := make([]any, 0, len(lc.attrs)+len(args))
	for _, a := range lc.attrs {
		out = append(out, a)
	}
	return append(out, args...)
}

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelDebug, msg, lc.args(args)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelInfo, msg, lc.args(args)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelWarn, msg, lc.args(args)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.base.write(ctx, LevelError, msg, lc.args(args)...)
}
