package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes over the lifetime of an operation and
// attaches them to every record it writes.
type LoggerContext struct {
	logger *Logger

	mu    sync.Mutex
	attrs []any
}

// NewLoggerContext wraps l so attributes can be added incrementally.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{logger: l} }

// Add appends key/value pairs that will be included in subsequent records.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.attrs = append(lc.attrs, args...)
}

// Logger returns a Logger carrying the accumulated attributes.
func (lc *LoggerContext) Logger() *Logger { return lc.logger.With(lc.snapshot()...) }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelDebug, 3, msg, append(lc.snapshot(), args...)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelInfo, 3, msg, append(lc.snapshot(), args...)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelWarn, 3, msg, append(lc.snapshot(), args...)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelError, 3, msg, append(lc.snapshot(), args...)...)
}

func (lc *LoggerContext) snapshot() []any {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	out := make([]any, len(lc.attrs))
	copy(out, lc.attrs)
	return out
}
