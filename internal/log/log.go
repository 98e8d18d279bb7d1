package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a structured log field.
type Field = zap.Field

// Field constructors, re-exported so call sites never import zap directly.
var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Bool     = zap.Bool
	Duration = zap.Duration
	Time     = zap.Time
	Any      = zap.Any
)

// Cause wraps an error as a log field.
func Cause(err error) Field {
	return zap.Error(err)
}

// Hook enriches log fields from the context before a message is written.
type Hook interface {
	Apply(ctx context.Context, msg string, fields ...Field) []Field
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(ctx context.Context, msg string, fields ...Field) []Field

func (f HookFunc) Apply(ctx context.Context, msg string, fields ...Field) []Field {
	return f(ctx, msg, fields...)
}

// Logger wraps a zap logger with context hooks.
type Logger struct {
	zl    *zap.Logger
	level zap.AtomicLevel

	mu    sync.RWMutex
	hooks []Hook
}

// New creates a logger writing JSON to stderr at the given level.
func New(level zapcore.Level) *Logger {
	atomic := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		atomic,
	)

	return &Logger{
		zl:    zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)),
		level: atomic,
		hooks: []Hook{HookFunc(traceFields)},
	}
}

// AddHook registers a context hook.
func (l *Logger) AddHook(hook Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hooks = append(l.hooks, hook)
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

func (l *Logger) applyHooks(ctx context.Context, msg string, fields []Field) []Field {
	l.mu.RLock()
	hooks := l.hooks
	l.mu.RUnlock()

	for _, hook := range hooks {
		fields = hook.Apply(ctx, msg, fields...)
	}

	return fields
}

func (l *Logger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.zl.Debug(msg, l.applyHooks(ctx, msg, fields)...)
}

func (l *Logger) Info(ctx context.Context, msg string, fields ...Field) {
	l.zl.Info(msg, l.applyHooks(ctx, msg, fields)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.zl.Warn(msg, l.applyHooks(ctx, msg, fields)...)
}

func (l *Logger) Error(ctx context.Context, msg string, fields ...Field) {
	l.zl.Error(msg, l.applyHooks(ctx, msg, fields)...)
}

// defaultLogger is the process-wide logger used by the package-level helpers.
var (
	defaultMu     sync.RWMutex
	defaultLogger = New(zapcore.InfoLevel)
)

// SetDefault replaces the process-wide logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	defaultLogger = logger
}

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()

	return defaultLogger
}

func Debug(ctx context.Context, msg string, fields ...Field) {
	Default().Debug(ctx, msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...Field) {
	Default().Info(ctx, msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...Field) {
	Default().Warn(ctx, msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...Field) {
	Default().Error(ctx, msg, fields...)
}
