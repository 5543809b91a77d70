// Package logger wraps github.com/rs/zerolog behind the LoggerInterface
// shape this codebase's call sites already assume
// (Info/Warn/Error/Debug(ctx, msg, kv...)): a context-aware structured
// logger, not zerolog's fluent event builder directly.
//
// Grounded on BullionBear-sequex's pkg/logger (the pack's zerolog user) for
// the library choice; the call shape itself comes from how this repo's own
// transport and pipeline code already invokes a logger.
package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Level mirrors zerolog's level ordering without leaking the zerolog type
// into call sites.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// LoggerInterface is the logging contract the rest of the codebase depends
// on. Fields are passed as alternating key/value pairs, matching the
// teacher's existing call sites.
type LoggerInterface interface {
	Debug(ctx context.Context, msg string, kv ...interface{})
	Info(ctx context.Context, msg string, kv ...interface{})
	Warn(ctx context.Context, msg string, kv ...interface{})
	Error(ctx context.Context, msg string, kv ...interface{})
	With(kv ...interface{}) LoggerInterface
}

// Logger implements LoggerInterface over a zerolog.Logger.
type Logger struct {
	z zerolog.Logger
}

var _ LoggerInterface = (*Logger)(nil)

// New creates a Logger writing JSON lines to w at the given minimum level.
// name is attached to every event as the "component" field, matching the
// teacher's per-client named-logger convention.
func New(w io.Writer, level Level, name string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	z := zerolog.New(w).Level(level.zerolog()).With().
		Timestamp().
		Str("component", name).
		Logger()
	return &Logger{z: z}
}

// NewConsole creates a human-readable console Logger, used for local
// development the way BullionBear-sequex's InitLogger does.
func NewConsole(level Level, name string) *Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000000"}
	z := zerolog.New(cw).Level(level.zerolog()).With().
		Timestamp().
		Str("component", name).
		Logger()
	return &Logger{z: z}
}

func (l *Logger) event(ctx context.Context, level zerolog.Level, msg string, kv []interface{}) {
	e := l.z.WithLevel(level)
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		e = e.Str("trace_id", span.TraceID().String())
	}
	e = withFields(e, kv)
	e.Msg(msg)
}

func withFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (l *Logger) Debug(ctx context.Context, msg string, kv ...interface{}) {
	l.event(ctx, zerolog.DebugLevel, msg, kv)
}

func (l *Logger) Info(ctx context.Context, msg string, kv ...interface{}) {
	l.event(ctx, zerolog.InfoLevel, msg, kv)
}

func (l *Logger) Warn(ctx context.Context, msg string, kv ...interface{}) {
	l.event(ctx, zerolog.WarnLevel, msg, kv)
}

func (l *Logger) Error(ctx context.Context, msg string, kv ...interface{}) {
	l.event(ctx, zerolog.ErrorLevel, msg, kv)
}

// With returns a child logger carrying the given fields on every event.
func (l *Logger) With(kv ...interface{}) LoggerInterface {
	ctx := l.z.With()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return &Logger{z: ctx.Logger()}
}
