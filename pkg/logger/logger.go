package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	streamIDKey      contextKey = "stream_id"
	participantIDKey contextKey = "participant_id"
)

// New builds a production JSON logger at the given level. Unknown levels fall back to info.
func New(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l == nil {
		return zap.NewNop().Sugar()
	}
	return l
}

// WithStream stores the stream id in ctx for log enrichment.
func WithStream(ctx context.Context, streamID string) context.Context {
	return context.WithValue(ctx, streamIDKey, streamID)
}

// WithParticipant stores the local participant id in ctx for log enrichment.
func WithParticipant(ctx context.Context, participantID string) context.Context {
	return context.WithValue(ctx, participantIDKey, participantID)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{
		logger: OrNop(logger),
	}
}

// WithContext adds trace, stream and participant fields found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, "trace_id", sc.TraceID().String())
	}
	if id, ok := ctx.Value(streamIDKey).(string); ok && id != "" {
		fields = append(fields, "stream_id", id)
	}
	if id, ok := ctx.Value(participantIDKey).(string); ok && id != "" {
		fields = append(fields, "participant_id", id)
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// Logger returns the underlying logger without context fields.
func (cl *ContextLogger) Logger() *zap.SugaredLogger {
	return cl.logger
}
