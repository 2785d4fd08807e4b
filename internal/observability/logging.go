package observability

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/urbanreflex/reportflow/internal/config"
	"github.com/urbanreflex/reportflow/model"
)

type loggerKey struct{}

// encoderConfig is the JSON layout every reportflow log line uses.
func encoderConfig() zapcore.EncoderConfig {
	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "timestamp"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeDuration = zapcore.MillisDurationEncoder
	enc.EncodeLevel = zapcore.LowercaseLevelEncoder
	return enc
}

// NewLogger builds the service logger: JSON on stdout, level taken from
// cfg.LogLevel (info when unset or unparseable).
//
// Levels:
//   - error: failed broker writes, panics, 5xx responses
//   - warn:  classification that never landed, breaker open, lock backend down
//   - info:  run start and finish, decisions, admin transitions
//   - debug: poll attempts, classifier trigger results
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.Lock(os.Stdout),
		zap.NewAtomicLevelAt(level),
	)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.ErrorOutput(zapcore.Lock(os.Stderr)),
		zap.Fields(zap.String("service", "reportflow")),
	), nil
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the context logger, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger adds the caller's correlation ID, subject and trace ID to the
// context logger. Empty values are left out.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)

	fields := make([]zap.Field, 0, 3)
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.CorrelationID != "" {
			fields = append(fields, zap.String("correlation_id", rctx.CorrelationID))
		}
		if rctx.SubjectID != "" {
			fields = append(fields, zap.String("subject_id", rctx.SubjectID))
		}
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// ReportLogger scopes the context logger to a single report.
func ReportLogger(ctx context.Context, fallback *zap.Logger, reportID string) *zap.Logger {
	return LoggerFrom(ctx, fallback).With(zap.String("report_id", reportID))
}
