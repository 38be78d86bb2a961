// Package logger provides structured logging for the broker using go.uber.org/zap.
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	SessionIDKey     contextKey = "session_id"
)

// Config holds the configuration for the logger.
type Config struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// Logger wraps zap.Logger with broker-domain helper methods.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

var (
	defaultLogger     *Logger
	defaultLoggerOnce sync.Once
)

// Default returns the global default logger, initialized lazily on first use.
func Default() *Logger {
	defaultLoggerOnce.Do(func() {
		l, err := New(Config{Level: "info", Format: preferredFormat(), OutputPath: "stdout"})
		if err != nil {
			zl := zap.Must(zap.NewProduction())
			l = &Logger{zap: zl, sugar: zl.Sugar()}
		}
		defaultLogger = l
	})
	return defaultLogger
}

// SetDefault replaces the global default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// New builds a Logger from the given configuration via zap's own config
// builder; output paths go through zap's sink registry, so "stdout",
// "stderr", and plain file paths all work without special-casing here.
func New(cfg Config) (*Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Sampling = nil
	zc.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder

	if lvl, err := zap.ParseAtomicLevel(cfg.Level); err == nil {
		zc.Level = lvl
	}

	// "console" and "text" are aliases for the human-readable encoder.
	if cfg.Format == "console" || cfg.Format == "text" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	out := cfg.OutputPath
	if out == "" {
		out = "stdout"
	}
	zc.OutputPaths = []string{out}
	zc.ErrorOutputPaths = []string{out}

	zl, err := zc.Build(zap.AddCaller())
	if err != nil {
		return nil, err
	}
	return &Logger{zap: zl, sugar: zl.Sugar()}, nil
}

// preferredFormat picks console output for interactive terminals and JSON
// everywhere else. RELAY_ENV=production forces JSON regardless of the
// attached device.
func preferredFormat() string {
	if env := os.Getenv("RELAY_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	if st, err := os.Stdout.Stat(); err == nil && st.Mode()&os.ModeCharDevice != 0 {
		return "console"
	}
	return "json"
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a new Logger with the given fields added.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), sugar: l.zap.With(fields...).Sugar()}
}

// WithContext returns a new Logger enriched with correlation/session IDs found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	fields := []zap.Field{}
	if correlationID, ok := ctx.Value(CorrelationIDKey).(string); ok && correlationID != "" {
		fields = append(fields, zap.String("correlation_id", correlationID))
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		fields = append(fields, zap.String("session_id", sessionID))
	}
	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields...)
}

// WithError returns a new Logger with the error field added.
func (l *Logger) WithError(err error) *Logger {
	return l.WithFields(zap.Error(err))
}

// WithAgentID returns a new Logger with the agent_name field added.
func (l *Logger) WithAgentID(agentName string) *Logger {
	return l.WithFields(zap.String("agent_name", agentName))
}

// WithDeliveryID returns a new Logger with the delivery_id field added.
func (l *Logger) WithDeliveryID(deliveryID string) *Logger {
	return l.WithFields(zap.String("delivery_id", deliveryID))
}

// WithSeq returns a new Logger with the event sequence number field added.
func (l *Logger) WithSeq(seq uint64) *Logger {
	return l.WithFields(zap.Uint64("seq", seq))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

// Zap returns the underlying zap.Logger for advanced use cases.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sugar returns the underlying zap.SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }
