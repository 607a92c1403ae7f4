// Package log provides structured logging with audit context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for engine/runner paths (high performance, structured fields)
//   - SugaredLogger: Printf-style logging for CLI/debug surfaces (convenience over performance)
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
//
// Loggers always write to stderr (or an explicit writer): in queue and
// stdout IPC modes alike, the engine's stdout belongs to the progress
// stream and must never carry diagnostics.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veritaslabs/veritas/types"
)

// Logger provides structured logging with audit context.
// All entries from an audit-scoped logger carry audit identity fields.
//
// Use this for engine and runner paths where performance matters.
// For CLI/debug surfaces, use Sugar() to get a SugaredLogger.
type Logger struct {
	zap *zap.Logger
}

// SugaredLogger provides printf-style logging for CLI and debug surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates an audit-scoped logger. Output defaults to os.Stderr.
func NewLogger(meta *types.SpawnMeta) *Logger {
	return newLoggerWithWriter(auditFields(meta), os.Stderr)
}

// NewServiceLogger creates a logger for long-lived service surfaces (the
// runner daemon, the CLI) that are not tied to a single audit.
func NewServiceLogger(component string) *Logger {
	return newLoggerWithWriter([]zap.Field{zap.String("component", component)}, os.Stderr)
}

// WithOutput returns a new logger with a different output writer.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return &Logger{zap: l.zap.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))}
}

// WithPhase returns a derived logger that stamps the pipeline phase.
func (l *Logger) WithPhase(phase types.Phase) *Logger {
	return &Logger{zap: l.zap.With(zap.String("phase", string(phase)))}
}

// WithAudit returns a derived logger carrying audit identity fields.
// Service loggers use this when they pick up work for a specific audit.
func (l *Logger) WithAudit(meta *types.SpawnMeta) *Logger {
	return &Logger{zap: l.zap.With(auditFields(meta)...)}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func auditFields(meta *types.SpawnMeta) []zap.Field {
	if meta == nil {
		return nil
	}
	return []zap.Field{
		zap.String("audit_id", meta.AuditID),
		zap.Int("attempt", meta.Attempt),
		zap.String("ipc_mode", string(meta.IPCMode)),
	}
}

func newLoggerWithWriter(contextFields []zap.Field, w io.Writer) *Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)
	return &Logger{zap: zap.New(core).With(contextFields...)}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional context fields.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}
