// Package logging provides the structured logger shared by the sampler,
// the HTTP server and the command line tools.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with a sugared companion and remembers how it was
// built.
//
// Example:
//
//	logger, err := NewLogger(true, "sampler.log")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("sampling finished", zap.Int("steps", 50))
//	logger.Infow("run stored", "run_id", id)
type Logger struct {
	zap           *zap.Logger
	sugar         *zap.SugaredLogger
	isDevelopment bool
	logFilePath   string
}

// LevelEnvVar overrides the level chosen by NewLogger.
const LevelEnvVar = "LOG_LEVEL"

// NewLogger creates a Logger writing to the console and, when logFilePath is
// not empty, to a rotating JSON log file.
//
// Development mode logs at debug level with a colored console encoder;
// production logs at info level in JSON. LOG_LEVEL overrides either default.
func NewLogger(isDevelopment bool, logFilePath string) (*Logger, error) {
	return NewLoggerWithConfig(isDevelopment, logFilePath, DefaultFileWriterConfig())
}

// NewLoggerWithConfig is NewLogger with custom file rotation settings.
func NewLoggerWithConfig(isDevelopment bool, logFilePath string, fileConfig FileWriterConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if isDevelopment {
		level = zapcore.DebugLevel
	}
	level = ParseLogLevel(LevelEnvVar, level)

	var fileWriter zapcore.WriteSyncer
	if logFilePath != "" {
		fileWriter = NewFileWriterWithConfig(logFilePath, fileConfig)
	}
	core, err := NewMultiCoreWithWriters(level, zapcore.Lock(os.Stdout), fileWriter, isDevelopment)
	if err != nil {
		return nil, fmt.Errorf("failed to create log core: %w", err)
	}

	l := NewFromCore(core)
	l.isDevelopment = isDevelopment
	l.logFilePath = logFilePath
	return l, nil
}

// NewFromCore builds a Logger around an existing core. Tests pass an
// observer core here.
func NewFromCore(core zapcore.Core) *Logger {
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	z := zap.NewNop()
	return &Logger{zap: z, sugar: z.Sugar()}
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	if l == nil || l.zap == nil {
		return nil
	}
	return l.zap.Sync()
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Fatal logs at FatalLevel then calls os.Exit(1).
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

func (l *Logger) Debugw(msg string, keysAndValues ...interface{}) { l.sugar.Debugw(msg, keysAndValues...) }
func (l *Logger) Infow(msg string, keysAndValues ...interface{})  { l.sugar.Infow(msg, keysAndValues...) }
func (l *Logger) Warnw(msg string, keysAndValues ...interface{})  { l.sugar.Warnw(msg, keysAndValues...) }
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) { l.sugar.Errorw(msg, keysAndValues...) }

func (l *Logger) Debugf(template string, args ...interface{}) { l.sugar.Debugf(template, args...) }
func (l *Logger) Infof(template string, args ...interface{})  { l.sugar.Infof(template, args...) }
func (l *Logger) Warnf(template string, args ...interface{})  { l.sugar.Warnf(template, args...) }
func (l *Logger) Errorf(template string, args ...interface{}) { l.sugar.Errorf(template, args...) }

// With returns a child logger that adds fields to every entry.
//
// Example:
//
//	runLogger := logger.With(zap.String("run_id", id), zap.String("mode", "img2img"))
func (l *Logger) With(fields ...zap.Field) *Logger {
	z := l.zap.With(fields...)
	return &Logger{zap: z, sugar: z.Sugar(), isDevelopment: l.isDevelopment, logFilePath: l.logFilePath}
}

// Named adds a sub-logger name such as "sampler" or "http".
func (l *Logger) Named(name string) *Logger {
	z := l.zap.Named(name)
	return &Logger{zap: z, sugar: z.Sugar(), isDevelopment: l.isDevelopment, logFilePath: l.logFilePath}
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}

// Zap returns the underlying zap.Logger.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// IsDevelopment returns true if the logger is configured for development mode.
func (l *Logger) IsDevelopment() bool { return l.isDevelopment }

// LogFilePath returns the path to the log file, empty for console-only loggers.
func (l *Logger) LogFilePath() string { return l.logFilePath }
