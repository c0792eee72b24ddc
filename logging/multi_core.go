package logging

import (
	"errors"

	"go.uber.org/zap/zapcore"
)

// NewMultiCore tees a console core and a rotating JSON file core at the same level.
//
// The file side always encodes JSON. The console side is colored and
// human-readable in development and JSON otherwise.
//
// Example:
//
//	core, err := NewMultiCore(zapcore.InfoLevel, consoleWriter, "sampler.log", false)
func NewMultiCore(level zapcore.Level, consoleWriter zapcore.WriteSyncer, filePath string, isDev bool) (zapcore.Core, error) {
	if filePath == "" {
		return nil, errors.New("logging: empty log file path")
	}
	return NewMultiCoreWithWriters(level, consoleWriter, NewFileWriter(filePath), isDev)
}

// NewMultiCoreWithWriters builds the tee from explicit writers. A nil
// fileWriter yields a console-only core.
func NewMultiCoreWithWriters(level zapcore.Level, consoleWriter, fileWriter zapcore.WriteSyncer, isDev bool) (zapcore.Core, error) {
	if consoleWriter == nil {
		return nil, errors.New("logging: nil console writer")
	}

	consoleEncoder := zapcore.NewJSONEncoder(NewEncoderConfig())
	if isDev {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	}
	consoleCore := zapcore.NewCore(consoleEncoder, consoleWriter, level)
	if fileWriter == nil {
		return consoleCore, nil
	}

	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), fileWriter, level)
	return zapcore.NewTee(consoleCore, fileCore), nil
}
