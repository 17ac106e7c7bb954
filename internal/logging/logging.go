// Package logging builds the zap loggers used by the
// command-line tools.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a logger which writes human-readable lines
// to stdout and, if logPath is not empty, JSON lines to
// logPath.
//
// The returned function syncs the logger and closes the
// log file.
func New(logPath string, verbose bool) (*zap.Logger, func(), error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	config.OutputPaths = []string{"stdout"}

	if logPath == "" {
		logger, err := config.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		return logger, func() { _ = logger.Sync() }, nil
	}

	out, closeOut, err := zap.Open("stdout")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	file, closeFile, err := zap.Open(logPath)
	if err != nil {
		closeOut()
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	fileEncoder := zap.NewProductionEncoderConfig()
	fileEncoder.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(config.EncoderConfig), out, config.Level),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoder), file, config.Level),
	)
	logger := zap.New(core, zap.AddCaller())
	return logger, func() {
		_ = logger.Sync()
		closeFile()
		closeOut()
	}, nil
}
