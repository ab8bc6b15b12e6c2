// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// SEPARATOR is the multi-value separator used in stored option strings
// (e.g. "en,hi,mr" for listen.language).
const SEPARATOR = ","

// Logger is the application-wide logging interface. Every component takes a
// Logger in its constructor; nothing logs through the stdlib logger.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Sync() error
}

type applicationLogger struct {
	*zap.SugaredLogger
}

// LoggerOption configures the application logger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level    zapcore.Level
	filePath string
}

// WithLevel overrides the minimum log level (default Info).
func WithLevel(level zapcore.Level) LoggerOption {
	return func(c *loggerConfig) { c.level = level }
}

// WithRotatingFile tees log output into a size-rotated file in addition to
// stderr. Rotation keeps 5 backups of 100 MB each.
func WithRotatingFile(path string) LoggerOption {
	return func(c *loggerConfig) { c.filePath = path }
}

// NewApplicationLogger creates the process-wide logger: JSON encoded,
// ISO8601 timestamps, written to stderr and optionally to a rotating file.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	cfg := loggerConfig{level: zapcore.InfoLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stderr)}
	if cfg.filePath != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.filePath,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), cfg.level)
	zl := zap.New(core, zap.AddCaller())
	return &applicationLogger{zl.Sugar()}, nil
}

// NewNopLogger returns a logger that discards everything. Intended for tests.
func NewNopLogger() Logger {
	return &applicationLogger{zap.NewNop().Sugar()}
}
