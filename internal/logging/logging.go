// Package logging builds the zap loggers of the jqgo binaries.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger at info level, or a console logger at debug
// level when debug is set. The returned level can be changed at runtime.
func New(debug bool) (*zap.Logger, zap.AtomicLevel, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = !debug

	logger, err := cfg.Build()
	if err != nil {
		return nil, cfg.Level, err
	}
	return logger, cfg.Level, nil
}

// Must is New for main functions. It falls back to a no-op logger.
func Must(debug bool) *zap.Logger {
	logger, _, err := New(debug)
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
