// Package logging is the process-wide logger. Call sites use the package
// functions; the backend is a zap sugared logger that Init can replace.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	disabled atomic.Bool
	logger   atomic.Pointer[zap.SugaredLogger]
)

func init() {
	logger.Store(newSugared("info", false))
}

// Init replaces the backend. level is one of debug, info, warn, error.
// json selects the production JSON encoder instead of the console encoder.
func Init(level string, json bool) {
	logger.Store(newSugared(level, json))
}

// Use installs l as the backend.
func Use(l *zap.Logger) {
	logger.Store(l.Sugar())
}

func newSugared(level string, json bool) *zap.SugaredLogger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var cfg zap.Config
	if json {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableCaller = true

	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Disable turns off all logging
func Disable() {
	disabled.Store(true)
}

// Enable turns logging back on
func Enable() {
	disabled.Store(false)
}

// Sync flushes buffered entries. Call before exit.
func Sync() {
	_ = logger.Load().Sync()
}

// With returns a child logger carrying the given key/value pairs.
// The child ignores Disable.
func With(kv ...any) *zap.SugaredLogger {
	return logger.Load().With(kv...)
}

// Info logs an info message
func Info(v ...any) {
	if !disabled.Load() {
		logger.Load().Info(v...)
	}
}

// Infof logs a formatted info message
func Infof(format string, v ...any) {
	if !disabled.Load() {
		logger.Load().Infof(format, v...)
	}
}

// Error logs an error message
func Error(v ...any) {
	if !disabled.Load() {
		logger.Load().Error(v...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, v ...any) {
	if !disabled.Load() {
		logger.Load().Errorf(format, v...)
	}
}

// Warn logs a warning message
func Warn(v ...any) {
	if !disabled.Load() {
		logger.Load().Warn(v...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, v ...any) {
	if !disabled.Load() {
		logger.Load().Warnf(format, v...)
	}
}

// Debug logs a debug message
func Debug(v ...any) {
	if !disabled.Load() {
		logger.Load().Debug(v...)
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, v ...any) {
	if !disabled.Load() {
		logger.Load().Debugf(format, v...)
	}
}
