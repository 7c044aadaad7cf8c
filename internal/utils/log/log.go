package log

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

// Init replaces the process logger. level is one of debug, info, warn, error.
func Init(level string, development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	logger.Store(l)
	return nil
}

// SetLogger installs l as the process logger. Tests use zap.NewNop().
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}

func L() *zap.Logger {
	return logger.Load()
}

func Named(name string) *zap.Logger {
	return logger.Load().Named(name)
}

func Debug(msg string, fields ...zap.Field) {
	logger.Load().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	logger.Load().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	logger.Load().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	logger.Load().Error(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	logger.Load().Fatal(msg, fields...)
}

func Sync() error {
	return logger.Load().Sync()
}
