package logger

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// current pairs a logger with its sugared form so both swap together.
type current struct {
	log   *zap.Logger
	sugar *zap.SugaredLogger
}

var active atomic.Pointer[current]

// Init builds the process logger at level (empty or unknown means info)
func Init(level string, development bool) error {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Use(l)
	return nil
}

func parseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil || level == "" {
		return zapcore.InfoLevel
	}
	return lvl
}

// InitProduction JSON output at info
func InitProduction() error {
	return Init("info", false)
}

// InitDevelopment console output at debug
func InitDevelopment() error {
	return Init("debug", true)
}

// Use installs a ready logger and replaces zap's globals (tests pass observer loggers)
func Use(l *zap.Logger) {
	zap.ReplaceGlobals(l)
	if prev := active.Swap(&current{log: l, sugar: l.Sugar()}); prev != nil && prev.log != l {
		_ = prev.log.Sync()
	}
}

// Log returns *zap.Logger (never nil)
func Log() *zap.Logger {
	if c := active.Load(); c != nil {
		return c.log
	}
	return zap.L()
}

// Named returns a child logger for one component
func Named(component string) *zap.Logger {
	return Log().Named(component)
}

// S returns *zap.SugaredLogger (never nil)
func S() *zap.SugaredLogger {
	if c := active.Load(); c != nil {
		return c.sugar
	}
	return zap.S()
}

// Sync flush logs
func Sync() {
	if c := active.Load(); c != nil {
		_ = c.log.Sync()
	}
}
