package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base  = zap.NewNop()
	sugar = base.Sugar()
)

// InitLogging initializes the process-wide JSON logger at the given level.
func InitLogging(level string) error {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	base = logger
	sugar = logger.Sugar()
	return nil
}

// L returns the structured logger for call sites that want typed fields.
func L() *zap.Logger {
	return base.WithOptions(zap.AddCallerSkip(-1))
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	sugar.Infof(format, v...)
}

// Warnf logs warn level messages
func Warnf(format string, v ...interface{}) {
	sugar.Warnf(format, v...)
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	sugar.Errorf(format, v...)
}

// Sync flushes buffered entries.
func Sync() {
	_ = base.Sync()
}
