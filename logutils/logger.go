package logutils

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	_zapLogger     *zap.Logger
	_initZapLogger sync.Once
)

// ZapLogger returns the process-wide logger. Components are expected to call
// Named() on it rather than keep their own globals.
func ZapLogger() *zap.Logger {
	_initZapLogger.Do(func() {
		_zapLogger = newConsoleLogger("info")
	})
	return _zapLogger
}

// NewZapLogger builds a logger writing to the given rotated file, falling
// back to stderr when no filename is set.
func NewZapLogger(level string, file FileOptions) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	if file.Filename == "" {
		return newConsoleLogger(level), nil
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		ZapSyncerWithRotation(file),
		lvl,
	)
	return zap.New(core), nil
}

func newConsoleLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.AddSync(os.Stderr),
		lvl,
	)
	return zap.New(core)
}
