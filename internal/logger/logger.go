// Package logger initializes the zap logger used throughout pgtemp. Inside a
// test it routes through zaptest so output is attached to the right test;
// outside one it falls back to a development logger writing to stderr and a
// log file under the runtime directory.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Options carries the logger knobs collected by the config package. Defined
// here (rather than importing config) to keep the dependency direction
// pointing at internal packages.
type Options struct {
	Level   *zap.AtomicLevel // Minimum level for the zaptest logger.
	ZapOpts []zap.Option
}

// Init builds the logger. When tb is non-nil the returned logger writes
// through tb.Log; otherwise a development logger is created that also appends
// to <runtimeDir>/LOG.
func Init(tb testing.TB, runtimeDir string, opts Options) (*zap.Logger, error) {
	if tb != nil {
		zaptestOpts := []zaptest.LoggerOption{}
		if opts.Level != nil {
			zaptestOpts = append(zaptestOpts, zaptest.Level(*opts.Level))
		}
		logger := zaptest.NewLogger(tb, zaptestOpts...)
		if len(opts.ZapOpts) > 0 {
			logger = logger.WithOptions(opts.ZapOpts...)
		}
		return logger, nil
	}

	if runtimeDir == "" {
		runtimeDir = ".pgtemp"
	}
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", runtimeDir, err)
	}

	devConfig := zap.NewDevelopmentConfig()
	devConfig.OutputPaths = []string{"stderr", filepath.Join(runtimeDir, "LOG")}
	devConfig.ErrorOutputPaths = []string{"stderr"}

	logger, err := devConfig.Build(opts.ZapOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}
	return logger, nil
}
