// Package logging provides the shared zap logger for the edge daemon.
// Each component obtains a named child logger via Get; log files are
// written under ./logs/ with rotation handled by the host supervisor.
//
// Privacy rule: callers never log question text, response text, or any
// user-identifying value. Structured fields carry component names, ids,
// counts, and durations only.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	root   *zap.Logger
	level  zap.AtomicLevel
	inited bool
)

// Initialize sets up the process-wide logger writing to logsDir.
// Safe to call once at startup; later calls are no-ops.
func Initialize(logsDir string, debug bool) error {
	mu.Lock()
	defer mu.Unlock()
	if inited {
		return nil
	}

	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			level,
		),
	}

	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(logsDir, "edged.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.Lock(zapcore.AddSync(f)),
			level,
		))
	}

	root = zap.New(zapcore.NewTee(cores...))
	inited = true
	return nil
}

// Get returns a named child logger for a component. Before Initialize it
// returns a no-op logger so packages can log unconditionally.
func Get(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !inited {
		return zap.NewNop()
	}
	return root.Named(component)
}

// SetDebug flips the process log level at runtime (config hot reload).
func SetDebug(debug bool) {
	mu.RLock()
	defer mu.RUnlock()
	if !inited {
		return
	}
	if debug {
		level.SetLevel(zapcore.DebugLevel)
	} else {
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if inited {
		_ = root.Sync()
	}
}
