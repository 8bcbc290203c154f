// Package logger provides the process-wide leveled logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.SugaredLogger
	logFile      *os.File
	level        = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	mu           sync.Mutex
)

// Init initializes the global logger with the specified log file path.
// An empty path logs to stderr.
func Init(logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	// Close previous log file if exists
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}
		logFile = f
		out = zapcore.AddSync(f)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), out, level)
	globalLogger = zap.New(core).Sugar()

	return nil
}

// SetDebug toggles debug-level output.
func SetDebug(enabled bool) {
	if enabled {
		level.SetLevel(zapcore.DebugLevel)
		return
	}
	level.SetLevel(zapcore.InfoLevel)
}

// Close flushes and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if globalLogger != nil {
		_ = globalLogger.Sync()
		globalLogger = nil
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	if l := get(); l != nil {
		l.Infof(format, v...)
	}
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	if l := get(); l != nil {
		l.Debugf(format, v...)
	}
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	if l := get(); l != nil {
		l.Errorf(format, v...)
	}
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	if l := get(); l != nil {
		l.Warnf(format, v...)
	}
}

// With returns a logger carrying the given key/value pairs, e.g. the device serial.
// Returns a no-op logger before Init.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	if l := get(); l != nil {
		return l.With(keysAndValues...)
	}
	return zap.NewNop().Sugar()
}

// GetWriter returns the underlying writer for use by subprocess output.
func GetWriter() io.Writer {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		return logFile
	}
	return io.Discard
}

func get() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return globalLogger
}
