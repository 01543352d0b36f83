// Package logging provides categorized structured logging for taskdeck.
// Each subsystem logs through its own named zap logger; output goes to
// stderr and, when a data dir is configured, to <dataDir>/logs/taskdeck.log.
package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryAgent      Category = "agent"
	CategoryProvider   Category = "provider"
	CategorySession    Category = "session"
	CategoryCheckpoint Category = "checkpoint"
	CategoryUsage      Category = "usage"
	CategoryStore      Category = "store"
	CategoryMCP        Category = "mcp"
	CategoryWatch      Category = "watch"
	CategoryNotify     Category = "notify"
	CategoryGit        Category = "git"
)

var (
	mu      sync.RWMutex
	root    *zap.SugaredLogger
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Options control logger construction.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// DataDir, when set, receives a logs/taskdeck.log file in addition to
	// stderr output.
	DataDir string
	// JSON switches the encoder from console to JSON lines.
	JSON bool
}

// Initialize builds the root logger. Safe to call more than once; the last
// call wins. Without Initialize, Get falls back to a no-op logger so library
// use in tests stays quiet.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
	}

	if opts.DataDir != "" {
		logsDir := filepath.Join(opts.DataDir, "logs")
		if err := os.MkdirAll(logsDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(logsDir, "taskdeck.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg), zapcore.Lock(f), level))
	}

	logger := zap.New(zapcore.NewTee(cores...))

	mu.Lock()
	defer mu.Unlock()
	root = logger.Sugar()
	loggers = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	base := root
	if base == nil {
		base = zap.NewNop().Sugar()
	}
	l := base.Named(string(cat))
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Convenience printf-style helpers for the busiest categories.

func Agent(format string, args ...interface{})    { Get(CategoryAgent).Infof(format, args...) }
func Provider(format string, args ...interface{}) { Get(CategoryProvider).Infof(format, args...) }
func Session(format string, args ...interface{})  { Get(CategorySession).Infof(format, args...) }
func Usage(format string, args ...interface{})    { Get(CategoryUsage).Infof(format, args...) }
func Store(format string, args ...interface{})    { Get(CategoryStore).Infof(format, args...) }
