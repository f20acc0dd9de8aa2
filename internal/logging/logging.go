// Package logging provides structured logging shared across the
// orchestrator, worker runtime, media publisher, and event bus adapter.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	structuredLogger *slog.Logger
	humanLogger      *slog.Logger
	loggerMu         sync.RWMutex
	currentLevel     = new(slog.LevelVar)
	initOnce         sync.Once
	initialized      bool
)

const (
	LevelTrace = slog.Level(-8)
	LevelFatal = slog.Level(12)
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelFatal: "FATAL",
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok {
			name, ok := levelNames[level]
			if !ok {
				name = level.String()
			}
			a.Value = slog.StringValue(name)
		}
	}
	return a
}

// Options configures Init.
type Options struct {
	Level       slog.Level
	LogFilePath string // JSON structured log, rotated with lumberjack
}

// Init sets up the package-global structured (JSON, file) and human-readable
// (text, console) loggers. Safe to call once per process; subsequent calls
// are no-ops.
func Init(opts Options) {
	initOnce.Do(func() {
		currentLevel.Set(opts.Level)

		var structuredOut io.Writer = os.Stderr
		if opts.LogFilePath != "" {
			if dir := filepath.Dir(opts.LogFilePath); dir != "." {
				_ = os.MkdirAll(dir, 0o755)
			}
			structuredOut = &lumberjack.Logger{
				Filename:   opts.LogFilePath,
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
			}
		}

		structuredHandler := slog.NewJSONHandler(structuredOut, &slog.HandlerOptions{
			Level:       currentLevel,
			ReplaceAttr: replaceAttr,
		})
		humanHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       currentLevel,
			ReplaceAttr: replaceAttr,
		})

		loggerMu.Lock()
		structuredLogger = slog.New(structuredHandler)
		humanLogger = slog.New(humanHandler)
		loggerMu.Unlock()

		slog.SetDefault(structuredLogger)
		initialized = true
	})
}

func IsInitialized() bool { return initialized }

func SetLevel(level slog.Level) { currentLevel.Set(level) }

// ForService returns a logger tagged with the given component name. Falls
// back to slog.Default() if Init has not run yet (tests commonly skip Init).
func ForService(name string) *slog.Logger {
	loggerMu.RLock()
	l := structuredLogger
	loggerMu.RUnlock()
	if l == nil {
		return slog.Default().With("service", name)
	}
	return l.With("service", name)
}

func Human() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if humanLogger == nil {
		return slog.Default()
	}
	return humanLogger
}

func Fatal(msg string, args ...any) {
	slog.Log(context.Background(), LevelFatal, msg, args...)
	os.Exit(1)
}

func Trace(msg string, args ...any) {
	slog.Log(context.Background(), LevelTrace, msg, args...)
}
