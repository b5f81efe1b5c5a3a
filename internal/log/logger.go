// Package log configures the process-wide slog logger.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/meshtap/internal/config"
)

var (
	mu      sync.Mutex
	closers []io.Closer
)

// Init initializes the global logger based on configuration. It may be
// called again on reload; writers opened by a previous call are closed.
func Init(cfg config.LogConfig) error {
	return InitWriter(cfg, os.Stdout)
}

// InitWriter is Init with an explicit console writer.
func InitWriter(cfg config.LogConfig, console io.Writer) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	writers := []io.Writer{console}
	var opened []io.Closer

	if cfg.Outputs.File.Enabled {
		w, err := createFileWriter(cfg.Outputs.File)
		if err != nil {
			return fmt.Errorf("failed to create file output: %w", err)
		}
		writers = append(writers, w)
		opened = append(opened, w)
	}

	handler, err := newHandler(cfg.Format, io.MultiWriter(writers...), level)
	if err != nil {
		return err
	}

	mu.Lock()
	prev := closers
	closers = opened
	mu.Unlock()

	slog.SetDefault(slog.New(handler))
	closeAll(prev)
	return nil
}

// Close flushes and closes file outputs opened by Init.
func Close() {
	mu.Lock()
	prev := closers
	closers = nil
	mu.Unlock()
	closeAll(prev)
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

func newHandler(format string, w io.Writer, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text":
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", format)
	}
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// parseLevel converts string level to slog.Level.
func parseLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level: %s", levelStr)
	}
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) (*lumberjack.Logger, error) {
	if fc.Path == "" {
		return nil, fmt.Errorf("file output requires 'path' field")
	}
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,
		MaxBackups: fc.Rotation.MaxBackups,
		MaxAge:     fc.Rotation.MaxAgeDays,
		Compress:   fc.Rotation.Compress,
	}, nil
}
