// Package file implements a reporter that appends JSON lines to a rotated
// log file.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/pkg/plugin"
	"firestige.xyz/meshtap/plugins/reporter/record"
)

const (
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 5
	defaultMaxAgeDays = 30
)

// FileReporter writes one JSON object per line.
type FileReporter struct {
	name   string
	config Config

	mu     sync.Mutex
	writer io.WriteCloser

	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// Config represents file reporter configuration.
type Config struct {
	Path        string `json:"path"`         // required
	MaxSizeMB   int    `json:"max_size_mb"`  // optional, default 100
	MaxBackups  int    `json:"max_backups"`  // optional, default 5
	MaxAgeDays  int    `json:"max_age_days"` // optional, default 30
	Compress    bool   `json:"compress"`
	OnlyDecoded bool   `json:"only_decoded"`
}

// NewFileReporter creates a new file reporter.
func NewFileReporter() plugin.Reporter {
	return &FileReporter{name: "file"}
}

// Name returns the plugin name.
func (r *FileReporter) Name() string {
	return r.name
}

// Init parses the configuration. The file is opened lazily by the first write.
func (r *FileReporter) Init(config map[string]any) error {
	var (
		cfg Config
		err error
	)
	if cfg.Path, err = plugin.StringOption(config, "path", ""); err != nil {
		return err
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	if cfg.MaxSizeMB, err = plugin.IntOption(config, "max_size_mb", defaultMaxSizeMB); err != nil {
		return err
	}
	if cfg.MaxBackups, err = plugin.IntOption(config, "max_backups", defaultMaxBackups); err != nil {
		return err
	}
	if cfg.MaxAgeDays, err = plugin.IntOption(config, "max_age_days", defaultMaxAgeDays); err != nil {
		return err
	}
	if cfg.Compress, err = plugin.BoolOption(config, "compress", false); err != nil {
		return err
	}
	if cfg.OnlyDecoded, err = plugin.BoolOption(config, "only_decoded", false); err != nil {
		return err
	}
	if cfg.MaxSizeMB <= 0 {
		return fmt.Errorf("max_size_mb must be positive, got %d", cfg.MaxSizeMB)
	}

	r.config = cfg
	r.writer = &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	return nil
}

// Start starts the reporter.
func (r *FileReporter) Start(ctx context.Context) error {
	slog.Info("file reporter started", "path", r.config.Path, "max_size_mb", r.config.MaxSizeMB)
	return nil
}

// Stop closes the output file.
func (r *FileReporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.writer != nil {
		err = r.writer.Close()
		r.writer = nil
	}
	slog.Info("file reporter stopped",
		"total_reported", r.reportedCount.Load(),
		"total_errors", r.errorCount.Load(),
	)
	return err
}

// Report appends ev as a JSON line.
func (r *FileReporter) Report(ctx context.Context, ev core.Event) error {
	if r.config.OnlyDecoded && (ev.Message == nil || ev.Message.Status == core.StatusUndecryptable) {
		return nil
	}

	line, err := record.JSON(ev)
	if err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("serialize event failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer == nil {
		return core.ErrPipelineStopped
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("file write failed: %w", err)
	}
	r.reportedCount.Add(1)
	return nil
}

// Flush is a no-op: lumberjack writes straight to the file.
func (r *FileReporter) Flush(ctx context.Context) error {
	return nil
}
