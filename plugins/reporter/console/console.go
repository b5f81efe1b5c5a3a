// Package console implements the console reporter.
// Writes one line per event to stdout, as text or JSON.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/pkg/plugin"
	"firestige.xyz/meshtap/plugins/reporter/record"
)

// ConsoleReporter prints events to the console.
type ConsoleReporter struct {
	name          string
	format        string // "json" or "text"
	onlyDecoded   bool
	reportedCount atomic.Uint64

	mu  sync.Mutex
	out io.Writer
}

// Config represents console reporter configuration.
type Config struct {
	Format      string `json:"format"`       // "json" or "text", default "text"
	OnlyDecoded bool   `json:"only_decoded"` // drop failures and undecryptable messages
}

// NewConsoleReporter creates a new console reporter.
func NewConsoleReporter() plugin.Reporter {
	return &ConsoleReporter{
		name:   "console",
		format: "text", // default
		out:    os.Stdout,
	}
}

// Name returns the plugin name.
func (r *ConsoleReporter) Name() string {
	return r.name
}

// Init initializes the reporter with configuration.
func (r *ConsoleReporter) Init(config map[string]any) error {
	if config == nil {
		return nil
	}

	if format, ok := config["format"].(string); ok {
		if format != "json" && format != "text" {
			return fmt.Errorf("invalid format %q, must be json or text", format)
		}
		r.format = format
	}
	if only, ok := config["only_decoded"].(bool); ok {
		r.onlyDecoded = only
	}

	return nil
}

// Start starts the reporter.
func (r *ConsoleReporter) Start(ctx context.Context) error {
	slog.Info("console reporter started", "format", r.format, "only_decoded", r.onlyDecoded)
	return nil
}

// Stop stops the reporter.
func (r *ConsoleReporter) Stop(ctx context.Context) error {
	count := r.reportedCount.Load()
	slog.Info("console reporter stopped", "total_reported", count)
	return nil
}

// Report writes one event.
func (r *ConsoleReporter) Report(ctx context.Context, ev core.Event) error {
	if r.onlyDecoded && !decoded(ev) {
		return nil
	}

	var line []byte
	if r.format == "json" {
		b, err := record.JSON(ev)
		if err != nil {
			return fmt.Errorf("json marshal failed: %w", err)
		}
		line = b
	} else {
		s, err := record.Text(ev)
		if err != nil {
			return err
		}
		line = []byte(s)
	}

	// Workers report concurrently; keep lines whole.
	r.mu.Lock()
	_, err := r.out.Write(append(line, '\n'))
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.reportedCount.Add(1)
	return nil
}

// Flush is a no-op for console reporter (stdout is unbuffered).
func (r *ConsoleReporter) Flush(ctx context.Context) error {
	return nil
}

func decoded(ev core.Event) bool {
	return ev.Message != nil && ev.Message.Status != core.StatusUndecryptable
}
