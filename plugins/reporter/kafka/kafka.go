// Package kafka implements the Kafka reporter plugin.
// Publishes events as JSON with batching, compression and retry support.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/pkg/plugin"
	"firestige.xyz/meshtap/plugins/reporter/record"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultCompression  = "snappy"
	defaultMaxAttempts  = 3
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter publishes events to a Kafka topic.
type KafkaReporter struct {
	name   string
	writer messageWriter
	config Config

	// Statistics
	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// Config represents Kafka reporter configuration.
type Config struct {
	Brokers      []string      `json:"brokers"`       // required
	Topic        string        `json:"topic"`         // required
	BatchSize    int           `json:"batch_size"`    // optional, default 100
	BatchTimeout time.Duration `json:"batch_timeout"` // optional, default 100ms
	Compression  string        `json:"compression"`   // optional: none|gzip|snappy|lz4, default snappy
	MaxAttempts  int           `json:"max_attempts"`  // optional, default 3
	OnlyDecoded  bool          `json:"only_decoded"`
}

// NewKafkaReporter creates a new Kafka reporter.
func NewKafkaReporter() plugin.Reporter {
	return &KafkaReporter{
		name: "kafka",
	}
}

// Name returns the plugin name.
func (r *KafkaReporter) Name() string {
	return r.name
}

// Init initializes the reporter with configuration.
func (r *KafkaReporter) Init(config map[string]any) error {
	if config == nil {
		return errors.New("kafka reporter requires configuration")
	}

	cfg, err := parseConfig(config)
	if err != nil {
		return err
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // same sender, same partition
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		Async:        false,
	}

	switch cfg.Compression {
	case "none", "":
		writerConfig.CompressionCodec = nil
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	r.config = cfg
	r.writer = kafka.NewWriter(writerConfig)
	return nil
}

func parseConfig(config map[string]any) (Config, error) {
	var err error
	cfg := Config{}

	if cfg.Brokers, err = plugin.StringsOption(config, "brokers"); err != nil {
		return cfg, err
	}
	if len(cfg.Brokers) == 0 {
		return cfg, errors.New("brokers is required")
	}
	if cfg.Topic, err = plugin.StringOption(config, "topic", ""); err != nil {
		return cfg, err
	}
	if cfg.Topic == "" {
		return cfg, errors.New("topic is required")
	}
	if cfg.BatchSize, err = plugin.IntOption(config, "batch_size", defaultBatchSize); err != nil {
		return cfg, err
	}
	if cfg.BatchTimeout, err = plugin.DurationOption(config, "batch_timeout", defaultBatchTimeout); err != nil {
		return cfg, fmt.Errorf("invalid batch_timeout: %w", err)
	}
	if cfg.Compression, err = plugin.StringOption(config, "compression", defaultCompression); err != nil {
		return cfg, err
	}
	if cfg.MaxAttempts, err = plugin.IntOption(config, "max_attempts", defaultMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.OnlyDecoded, err = plugin.BoolOption(config, "only_decoded", false); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Start starts the reporter.
func (r *KafkaReporter) Start(ctx context.Context) error {
	slog.Info("kafka reporter started",
		"brokers", r.config.Brokers,
		"topic", r.config.Topic,
		"batch_size", r.config.BatchSize,
		"batch_timeout", r.config.BatchTimeout,
		"compression", r.config.Compression,
	)
	return nil
}

// Stop flushes pending batches and closes the writer.
func (r *KafkaReporter) Stop(ctx context.Context) error {
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			slog.Error("error closing kafka writer", "error", err)
			return err
		}
	}

	slog.Info("kafka reporter stopped",
		"total_reported", r.reportedCount.Load(),
		"total_errors", r.errorCount.Load(),
	)
	return nil
}

// Report publishes one event.
func (r *KafkaReporter) Report(ctx context.Context, ev core.Event) error {
	if r.config.OnlyDecoded && (ev.Message == nil || ev.Message.Status == core.StatusUndecryptable) {
		return nil
	}

	msg, err := buildMessage(ev)
	if err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("serialize event failed: %w", err)
	}

	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.errorCount.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}

	r.reportedCount.Add(1)
	return nil
}

// buildMessage keys messages by sender so that a node's traffic stays
// ordered within one partition. Failures are keyed by session.
func buildMessage(ev core.Event) (kafka.Message, error) {
	value, err := record.JSON(ev)
	if err != nil {
		return kafka.Message{}, err
	}

	var (
		key  string
		meta core.FrameMeta
		kind = record.KindFailure
	)
	if ev.Message != nil {
		key = ev.Message.Packet.From.String()
		meta = ev.Message.Meta
		kind = record.KindMessage
	} else {
		key = ev.Failure.Meta.Session
		meta = ev.Failure.Meta
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  meta.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
			{Key: "transport", Value: []byte(meta.Transport)},
			{Key: "session", Value: []byte(meta.Session)},
		},
	}
	if ev.Message != nil {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "status", Value: []byte(ev.Message.Status)})
	}
	return msg, nil
}

// Flush is a no-op: kafka.Writer flushes on BatchSize and BatchTimeout, and
// Report is synchronous.
func (r *KafkaReporter) Flush(ctx context.Context) error {
	return nil
}
