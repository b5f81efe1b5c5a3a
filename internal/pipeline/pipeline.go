// Package pipeline implements the shared decode, dedup, decrypt and report
// stage that every transport session feeds.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/decoder"
	"firestige.xyz/meshtap/internal/metrics"
	"firestige.xyz/meshtap/pkg/plugin"
)

// Decrypter turns a decoded packet into a message. decrypt.Engine
// implements it.
type Decrypter interface {
	Process(pkt core.DecodedPacket, meta core.FrameMeta) core.DecodedMessage
}

// Config contains pipeline configuration.
type Config struct {
	Workers    int
	BufferSize int // input channel buffer size
	DedupSize  int // 0 disables duplicate suppression
	Decoder    decoder.Decoder
	Decrypter  Decrypter
	Reporters  []plugin.Reporter
}

type dedupKey struct {
	from core.NodeID
	id   uint32
}

// Pipeline fans frames from all sessions out to a fixed set of workers.
type Pipeline struct {
	workers   int
	decoder   decoder.Decoder
	decrypter Decrypter
	reporters []plugin.Reporter
	seen      *lru.Cache[dedupKey, struct{}]
	metrics   *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards closed and the close of in against concurrent Submit.
	mu     sync.RWMutex
	closed bool
	in     chan core.CanonicalFrame
}

// New creates a pipeline. Workers are started by Start.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Decoder == nil || cfg.Decrypter == nil {
		return nil, fmt.Errorf("%w: pipeline needs a decoder and a decrypter", core.ErrConfigInvalid)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}

	p := &Pipeline{
		workers:   cfg.Workers,
		decoder:   cfg.Decoder,
		decrypter: cfg.Decrypter,
		reporters: cfg.Reporters,
		metrics:   NewMetrics(),
		in:        make(chan core.CanonicalFrame, cfg.BufferSize),
	}
	if cfg.DedupSize > 0 {
		seen, err := lru.New[dedupKey, struct{}](cfg.DedupSize)
		if err != nil {
			return nil, fmt.Errorf("dedup cache: %w", err)
		}
		p.seen = seen
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Start launches the workers.
func (p *Pipeline) Start() {
	slog.Info("pipeline starting", "workers", p.workers, "buffer", cap(p.in), "dedup", p.seen != nil)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.processLoop()
	}
}

// Submit enqueues one frame, blocking while the buffer is full. It has the
// signature of session.Sink.
func (p *Pipeline) Submit(ctx context.Context, frame core.CanonicalFrame) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return core.ErrPipelineStopped
	}
	select {
	case p.in <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the input and waits until every queued frame is processed
// and reported. If ctx expires first, in-flight reports are cancelled.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.in)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
		err = ctx.Err()
	}
	p.cancel()

	st := p.Stats()
	slog.Info("pipeline stopped",
		"received", st.Received,
		"decrypted", st.Decrypted,
		"undecryptable", st.Undecryptable,
		"decode_errors", st.DecodeErrors,
		"duplicates", st.Duplicates,
	)
	return err
}

func (p *Pipeline) processLoop() {
	defer p.wg.Done()
	for frame := range p.in {
		p.processFrame(frame)
	}
}

// processFrame runs one frame through every stage. Nothing here aborts
// the pipeline; failures become events and counters.
func (p *Pipeline) processFrame(frame core.CanonicalFrame) {
	p.metrics.Received.Add(1)
	transport := string(frame.Meta.Transport)

	pkt, err := p.decoder.Decode(frame)
	if err != nil {
		p.metrics.DecodeErrors.Add(1)
		metrics.DecodeErrorsTotal.WithLabelValues(transport).Inc()
		slog.Debug("packet decode failed", "session", frame.Meta.Session, "error", err)
		p.report(core.Event{Failure: &core.DecodeFailure{
			Stage: "decode",
			Err:   err,
			Meta:  frame.Meta,
			Raw:   frame.Data,
		}})
		return
	}
	p.metrics.Decoded.Add(1)

	if p.duplicate(pkt) {
		p.metrics.Duplicates.Add(1)
		metrics.DuplicatesTotal.WithLabelValues(transport).Inc()
		return
	}

	msg := p.decrypter.Process(pkt, frame.Meta)
	switch msg.Status {
	case core.StatusPlaintext:
		p.metrics.Plaintext.Add(1)
	case core.StatusDecrypted:
		p.metrics.Decrypted.Add(1)
	case core.StatusUndecryptable:
		p.metrics.Undecryptable.Add(1)
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Status), string(msg.Path)).Inc()

	p.report(core.Event{Message: &msg})
}

// duplicate reports whether (from, id) was already seen. Packets without an
// id are never suppressed.
func (p *Pipeline) duplicate(pkt core.DecodedPacket) bool {
	if p.seen == nil || pkt.ID == 0 {
		return false
	}
	seen, _ := p.seen.ContainsOrAdd(dedupKey{from: pkt.From, id: pkt.ID}, struct{}{})
	return seen
}

func (p *Pipeline) report(ev core.Event) {
	delivered := false
	for _, reporter := range p.reporters {
		if err := reporter.Report(p.ctx, ev); err != nil {
			p.metrics.ReportErrors.Add(1)
			metrics.ReporterErrorsTotal.WithLabelValues(reporter.Name()).Inc()
			slog.Error("reporter failed", "reporter", reporter.Name(), "error", err)
			continue
		}
		delivered = true
	}
	if delivered {
		p.metrics.Reported.Add(1)
	}
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return p.metrics.Snapshot()
}
