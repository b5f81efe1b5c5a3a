package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/metrics"
)

// Options configures a Supervisor. Zero durations disable the heartbeat
// and the idle check.
type Options struct {
	Heartbeat   time.Duration
	IdleTimeout time.Duration
	Backoff     BackoffConfig
	// Clock drives heartbeat, idle and backoff timers. Defaults to the
	// wall clock.
	Clock clock.Clock
	// OnStateChange is called synchronously on every transition.
	OnStateChange func(name string, from, to State)
}

// Supervisor runs one transport session.
type Supervisor struct {
	name   string
	dialer Dialer
	sink   Sink
	opts   Options
	clock  clock.Clock
	rng    *rand.Rand
	log    *slog.Logger

	state  atomic.Int32
	frames atomic.Uint64
}

// New creates a supervisor for the named transport.
func New(name string, dialer Dialer, sink Sink, opts Options) *Supervisor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Supervisor{
		name:   name,
		dialer: dialer,
		sink:   sink,
		opts:   opts,
		clock:  clk,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		log:    slog.Default().With("session", name, "transport", string(dialer.Kind())),
	}
	metrics.SessionState.WithLabelValues(name).Set(float64(StateDisconnected))
	return s
}

// Name returns the session name.
func (s *Supervisor) Name() string { return s.name }

// State returns the current state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Frames returns the number of frames forwarded to the sink.
func (s *Supervisor) Frames() uint64 { return s.frames.Load() }

// Run connects and reconnects until ctx is cancelled or a finite source
// is drained. It always ends in StateStopped and returns nil in both
// cases; transport faults are logged and retried, never returned.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		runID := uuid.NewString()
		s.setState(StateConnecting)
		link, err := s.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			s.log.Warn("connect failed", "attempt", attempt, "error", err)
			if !s.backoff(ctx, attempt) {
				return nil
			}
			continue
		}

		attempt = 0
		s.setState(StateConnected)
		s.log.Info("session connected", "run_id", runID)

		err = s.serve(ctx, link)
		_ = link.Close()

		if errors.Is(err, core.ErrSourceDrained) {
			s.log.Info("source drained", "run_id", runID, "frames", s.Frames())
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		s.setState(StateDegraded)
		s.log.Warn("session degraded", "run_id", runID, "error", err)
		attempt++
		if !s.backoff(ctx, attempt) {
			return nil
		}
	}
}

// backoff waits before the next connect attempt. It reports false if ctx
// ended first.
func (s *Supervisor) backoff(ctx context.Context, attempt int) bool {
	s.setState(StateReconnecting)
	metrics.ReconnectsTotal.WithLabelValues(s.name).Inc()

	delay := NextBackoffDelay(s.opts.Backoff, attempt, s.rng)
	s.log.Debug("reconnect scheduled", "attempt", attempt, "delay", delay)
	if delay <= 0 {
		return ctx.Err() == nil
	}
	t := s.clock.Timer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve pumps frames from link into the sink while watching liveness. It
// returns the first fault; the link is closed on return of any goroutine
// so a blocked Next observes cancellation.
func (s *Supervisor) serve(ctx context.Context, link Link) error {
	g, gctx := errgroup.WithContext(ctx)
	traffic := s.trafficFunc(link)
	baseline := traffic()

	g.Go(func() error {
		for {
			frame, err := link.Next(gctx)
			if err != nil {
				return err
			}
			s.frames.Add(1)
			metrics.FramesTotal.WithLabelValues(string(s.dialer.Kind()), s.name).Inc()
			if err := s.sink(gctx, frame); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		return s.watch(gctx, link, traffic, baseline)
	})

	g.Go(func() error {
		<-gctx.Done()
		_ = link.Close()
		return nil
	})

	return g.Wait()
}

// trafficFunc returns a probe that changes whenever the link received
// anything.
func (s *Supervisor) trafficFunc(link Link) func() uint64 {
	counter, _ := link.(TrafficCounter)
	return func() uint64 {
		n := s.frames.Load()
		if counter != nil {
			n += counter.Received()
		}
		return n
	}
}

func (s *Supervisor) watch(ctx context.Context, link Link, traffic func() uint64, last uint64) error {
	var heartbeat, idle <-chan time.Time
	if s.opts.Heartbeat > 0 {
		t := s.clock.Ticker(s.opts.Heartbeat)
		defer t.Stop()
		heartbeat = t.C
	}
	if s.opts.IdleTimeout > 0 {
		t := s.clock.Ticker(s.opts.IdleTimeout)
		defer t.Stop()
		idle = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat:
			if err := link.Heartbeat(ctx); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-idle:
			n := traffic()
			if n == last {
				return fmt.Errorf("%w: no traffic for %s", core.ErrLinkIdle, s.opts.IdleTimeout)
			}
			last = n
		}
	}
}

func (s *Supervisor) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.SessionState.WithLabelValues(s.name).Set(float64(to))
	s.log.Debug("session state", "from", from.String(), "to", to.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s.name, from, to)
	}
}
