// Package daemon wires configuration, key material, transports, the
// pipeline and reporters into one running process.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/decrypt"
	"firestige.xyz/meshtap/internal/keyring"
	logpkg "firestige.xyz/meshtap/internal/log"
	"firestige.xyz/meshtap/internal/metrics"
	"firestige.xyz/meshtap/internal/pipeline"
	"firestige.xyz/meshtap/internal/session"
	"firestige.xyz/meshtap/internal/source"
	"firestige.xyz/meshtap/pkg/plugin"
)

const shutdownTimeout = 10 * time.Second

// Daemon manages the meshtap process lifecycle.
type Daemon struct {
	// Configuration
	config     *config.GlobalConfig
	configPath string
	pidFile    string

	// Core components
	registry      *keyring.Registry
	engine        *decrypt.Engine
	normalizer    *envelope.Normalizer
	pipeline      *pipeline.Pipeline
	reporters     []plugin.Reporter
	sessions      []*session.Supervisor
	metricsServer *metrics.Server // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	running      bool
	sessionsDone chan struct{}
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New loads the configuration file and creates a Daemon.
func New(configPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	d := NewWithConfig(cfg, pidFile)
	d.configPath = configPath
	return d, nil
}

// NewWithConfig creates a Daemon from an already loaded configuration.
func NewWithConfig(cfg *config.GlobalConfig, pidFile string) *Daemon {
	d := &Daemon{
		config:       cfg,
		pidFile:      pidFile,
		sessionsDone: make(chan struct{}),
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start builds every component and launches the transport sessions.
// On error, components started so far are torn down.
func (d *Daemon) Start() (err error) {
	defer func() {
		if err != nil {
			d.teardown()
		}
	}()

	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	slog.Info("starting meshtap",
		"config", d.configPath,
		"transports", len(d.config.Transports),
		"reporters", len(d.config.Reporters),
	)

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Key material
	d.registry, err = keyring.Build(d.config.Keys)
	if err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}
	d.engine = decrypt.NewEngine(d.registry, decrypt.NewSecretCache())
	slog.Info("keys loaded", "channels", len(d.registry.Channels()), "peers", len(d.registry.Peers()))

	// 4. Reporters
	if err := d.startReporters(); err != nil {
		return err
	}

	// 5. Pipeline
	d.pipeline, err = pipeline.NewBuilder().
		FromConfig(d.config.Pipeline).
		WithDecrypter(d.engine).
		WithReporters(d.reporters...).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	d.pipeline.Start()

	// 6. Transport sessions
	d.normalizer = envelope.NewNormalizer()
	if err := d.buildSessions(); err != nil {
		return err
	}

	// 7. Metrics and health endpoint
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	d.runSessions()
	slog.Info("meshtap started", "sessions", len(d.sessions))
	return nil
}

func (d *Daemon) startReporters() error {
	for _, rc := range d.config.Reporters {
		factory, err := plugin.GetReporterFactory(rc.Name)
		if err != nil {
			return fmt.Errorf("reporter %q: %w", rc.Name, err)
		}
		r := factory()
		if err := r.Init(rc.Config); err != nil {
			return fmt.Errorf("%w: reporter %q: %v", core.ErrPluginInitFailed, rc.Name, err)
		}
		if err := r.Start(d.ctx); err != nil {
			return fmt.Errorf("%w: reporter %q start: %v", core.ErrPluginInitFailed, rc.Name, err)
		}
		d.reporters = append(d.reporters, r)
	}
	return nil
}

func (d *Daemon) buildSessions() error {
	backoff := session.BackoffConfig{
		InitialDelay: d.config.Reconnect.InitialDelay,
		MaxDelay:     d.config.Reconnect.MaxDelay,
		Multiplier:   d.config.Reconnect.Multiplier,
		Jitter:       d.config.Reconnect.Jitter,
	}
	for _, tc := range d.config.Transports {
		spec, err := source.New(tc, d.normalizer, d.config.Pipeline.MaxFrameLen)
		if err != nil {
			return err
		}
		d.sessions = append(d.sessions, session.New(spec.Name, spec.Dialer, d.pipeline.Submit, session.Options{
			Heartbeat:     spec.Heartbeat,
			IdleTimeout:   spec.IdleTimeout,
			Backoff:       backoff,
			OnStateChange: logStateChange,
		}))
	}
	return nil
}

func logStateChange(name string, from, to session.State) {
	slog.Debug("session state changed", "session", name, "from", from.String(), "to", to.String())
}

// runSessions starts every supervisor. sessionsDone is closed once all of
// them returned, which for finite sources ends the daemon.
func (d *Daemon) runSessions() {
	d.running = true
	var g errgroup.Group
	for _, s := range d.sessions {
		s := s
		g.Go(func() error {
			return s.Run(d.ctx)
		})
	}
	go func() {
		_ = g.Wait()
		close(d.sessionsDone)
	}()
}

// Stop performs graceful shutdown of all daemon components: sessions
// first, then the pipeline drains, then reporters flush.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		slog.Info("initiating graceful shutdown")

		// 1. Cancel sessions and wait for them to close their links
		d.cancel()
		if d.running {
			<-d.sessionsDone
		}

		d.teardown()

		// Unregister signal handler to prevent goroutine leak
		if d.sigChan != nil {
			signal.Stop(d.sigChan)
		}

		slog.Info("meshtap stopped gracefully")
		logpkg.Close()
	})
}

// teardown stops whatever Start managed to build.
func (d *Daemon) teardown() {
	d.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// 2. Drain the pipeline
	if d.pipeline != nil {
		if err := d.pipeline.Stop(ctx); err != nil {
			slog.Error("pipeline did not drain", "error", err)
		}
	}

	// 3. Flush and stop reporters
	for _, r := range d.reporters {
		if err := multierr.Append(r.Flush(ctx), r.Stop(ctx)); err != nil {
			slog.Error("error stopping reporter", "reporter", r.Name(), "error", err)
		}
	}
	d.reporters = nil

	// 4. Stop metrics server
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(ctx); err != nil {
			slog.Error("error stopping metrics server", "error", err)
		}
		d.metricsServer = nil
	}

	// 5. Remove PID file
	if err := d.removePIDFile(); err != nil {
		slog.Error("error removing PID file", "error", err)
	}
}

// Run blocks until shutdown is triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. TriggerShutdown
//  3. every session finishing (finite sources)
//
// SIGHUP reloads the log configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals")

	// Without transports there is nothing that could finish.
	done := d.sessionsDone
	if len(d.sessions) == 0 {
		done = nil
	}

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered")
			d.Stop()
			return nil

		case <-done:
			slog.Info("all sessions finished")
			d.Stop()
			return nil
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log level/format/outputs.
// Cold (requires restart): keys, transports, reporters, pipeline, metrics.
func (d *Daemon) Reload() error {
	if d.configPath == "" {
		return errors.New("daemon was not started from a config file")
	}
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	if err := logpkg.Init(newConfig.Log); err != nil {
		return fmt.Errorf("failed to reinitialize logging: %w", err)
	}
	d.config.Log = newConfig.Log

	requiresRestart := []string{}
	if !equalJSON(newConfig.Keys, d.config.Keys) {
		requiresRestart = append(requiresRestart, "keys")
	}
	if !equalJSON(newConfig.Transports, d.config.Transports) {
		requiresRestart = append(requiresRestart, "transports")
	}
	if !equalJSON(newConfig.Reporters, d.config.Reporters) {
		requiresRestart = append(requiresRestart, "reporters")
	}
	if newConfig.Metrics != d.config.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", []string{"log"},
		"requires_restart", requiresRestart,
	)
	return nil
}

func equalJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// TriggerShutdown requests a graceful stop from another goroutine.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// SessionStatus is one entry of Status.
type SessionStatus struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Frames uint64 `json:"frames"`
}

// Status is the health snapshot served on /healthz.
type Status struct {
	Healthy  bool            `json:"healthy"`
	Sessions []SessionStatus `json:"sessions"`
	Pipeline pipeline.Stats  `json:"pipeline"`
	Secrets  int             `json:"cached_secrets"`
}

// Status reports session states and pipeline counters. The daemon is
// healthy while at least one session is connected, or when no session is
// configured at all.
func (d *Daemon) Status() Status {
	st := Status{
		Healthy:  len(d.sessions) == 0,
		Sessions: make([]SessionStatus, 0, len(d.sessions)),
	}
	for _, s := range d.sessions {
		state := s.State()
		if state == session.StateConnected {
			st.Healthy = true
		}
		st.Sessions = append(st.Sessions, SessionStatus{Name: s.Name(), State: state.String(), Frames: s.Frames()})
	}
	if d.pipeline != nil {
		st.Pipeline = d.pipeline.Stats()
	}
	if d.engine != nil {
		st.Secrets = d.engine.Cache().Len()
	}
	return st
}

func (d *Daemon) healthHandler(w http.ResponseWriter, _ *http.Request) {
	st := d.Status()
	w.Header().Set("Content-Type", "application/json")
	if !st.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	srv := metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	srv.Handle("/healthz", http.HandlerFunc(d.healthHandler))
	if err := srv.Start(d.ctx); err != nil {
		return err
	}
	d.metricsServer = srv
	return nil
}

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil {
		return ""
	}
	return d.metricsServer.Addr()
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")

	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
