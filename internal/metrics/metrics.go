// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts canonical frames produced per session
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_frames_total",
			Help: "Total number of canonical frames received",
		},
		[]string{"transport", "session"},
	)

	// FramingFaultsTotal counts bytes and frames dropped by stream framing
	FramingFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_framing_faults_total",
			Help: "Total number of framing faults (discarded bytes, oversized and truncated frames)",
		},
		[]string{"session", "kind"},
	)

	// EnvelopeFailuresTotal counts transport envelopes that yielded no frame
	EnvelopeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_envelope_failures_total",
			Help: "Total number of malformed transport envelopes",
		},
		[]string{"transport", "kind"},
	)

	// DecodeErrorsTotal counts frames rejected by the packet decoder
	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_decode_errors_total",
			Help: "Total number of malformed mesh packets",
		},
		[]string{"transport"},
	)

	// MessagesTotal counts decoded messages by outcome
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_messages_total",
			Help: "Total number of decoded messages by status",
		},
		[]string{"status", "path"},
	)

	// DecryptAttemptsTotal counts individual key trials
	DecryptAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_decrypt_attempts_total",
			Help: "Total number of decryption attempts by key path and result",
		},
		[]string{"path", "result"},
	)

	// DecryptLatencySeconds measures decryption of one packet
	DecryptLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshtap_decrypt_latency_seconds",
			Help:    "Latency of packet decryption in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1us to ~1s
		},
		[]string{"path"},
	)

	// SecretDerivationsTotal counts X25519 shared key derivations
	SecretDerivationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshtap_secret_derivations_total",
			Help: "Total number of peer shared secret derivations",
		},
	)

	// DuplicatesTotal counts packets suppressed as already seen
	DuplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_duplicates_total",
			Help: "Total number of duplicate packets suppressed",
		},
		[]string{"transport"},
	)

	// SessionState tracks the current state of each transport session
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshtap_session_state",
			Help: "Current session state (0=disconnected, 1=connecting, 2=connected, 3=degraded, 4=reconnecting, 5=stopped)",
		},
		[]string{"session"},
	)

	// ReconnectsTotal counts reconnect attempts per session
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_reconnects_total",
			Help: "Total number of session reconnect attempts",
		},
		[]string{"session"},
	)

	// ReporterErrorsTotal counts reporter errors by name
	ReporterErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshtap_reporter_errors_total",
			Help: "Total number of reporter errors",
		},
		[]string{"reporter"},
	)
)
