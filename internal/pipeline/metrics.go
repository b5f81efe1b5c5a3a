package pipeline

import (
	"sync/atomic"
)

// Metrics contains pipeline counters. They mirror the Prometheus vectors
// without labels and are cheap to read for status output and tests.
type Metrics struct {
	Received      atomic.Uint64
	Decoded       atomic.Uint64
	DecodeErrors  atomic.Uint64
	Duplicates    atomic.Uint64
	Plaintext     atomic.Uint64
	Decrypted     atomic.Uint64
	Undecryptable atomic.Uint64
	Reported      atomic.Uint64
	ReportErrors  atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() Stats {
	return Stats{
		Received:      m.Received.Load(),
		Decoded:       m.Decoded.Load(),
		DecodeErrors:  m.DecodeErrors.Load(),
		Duplicates:    m.Duplicates.Load(),
		Plaintext:     m.Plaintext.Load(),
		Decrypted:     m.Decrypted.Load(),
		Undecryptable: m.Undecryptable.Load(),
		Reported:      m.Reported.Load(),
		ReportErrors:  m.ReportErrors.Load(),
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Received      uint64 `json:"received"`
	Decoded       uint64 `json:"decoded"`
	DecodeErrors  uint64 `json:"decode_errors"`
	Duplicates    uint64 `json:"duplicates"`
	Plaintext     uint64 `json:"plaintext"`
	Decrypted     uint64 `json:"decrypted"`
	Undecryptable uint64 `json:"undecryptable"`
	Reported      uint64 `json:"reported"`
	ReportErrors  uint64 `json:"report_errors"`
}
