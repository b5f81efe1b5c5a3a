// Package session supervises transport connections: it dials a link,
// forwards its frames, watches heartbeat and inbound silence, and
// reconnects with backoff until shut down.
package session

import (
	"context"

	"firestige.xyz/meshtap/internal/core"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateStopped
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateDegraded:     "degraded",
	StateReconnecting: "reconnecting",
	StateStopped:      "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Link is one established connection of a transport.
type Link interface {
	// Next blocks until the next canonical frame arrives. It returns
	// core.ErrSourceDrained when a finite source has no more input.
	Next(ctx context.Context) (core.CanonicalFrame, error)
	// Heartbeat sends a keepalive. Links whose transport keeps itself
	// alive return nil.
	Heartbeat(ctx context.Context) error
	// Close releases the connection. It is safe to call more than once
	// and unblocks a pending Next.
	Close() error
}

// Dialer establishes links for one transport variant.
type Dialer interface {
	Dial(ctx context.Context) (Link, error)
	Kind() core.TransportKind
}

// TrafficCounter is implemented by links that receive traffic which does
// not yield frames, such as radio configuration records. The supervisor
// treats any change of the count as liveness.
type TrafficCounter interface {
	Received() uint64
}

// Sink accepts frames from a session. It blocks while the pipeline is
// full and returns an error once ctx is done or the pipeline is closed.
type Sink func(ctx context.Context, frame core.CanonicalFrame) error
