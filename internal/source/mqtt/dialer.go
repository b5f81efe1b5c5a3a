// Package mqtt subscribes to mesh traffic relayed by gateways to an MQTT
// broker.
package mqtt

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/session"
)

const (
	operationTimeout = 10 * time.Second
	queueSize        = 64
)

// Dialer connects to a broker and subscribes to the encrypted packet
// topics of every configured root.
type Dialer struct {
	name string
	cfg  config.MQTTConfig
	norm *envelope.Normalizer

	newClient func(*paho.ClientOptions) paho.Client
}

// New creates a dialer for cfg.
func New(name string, cfg config.MQTTConfig, norm *envelope.Normalizer) *Dialer {
	return &Dialer{name: name, cfg: cfg, norm: norm, newClient: paho.NewClient}
}

// Kind implements session.Dialer.
func (d *Dialer) Kind() core.TransportKind { return core.TransportMQTT }

// Broker returns the broker URL.
func (d *Dialer) Broker() string {
	return "tcp://" + net.JoinHostPort(d.cfg.ServerAddr, strconv.Itoa(d.cfg.ServerPort))
}

// Filters returns the subscription filters. Entries are topic patterns
// and are subscribed as given; a bare root such as "msh/EU_868", with no
// wildcard and no "/2/" segment, is shorthand for "<root>/2/e/+/+".
func Filters(patterns []string) map[string]byte {
	filters := make(map[string]byte, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if isRoot(p) {
			p = strings.TrimSuffix(p, "/") + "/2/e/+/+"
		}
		filters[p] = 0
	}
	return filters
}

func isRoot(p string) bool {
	if strings.ContainsAny(p, "+#") {
		return false
	}
	return !strings.Contains(p+"/", "/2/") && !strings.HasPrefix(p, "2/")
}

// ClientID returns the configured client id or a random one.
func (d *Dialer) ClientID() string {
	if d.cfg.ClientID != "" {
		return d.cfg.ClientID
	}
	return "meshtap-" + uuid.NewString()[:8]
}

// Dial implements session.Dialer. Reconnects are left to the session
// supervisor, so the client's own auto-reconnect is disabled.
func (d *Dialer) Dial(ctx context.Context) (session.Link, error) {
	l := newLink(d.name, d.norm)

	opts := paho.NewClientOptions().
		AddBroker(d.Broker()).
		SetClientID(d.ClientID()).
		SetUsername(d.cfg.Username).
		SetPassword(d.cfg.Password).
		SetKeepAlive(time.Duration(d.cfg.KeepAliveSeconds) * time.Second).
		SetConnectTimeout(operationTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) { l.lose(err) })

	client := d.newClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", d.Broker(), err)
	}
	l.client = client

	if err := wait(ctx, client.SubscribeMultiple(Filters(d.cfg.Subscribe), l.onMessage)); err != nil {
		l.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return l, nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(operationTimeout):
		return fmt.Errorf("timed out after %s", operationTimeout)
	}
}

type link struct {
	name   string
	norm   *envelope.Normalizer
	client paho.Client

	frames    chan core.CanonicalFrame
	lost      chan error
	done      chan struct{}
	closeOnce sync.Once
	received  atomic.Uint64
}

func newLink(name string, norm *envelope.Normalizer) *link {
	return &link{
		name:   name,
		norm:   norm,
		frames: make(chan core.CanonicalFrame, queueSize),
		lost:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (l *link) onMessage(_ paho.Client, m paho.Message) {
	l.received.Add(1)
	meta := core.FrameMeta{
		Transport:  core.TransportMQTT,
		Session:    l.name,
		ReceivedAt: time.Now(),
	}
	frame, ok := l.norm.ServiceEnvelope(m.Topic(), m.Payload(), meta)
	if !ok {
		return
	}
	select {
	case l.frames <- frame:
	case <-l.done:
	}
}

func (l *link) lose(err error) {
	select {
	case l.lost <- err:
	default:
	}
}

// Next implements session.Link.
func (l *link) Next(ctx context.Context) (core.CanonicalFrame, error) {
	select {
	case frame := <-l.frames:
		return frame, nil
	case err := <-l.lost:
		return core.CanonicalFrame{}, fmt.Errorf("%w: connection lost: %v", core.ErrLinkClosed, err)
	case <-l.done:
		return core.CanonicalFrame{}, core.ErrLinkClosed
	case <-ctx.Done():
		return core.CanonicalFrame{}, ctx.Err()
	}
}

// Heartbeat implements session.Link. The client keeps the connection
// alive with MQTT pings.
func (l *link) Heartbeat(context.Context) error {
	if l.client != nil && !l.client.IsConnectionOpen() {
		return core.ErrLinkClosed
	}
	return nil
}

// Received implements session.TrafficCounter.
func (l *link) Received() uint64 {
	return l.received.Load()
}

// Close implements session.Link.
func (l *link) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.client != nil {
			l.client.Disconnect(250)
		}
	})
	return nil
}
