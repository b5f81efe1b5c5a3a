// Package source builds the session dialer of a configured transport.
package source

import (
	"fmt"
	"time"

	"firestige.xyz/meshtap/internal/config"
	"firestige.xyz/meshtap/internal/core"
	"firestige.xyz/meshtap/internal/core/envelope"
	"firestige.xyz/meshtap/internal/session"
	"firestige.xyz/meshtap/internal/source/mqtt"
	"firestige.xyz/meshtap/internal/source/multicast"
	"firestige.xyz/meshtap/internal/source/pcap"
	"firestige.xyz/meshtap/internal/source/serial"
	"firestige.xyz/meshtap/internal/source/sniff"
	"firestige.xyz/meshtap/internal/source/tcp"
)

// Spec is a dialer together with its liveness settings.
type Spec struct {
	Name        string
	Dialer      session.Dialer
	Heartbeat   time.Duration
	IdleTimeout time.Duration
}

// New builds the dialer for tc. The normalizer is shared by every
// transport; maxFrameLen bounds stream frames.
func New(tc config.TransportConfig, norm *envelope.Normalizer, maxFrameLen int) (Spec, error) {
	spec := Spec{Name: tc.Name}
	switch tc.Kind() {
	case core.TransportTCP:
		spec.Dialer = tcp.New(tc.Name, *tc.TCP, norm, maxFrameLen)
		spec.Heartbeat = optSeconds(tc.TCP.HeartbeatSeconds)
		spec.IdleTimeout = seconds(tc.TCP.IdleTimeoutSeconds)
	case core.TransportSerial:
		spec.Dialer = serial.New(tc.Name, *tc.Serial, norm, maxFrameLen)
		spec.Heartbeat = optSeconds(tc.Serial.HeartbeatSeconds)
		spec.IdleTimeout = seconds(tc.Serial.IdleTimeoutSeconds)
	case core.TransportMQTT:
		spec.Dialer = mqtt.New(tc.Name, *tc.MQTT, norm)
		spec.IdleTimeout = seconds(tc.MQTT.IdleTimeoutSeconds)
	case core.TransportMulticast:
		spec.Dialer = multicast.New(tc.Name, *tc.Multicast, norm)
		spec.IdleTimeout = seconds(tc.Multicast.IdleTimeoutSeconds)
	case core.TransportPcap:
		spec.Dialer = pcap.New(tc.Name, *tc.Pcap, norm)
	case core.TransportSniff:
		spec.Dialer = sniff.New(tc.Name, *tc.Sniff, norm)
		spec.IdleTimeout = seconds(tc.Sniff.IdleTimeoutSeconds)
	default:
		return Spec{}, fmt.Errorf("%w: transport %q has no usable variant", core.ErrConfigInvalid, tc.Name)
	}
	return spec, nil
}

// seconds converts a config value; zero or negative disables the timer.
func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// optSeconds is seconds for optional values; nil disables the timer.
func optSeconds(p *int) time.Duration {
	if p == nil {
		return 0
	}
	return seconds(*p)
}
