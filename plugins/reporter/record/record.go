// Package record converts pipeline events into the flat structures shared by
// the built-in reporters.
package record

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"firestige.xyz/meshtap/internal/core"
)

const (
	KindMessage = "message"
	KindFailure = "failure"
)

// Record is the JSON form of one core.Event.
type Record struct {
	Kind       string `json:"kind"`
	Transport  string `json:"transport"`
	Session    string `json:"session"`
	ReceivedAt string `json:"received_at,omitempty"`
	Topic      string `json:"topic,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	GatewayID  string `json:"gateway_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`

	// message
	From        *core.NodeID `json:"from,omitempty"`
	To          *core.NodeID `json:"to,omitempty"`
	ID          uint32       `json:"id,omitempty"`
	ChannelHash uint8        `json:"channel_hash,omitempty"`
	HopLimit    uint32       `json:"hop_limit,omitempty"`
	HopStart    uint32       `json:"hop_start,omitempty"`
	WantAck     bool         `json:"want_ack,omitempty"`
	ViaMQTT     bool         `json:"via_mqtt,omitempty"`
	PKI         bool         `json:"pki_encrypted,omitempty"`
	RxTime      uint32       `json:"rx_time,omitempty"`
	RxSNR       float32      `json:"rx_snr,omitempty"`
	RxRSSI      int32        `json:"rx_rssi,omitempty"`
	Status      string       `json:"status,omitempty"`
	Path        string       `json:"path,omitempty"`
	Key         string       `json:"key,omitempty"`
	Highlight   bool         `json:"highlight,omitempty"`
	Port        string       `json:"port,omitempty"`
	Payload     []byte       `json:"payload,omitempty"`
	Text        string       `json:"text,omitempty"`
	Reason      string       `json:"reason,omitempty"`

	// failure
	Stage  string `json:"stage,omitempty"`
	Error  string `json:"error,omitempty"`
	RawLen int    `json:"raw_len,omitempty"`
}

// FromEvent flattens ev. It returns an error if ev carries neither a
// message nor a failure.
func FromEvent(ev core.Event) (Record, error) {
	switch {
	case ev.Message != nil:
		return fromMessage(ev.Message), nil
	case ev.Failure != nil:
		r := withMeta(KindFailure, ev.Failure.Meta)
		r.Stage = ev.Failure.Stage
		if ev.Failure.Err != nil {
			r.Error = ev.Failure.Err.Error()
		}
		r.RawLen = len(ev.Failure.Raw)
		return r, nil
	default:
		return Record{}, fmt.Errorf("empty event")
	}
}

func withMeta(kind string, m core.FrameMeta) Record {
	r := Record{
		Kind:       kind,
		Transport:  string(m.Transport),
		Session:    m.Session,
		Topic:      m.Topic,
		ChannelID:  m.ChannelID,
		GatewayID:  m.GatewayID,
		RemoteAddr: m.RemoteAddr,
	}
	if !m.ReceivedAt.IsZero() {
		r.ReceivedAt = m.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	return r
}

func fromMessage(m *core.DecodedMessage) Record {
	p := m.Packet
	from, to := p.From, p.To
	r := withMeta(KindMessage, m.Meta)
	r.From = &from
	r.To = &to
	r.ID = p.ID
	r.ChannelHash = p.ChannelHash()
	r.HopLimit = p.HopLimit
	r.HopStart = p.HopStart
	r.WantAck = p.WantAck
	r.ViaMQTT = p.ViaMQTT
	r.PKI = p.PKIEncrypted
	r.RxTime = p.RxTime
	r.RxSNR = p.RxSNR
	r.RxRSSI = p.RxRSSI
	r.Status = string(m.Status)
	r.Path = string(m.Path)
	r.Key = m.Key.String()
	r.Highlight = m.Highlight
	if m.Data != nil {
		r.Port = m.Data.PortNum.String()
		r.Payload = m.Data.Payload
		if m.Data.PortNum.IsText() && utf8.Valid(m.Data.Payload) {
			r.Text = string(m.Data.Payload)
		}
	}
	if m.Reason != nil {
		r.Reason = m.Reason.Error()
	}
	return r
}

// JSON encodes ev as a single line of JSON without the trailing newline.
func JSON(ev core.Event) ([]byte, error) {
	r, err := FromEvent(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// Text renders ev as one human readable line.
func Text(ev core.Event) (string, error) {
	r, err := FromEvent(ev)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	if r.ReceivedAt != "" {
		ts, _ := time.Parse(time.RFC3339Nano, r.ReceivedAt)
		b.WriteString("[" + ts.Local().Format("15:04:05.000") + "] ")
	}
	fmt.Fprintf(&b, "%s/%s", r.Transport, r.Session)

	if r.Kind == KindFailure {
		fmt.Fprintf(&b, " drop stage=%s err=%q raw_len=%d", r.Stage, r.Error, r.RawLen)
		return b.String(), nil
	}

	mark := " "
	if r.Highlight {
		mark = "*"
	}
	fmt.Fprintf(&b, "%s%s -> %s id=%d ch=0x%02x hops=%d/%d %s",
		mark, r.From, r.To, r.ID, r.ChannelHash, r.HopLimit, r.HopStart, r.Status)
	if r.Key != "" {
		b.WriteString(" via=" + r.Key)
	}
	if r.Port != "" {
		fmt.Fprintf(&b, " port=%s len=%d", r.Port, len(r.Payload))
	}
	if r.Text != "" {
		fmt.Fprintf(&b, " text=%q", r.Text)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", r.Reason)
	}
	if r.GatewayID != "" {
		fmt.Fprintf(&b, " gw=%s", r.GatewayID)
	}
	return b.String(), nil
}
