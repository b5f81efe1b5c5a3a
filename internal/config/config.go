// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"firestige.xyz/meshtap/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `meshtap:` root key in YAML.
type GlobalConfig struct {
	Log        LogConfig         `mapstructure:"log"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Pipeline   PipelineConfig    `mapstructure:"pipeline"`
	Reconnect  ReconnectConfig   `mapstructure:"reconnect"`
	Keys       KeysConfig        `mapstructure:"keys"`
	Transports []TransportConfig `mapstructure:"transports"`
	Reporters  []ReporterConfig  `mapstructure:"reporters"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Pipeline ───

// PipelineConfig sizes the shared decode and decrypt stage.
type PipelineConfig struct {
	BufferSize  int         `mapstructure:"buffer_size"`
	Workers     int         `mapstructure:"workers"`
	MaxFrameLen int         `mapstructure:"max_frame_len"`
	Dedup       DedupConfig `mapstructure:"dedup"`
}

// DedupConfig controls suppression of packets heard on several transports.
type DedupConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Size    int  `mapstructure:"size"`
}

// ─── Reconnect ───

// ReconnectConfig is the backoff policy shared by all transport sessions.
type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Jitter       bool          `mapstructure:"jitter"`
}

// ─── Keys ───

// KeysConfig is the key material the decryption stage may use.
type KeysConfig struct {
	Channels []ChannelConfig `mapstructure:"channels"`
	Peers    []PeerConfig    `mapstructure:"peers"`
}

// ChannelConfig is one channel. Key is base64 and may be empty (no
// encryption), one byte (default key shorthand), 16 or 32 bytes.
type ChannelConfig struct {
	Name string `mapstructure:"name"`
	Key  string `mapstructure:"key"`
}

// PeerConfig is one node whose direct messages may be decrypted. Owned
// nodes carry a private key; remote nodes only a public key.
type PeerConfig struct {
	Name       string      `mapstructure:"name"`
	NodeID     core.NodeID `mapstructure:"node_id"`
	PublicKey  string      `mapstructure:"public_key"`
	PrivateKey string      `mapstructure:"private_key"`
	Highlight  bool        `mapstructure:"highlight"`
}

// ─── Transports ───

// TransportConfig names one session. Exactly one variant must be set.
type TransportConfig struct {
	Name      string           `mapstructure:"name"`
	TCP       *TCPConfig       `mapstructure:"tcp"`
	Serial    *SerialConfig    `mapstructure:"serial"`
	MQTT      *MQTTConfig      `mapstructure:"mqtt"`
	Multicast *MulticastConfig `mapstructure:"multicast"`
	Pcap      *PcapConfig      `mapstructure:"pcap"`
	Sniff     *SniffConfig     `mapstructure:"sniff"`
}

// TCPConfig connects to a radio's stream API over the network.
type TCPConfig struct {
	ConnectTo          string `mapstructure:"connect_to"`
	HeartbeatSeconds   *int   `mapstructure:"heartbeat_seconds"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
}

// SerialConfig connects to a radio over a serial port.
type SerialConfig struct {
	TTY                string `mapstructure:"tty"`
	Baudrate           int    `mapstructure:"baudrate"`
	HeartbeatSeconds   *int   `mapstructure:"heartbeat_seconds"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
}

// MQTTConfig subscribes to every topic pattern in Subscribe. A bare root
// topic stands for `<root>/2/e/+/+`.
type MQTTConfig struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	ServerPort         int      `mapstructure:"server_port"`
	Username           string   `mapstructure:"username"`
	Password           string   `mapstructure:"password"`
	Subscribe          []string `mapstructure:"subscribe"`
	ClientID           string   `mapstructure:"client_id"`
	KeepAliveSeconds   int      `mapstructure:"keep_alive_seconds"`
	IdleTimeoutSeconds int      `mapstructure:"idle_timeout_seconds"`
}

// MulticastConfig joins the mesh UDP multicast group.
type MulticastConfig struct {
	ListenAddress      string `mapstructure:"listen_address"`
	Interface          string `mapstructure:"interface"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
}

// PcapConfig replays multicast datagrams from a capture file.
type PcapConfig struct {
	Path string `mapstructure:"path"`
	Port int    `mapstructure:"port"`
}

// SniffConfig captures mesh datagrams live from a network interface with
// AF_PACKET. Linux only.
type SniffConfig struct {
	Interface          string `mapstructure:"interface"`
	Port               int    `mapstructure:"port"`
	SnapLen            int    `mapstructure:"snap_len"`
	BlockSizeKB        int    `mapstructure:"block_size_kb"`
	NumBlocks          int    `mapstructure:"num_blocks"`
	IdleTimeoutSeconds int    `mapstructure:"idle_timeout_seconds"`
}

// Kind returns the configured variant, or "" when none or several are set.
func (t TransportConfig) Kind() core.TransportKind {
	var kinds []core.TransportKind
	if t.TCP != nil {
		kinds = append(kinds, core.TransportTCP)
	}
	if t.Serial != nil {
		kinds = append(kinds, core.TransportSerial)
	}
	if t.MQTT != nil {
		kinds = append(kinds, core.TransportMQTT)
	}
	if t.Multicast != nil {
		kinds = append(kinds, core.TransportMulticast)
	}
	if t.Pcap != nil {
		kinds = append(kinds, core.TransportPcap)
	}
	if t.Sniff != nil {
		kinds = append(kinds, core.TransportSniff)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// ─── Reporters ───

// ReporterConfig selects a reporter plugin by name and passes it an
// opaque config map.
type ReporterConfig struct {
	Name   string         `mapstructure:"name"`
	Config map[string]any `mapstructure:"config"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `meshtap: ...`.
type configRoot struct {
	Meshtap GlobalConfig `mapstructure:"meshtap"`
}

// Load loads configuration from file.
// The YAML file uses `meshtap:` as root key; env vars use the MESHTAP_ prefix (e.g., MESHTAP_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// The `meshtap.` key prefix maps to `MESHTAP_` through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&root, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Meshtap

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "meshtap." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("meshtap.log.level", "info")
	v.SetDefault("meshtap.log.format", "json")
	v.SetDefault("meshtap.log.outputs.file.enabled", false)
	v.SetDefault("meshtap.log.outputs.file.path", "/var/log/meshtap/meshtap.log")
	v.SetDefault("meshtap.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("meshtap.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("meshtap.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("meshtap.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("meshtap.metrics.enabled", false)
	v.SetDefault("meshtap.metrics.listen", ":9091")
	v.SetDefault("meshtap.metrics.path", "/metrics")

	// Pipeline defaults
	v.SetDefault("meshtap.pipeline.buffer_size", 1024)
	v.SetDefault("meshtap.pipeline.workers", 2)
	v.SetDefault("meshtap.pipeline.max_frame_len", 512)
	v.SetDefault("meshtap.pipeline.dedup.enabled", true)
	v.SetDefault("meshtap.pipeline.dedup.size", 4096)

	// Reconnect defaults
	v.SetDefault("meshtap.reconnect.initial_delay", "1s")
	v.SetDefault("meshtap.reconnect.max_delay", "60s")
	v.SetDefault("meshtap.reconnect.multiplier", 2.0)
	v.SetDefault("meshtap.reconnect.jitter", true)
}

// Transport defaults applied per entry.
const (
	DefaultHeartbeatSeconds = 60
	DefaultBaudrate         = 115200
	DefaultMQTTPort         = 1883
	DefaultMQTTKeepAlive    = 10
	DefaultMulticastAddress = "224.0.0.69:4403"
	DefaultPcapPort         = 4403
	DefaultSniffSnapLen     = 2048
	DefaultSniffBlockSizeKB = 1024
	DefaultSniffNumBlocks   = 16
)

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults. All problems are reported together.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	var errs error
	invalid := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{core.ErrConfigInvalid}, args...)...))
	}

	// ── Log ──
	if !validLevels[cfg.Log.Level] {
		invalid("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		invalid("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Pipeline ──
	if cfg.Pipeline.BufferSize <= 0 {
		invalid("pipeline.buffer_size must be positive")
	}
	if cfg.Pipeline.Workers <= 0 {
		invalid("pipeline.workers must be positive")
	}
	if cfg.Pipeline.MaxFrameLen <= 0 || cfg.Pipeline.MaxFrameLen > 0xffff {
		invalid("pipeline.max_frame_len must be in 1..65535")
	}
	if cfg.Pipeline.Dedup.Enabled && cfg.Pipeline.Dedup.Size <= 0 {
		invalid("pipeline.dedup.size must be positive when dedup is enabled")
	}

	// ── Reconnect ──
	if cfg.Reconnect.InitialDelay <= 0 {
		invalid("reconnect.initial_delay must be positive")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.InitialDelay {
		invalid("reconnect.max_delay must not be below initial_delay")
	}
	if cfg.Reconnect.Multiplier < 1 {
		invalid("reconnect.multiplier must be >= 1")
	}

	// ── Keys ──
	for i, ch := range cfg.Keys.Channels {
		if ch.Name == "" {
			invalid("keys.channels[%d]: name is required", i)
		}
	}

	// ── Transports ──
	names := make(map[string]bool)
	for i := range cfg.Transports {
		t := &cfg.Transports[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("transport-%d", i)
		}
		if names[t.Name] {
			invalid("transports[%d]: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true
		errs = multierr.Append(errs, t.applyDefaults(i))
	}

	// ── Reporters ──
	if len(cfg.Reporters) == 0 {
		cfg.Reporters = []ReporterConfig{{Name: "console"}}
	}
	for i, r := range cfg.Reporters {
		if r.Name == "" {
			invalid("reporters[%d]: name is required", i)
		}
	}

	return errs
}

// defaultHeartbeat fills in DefaultHeartbeatSeconds when the key is
// absent. An explicit 0 (or a negative value) disables the heartbeat.
func defaultHeartbeat(v *int) *int {
	if v != nil {
		return v
	}
	n := DefaultHeartbeatSeconds
	return &n
}

func (t *TransportConfig) applyDefaults(i int) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: transports[%d] (%s): "+format,
			append([]any{core.ErrConfigInvalid, i, t.Name}, args...)...)
	}

	switch t.Kind() {
	case core.TransportTCP:
		if t.TCP.ConnectTo == "" {
			return invalid("tcp.connect_to is required")
		}
		t.TCP.HeartbeatSeconds = defaultHeartbeat(t.TCP.HeartbeatSeconds)
	case core.TransportSerial:
		if t.Serial.TTY == "" {
			return invalid("serial.tty is required")
		}
		if t.Serial.Baudrate == 0 {
			t.Serial.Baudrate = DefaultBaudrate
		}
		t.Serial.HeartbeatSeconds = defaultHeartbeat(t.Serial.HeartbeatSeconds)
	case core.TransportMQTT:
		if t.MQTT.ServerAddr == "" {
			return invalid("mqtt.server_addr is required")
		}
		if len(t.MQTT.Subscribe) == 0 {
			return invalid("mqtt.subscribe needs at least one topic pattern")
		}
		if t.MQTT.ServerPort == 0 {
			t.MQTT.ServerPort = DefaultMQTTPort
		}
		if t.MQTT.KeepAliveSeconds == 0 {
			t.MQTT.KeepAliveSeconds = DefaultMQTTKeepAlive
		}
	case core.TransportMulticast:
		if t.Multicast.ListenAddress == "" {
			t.Multicast.ListenAddress = DefaultMulticastAddress
		}
	case core.TransportPcap:
		if t.Pcap.Path == "" {
			return invalid("pcap.path is required")
		}
		if t.Pcap.Port == 0 {
			t.Pcap.Port = DefaultPcapPort
		}
	case core.TransportSniff:
		if t.Sniff.Interface == "" {
			return invalid("sniff.interface is required")
		}
		if t.Sniff.Port == 0 {
			t.Sniff.Port = DefaultPcapPort
		}
		if t.Sniff.SnapLen == 0 {
			t.Sniff.SnapLen = DefaultSniffSnapLen
		}
		if t.Sniff.BlockSizeKB == 0 {
			t.Sniff.BlockSizeKB = DefaultSniffBlockSizeKB
		}
		if t.Sniff.NumBlocks == 0 {
			t.Sniff.NumBlocks = DefaultSniffNumBlocks
		}
	default:
		return invalid("exactly one of tcp, serial, mqtt, multicast, pcap or sniff must be set")
	}
	return nil
}
