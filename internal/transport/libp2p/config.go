package libp2p

import (
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	DefaultProtocolPrefix = "/peermesh"
	DefaultMaxFrameBytes  = 8 * 1024 * 1024
)

// BackoffConfig defines bootstrap redial behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	MaxAttempts  int
}

// Config controls the libp2p transport.
type Config struct {
	// ListenAddrs are multiaddrs to bind. Defaults to /ip4/0.0.0.0/tcp/0.
	ListenAddrs []string
	// ProtocolPrefix namespaces the message and raw stream protocols.
	ProtocolPrefix string
	// PrivateKeyBase64 optionally holds a marshalled libp2p private key.
	// If empty, a fresh Ed25519 identity is generated.
	PrivateKeyBase64 string
	// Bootstrap lists /p2p/ multiaddrs dialed by ConnectBootstrap.
	Bootstrap []string
	// DialTimeout bounds one connect or stream open.
	DialTimeout time.Duration
	// IOTimeout bounds one framed write.
	IOTimeout time.Duration
	// MaxFrameBytes caps one inbound length-prefixed frame.
	MaxFrameBytes int
	Backoff       BackoffConfig
}

// DefaultConfig returns transport defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/0"},
		ProtocolPrefix: DefaultProtocolPrefix,
		DialTimeout:    10 * time.Second,
		IOTimeout:      15 * time.Second,
		MaxFrameBytes:  DefaultMaxFrameBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
			MaxAttempts:  8,
		},
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = d.ListenAddrs
	}
	c.ProtocolPrefix = strings.TrimRight(strings.TrimSpace(c.ProtocolPrefix), "/")
	if c.ProtocolPrefix == "" {
		c.ProtocolPrefix = d.ProtocolPrefix
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = d.IOTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = d.Backoff.MaxAttempts
	}
}

// MessageProtocol carries JSON-encoded structured messages.
func (c Config) MessageProtocol() protocol.ID {
	return protocol.ID(c.ProtocolPrefix + "/msg/1.0.0")
}

// RawProtocol carries binary stream frames.
func (c Config) RawProtocol() protocol.ID {
	return protocol.ID(c.ProtocolPrefix + "/raw/1.0.0")
}
