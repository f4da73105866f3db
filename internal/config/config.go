// Package config loads peermesh node configuration from TOML.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/peermesh/internal/mesh"
	"github.com/danmuck/peermesh/internal/services"
	"github.com/danmuck/peermesh/internal/transport/libp2p"
)

// Handler names the built-in request handlers a node can serve.
const (
	HandlerEcho  = services.HandlerEcho
	HandlerUpper = services.HandlerUpper
	HandlerInfo  = services.HandlerInfo
)

// ServiceConfig is one service the node advertises.
type ServiceConfig struct {
	ID      string
	Name    string
	Handler string
}

// NodeConfig is the resolved runtime configuration for meshctl run.
type NodeConfig struct {
	LogFormat     string
	MetricsAddr   string
	StatusToken   string
	StateFile     string
	StateInterval time.Duration
	Mesh          mesh.Config
	Transport     libp2p.Config
	Services      []ServiceConfig
}

type fileConfig struct {
	LogFormat     string        `toml:"log_format"`
	MetricsAddr   string        `toml:"metrics_addr"`
	StatusToken   string        `toml:"status_token"`
	StateFile     string        `toml:"state_file"`
	StateInterval string        `toml:"state_interval"`
	Transport     transportFile `toml:"transport"`
	Mesh          meshFile      `toml:"mesh"`
	Services      []serviceFile `toml:"services,omitempty"`
}

type transportFile struct {
	ListenAddrs    []string `toml:"listen_addrs"`
	ProtocolPrefix string   `toml:"protocol_prefix"`
	PrivateKey     string   `toml:"private_key"`
	Bootstrap      []string `toml:"bootstrap,omitempty"`
	DialTimeout    string   `toml:"dial_timeout"`
	MaxFrameBytes  int      `toml:"max_frame_bytes"`
	MaxAttempts    int      `toml:"bootstrap_max_attempts"`
}

type meshFile struct {
	PingInterval      string `toml:"ping_interval"`
	CallTimeout       string `toml:"call_timeout"`
	StreamTimeout     string `toml:"stream_timeout"`
	AdvertiseInterval string `toml:"advertise_interval"`
	PeerTTL           string `toml:"peer_ttl"`
	MinChunkBytes     int    `toml:"min_chunk_bytes"`
	MaxChunkBytes     int    `toml:"max_chunk_bytes"`
	FixedChunkBytes   int    `toml:"fixed_chunk_bytes"`
}

type serviceFile struct {
	ID      string `toml:"id"`
	Name    string `toml:"name"`
	Handler string `toml:"handler"`
}

// DefaultNodeConfig returns the configuration used for keys a file omits.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		LogFormat:     "pretty",
		StateInterval: 30 * time.Second,
		Mesh:          mesh.DefaultConfig(),
		Transport:     libp2p.DefaultConfig(),
	}
}

// Load reads path and overlays every defined key on DefaultNodeConfig.
func Load(path string) (NodeConfig, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return NodeConfig{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	cfg, err := resolve(raw, meta)
	if err != nil {
		return NodeConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func resolve(raw fileConfig, meta toml.MetaData) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	var err error

	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("status_token") {
		cfg.StatusToken = strings.TrimSpace(raw.StatusToken)
	}
	if meta.IsDefined("state_file") {
		cfg.StateFile = strings.TrimSpace(raw.StateFile)
	}
	if meta.IsDefined("state_interval") {
		if cfg.StateInterval, err = parseDuration("state_interval", raw.StateInterval); err != nil {
			return NodeConfig{}, err
		}
	}

	t := raw.Transport
	if meta.IsDefined("transport", "listen_addrs") {
		cfg.Transport.ListenAddrs = normalizeList(t.ListenAddrs)
	}
	if meta.IsDefined("transport", "protocol_prefix") {
		cfg.Transport.ProtocolPrefix = strings.TrimSpace(t.ProtocolPrefix)
	}
	if meta.IsDefined("transport", "private_key") {
		cfg.Transport.PrivateKeyBase64 = strings.TrimSpace(t.PrivateKey)
	}
	if meta.IsDefined("transport", "bootstrap") {
		cfg.Transport.Bootstrap = normalizeList(t.Bootstrap)
	}
	if meta.IsDefined("transport", "dial_timeout") {
		if cfg.Transport.DialTimeout, err = parseDuration("transport.dial_timeout", t.DialTimeout); err != nil {
			return NodeConfig{}, err
		}
	}
	if meta.IsDefined("transport", "max_frame_bytes") {
		cfg.Transport.MaxFrameBytes = t.MaxFrameBytes
	}
	if meta.IsDefined("transport", "bootstrap_max_attempts") {
		cfg.Transport.Backoff.MaxAttempts = t.MaxAttempts
	}

	m := raw.Mesh
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"ping_interval", m.PingInterval, &cfg.Mesh.PingInterval},
		{"call_timeout", m.CallTimeout, &cfg.Mesh.CallTimeout},
		{"stream_timeout", m.StreamTimeout, &cfg.Mesh.StreamTimeout},
		{"advertise_interval", m.AdvertiseInterval, &cfg.Mesh.AdvertiseInterval},
		{"peer_ttl", m.PeerTTL, &cfg.Mesh.PeerTTL},
	}
	for _, d := range durations {
		if !meta.IsDefined("mesh", d.key) {
			continue
		}
		if *d.dst, err = parseDuration("mesh."+d.key, d.raw); err != nil {
			return NodeConfig{}, err
		}
	}
	if meta.IsDefined("mesh", "ping_interval") {
		// Expiry follows a configured interval.
		cfg.Mesh.PingExpiry = 0
	}
	if meta.IsDefined("mesh", "min_chunk_bytes") {
		cfg.Mesh.MinChunkBytes = m.MinChunkBytes
	}
	if meta.IsDefined("mesh", "max_chunk_bytes") {
		cfg.Mesh.MaxChunkBytes = m.MaxChunkBytes
	}
	if meta.IsDefined("mesh", "fixed_chunk_bytes") {
		cfg.Mesh.FixedChunkBytes = m.FixedChunkBytes
	}
	cfg.Mesh = cfg.Mesh.WithDefaults()

	seen := make(map[string]struct{}, len(raw.Services))
	for i, s := range raw.Services {
		svc := ServiceConfig{
			ID:      strings.TrimSpace(s.ID),
			Name:    strings.TrimSpace(s.Name),
			Handler: strings.ToLower(strings.TrimSpace(s.Handler)),
		}
		if svc.Handler == "" {
			svc.Handler = HandlerEcho
		}
		if svc.Name == "" {
			svc.Name = svc.ID
		}
		if err := ValidateService(svc); err != nil {
			return NodeConfig{}, fmt.Errorf("services[%d] invalid: %w", i, err)
		}
		if _, dup := seen[svc.ID]; dup {
			return NodeConfig{}, fmt.Errorf("services[%d] invalid: duplicate id %s", i, svc.ID)
		}
		seen[svc.ID] = struct{}{}
		cfg.Services = append(cfg.Services, svc)
	}

	if err := Validate(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints of a resolved config.
func Validate(cfg NodeConfig) error {
	switch cfg.LogFormat {
	case "", "pretty", "json":
	default:
		return fmt.Errorf("log_format must be pretty or json, got %q", cfg.LogFormat)
	}
	if cfg.StateFile != "" && cfg.StateInterval <= 0 {
		return fmt.Errorf("state_interval must be positive when state_file is set")
	}
	return cfg.Mesh.Validate()
}

func ValidateService(svc ServiceConfig) error {
	if svc.ID == "" {
		return fmt.Errorf("id is required")
	}
	switch svc.Handler {
	case HandlerEcho, HandlerUpper, HandlerInfo:
		return nil
	default:
		return fmt.Errorf("unknown handler %q", svc.Handler)
	}
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
