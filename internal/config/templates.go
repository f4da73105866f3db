package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Template renders a node config. privateKey may be empty, in which case the
// node generates a fresh identity on every start.
func Template(privateKey string, bootstrap []string) string {
	var b strings.Builder
	b.WriteString(nodeTemplateHead)
	fmt.Fprintf(&b, "private_key = %q\n", privateKey)
	b.WriteString("bootstrap = [")
	for i, addr := range bootstrap {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%q", addr)
	}
	b.WriteString("]\n")
	b.WriteString(nodeTemplateTail)
	return b.String()
}

// WriteTemplate writes Template output to path.
func WriteTemplate(path, privateKey string, bootstrap []string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template(privateKey, bootstrap)), 0o600)
}

// Write renders cfg as TOML using the same keys and duration strings Load
// accepts, so the output can be loaded back.
func Write(w io.Writer, cfg NodeConfig) error {
	raw := fileConfig{
		LogFormat:     cfg.LogFormat,
		MetricsAddr:   cfg.MetricsAddr,
		StatusToken:   cfg.StatusToken,
		StateFile:     cfg.StateFile,
		StateInterval: cfg.StateInterval.String(),
		Transport: transportFile{
			ListenAddrs:    cfg.Transport.ListenAddrs,
			ProtocolPrefix: cfg.Transport.ProtocolPrefix,
			PrivateKey:     cfg.Transport.PrivateKeyBase64,
			Bootstrap:      cfg.Transport.Bootstrap,
			DialTimeout:    cfg.Transport.DialTimeout.String(),
			MaxFrameBytes:  cfg.Transport.MaxFrameBytes,
			MaxAttempts:    cfg.Transport.Backoff.MaxAttempts,
		},
		Mesh: meshFile{
			PingInterval:      cfg.Mesh.PingInterval.String(),
			CallTimeout:       cfg.Mesh.CallTimeout.String(),
			StreamTimeout:     cfg.Mesh.StreamTimeout.String(),
			AdvertiseInterval: cfg.Mesh.AdvertiseInterval.String(),
			PeerTTL:           cfg.Mesh.PeerTTL.String(),
			MinChunkBytes:     cfg.Mesh.MinChunkBytes,
			MaxChunkBytes:     cfg.Mesh.MaxChunkBytes,
			FixedChunkBytes:   cfg.Mesh.FixedChunkBytes,
		},
	}
	for _, svc := range cfg.Services {
		raw.Services = append(raw.Services, serviceFile{ID: svc.ID, Name: svc.Name, Handler: svc.Handler})
	}
	if err := toml.NewEncoder(w).Encode(raw); err != nil {
		return fmt.Errorf("config encode failed: %w", err)
	}
	return nil
}

const nodeTemplateHead = `log_format = "pretty"
metrics_addr = "127.0.0.1:9464"
status_token = ""
state_file = "peermesh-state.yaml"
state_interval = "30s"

[transport]
listen_addrs = ["/ip4/0.0.0.0/tcp/4001"]
protocol_prefix = "/peermesh"
dial_timeout = "10s"
bootstrap_max_attempts = 8
`

const nodeTemplateTail = `
[mesh]
ping_interval = "4s"
call_timeout = "8s"
stream_timeout = "12s"
advertise_interval = "30s"
peer_ttl = "0s"
min_chunk_bytes = 16384
max_chunk_bytes = 524288
fixed_chunk_bytes = 65536

[[services]]
id = "svc.echo"
name = "echo"
handler = "echo"

[[services]]
id = "svc.upper"
name = "upper"
handler = "upper"
`
