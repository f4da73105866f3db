package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/peermesh/internal/mesh"
	"github.com/danmuck/peermesh/internal/testutil/testlog"
	"github.com/danmuck/peermesh/internal/transport/libp2p"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadOverlaysDefinedKeys(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(filepath.Join("testdata", "node.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != "json" || cfg.MetricsAddr != "127.0.0.1:9999" || cfg.StateInterval != 5*time.Second {
		t.Fatalf("unexpected top-level config: %+v", cfg)
	}
	if cfg.StatusToken != "s3cret" {
		t.Fatalf("unexpected status token: got=%q", cfg.StatusToken)
	}
	if len(cfg.Transport.ListenAddrs) != 1 || cfg.Transport.ListenAddrs[0] != "/ip4/127.0.0.1/tcp/4101" {
		t.Fatalf("unexpected listen addrs: got=%v", cfg.Transport.ListenAddrs)
	}
	if cfg.Transport.ProtocolPrefix != "/lab" || cfg.Transport.DialTimeout != 3*time.Second {
		t.Fatalf("unexpected transport config: %+v", cfg.Transport)
	}
	if cfg.Transport.Backoff != libp2p.DefaultConfig().Backoff {
		t.Fatalf("backoff should keep defaults: got=%+v", cfg.Transport.Backoff)
	}

	if cfg.Mesh.PingInterval != 2*time.Second || cfg.Mesh.PingExpiry != 4*time.Second {
		t.Fatalf("unexpected ping timing: interval=%v expiry=%v", cfg.Mesh.PingInterval, cfg.Mesh.PingExpiry)
	}
	if cfg.Mesh.CallTimeout != 1500*time.Millisecond || cfg.Mesh.PeerTTL != time.Minute {
		t.Fatalf("unexpected mesh timeouts: %+v", cfg.Mesh)
	}
	d := mesh.DefaultConfig()
	if cfg.Mesh.StreamTimeout != d.StreamTimeout || cfg.Mesh.MinChunkBytes != d.MinChunkBytes {
		t.Fatalf("undefined mesh keys should keep defaults: %+v", cfg.Mesh)
	}
	if cfg.Mesh.MaxChunkBytes != 262144 {
		t.Fatalf("unexpected max chunk: got=%d", cfg.Mesh.MaxChunkBytes)
	}

	if len(cfg.Services) != 2 {
		t.Fatalf("expected 2 services, got=%d", len(cfg.Services))
	}
	if got := cfg.Services[0]; got.ID != "svc.echo" || got.Name != "svc.echo" || got.Handler != HandlerEcho {
		t.Fatalf("unexpected default service fill: %+v", got)
	}
	if got := cfg.Services[1]; got.ID != "svc.info" || got.Name != "info" || got.Handler != HandlerInfo {
		t.Fatalf("unexpected service: %+v", got)
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := DefaultNodeConfig()
	if cfg.Mesh != want.Mesh || cfg.LogFormat != want.LogFormat || len(cfg.Services) != 0 {
		t.Fatalf("expected defaults, got=%+v", cfg)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	testlog.Start(t)
	_, err := Load(filepath.Join("testdata", "unknown_key.toml"))
	if err == nil || !strings.Contains(err.Error(), "ping_intervall") {
		t.Fatalf("expected unknown key error, got=%v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad duration":   "[mesh]\ncall_timeout = \"soon\"\n",
		"chunk bounds":   "[mesh]\nmin_chunk_bytes = 900000\nmax_chunk_bytes = 1000\n",
		"log format":     "log_format = \"xml\"\n",
		"missing id":     "[[services]]\nname = \"x\"\n",
		"bad handler":    "[[services]]\nid = \"svc.a\"\nhandler = \"exec\"\n",
		"duplicate id":   "[[services]]\nid = \"svc.a\"\n[[services]]\nid = \"svc.a\"\n",
		"state interval": "state_file = \"s.yaml\"\nstate_interval = \"0s\"\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	testlog.Start(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	boot := []string{"/ip4/127.0.0.1/tcp/4001/p2p/12D3KooWExample"}
	if err := WriteTemplate(path, "a2V5", boot, false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "", nil, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Transport.PrivateKeyBase64 != "a2V5" || len(cfg.Transport.Bootstrap) != 1 || cfg.Transport.Bootstrap[0] != boot[0] {
		t.Fatalf("unexpected transport from template: %+v", cfg.Transport)
	}
	if len(cfg.Services) != 2 || cfg.Services[1].Handler != HandlerUpper {
		t.Fatalf("unexpected template services: %+v", cfg.Services)
	}
}

func TestWriteRoundTrips(t *testing.T) {
	testlog.Start(t)
	want, err := Load(filepath.Join("testdata", "node.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var buf bytes.Buffer
	if err := Write(&buf, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := buf.String()
	for _, line := range []string{`ping_interval = "2s"`, `call_timeout = "1.5s"`, `peer_ttl = "1m0s"`, `[[services]]`} {
		if !strings.Contains(out, line) {
			t.Fatalf("rendered config missing %q:\n%s", line, out)
		}
	}

	got, err := Load(writeConfig(t, out))
	if err != nil {
		t.Fatalf("reload rendered config: %v\n%s", err, out)
	}
	if got.LogFormat != want.LogFormat || got.StatusToken != want.StatusToken || got.StateInterval != want.StateInterval {
		t.Fatalf("top-level mismatch: got=%+v want=%+v", got, want)
	}
	if got.Mesh != want.Mesh {
		t.Fatalf("mesh mismatch: got=%+v want=%+v", got.Mesh, want.Mesh)
	}
	if got.Transport.DialTimeout != want.Transport.DialTimeout || got.Transport.MaxFrameBytes != want.Transport.MaxFrameBytes ||
		strings.Join(got.Transport.Bootstrap, ",") != strings.Join(want.Transport.Bootstrap, ",") {
		t.Fatalf("transport mismatch: got=%+v want=%+v", got.Transport, want.Transport)
	}
	if len(got.Services) != len(want.Services) {
		t.Fatalf("services mismatch: got=%+v want=%+v", got.Services, want.Services)
	}
	for i := range want.Services {
		if got.Services[i] != want.Services[i] {
			t.Fatalf("service %d mismatch: got=%+v want=%+v", i, got.Services[i], want.Services[i])
		}
	}
}
