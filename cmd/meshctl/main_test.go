package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/peermesh/internal/config"
	"github.com/danmuck/peermesh/internal/logging"
	"github.com/danmuck/peermesh/internal/mesh"
	"github.com/danmuck/peermesh/internal/testutil/testlog"
	"github.com/danmuck/peermesh/internal/transport/memnet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func memNode(t *testing.T, hub *memnet.Hub, id string) *mesh.Mesh {
	t.Helper()
	tr, err := hub.Join(id)
	require.NoError(t, err)
	m, err := mesh.New(tr, mesh.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = tr.Close()
	})
	return m
}

func TestServeHandlers(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	client := memNode(t, hub, "client")
	server := memNode(t, hub, "server")
	ctx := context.Background()

	services := []config.ServiceConfig{
		{ID: "svc.echo", Name: "echo", Handler: config.HandlerEcho},
		{ID: "svc.upper", Name: "upper", Handler: config.HandlerUpper},
		{ID: "svc.info", Name: "info", Handler: config.HandlerInfo},
	}
	handler, err := serveHandlers(server, services, logging.New("handlers-test"))
	require.NoError(t, err)
	server.OnRequest(handler)
	for _, svc := range services {
		require.NoError(t, server.Advertise(ctx, svc.ID, svc.Name))
	}

	ad, err := waitForService(ctx, client, "info", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "svc.info", ad.ServiceID)

	echoed, err := client.Call(ctx, "svc.echo", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"n":1}`, string(echoed))

	upper, err := mesh.Invoke[string](ctx, client, "svc.upper", "quiet")
	require.NoError(t, err)
	require.Equal(t, "QUIET", upper)

	_, err = client.Call(ctx, "svc.upper", 42)
	var remote *mesh.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "svc.upper", remote.ServiceID)

	info, err := mesh.Invoke[nodeInfo](ctx, client, "svc.info", nil)
	require.NoError(t, err)
	require.Equal(t, "server", info.NodeID)
	require.Equal(t, []string{"svc.echo", "svc.info", "svc.upper"}, info.Services)
}

func TestWaitForServiceTimesOut(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	client := memNode(t, hub, "client")
	_, err := waitForService(context.Background(), client, "absent", 60*time.Millisecond)
	require.ErrorIs(t, err, mesh.ErrNoRoute)
}

func TestStatusServer(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	m := memNode(t, hub, "solo")
	require.NoError(t, m.Advertise(context.Background(), "svc.echo", "echo"))
	srv := httptest.NewServer(newStatusRouter("", m))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/snapshot")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var snap mesh.Snapshot
	require.NoError(t, json.NewDecoder(res.Body).Decode(&snap))
	require.Equal(t, "solo", snap.NodeID)
	require.Len(t, snap.LocalServices, 1)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(health.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "solo", body["node"])

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	require.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestStatusServerRequiresToken(t *testing.T) {
	testlog.Start(t)
	hub := memnet.NewHub()
	m := memNode(t, hub, "guarded")
	srv := httptest.NewServer(newStatusRouter("s3cret", m))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/snapshot")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/snapshot", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	metrics, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	metrics.Body.Close()
	require.Equal(t, http.StatusUnauthorized, metrics.StatusCode)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestConfigInitWritesLoadableConfig(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", "--config", path})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "peer id")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Transport.PrivateKeyBase64)

	root = newRootCmd()
	root.SetArgs([]string{"config", "init", "--config", path})
	require.Error(t, root.Execute())

	out.Reset()
	root = newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show", "--config", path})
	require.NoError(t, root.Execute())
	shown := out.String()
	require.Contains(t, shown, `private_key = "<redacted>"`)
	require.Contains(t, shown, `ping_interval = "4s"`)
	require.False(t, strings.Contains(shown, cfg.Transport.PrivateKeyBase64))

	shownPath := filepath.Join(t.TempDir(), "shown.toml")
	require.NoError(t, os.WriteFile(shownPath, []byte(shown), 0o600))
	reloaded, err := config.Load(shownPath)
	require.NoError(t, err)
	require.Equal(t, cfg.Mesh, reloaded.Mesh)
	require.Equal(t, cfg.Services, reloaded.Services)
}

func TestEphemeralStripsServing(t *testing.T) {
	testlog.Start(t)
	cfg := config.DefaultNodeConfig()
	cfg.Transport.PrivateKeyBase64 = "key"
	cfg.Services = []config.ServiceConfig{{ID: "svc.echo", Handler: config.HandlerEcho}}
	cfg.StateFile = "state.yaml"
	cfg.MetricsAddr = ":9464"

	got := ephemeral(cfg)
	require.Empty(t, got.Transport.PrivateKeyBase64)
	require.Empty(t, got.Services)
	require.Empty(t, got.StateFile)
	require.Empty(t, got.MetricsAddr)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/0"}, got.Transport.ListenAddrs)
	require.Equal(t, "key", cfg.Transport.PrivateKeyBase64)
}
