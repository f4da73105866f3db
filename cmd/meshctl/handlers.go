package main

import (
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/peermesh/internal/config"
	"github.com/danmuck/peermesh/internal/mesh"
	"github.com/danmuck/peermesh/internal/services"
)

// nodeInfo is the info handler's response.
type nodeInfo struct {
	NodeID   string   `json:"nodeId"`
	Version  string   `json:"version"`
	Uptime   string   `json:"uptime"`
	Peers    int      `json:"peers"`
	Services []string `json:"services"`
	GoOS     string   `json:"goos"`
}

// serveHandlers binds the configured local services to built-in handlers.
func serveHandlers(m *mesh.Mesh, svcs []config.ServiceConfig, log zerolog.Logger) (mesh.RequestHandler, error) {
	started := time.Now()
	reg := services.NewRegistry()
	reg.Register(services.Echo())
	reg.Register(services.Upper())
	reg.Register(services.Info(func() any {
		snap := m.Snapshot()
		ids := make([]string, 0, len(snap.LocalServices))
		for _, s := range snap.LocalServices {
			ids = append(ids, s.ServiceID)
		}
		return nodeInfo{
			NodeID:   m.LocalID(),
			Version:  version,
			Uptime:   time.Since(started).Round(time.Second).String(),
			Peers:    len(snap.Peers),
			Services: ids,
			GoOS:     runtime.GOOS,
		}
	}))

	bindings := make(map[string]string, len(svcs))
	for _, svc := range svcs {
		bindings[svc.ID] = svc.Handler
	}
	return reg.Bind(m, bindings, log)
}
