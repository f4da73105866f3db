package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/danmuck/peermesh/internal/config"
	"github.com/danmuck/peermesh/internal/logging"
	"github.com/danmuck/peermesh/internal/mesh"
	"github.com/danmuck/peermesh/internal/transport/libp2p"
)

type node struct {
	mesh      *mesh.Mesh
	transport *libp2p.Transport
	log       zerolog.Logger
}

// startNode brings up the transport, dials bootstrap peers, and starts the
// mesh loops. Bootstrap failures are logged; a node may be the first peer.
func startNode(ctx context.Context, cfg config.NodeConfig) (*node, error) {
	log := logging.New("meshctl")
	tr, err := libp2p.New(cfg.Transport, logging.New("transport"))
	if err != nil {
		return nil, err
	}
	m, err := mesh.New(tr, cfg.Mesh, mesh.WithLogger(logging.New("mesh")))
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	if err := tr.ConnectBootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("bootstrap incomplete")
	}
	if err := m.Start(ctx); err != nil {
		_ = m.Close()
		_ = tr.Close()
		return nil, err
	}
	return &node{mesh: m, transport: tr, log: log}, nil
}

func (n *node) Close() {
	_ = n.mesh.Close()
	_ = n.transport.Close()
}

// ephemeral turns a node config into a short-lived client identity that
// serves nothing and cannot clash with a running node.
func ephemeral(cfg config.NodeConfig) config.NodeConfig {
	cfg.Transport.PrivateKeyBase64 = ""
	cfg.Transport.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.Services = nil
	cfg.StateFile = ""
	cfg.MetricsAddr = ""
	return cfg
}
