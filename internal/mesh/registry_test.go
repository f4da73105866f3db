package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/peermesh/internal/protocol"
	"github.com/danmuck/peermesh/internal/testutil/testlog"
)

func TestAdvertiseBroadcastsServiceAd(t *testing.T) {
	testlog.Start(t)
	m, tr := newTestMesh(t, "node-a", DefaultConfig())

	if err := m.Advertise(context.Background(), "svc.echo", "echo"); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := m.Advertise(context.Background(), "svc.echo", "echo"); err != nil {
		t.Fatalf("advertise again: %v", err)
	}
	ads := tr.ofKind(protocol.KindServiceAd)
	if len(ads) != 2 || !ads[0].broadcast {
		t.Fatalf("expected two broadcast ads, got=%+v", ads)
	}
	var ad protocol.ServiceAd
	decodePayload(t, ads[0].msg, &ad)
	if ad.NodeID != "node-a" || ad.ServiceID != "svc.echo" || ad.ServiceName != "echo" {
		t.Fatalf("unexpected ad payload: %+v", ad)
	}
	if got := m.LocalServices(); len(got) != 1 || got["svc.echo"] != "echo" {
		t.Fatalf("unexpected local services: %+v", got)
	}
	if err := m.Advertise(context.Background(), " ", "blank"); !errors.Is(err, protocol.ErrInvalidMessage) {
		t.Fatalf("expected invalid message for blank id, got=%v", err)
	}
}

func TestAdvertisementLatestWins(t *testing.T) {
	testlog.Start(t)
	m, _ := newTestMesh(t, "node-a", DefaultConfig())

	deliver(t, m, "peer-b", protocol.ServiceAd{NodeID: "node-b", ServiceID: "svc.1", ServiceName: "compute"})
	deliver(t, m, "peer-c", protocol.ServiceAd{NodeID: "node-c", ServiceID: "svc.1", ServiceName: "compute"})

	ad, ok := m.Lookup("svc.1")
	if !ok || ad.PeerID != "peer-c" || ad.NodeID != "node-c" {
		t.Fatalf("expected latest advertiser peer-c, got=%+v ok=%v", ad, ok)
	}
	if len(m.ListServices()) != 1 {
		t.Fatalf("expected one entry per serviceId, got=%+v", m.ListServices())
	}

	deliver(t, m, "peer-b", protocol.ServiceAd{NodeID: "node-b", ServiceID: "svc.2", ServiceName: "compute"})
	best, ok := m.ResolveByName("compute")
	if !ok || best.ServiceID != "svc.2" {
		t.Fatalf("expected most recent svc.2, got=%+v ok=%v", best, ok)
	}
	if _, ok := m.ResolveByName("missing"); ok {
		t.Fatalf("expected no match for unknown name")
	}

	services := m.ListServices()
	if len(services) != 2 || services[0].ServiceID != "svc.2" || services[1].ServiceID != "svc.1" {
		t.Fatalf("expected recency order svc.2, svc.1, got=%+v", services)
	}
	peers := m.ListPeers()
	if len(peers) != 2 || peers[0].PeerID != "peer-b" || peers[1].PeerID != "peer-c" {
		t.Fatalf("expected recency order peer-b, peer-c, got=%+v", peers)
	}
}

func TestFirstContactGreetsPeer(t *testing.T) {
	testlog.Start(t)
	m, tr := newTestMesh(t, "node-a", DefaultConfig())
	if err := m.Advertise(context.Background(), "svc.local", "local"); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	tr.reset()

	deliver(t, m, "peer-b", protocol.Hello{NodeID: "node-b"})
	hellos := tr.ofKind(protocol.KindHello)
	if len(hellos) != 1 || hellos[0].broadcast || hellos[0].peer != "peer-b" {
		t.Fatalf("expected one direct hello to peer-b, got=%+v", hellos)
	}
	ads := tr.ofKind(protocol.KindServiceAd)
	if len(ads) != 1 || ads[0].peer != "peer-b" {
		t.Fatalf("expected one direct ad to peer-b, got=%+v", ads)
	}

	deliver(t, m, "peer-b", protocol.Hello{NodeID: "node-b"})
	if got := len(tr.ofKind(protocol.KindHello)); got != 1 {
		t.Fatalf("known peer should not be greeted again, hellos=%d", got)
	}
}

func TestSelfMessagesIgnored(t *testing.T) {
	testlog.Start(t)
	m, tr := newTestMesh(t, "node-a", DefaultConfig())
	deliver(t, m, "node-a", protocol.ServiceAd{NodeID: "node-a", ServiceID: "svc.self", ServiceName: "self"})
	if len(m.ListPeers()) != 0 || len(m.ListServices()) != 0 || len(tr.messages()) != 0 {
		t.Fatalf("expected self traffic to be ignored")
	}
}

func TestPeerTTLPrunesPeerStatsAndServices(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.PeerTTL = 10 * time.Second
	m, tr, mock := newMockMesh(t, "node-a", cfg)

	deliver(t, m, "peer-b", protocol.ServiceAd{NodeID: "node-b", ServiceID: "svc.b", ServiceName: "b"})
	mock.Add(6 * time.Second)
	deliver(t, m, "peer-c", protocol.Hello{NodeID: "node-c"})
	m.mu.Lock()
	m.updateRTTLocked("peer-b", 12)
	m.mu.Unlock()

	mock.Add(5 * time.Second)
	tr.reset()
	m.pingPeers(context.Background())

	peers := m.ListPeers()
	if len(peers) != 1 || peers[0].PeerID != "peer-c" {
		t.Fatalf("expected only peer-c to survive, got=%+v", peers)
	}
	if _, ok := m.Lookup("svc.b"); ok {
		t.Fatalf("expected svc.b to be pruned with its peer")
	}
	if _, ok := m.Stats("peer-b"); ok {
		t.Fatalf("expected stats for peer-b to be pruned")
	}
	pings := tr.ofKind(protocol.KindPing)
	if len(pings) != 1 || pings[0].peer != "peer-c" {
		t.Fatalf("expected one ping to peer-c, got=%+v", pings)
	}
}

func TestPeersKeptWithoutTTL(t *testing.T) {
	testlog.Start(t)
	m, _, mock := newMockMesh(t, "node-a", DefaultConfig())
	deliver(t, m, "peer-b", protocol.Hello{NodeID: "node-b"})
	mock.Add(24 * time.Hour)
	m.pingPeers(context.Background())
	if len(m.ListPeers()) != 1 {
		t.Fatalf("expected peer to be kept with zero ttl")
	}
}
