package mesh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/peermesh/internal/protocol"
)

// PeerRecord is a peer observed via any inbound message.
type PeerRecord struct {
	PeerID     string    `json:"peerId" yaml:"peer_id"`
	LastSeenAt time.Time `json:"lastSeenAt" yaml:"last_seen_at"`

	seq uint64
}

// ServiceAdvertisement is the latest claim seen for one serviceId.
type ServiceAdvertisement struct {
	NodeID      string    `json:"nodeId" yaml:"node_id"`
	PeerID      string    `json:"peerId" yaml:"peer_id"`
	ServiceID   string    `json:"serviceId" yaml:"service_id"`
	ServiceName string    `json:"serviceName" yaml:"service_name"`
	LastSeenAt  time.Time `json:"lastSeenAt" yaml:"last_seen_at"`

	seq uint64
}

// Advertise broadcasts that this node hosts serviceID. It is idempotent and
// the service is re-broadcast on every advertise tick and to new peers.
func (m *Mesh) Advertise(ctx context.Context, serviceID, serviceName string) error {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return fmt.Errorf("%w: empty service id", protocol.ErrInvalidMessage)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.local[serviceID] = serviceName
	m.mu.Unlock()

	return m.broadcast(ctx, protocol.ServiceAd{
		NodeID:      m.localID,
		ServiceID:   serviceID,
		ServiceName: serviceName,
	})
}

// LocalServices returns the services this node advertises, by id.
func (m *Mesh) LocalServices() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.local))
	for id, name := range m.local {
		out[id] = name
	}
	return out
}

func (m *Mesh) advertiseAll(ctx context.Context) {
	for id, name := range m.LocalServices() {
		err := m.broadcast(ctx, protocol.ServiceAd{NodeID: m.localID, ServiceID: id, ServiceName: name})
		if err != nil {
			m.log.Warn().Err(err).Str("service", id).Msg("advertise failed")
		}
	}
}

// greet introduces this node and its services to a newly seen peer.
func (m *Mesh) greet(ctx context.Context, peerID string) {
	if err := m.send(ctx, peerID, protocol.Hello{NodeID: m.localID}); err != nil {
		m.log.Debug().Err(err).Str("peer", peerID).Msg("hello reply failed")
		return
	}
	for id, name := range m.LocalServices() {
		err := m.send(ctx, peerID, protocol.ServiceAd{NodeID: m.localID, ServiceID: id, ServiceName: name})
		if err != nil {
			m.log.Debug().Err(err).Str("peer", peerID).Str("service", id).Msg("direct advertise failed")
		}
	}
}

// onAdvertisement stores ad keyed by serviceId; the latest observation wins.
func (m *Mesh) onAdvertisement(from string, ad protocol.ServiceAd) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.services[ad.ServiceID]
	m.services[ad.ServiceID] = ServiceAdvertisement{
		NodeID:      ad.NodeID,
		PeerID:      from,
		ServiceID:   ad.ServiceID,
		ServiceName: ad.ServiceName,
		LastSeenAt:  m.clock.Now(),
		seq:         m.nextSeqLocked(),
	}
	if !existed || prev.PeerID != from {
		m.log.Debug().
			Str("service", ad.ServiceID).
			Str("name", ad.ServiceName).
			Str("peer", from).
			Msg("service advertised")
	}
}

// Lookup returns the advertisement for serviceID.
func (m *Mesh) Lookup(serviceID string) (ServiceAdvertisement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ad, ok := m.services[serviceID]
	return ad, ok
}

// ResolveByName returns the most recently seen advertisement named serviceName.
func (m *Mesh) ResolveByName(serviceName string) (ServiceAdvertisement, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  ServiceAdvertisement
		found bool
	)
	for _, ad := range m.services {
		if ad.ServiceName != serviceName {
			continue
		}
		if !found || ad.seq > best.seq {
			best = ad
			found = true
		}
	}
	return best, found
}

// ListPeers returns known peers, most recently seen first.
func (m *Mesh) ListPeers() []PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerRecord, 0, len(m.peers))
	for _, rec := range m.peers {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq > out[j].seq
	})
	return out
}

// ListServices returns known advertisements, most recently seen first.
func (m *Mesh) ListServices() []ServiceAdvertisement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceAdvertisement, 0, len(m.services))
	for _, ad := range m.services {
		out = append(out, ad)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq > out[j].seq
	})
	return out
}

// prunePeersLocked drops peers unseen for PeerTTL with their stats and services.
func (m *Mesh) prunePeersLocked(now time.Time) []string {
	if m.cfg.PeerTTL <= 0 {
		return nil
	}
	var pruned []string
	for id, rec := range m.peers {
		if now.Sub(rec.LastSeenAt) < m.cfg.PeerTTL {
			continue
		}
		delete(m.peers, id)
		delete(m.stats, id)
		for sid, ad := range m.services {
			if ad.PeerID == id {
				delete(m.services, sid)
			}
		}
		pruned = append(pruned, id)
	}
	return pruned
}
