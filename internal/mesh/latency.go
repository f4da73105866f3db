package mesh

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/danmuck/peermesh/internal/observability"
	"github.com/danmuck/peermesh/internal/protocol"
)

const (
	rttAlpha    = 0.2
	jitterAlpha = 0.3
)

// PeerStats is the rolling network-quality view of one peer.
type PeerStats struct {
	PeerID        string  `json:"peerId" yaml:"peer_id"`
	RTTMs         float64 `json:"rttMs" yaml:"rtt_ms"`
	AvgRTTMs      float64 `json:"avgRttMs" yaml:"avg_rtt_ms"`
	JitterMs      float64 `json:"jitterMs" yaml:"jitter_ms"`
	BytesSent     uint64  `json:"bytesSent" yaml:"bytes_sent"`
	BytesReceived uint64  `json:"bytesReceived" yaml:"bytes_received"`
	ThroughputBps float64 `json:"throughputBps" yaml:"throughput_bps"`
}

type pendingPing struct {
	peerID   string
	sentAt   float64
	sentTime time.Time
}

// Stats returns a copy of the stats for peerID.
func (m *Mesh) Stats(peerID string) (PeerStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[peerID]
	if !ok {
		return PeerStats{}, false
	}
	return *st, true
}

// ListStats returns stats for every observed peer ordered by peer id.
func (m *Mesh) ListStats() []PeerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerStats, 0, len(m.stats))
	for _, st := range m.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

func (m *Mesh) statsLocked(peerID string) *PeerStats {
	st, ok := m.stats[peerID]
	if !ok {
		st = &PeerStats{PeerID: peerID}
		m.stats[peerID] = st
	}
	return st
}

// pingPeers runs one ping tick: expire stale pings, prune idle peers, then
// ping every remaining peer.
func (m *Mesh) pingPeers(ctx context.Context) {
	type target struct {
		peerID string
		ping   protocol.Ping
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	expired := 0
	for id, p := range m.pings {
		if now.Sub(p.sentTime) >= m.cfg.PingExpiry {
			delete(m.pings, id)
			expired++
		}
	}
	pruned := m.prunePeersLocked(now)
	sentAt := m.nowMs()
	targets := make([]target, 0, len(m.peers))
	for peerID := range m.peers {
		id := newID()
		m.pings[id] = pendingPing{peerID: peerID, sentAt: sentAt, sentTime: now}
		targets = append(targets, target{peerID: peerID, ping: protocol.Ping{ID: id, SentAt: sentAt}})
	}
	m.mu.Unlock()

	if expired > 0 || len(pruned) > 0 {
		m.log.Debug().Int("expired_pings", expired).Strs("pruned_peers", pruned).Msg("ping tick housekeeping")
	}
	for _, tg := range targets {
		if err := m.send(ctx, tg.peerID, tg.ping); err != nil {
			m.log.Debug().Err(err).Str("peer", tg.peerID).Msg("ping send failed")
		}
	}
}

func (m *Mesh) onPing(from string, p protocol.Ping) {
	pong := protocol.Pong{ID: p.ID, SentAt: p.SentAt, ReceivedAt: m.nowMs()}
	if err := m.send(m.ctx, from, pong); err != nil {
		m.log.Debug().Err(err).Str("peer", from).Msg("pong send failed")
	}
}

func (m *Mesh) onPong(from string, p protocol.Pong) {
	m.mu.Lock()
	pending, ok := m.pings[p.ID]
	if !ok || pending.peerID != from {
		m.mu.Unlock()
		m.log.Debug().Str("peer", from).Str("ping", p.ID).Msg("pong ignored")
		return
	}
	delete(m.pings, p.ID)
	rtt := math.Max(0, m.nowMs()-pending.sentAt)
	st := m.updateRTTLocked(from, rtt)
	m.mu.Unlock()

	observability.RecordRTT(m.localID, rtt)
	m.log.Trace().
		Str("peer", from).
		Float64("rtt_ms", rtt).
		Float64("avg_rtt_ms", st.AvgRTTMs).
		Float64("jitter_ms", st.JitterMs).
		Msg("rtt sample")
}

// updateRTTLocked folds one rtt sample into the peer's EWMA estimates.
func (m *Mesh) updateRTTLocked(peerID string, rtt float64) PeerStats {
	st := m.statsLocked(peerID)
	st.RTTMs = rtt
	if st.AvgRTTMs == 0 {
		st.AvgRTTMs = rtt
	} else {
		st.AvgRTTMs = st.AvgRTTMs*(1-rttAlpha) + rtt*rttAlpha
	}
	// Jitter starts at zero, so a lone spike after flat samples moves it by alpha only.
	dev := math.Abs(rtt - st.AvgRTTMs)
	st.JitterMs = st.JitterMs*(1-jitterAlpha) + dev*jitterAlpha
	return *st
}

func (m *Mesh) addBytesSent(peerID string, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.statsLocked(peerID).BytesSent += uint64(n)
	m.mu.Unlock()
	observability.RecordBytes(m.localID, "sent", n)
}

func (m *Mesh) addBytesReceivedLocked(peerID string, n int) {
	if n <= 0 {
		return
	}
	m.statsLocked(peerID).BytesReceived += uint64(n)
}

func (m *Mesh) recordThroughputLocked(peerID string, n int, elapsed time.Duration) {
	if n <= 0 || elapsed <= 0 {
		return
	}
	m.statsLocked(peerID).ThroughputBps = float64(n) / elapsed.Seconds()
}

// rttFor returns the planner's rtt estimate for peerID in milliseconds.
func (m *Mesh) rttFor(peerID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stats[peerID]; ok {
		if st.AvgRTTMs > 0 {
			return st.AvgRTTMs
		}
		if st.RTTMs > 0 {
			return st.RTTMs
		}
	}
	return float64(m.cfg.DefaultRTT) / float64(time.Millisecond)
}
