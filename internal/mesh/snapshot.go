package mesh

import (
	"sort"
	"time"
)

// LocalService is a service this node advertises.
type LocalService struct {
	ServiceID   string `json:"serviceId" yaml:"service_id"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
}

// Snapshot is a point-in-time view of mesh state.
type Snapshot struct {
	NodeID        string                 `json:"nodeId" yaml:"node_id"`
	TakenAt       time.Time              `json:"takenAt" yaml:"taken_at"`
	LocalServices []LocalService         `json:"localServices" yaml:"local_services"`
	Peers         []PeerRecord           `json:"peers" yaml:"peers"`
	Services      []ServiceAdvertisement `json:"services" yaml:"services"`
	Stats         []PeerStats            `json:"stats" yaml:"stats"`
	PendingCalls  []PendingCall          `json:"pendingCalls" yaml:"pending_calls"`
	Streams       []StreamStatus         `json:"streams" yaml:"streams"`
}

// Snapshot captures registry, stats, and in-flight work.
func (m *Mesh) Snapshot() Snapshot {
	peers := m.ListPeers()
	services := m.ListServices()
	stats := m.ListStats()

	m.mu.Lock()
	defer m.mu.Unlock()
	local := make([]LocalService, 0, len(m.local))
	for id, name := range m.local {
		local = append(local, LocalService{ServiceID: id, ServiceName: name})
	}
	sort.Slice(local, func(i, j int) bool {
		return local[i].ServiceID < local[j].ServiceID
	})
	streams := m.streamStatusLocked()
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].StreamID < streams[j].StreamID
	})
	return Snapshot{
		NodeID:        m.localID,
		TakenAt:       m.clock.Now(),
		LocalServices: local,
		Peers:         peers,
		Services:      services,
		Stats:         stats,
		PendingCalls:  m.calls.list(),
		Streams:       streams,
	}
}

// PendingCalls reports how many calls await a response.
func (m *Mesh) PendingCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls.len()
}

// ActiveStreams reports how many receivers are registered.
func (m *Mesh) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.receivers)
}
