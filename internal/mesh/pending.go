package mesh

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// PendingCall tracks one outstanding RPC awaiting RPC_RES.
type PendingCall struct {
	ID        string    `json:"id" yaml:"id"`
	ServiceID string    `json:"serviceId" yaml:"service_id"`
	PeerID    string    `json:"peerId" yaml:"peer_id"`
	StartedAt time.Time `json:"startedAt" yaml:"started_at"`
	Deadline  time.Time `json:"deadline" yaml:"deadline"`

	timer *clock.Timer
	done  chan callResult
}

type callResult struct {
	value   json.RawMessage
	err     error
	outcome string
}

// callTable stores pending calls by request id. Guarded by Mesh.mu.
type callTable struct {
	items map[string]*PendingCall
}

func newCallTable() callTable {
	return callTable{items: make(map[string]*PendingCall)}
}

func (t callTable) add(c *PendingCall) {
	key := strings.TrimSpace(c.ID)
	if key == "" {
		return
	}
	t.items[key] = c
}

// take removes and returns the call; the caller owns resolving it.
func (t callTable) take(id string) (*PendingCall, bool) {
	key := strings.TrimSpace(id)
	c, ok := t.items[key]
	if ok {
		delete(t.items, key)
	}
	return c, ok
}

func (t callTable) get(id string) (*PendingCall, bool) {
	c, ok := t.items[strings.TrimSpace(id)]
	return c, ok
}

func (t callTable) drain() []*PendingCall {
	out := make([]*PendingCall, 0, len(t.items))
	for id, c := range t.items {
		out = append(out, c)
		delete(t.items, id)
	}
	return out
}

func (t callTable) len() int {
	return len(t.items)
}

func (t callTable) list() []PendingCall {
	out := make([]PendingCall, 0, len(t.items))
	for _, c := range t.items {
		out = append(out, PendingCall{
			ID:        c.ID,
			ServiceID: c.ServiceID,
			PeerID:    c.PeerID,
			StartedAt: c.StartedAt,
			Deadline:  c.Deadline,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
