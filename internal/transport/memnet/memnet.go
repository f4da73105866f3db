// Package memnet is an in-memory mesh transport for tests and local demos.
// Delivery is asynchronous and FIFO per receiver; a Filter may drop or
// duplicate individual deliveries.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/peermesh/internal/mesh"
	"github.com/danmuck/peermesh/internal/protocol"
)

var (
	ErrUnknownPeer = errors.New("memnet: unknown peer")
	ErrDuplicateID = errors.New("memnet: duplicate id")
	ErrClosed      = errors.New("memnet: transport closed")
)

// Filter returns how many copies of one delivery to make: 0 drops it,
// 2 duplicates it.
type Filter func(from, to string, raw bool) int

// Hub connects every joined Transport to every other.
type Hub struct {
	mu     sync.RWMutex
	nodes  map[string]*Transport
	filter Filter
	wg     sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Transport)}
}

// Join attaches a new transport with identity id.
func (h *Hub) Join(id string) (*Transport, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownPeer)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.nodes[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t := &Transport{id: id, hub: h, wake: make(chan struct{}, 1), stop: make(chan struct{})}
	h.nodes[id] = t
	go t.run()
	return t, nil
}

// SetFilter installs f for all later deliveries; nil delivers everything once.
func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	h.filter = f
	h.mu.Unlock()
}

// Peers returns joined ids in order.
func (h *Hub) Peers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Wait blocks until every in-flight delivery has been handled.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) leave(id string) {
	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()
}

func (h *Hub) route(from, to string, raw bool) (*Transport, int, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	target, ok := h.nodes[to]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}
	copies := 1
	if h.filter != nil {
		copies = h.filter(from, to, raw)
	}
	return target, copies, nil
}

func (h *Hub) others(from string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		if id != from {
			out = append(out, id)
		}
	}
	return out
}

// Transport is one node's attachment to a Hub. It implements mesh.Transport.
type Transport struct {
	id  string
	hub *Hub

	mu     sync.RWMutex
	onMsg  mesh.MessageHandler
	onRaw  mesh.RawHandler
	closed bool

	qmu   sync.Mutex
	queue []delivery
	wake  chan struct{}
	stop  chan struct{}
}

type delivery struct {
	from string
	raw  bool
	data []byte
}

var _ mesh.Transport = (*Transport)(nil)

func (t *Transport) LocalID() string { return t.id }

func (t *Transport) OnMessage(fn mesh.MessageHandler) {
	t.mu.Lock()
	t.onMsg = fn
	t.mu.Unlock()
}

func (t *Transport) OnRawMessage(fn mesh.RawHandler) {
	t.mu.Lock()
	t.onRaw = fn
	t.mu.Unlock()
}

// Send encodes msg to bytes and delivers a decoded copy to peerID.
func (t *Transport) Send(ctx context.Context, peerID string, msg protocol.Message) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return t.dispatch(peerID, false, data)
}

// Broadcast sends msg to every other joined node.
func (t *Transport) Broadcast(ctx context.Context, msg protocol.Message) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	for _, id := range t.hub.others(t.id) {
		if err := t.dispatch(id, false, data); err != nil && !errors.Is(err, ErrUnknownPeer) {
			return err
		}
	}
	return nil
}

// SendRaw delivers a private copy of buf to peerID.
func (t *Transport) SendRaw(ctx context.Context, peerID string, buf []byte) error {
	if err := t.ready(ctx); err != nil {
		return err
	}
	return t.dispatch(peerID, true, append([]byte(nil), buf...))
}

// Close detaches the transport from its hub and discards queued deliveries.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.hub.leave(t.id)

	t.qmu.Lock()
	pending := len(t.queue)
	t.queue = nil
	close(t.stop)
	t.qmu.Unlock()
	for i := 0; i < pending; i++ {
		t.hub.wg.Done()
	}
	return nil
}

func (t *Transport) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *Transport) dispatch(to string, raw bool, data []byte) error {
	target, copies, err := t.hub.route(t.id, to, raw)
	if err != nil {
		return err
	}
	for i := 0; i < copies; i++ {
		target.enqueue(delivery{from: t.id, raw: raw, data: data})
	}
	return nil
}

func (t *Transport) enqueue(d delivery) {
	t.qmu.Lock()
	select {
	case <-t.stop:
		t.qmu.Unlock()
		return
	default:
	}
	t.hub.wg.Add(1)
	t.queue = append(t.queue, d)
	t.qmu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) next() (delivery, bool) {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	if len(t.queue) == 0 {
		return delivery{}, false
	}
	d := t.queue[0]
	t.queue = t.queue[1:]
	return d, true
}

func (t *Transport) run() {
	for {
		select {
		case <-t.stop:
			return
		case <-t.wake:
		}
		for {
			d, ok := t.next()
			if !ok {
				break
			}
			t.receive(d.from, d.raw, d.data)
			t.hub.wg.Done()
		}
	}
}

func (t *Transport) receive(from string, raw bool, data []byte) {
	t.mu.RLock()
	onMsg, onRaw, closed := t.onMsg, t.onRaw, t.closed
	t.mu.RUnlock()
	if closed {
		return
	}
	if raw {
		if onRaw != nil {
			onRaw(append([]byte(nil), data...), from)
		}
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil || onMsg == nil {
		return
	}
	onMsg(msg, from)
}
