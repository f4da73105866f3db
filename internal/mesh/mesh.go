package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/danmuck/peermesh/internal/logging"
	"github.com/danmuck/peermesh/internal/observability"
	"github.com/danmuck/peermesh/internal/protocol"
	"github.com/danmuck/peermesh/internal/protocol/frame"
)

// Option customizes a Mesh at construction.
type Option func(*Mesh)

// WithClock replaces the wall clock, e.g. with clock.NewMock() in tests.
func WithClock(c clock.Clock) Option {
	return func(m *Mesh) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger replaces the default component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Mesh) {
		m.log = l
	}
}

// Mesh is one peer's service layer instance.
type Mesh struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	log       zerolog.Logger
	localID   string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	started   bool
	seq       uint64
	peers     map[string]*PeerRecord
	services  map[string]ServiceAdvertisement
	local     map[string]string
	stats     map[string]*PeerStats
	pings     map[string]pendingPing
	calls     callTable
	receivers map[string]*streamState
	recent    recentStreams
	handlers  []RequestHandler
	onStream  StreamHandler
}

// New binds a mesh to t and installs its inbound handlers.
func New(t Transport, cfg Config, opts ...Option) (*Mesh, error) {
	if t == nil {
		return nil, errors.New("mesh: transport required")
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mesh{
		cfg:       cfg,
		transport: t,
		clock:     clock.New(),
		log:       logging.New("mesh"),
		localID:   t.LocalID(),
		ctx:       ctx,
		cancel:    cancel,
		peers:     make(map[string]*PeerRecord),
		services:  make(map[string]ServiceAdvertisement),
		local:     make(map[string]string),
		stats:     make(map[string]*PeerStats),
		pings:     make(map[string]pendingPing),
		calls:     newCallTable(),
		receivers: make(map[string]*streamState),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str("node", m.localID).Logger()

	t.OnMessage(m.handleMessage)
	t.OnRawMessage(m.handleRaw)
	return m, nil
}

// LocalID returns the transport identity of this node.
func (m *Mesh) LocalID() string {
	return m.localID
}

// Config returns the effective configuration.
func (m *Mesh) Config() Config {
	return m.cfg
}

// Start announces this node and runs the ping and advertise loops until ctx
// is done or Close is called.
func (m *Mesh) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	if err := m.broadcast(ctx, protocol.Hello{NodeID: m.localID}); err != nil {
		m.log.Warn().Err(err).Msg("hello broadcast failed")
	}

	m.runEvery(ctx, m.cfg.PingInterval, m.pingPeers)
	if m.cfg.AdvertiseInterval > 0 {
		m.runEvery(ctx, m.cfg.AdvertiseInterval, m.advertiseAll)
	}
	m.log.Info().
		Dur("ping_interval", m.cfg.PingInterval).
		Dur("advertise_interval", m.cfg.AdvertiseInterval).
		Msg("mesh started")
	return nil
}

// Close fails every pending call and receiver with ErrClosed and stops all loops.
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	calls := m.calls.drain()
	streams := make([]*streamState, 0, len(m.receivers))
	for id, st := range m.receivers {
		streams = append(streams, st)
		delete(m.receivers, id)
	}
	m.pings = make(map[string]pendingPing)
	m.mu.Unlock()

	m.cancel()
	for _, c := range calls {
		c.timer.Stop()
		c.done <- callResult{err: ErrClosed, outcome: "closed"}
		observability.RecordCall(m.localID, "closed", m.clock.Since(c.StartedAt))
	}
	for _, st := range streams {
		st.timer.Stop()
		if st.waiter != nil {
			st.waiter.resolve(nil, ErrClosed)
		}
		observability.RecordStream(m.localID, "closed")
	}
	m.wg.Wait()
	m.log.Info().Int("calls", len(calls)).Int("streams", len(streams)).Msg("mesh closed")
	return nil
}

// runEvery arms the ticker before returning so virtual clocks see it.
func (m *Mesh) runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := m.clock.Ticker(interval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				fn(m.ctx)
			}
		}
	}()
}

func (m *Mesh) handleMessage(msg protocol.Message, from string) {
	if from == "" || from == m.localID {
		return
	}
	known, open := m.touchPeer(from)
	if !open {
		return
	}
	if !known {
		m.greet(m.ctx, from)
	}

	var err error
	switch msg.Kind {
	case protocol.KindHello:
		var h protocol.Hello
		err = protocol.DecodePayload(msg, &h)
	case protocol.KindServiceAd:
		var ad protocol.ServiceAd
		if err = protocol.DecodePayload(msg, &ad); err == nil {
			m.onAdvertisement(from, ad)
		}
	case protocol.KindRPCReq:
		var req protocol.RPCRequest
		if err = protocol.DecodePayload(msg, &req); err == nil {
			m.onRequest(from, req)
		}
	case protocol.KindRPCRes:
		var res protocol.RPCResponse
		if err = protocol.DecodePayload(msg, &res); err == nil {
			m.onResponse(from, res)
		}
	case protocol.KindPing:
		var p protocol.Ping
		if err = protocol.DecodePayload(msg, &p); err == nil {
			m.onPing(from, p)
		}
	case protocol.KindPong:
		var p protocol.Pong
		if err = protocol.DecodePayload(msg, &p); err == nil {
			m.onPong(from, p)
		}
	default:
		err = fmt.Errorf("%w: %q", protocol.ErrUnknownKind, msg.Kind)
	}
	if err != nil {
		m.log.Debug().Err(err).Str("peer", from).Str("kind", string(msg.Kind)).Msg("message dropped")
	}
}

func (m *Mesh) handleRaw(buf []byte, from string) {
	if from == "" || from == m.localID {
		return
	}
	h, payload, err := frame.Decode(buf)
	if err != nil {
		m.dropFrame(from, "", "malformed", fmt.Errorf("%w: %w", ErrMalformedFrame, err))
		return
	}
	if _, open := m.touchPeer(from); !open {
		return
	}
	switch v := h.(type) {
	case frame.StreamChunk:
		m.onChunk(from, v, payload)
	case frame.StreamEnd:
		m.onEnd(from, v)
	}
}

func (m *Mesh) dropFrame(from, streamID, reason string, err error) {
	observability.RecordFrameDropped(m.localID, reason)
	ev := m.log.Debug().Str("peer", from).Str("reason", reason)
	if streamID != "" {
		ev = ev.Str("stream", streamID)
	}
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("frame dropped")
}

// touchPeer refreshes from's record. known reports whether it existed before;
// open is false once the mesh is closed.
func (m *Mesh) touchPeer(from string) (known bool, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, false
	}
	now := m.clock.Now()
	rec, ok := m.peers[from]
	if !ok {
		rec = &PeerRecord{PeerID: from}
		m.peers[from] = rec
		m.log.Debug().Str("peer", from).Msg("peer discovered")
	}
	rec.LastSeenAt = now
	rec.seq = m.nextSeqLocked()
	return ok, true
}

func (m *Mesh) nextSeqLocked() uint64 {
	m.seq++
	return m.seq
}

func (m *Mesh) nowMs() float64 {
	return float64(m.clock.Now().UnixNano()) / 1e6
}

func newID() string {
	return uuid.NewString()
}

func (m *Mesh) send(ctx context.Context, peerID string, p protocol.Payload) error {
	msg, err := protocol.NewMessage(p)
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, peerID, msg)
}

func (m *Mesh) broadcast(ctx context.Context, p protocol.Payload) error {
	msg, err := protocol.NewMessage(p)
	if err != nil {
		return err
	}
	return m.transport.Broadcast(ctx, msg)
}
