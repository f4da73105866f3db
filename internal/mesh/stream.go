package mesh

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/peermesh/internal/observability"
	"github.com/danmuck/peermesh/internal/protocol/frame"
)

// Receiver is the eventual result of one BeginReceive.
type Receiver struct {
	StreamID string
	From     string
	Total    int

	once  sync.Once
	done  chan struct{}
	data  []byte
	err   error
	abort func(error)
}

func newReceiver(streamID, from string, total int) *Receiver {
	return &Receiver{StreamID: streamID, From: from, Total: total, done: make(chan struct{})}
}

// Done is closed once the stream is finalized or failed.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

// Result returns the outcome; only meaningful after Done is closed.
func (r *Receiver) Result() ([]byte, error) {
	select {
	case <-r.done:
		return r.data, r.err
	default:
		return nil, nil
	}
}

// Wait blocks for the stream result. Cancelling ctx abandons the receive
// and frees its state.
func (r *Receiver) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.data, r.err
	case <-ctx.Done():
		if r.abort != nil {
			r.abort(ctx.Err())
		}
		<-r.done
		return r.data, r.err
	}
}

func (r *Receiver) resolve(data []byte, err error) {
	r.once.Do(func() {
		r.data = data
		r.err = err
		close(r.done)
	})
}

// ReceivedStream is a stream that completed before anyone claimed it.
type ReceivedStream struct {
	StreamID string
	From     string
	Data     []byte
}

// StreamHandler receives completed unclaimed streams.
type StreamHandler func(s ReceivedStream)

// OnStream registers fn for streams that finish without a BeginReceive.
// Without a handler such streams are held until claimed or expired.
func (m *Mesh) OnStream(fn StreamHandler) {
	m.mu.Lock()
	m.onStream = fn
	m.mu.Unlock()
}

type receiveOptions struct {
	timeout time.Duration
}

// ReceiveOption customizes one BeginReceive.
type ReceiveOption func(*receiveOptions)

// WithReceiveTimeout overrides Config.StreamTimeout for one receive.
func WithReceiveTimeout(d time.Duration) ReceiveOption {
	return func(o *receiveOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

type streamState struct {
	id    string
	from  string
	total int

	slots  [][]byte
	filled []bool
	count  int
	bytes  int

	openedAt   time.Time
	firstChunk time.Time
	timer      *clock.Timer
	gen        uint64
	waiter     *Receiver

	finished bool
	result   []byte
}

// recentStreamLimit bounds how many finalized stream ids are remembered.
const recentStreamLimit = 1024

// recentStreams remembers finalized stream ids so late duplicate frames
// cannot reopen them as implicit streams.
type recentStreams struct {
	ids   map[string]struct{}
	order []string
}

func (r *recentStreams) add(id string) {
	if r.ids == nil {
		r.ids = make(map[string]struct{})
	}
	if _, ok := r.ids[id]; ok {
		return
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > recentStreamLimit {
		delete(r.ids, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *recentStreams) has(id string) bool {
	_, ok := r.ids[id]
	return ok
}

// StreamStatus is a read-only view of one active receiver.
type StreamStatus struct {
	StreamID string `json:"streamId" yaml:"stream_id"`
	From     string `json:"from" yaml:"from"`
	Total    int    `json:"total" yaml:"total"`
	Received int    `json:"received" yaml:"received"`
	Claimed  bool   `json:"claimed" yaml:"claimed"`
	Finished bool   `json:"finished" yaml:"finished"`
}

// BeginReceive registers a receiver for total chunks of streamID from peer
// from. A second BeginReceive for an active claimed stream fails with
// ErrDuplicateStream and leaves the first receiver running. A stream already
// opened by inbound chunks is claimed if from and total agree.
func (m *Mesh) BeginReceive(streamID, from string, total int, opts ...ReceiveOption) (*Receiver, error) {
	o := receiveOptions{timeout: m.cfg.StreamTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if strings.TrimSpace(streamID) == "" || strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("%w: stream id and peer required", ErrInvalidStream)
	}
	if total < 0 || total > m.cfg.MaxStreamChunks {
		return nil, fmt.Errorf("%w: total %d", ErrInvalidStream, total)
	}

	r := newReceiver(streamID, from, total)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	st, exists := m.receivers[streamID]
	switch {
	case exists && st.waiter != nil:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateStream, streamID)
	case exists && (st.from != from || st.total != total):
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s has peer=%s total=%d", ErrStreamMismatch, streamID, st.from, st.total)
	case exists:
		st.waiter = r
	default:
		st = m.openStreamLocked(streamID, from, total)
		st.waiter = r
	}
	r.abort = func(err error) { m.abortStream(st, err) }

	if st.finished {
		delete(m.receivers, streamID)
		m.recent.add(streamID)
		st.timer.Stop()
		m.mu.Unlock()
		r.resolve(st.result, nil)
		observability.RecordStream(m.localID, "ok")
		return r, nil
	}
	st.timer.Stop()
	m.armStreamLocked(st, o.timeout)
	m.mu.Unlock()

	m.log.Debug().Str("stream", streamID).Str("peer", from).Int("total", total).Msg("receive registered")
	return r, nil
}

// openStreamLocked creates receiver state with the default deadline.
func (m *Mesh) openStreamLocked(streamID, from string, total int) *streamState {
	st := &streamState{
		id:       streamID,
		from:     from,
		total:    total,
		slots:    make([][]byte, total),
		filled:   make([]bool, total),
		openedAt: m.clock.Now(),
	}
	m.armStreamLocked(st, m.cfg.StreamTimeout)
	m.receivers[streamID] = st
	return st
}

// armStreamLocked starts a new deadline; a stale timer that already fired
// sees a different gen and does nothing.
func (m *Mesh) armStreamLocked(st *streamState, timeout time.Duration) {
	st.gen++
	gen := st.gen
	st.timer = m.clock.AfterFunc(timeout, func() { m.expireStream(st, gen) })
}

func (m *Mesh) canOpenImplicitLocked() bool {
	return m.cfg.MaxImplicitStreams > 0 && m.unclaimedLocked() < m.cfg.MaxImplicitStreams
}

func (m *Mesh) unclaimedLocked() int {
	n := 0
	for _, st := range m.receivers {
		if st.waiter == nil {
			n++
		}
	}
	return n
}

func (m *Mesh) onChunk(from string, h frame.StreamChunk, payload []byte) {
	m.mu.Lock()
	st, ok := m.receivers[h.StreamID]
	if !ok {
		if m.recent.has(h.StreamID) {
			m.mu.Unlock()
			m.dropFrame(from, h.StreamID, "duplicate", nil)
			return
		}
		if !m.canOpenImplicitLocked() {
			m.mu.Unlock()
			m.dropFrame(from, h.StreamID, "unknown_stream", nil)
			return
		}
		if h.Total <= 0 || h.Total > m.cfg.MaxStreamChunks {
			m.mu.Unlock()
			m.dropFrame(from, h.StreamID, "invalid_total", nil)
			return
		}
		st = m.openStreamLocked(h.StreamID, from, h.Total)
		m.log.Debug().Str("stream", h.StreamID).Str("peer", from).Int("total", h.Total).Msg("stream opened by chunk")
	}

	reason := ""
	switch {
	case st.from != from:
		reason = "peer_mismatch"
	case st.total != h.Total:
		reason = "total_mismatch"
	case h.Index < 0 || h.Index >= st.total:
		reason = "index_range"
	case st.finished || st.filled[h.Index]:
		reason = "duplicate"
	}
	if reason != "" {
		m.mu.Unlock()
		m.dropFrame(from, h.StreamID, reason, nil)
		return
	}

	st.slots[h.Index] = append([]byte(nil), payload...)
	st.filled[h.Index] = true
	st.count++
	st.bytes += len(payload)
	if st.firstChunk.IsZero() {
		st.firstChunk = m.clock.Now()
	}
	m.addBytesReceivedLocked(from, len(payload))
	m.mu.Unlock()

	observability.RecordBytes(m.localID, "received", len(payload))
}

func (m *Mesh) onEnd(from string, h frame.StreamEnd) {
	m.mu.Lock()
	st, ok := m.receivers[h.StreamID]
	if !ok && h.Total == 0 && !m.recent.has(h.StreamID) && m.canOpenImplicitLocked() {
		// An empty transfer is only an End frame.
		st, ok = m.openStreamLocked(h.StreamID, from, 0), true
		m.log.Debug().Str("stream", h.StreamID).Str("peer", from).Msg("empty stream opened by end")
	}
	reason := ""
	switch {
	case !ok && m.recent.has(h.StreamID):
		reason = "duplicate"
	case !ok:
		reason = "unknown_stream"
	case st.from != from:
		reason = "peer_mismatch"
	case st.total != h.Total:
		reason = "total_mismatch"
	case st.finished:
		reason = "duplicate"
	}
	if reason != "" {
		m.mu.Unlock()
		m.dropFrame(from, h.StreamID, reason, nil)
		return
	}
	if st.count < st.total {
		m.mu.Unlock()
		m.log.Debug().
			Str("stream", h.StreamID).
			Int("received", st.count).
			Int("total", st.total).
			Msg("premature stream end ignored")
		return
	}

	data := make([]byte, 0, st.bytes)
	for _, slot := range st.slots {
		data = append(data, slot...)
	}
	started := st.firstChunk
	if started.IsZero() {
		started = st.openedAt
	}
	m.recordThroughputLocked(from, len(data), m.clock.Since(started))

	waiter := st.waiter
	handler := m.onStream
	if waiter == nil && handler == nil {
		st.finished = true
		st.result = data
		st.slots = nil
		m.mu.Unlock()
		m.log.Debug().Str("stream", h.StreamID).Int("bytes", len(data)).Msg("stream parked until claimed")
		return
	}
	delete(m.receivers, h.StreamID)
	m.recent.add(h.StreamID)
	st.timer.Stop()
	m.mu.Unlock()

	observability.RecordStream(m.localID, "ok")
	m.log.Debug().Str("stream", h.StreamID).Str("peer", from).Int("bytes", len(data)).Msg("stream finalized")
	if waiter != nil {
		waiter.resolve(data, nil)
		return
	}
	handler(ReceivedStream{StreamID: h.StreamID, From: from, Data: data})
}

// expireStream drops st if it is still the registered receiver for its id.
func (m *Mesh) expireStream(st *streamState, gen uint64) {
	m.finishStream(st, gen, fmt.Errorf("%w: %s", ErrStreamTimeout, st.id), "timeout")
}

func (m *Mesh) abortStream(st *streamState, err error) {
	m.finishStream(st, 0, err, "canceled")
}

// finishStream fails st; gen 0 matches any deadline.
func (m *Mesh) finishStream(st *streamState, gen uint64, err error, outcome string) {
	m.mu.Lock()
	if cur, ok := m.receivers[st.id]; !ok || cur != st || (gen != 0 && gen != st.gen) {
		m.mu.Unlock()
		return
	}
	delete(m.receivers, st.id)
	st.timer.Stop()
	waiter := st.waiter
	received := st.count
	m.mu.Unlock()

	observability.RecordStream(m.localID, outcome)
	m.log.Debug().
		Str("stream", st.id).
		Str("peer", st.from).
		Int("received", received).
		Int("total", st.total).
		Str("outcome", outcome).
		Msg("stream dropped")
	if waiter != nil {
		waiter.resolve(nil, err)
	}
}

func (m *Mesh) streamStatusLocked() []StreamStatus {
	out := make([]StreamStatus, 0, len(m.receivers))
	for _, st := range m.receivers {
		out = append(out, StreamStatus{
			StreamID: st.id,
			From:     st.from,
			Total:    st.total,
			Received: st.count,
			Claimed:  st.waiter != nil,
			Finished: st.finished,
		})
	}
	return out
}
