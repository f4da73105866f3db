package mesh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danmuck/peermesh/internal/protocol"
	"github.com/danmuck/peermesh/internal/protocol/frame"
)

type sentMessage struct {
	peer      string
	broadcast bool
	msg       protocol.Message
}

type sentFrame struct {
	peer string
	buf  []byte
}

// recordingTransport captures every send and lets tests inject inbound traffic.
type recordingTransport struct {
	id string

	mu      sync.Mutex
	msgs    []sentMessage
	frames  []sentFrame
	sendErr error
	onMsg   MessageHandler
	onRaw   RawHandler
	notify  chan struct{}
}

func newRecordingTransport(id string) *recordingTransport {
	return &recordingTransport{id: id, notify: make(chan struct{}, 1)}
}

func (t *recordingTransport) LocalID() string { return t.id }

func (t *recordingTransport) Send(_ context.Context, peerID string, msg protocol.Message) error {
	return t.record(sentMessage{peer: peerID, msg: msg})
}

func (t *recordingTransport) Broadcast(_ context.Context, msg protocol.Message) error {
	return t.record(sentMessage{broadcast: true, msg: msg})
}

func (t *recordingTransport) record(s sentMessage) error {
	t.mu.Lock()
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.msgs = append(t.msgs, s)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return nil
}

func (t *recordingTransport) OnMessage(fn MessageHandler) {
	t.mu.Lock()
	t.onMsg = fn
	t.mu.Unlock()
}

func (t *recordingTransport) SendRaw(_ context.Context, peerID string, buf []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.frames = append(t.frames, sentFrame{peer: peerID, buf: append([]byte(nil), buf...)})
	return nil
}

func (t *recordingTransport) OnRawMessage(fn RawHandler) {
	t.mu.Lock()
	t.onRaw = fn
	t.mu.Unlock()
}

func (t *recordingTransport) messages() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentMessage(nil), t.msgs...)
}

func (t *recordingTransport) ofKind(kind protocol.Kind) []sentMessage {
	var out []sentMessage
	for _, s := range t.messages() {
		if s.msg.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (t *recordingTransport) rawFrames() []sentFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]sentFrame(nil), t.frames...)
}

func (t *recordingTransport) reset() {
	t.mu.Lock()
	t.msgs = nil
	t.frames = nil
	t.mu.Unlock()
}

// waitKind blocks until a message of kind has been sent.
func (t *recordingTransport) waitKind(tb testing.TB, kind protocol.Kind) sentMessage {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := t.ofKind(kind); len(got) > 0 {
			return got[len(got)-1]
		}
		select {
		case <-t.notify:
		case <-deadline:
			tb.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func newTestMesh(tb testing.TB, id string, cfg Config, opts ...Option) (*Mesh, *recordingTransport) {
	tb.Helper()
	tr := newRecordingTransport(id)
	m, err := New(tr, cfg, opts...)
	if err != nil {
		tb.Fatalf("new mesh: %v", err)
	}
	tb.Cleanup(func() { _ = m.Close() })
	return m, tr
}

func newMockMesh(tb testing.TB, id string, cfg Config) (*Mesh, *recordingTransport, *clock.Mock) {
	tb.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_000_000, 0))
	m, tr := newTestMesh(tb, id, cfg, WithClock(mock))
	return m, tr, mock
}

func deliver(tb testing.TB, m *Mesh, from string, p protocol.Payload) {
	tb.Helper()
	msg, err := protocol.NewMessage(p)
	if err != nil {
		tb.Fatalf("new message %s: %v", p.Kind(), err)
	}
	m.handleMessage(msg, from)
}

func deliverFrame(tb testing.TB, m *Mesh, from string, h frame.Header, payload []byte) {
	tb.Helper()
	buf, err := frame.Encode(h, payload)
	if err != nil {
		tb.Fatalf("encode frame: %v", err)
	}
	m.handleRaw(buf, from)
}

func decodePayload[P protocol.Payload](tb testing.TB, msg protocol.Message, out P) {
	tb.Helper()
	if err := protocol.DecodePayload(msg, out); err != nil {
		tb.Fatalf("decode %s payload: %v", msg.Kind, err)
	}
}

func waitDone(tb testing.TB, r *Receiver) ([]byte, error) {
	tb.Helper()
	select {
	case <-r.Done():
		return r.Result()
	case <-time.After(2 * time.Second):
		tb.Fatalf("receiver %s did not finish", r.StreamID)
		return nil, nil
	}
}
