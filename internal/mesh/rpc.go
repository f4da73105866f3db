package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/peermesh/internal/observability"
	"github.com/danmuck/peermesh/internal/protocol"
)

// Request is one inbound RPC_REQ as seen by a RequestHandler.
type Request struct {
	From      string
	ID        string
	ServiceID string
	Payload   json.RawMessage
}

// Decode unmarshals the opaque request payload into v.
func (r Request) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// RequestHandler is invoked for every inbound request regardless of its
// serviceId. Handlers filter by ServiceID themselves and answer with
// Respond or RespondError.
type RequestHandler func(ctx context.Context, req Request)

type callOptions struct {
	timeout time.Duration
}

// CallOption customizes one Call.
type CallOption func(*callOptions)

// WithTimeout overrides Config.CallTimeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Call sends request to the peer advertising serviceID and blocks until the
// matching response, the deadline, ctx cancellation, or Close. An unknown
// serviceID fails with ErrNoRoute before anything is sent.
func (m *Mesh) Call(ctx context.Context, serviceID string, request any, opts ...CallOption) (json.RawMessage, error) {
	o := callOptions{timeout: m.cfg.CallTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	ad, ok := m.Lookup(serviceID)
	if !ok {
		observability.RecordCall(m.localID, "no_route", 0)
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, serviceID)
	}
	body, err := encodeOpaque(request)
	if err != nil {
		return nil, fmt.Errorf("mesh: encode request: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	now := m.clock.Now()
	pc := &PendingCall{
		ID:        newID(),
		ServiceID: serviceID,
		PeerID:    ad.PeerID,
		StartedAt: now,
		Deadline:  now.Add(o.timeout),
		done:      make(chan callResult, 1),
	}
	id := pc.ID
	pc.timer = m.clock.AfterFunc(o.timeout, func() {
		m.resolveCall(id, callResult{
			err:     fmt.Errorf("%w: %s after %v", ErrTimeout, serviceID, o.timeout),
			outcome: "timeout",
		})
	})
	m.calls.add(pc)
	m.mu.Unlock()

	m.log.Debug().Str("rpc", id).Str("service", serviceID).Str("peer", ad.PeerID).Msg("rpc call")
	err = m.send(ctx, ad.PeerID, protocol.RPCRequest{ID: id, ServiceID: serviceID, Request: body})
	if err != nil {
		m.resolveCall(id, callResult{err: fmt.Errorf("mesh: send request: %w", err), outcome: "send_error"})
	}

	select {
	case res := <-pc.done:
		return res.value, res.err
	case <-ctx.Done():
		m.resolveCall(id, callResult{err: ctx.Err(), outcome: "canceled"})
		res := <-pc.done
		return res.value, res.err
	}
}

// Invoke is Call with the response decoded into Resp.
func Invoke[Resp any](ctx context.Context, m *Mesh, serviceID string, request any, opts ...CallOption) (Resp, error) {
	var out Resp
	raw, err := m.Call(ctx, serviceID, request, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("mesh: decode response: %w", err)
	}
	return out, nil
}

// OnRequest registers fn for every inbound RPC_REQ.
func (m *Mesh) OnRequest(fn RequestHandler) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

// Respond sends a successful RPC_RES for id to peerID.
func (m *Mesh) Respond(ctx context.Context, peerID, id string, response any) error {
	body, err := encodeOpaque(response)
	if err != nil {
		return fmt.Errorf("mesh: encode response: %w", err)
	}
	return m.respond(ctx, peerID, protocol.RPCResponse{ID: id, OK: true, Response: body})
}

// RespondError sends a failed RPC_RES for id to peerID.
func (m *Mesh) RespondError(ctx context.Context, peerID, id, message string) error {
	if message == "" {
		message = "error"
	}
	return m.respond(ctx, peerID, protocol.RPCResponse{ID: id, OK: false, Error: message})
}

func (m *Mesh) respond(ctx context.Context, peerID string, res protocol.RPCResponse) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.send(ctx, peerID, res)
}

func (m *Mesh) onRequest(from string, req protocol.RPCRequest) {
	m.mu.Lock()
	handlers := append([]RequestHandler(nil), m.handlers...)
	m.mu.Unlock()

	if len(handlers) == 0 {
		m.log.Debug().Str("peer", from).Str("service", req.ServiceID).Msg("request without handlers")
		return
	}
	r := Request{From: from, ID: req.ID, ServiceID: req.ServiceID, Payload: req.Request}
	for _, fn := range handlers {
		fn(m.ctx, r)
	}
}

func (m *Mesh) onResponse(from string, res protocol.RPCResponse) {
	m.mu.Lock()
	pc, ok := m.calls.get(res.ID)
	if !ok {
		m.mu.Unlock()
		m.log.Debug().Str("peer", from).Str("rpc", res.ID).Msg("response for unknown call")
		return
	}
	if pc.PeerID != from {
		m.mu.Unlock()
		m.log.Debug().Str("peer", from).Str("want", pc.PeerID).Str("rpc", res.ID).Msg("response from wrong peer")
		return
	}
	m.calls.take(res.ID)
	m.mu.Unlock()

	if res.OK {
		m.finishCall(pc, callResult{value: res.Response, outcome: "ok"})
		return
	}
	m.finishCall(pc, callResult{
		err:     &RemoteError{ServiceID: pc.ServiceID, Message: res.Error},
		outcome: "remote_error",
	})
}

// resolveCall settles call id with res if it is still pending.
func (m *Mesh) resolveCall(id string, res callResult) bool {
	m.mu.Lock()
	pc, ok := m.calls.take(id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.finishCall(pc, res)
	return true
}

// finishCall delivers res for a call already removed from the table.
func (m *Mesh) finishCall(pc *PendingCall, res callResult) {
	pc.timer.Stop()
	pc.done <- res
	elapsed := m.clock.Since(pc.StartedAt)
	observability.RecordCall(m.localID, res.outcome, elapsed)

	ev := m.log.Debug()
	var remote *RemoteError
	if res.err != nil && !errors.As(res.err, &remote) && !errors.Is(res.err, context.Canceled) {
		ev = m.log.Warn()
	}
	ev.Str("rpc", pc.ID).
		Str("service", pc.ServiceID).
		Str("outcome", res.outcome).
		Dur("elapsed", elapsed).
		Msg("rpc settled")
}

func (m *Mesh) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// encodeOpaque maps a caller value onto the opaque request/response field.
func encodeOpaque(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return x, nil
	default:
		return json.Marshal(v)
	}
}
