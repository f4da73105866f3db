package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/peermesh/internal/testutil/testlog"
)

func TestMessageEnvelopeRoundTrip(t *testing.T) {
	testlog.Start(t)
	msg, err := NewMessage(RPCRequest{ID: "rpc-1", ServiceID: "svc.echo", Request: json.RawMessage(`{"n":1}`)})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Kind != KindRPCReq {
		t.Fatalf("unexpected kind: %q", got.Kind)
	}
	var req RPCRequest
	if err := DecodePayload(got, &req); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if req.ID != "rpc-1" || req.ServiceID != "svc.echo" || string(req.Request) != `{"n":1}` {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestWireFieldNames(t *testing.T) {
	testlog.Start(t)
	msg, err := NewMessage(Pong{ID: "p1", SentAt: 1.5, ReceivedAt: 2.5})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"kind":"PONG","payload":{"id":"p1","sentAt":1.5,"receivedAt":2.5}}`
	if string(data) != want {
		t.Fatalf("unexpected wire json:\n got=%s\nwant=%s", data, want)
	}

	res, err := NewMessage(RPCResponse{ID: "r1", OK: false, Error: "boom"})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if string(res.Payload) != `{"id":"r1","ok":false,"error":"boom"}` {
		t.Fatalf("unexpected rpc response payload: %s", res.Payload)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Decode([]byte(`{"kind":"GOSSIP","payload":{}}`)); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDecodePayloadValidates(t *testing.T) {
	testlog.Start(t)
	var ad ServiceAd
	err := DecodePayload(Message{Kind: KindServiceAd, Payload: json.RawMessage(`{"nodeId":"n1"}`)}, &ad)
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	var ping Ping
	err = DecodePayload(Message{Kind: KindPong, Payload: json.RawMessage(`{"id":"x"}`)}, &ping)
	if !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestNewMessageRejectsInvalidPayload(t *testing.T) {
	testlog.Start(t)
	if _, err := NewMessage(Hello{}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := NewMessage(RPCResponse{ID: "r", OK: true, Error: "x"}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}
