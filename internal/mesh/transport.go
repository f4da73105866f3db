package mesh

import (
	"context"

	"github.com/danmuck/peermesh/internal/protocol"
)

// MessageHandler receives one structured message from peer from.
type MessageHandler func(msg protocol.Message, from string)

// RawHandler receives one raw binary frame from peer from.
type RawHandler func(frame []byte, from string)

// Transport is the peer messaging collaborator the mesh runs over.
// No ordering, reliability, or deduplication is assumed.
type Transport interface {
	LocalID() string
	Send(ctx context.Context, peerID string, msg protocol.Message) error
	Broadcast(ctx context.Context, msg protocol.Message) error
	OnMessage(fn MessageHandler)
	SendRaw(ctx context.Context, peerID string, frame []byte) error
	OnRawMessage(fn RawHandler)
}
