package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxMessageBytes bounds one encoded envelope.
const MaxMessageBytes = 4 * 1024 * 1024

// NewMessage validates p and wraps it in an envelope.
func NewMessage(p Payload) (Message, error) {
	if p == nil {
		return Message{}, fmt.Errorf("%w: nil payload", ErrInvalidMessage)
	}
	if err := p.Validate(); err != nil {
		return Message{}, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: p.Kind(), Payload: raw}, nil
}

// Encode serializes msg for transports that carry bytes.
func Encode(msg Message) ([]byte, error) {
	if !msg.Kind.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxMessageBytes {
		return nil, ErrTooLarge
	}
	return out, nil
}
