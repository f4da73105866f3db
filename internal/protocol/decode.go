package protocol

import (
	"encoding/json"
	"fmt"
)

// Decode parses one envelope produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageBytes {
		return Message{}, ErrTooLarge
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if !msg.Kind.Known() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}
	return msg, nil
}

// DecodePayload unmarshals msg.Payload into out and validates it.
func DecodePayload[P Payload](msg Message, out P) error {
	if msg.Kind != out.Kind() {
		return fmt.Errorf("%w: got %s want %s", ErrKindMismatch, msg.Kind, out.Kind())
	}
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return out.Validate()
}
