package protocol

import "errors"

var (
	ErrUnknownKind    = errors.New("protocol: unknown message kind")
	ErrInvalidMessage = errors.New("protocol: invalid message")
	ErrKindMismatch   = errors.New("protocol: message kind mismatch")
	ErrTooLarge       = errors.New("protocol: message too large")
)
