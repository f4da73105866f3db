package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrNoRoute         = errors.New("mesh: no route")
	ErrTimeout         = errors.New("mesh: rpc timeout")
	ErrStreamTimeout   = errors.New("mesh: stream timeout")
	ErrDuplicateStream = errors.New("mesh: duplicate stream")
	ErrStreamMismatch  = errors.New("mesh: stream peer or total mismatch")
	ErrInvalidStream   = errors.New("mesh: invalid stream")
	ErrMalformedFrame  = errors.New("mesh: malformed frame")
	ErrClosed          = errors.New("mesh: closed")
)

// RemoteError is a failure reported by the responder via RPC_RES{ok:false}.
type RemoteError struct {
	ServiceID string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("mesh: remote error from %s: %s", e.ServiceID, e.Message)
}
