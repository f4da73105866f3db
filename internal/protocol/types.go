package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the message discriminant.
type Kind string

const (
	KindHello     Kind = "HELLO"
	KindServiceAd Kind = "SERVICE_AD"
	KindRPCReq    Kind = "RPC_REQ"
	KindRPCRes    Kind = "RPC_RES"
	KindPing      Kind = "PING"
	KindPong      Kind = "PONG"
)

// Known reports whether k is one of the defined kinds.
func (k Kind) Known() bool {
	switch k {
	case KindHello, KindServiceAd, KindRPCReq, KindRPCRes, KindPing, KindPong:
		return true
	default:
		return false
	}
}

// Message is one structured message: a kind plus its JSON payload object.
type Message struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Payload is implemented by every typed payload.
type Payload interface {
	Kind() Kind
	Validate() error
}

// Hello announces a node on the mesh.
type Hello struct {
	NodeID string `json:"nodeId"`
}

func (Hello) Kind() Kind { return KindHello }

func (h Hello) Validate() error {
	if strings.TrimSpace(h.NodeID) == "" {
		return fmt.Errorf("%w: hello missing nodeId", ErrInvalidMessage)
	}
	return nil
}

// ServiceAd is a peer's claim to host serviceId.
type ServiceAd struct {
	NodeID      string `json:"nodeId"`
	ServiceID   string `json:"serviceId"`
	ServiceName string `json:"serviceName"`
}

func (ServiceAd) Kind() Kind { return KindServiceAd }

func (a ServiceAd) Validate() error {
	if strings.TrimSpace(a.NodeID) == "" {
		return fmt.Errorf("%w: service ad missing nodeId", ErrInvalidMessage)
	}
	if strings.TrimSpace(a.ServiceID) == "" {
		return fmt.Errorf("%w: service ad missing serviceId", ErrInvalidMessage)
	}
	return nil
}

// RPCRequest carries an opaque request for serviceId.
type RPCRequest struct {
	ID        string          `json:"id"`
	ServiceID string          `json:"serviceId"`
	Request   json.RawMessage `json:"request,omitempty"`
}

func (RPCRequest) Kind() Kind { return KindRPCReq }

func (r RPCRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rpc request missing id", ErrInvalidMessage)
	}
	if strings.TrimSpace(r.ServiceID) == "" {
		return fmt.Errorf("%w: rpc request missing serviceId", ErrInvalidMessage)
	}
	return nil
}

// RPCResponse carries Response when OK, Error otherwise.
type RPCResponse struct {
	ID       string          `json:"id"`
	OK       bool            `json:"ok"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (RPCResponse) Kind() Kind { return KindRPCRes }

func (r RPCResponse) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rpc response missing id", ErrInvalidMessage)
	}
	if r.OK && r.Error != "" {
		return fmt.Errorf("%w: ok rpc response carries error", ErrInvalidMessage)
	}
	return nil
}

// Ping carries a sender timestamp in milliseconds.
type Ping struct {
	ID     string  `json:"id"`
	SentAt float64 `json:"sentAt"`
}

func (Ping) Kind() Kind { return KindPing }

func (p Ping) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: ping missing id", ErrInvalidMessage)
	}
	return nil
}

// Pong echoes a Ping and adds the responder's receive timestamp.
type Pong struct {
	ID         string  `json:"id"`
	SentAt     float64 `json:"sentAt"`
	ReceivedAt float64 `json:"receivedAt"`
}

func (Pong) Kind() Kind { return KindPong }

func (p Pong) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: pong missing id", ErrInvalidMessage)
	}
	return nil
}
