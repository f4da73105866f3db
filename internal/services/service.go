// Package services holds the request handlers a node can bind to the
// service ids it advertises.
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/danmuck/peermesh/internal/mesh"
)

// Built-in handler names.
const (
	HandlerEcho  = "echo"
	HandlerUpper = "upper"
	HandlerInfo  = "info"
)

var ErrBadRequest = errors.New("services: bad request")

// Handler answers one request. A returned error becomes the caller's
// RemoteError message.
type Handler interface {
	Name() string
	Serve(ctx context.Context, req mesh.Request) (any, error)
}

type funcHandler struct {
	name string
	fn   func(ctx context.Context, req mesh.Request) (any, error)
}

func (h funcHandler) Name() string { return h.name }

func (h funcHandler) Serve(ctx context.Context, req mesh.Request) (any, error) {
	return h.fn(ctx, req)
}

// HandlerFunc names fn as a Handler.
func HandlerFunc(name string, fn func(ctx context.Context, req mesh.Request) (any, error)) Handler {
	return funcHandler{name: name, fn: fn}
}

// Echo returns the request payload unchanged.
func Echo() Handler {
	return HandlerFunc(HandlerEcho, func(_ context.Context, req mesh.Request) (any, error) {
		return req.Payload, nil
	})
}

// Upper upper-cases a JSON string request.
func Upper() Handler {
	return HandlerFunc(HandlerUpper, func(_ context.Context, req mesh.Request) (any, error) {
		var in string
		if err := req.Decode(&in); err != nil {
			return nil, fmt.Errorf("%w: upper expects a string", ErrBadRequest)
		}
		return strings.ToUpper(in), nil
	})
}

// Info answers with whatever describe returns.
func Info(describe func() any) Handler {
	return HandlerFunc(HandlerInfo, func(context.Context, mesh.Request) (any, error) {
		return describe(), nil
	})
}

// Registry stores handlers by name.
type Registry struct {
	repo map[string]Handler
	mu   sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{repo: make(map[string]Handler)}
}

// Register adds h, replacing any handler with the same name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repo[h.Name()] = h
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.repo[name]
	return h, ok
}

// Names returns registered handler names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.repo))
	for name := range r.repo {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bind returns a mesh.RequestHandler that routes each serviceId in bindings
// to its named handler and replies with the result. Requests for other
// services are ignored.
func (r *Registry) Bind(m *mesh.Mesh, bindings map[string]string, log zerolog.Logger) (mesh.RequestHandler, error) {
	routes := make(map[string]Handler, len(bindings))
	for serviceID, name := range bindings {
		h, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("services: %s bound to unknown handler %q", serviceID, name)
		}
		routes[serviceID] = h
	}

	return func(ctx context.Context, req mesh.Request) {
		h, ok := routes[req.ServiceID]
		if !ok {
			return
		}
		out, err := h.Serve(ctx, req)
		if err != nil {
			log.Debug().Err(err).Str("service", req.ServiceID).Str("from", req.From).Msg("handler failed")
			err = m.RespondError(ctx, req.From, req.ID, err.Error())
		} else {
			err = m.Respond(ctx, req.From, req.ID, out)
		}
		if err != nil {
			log.Warn().Err(err).Str("service", req.ServiceID).Str("from", req.From).Msg("respond failed")
		}
	}, nil
}
