// Package registry maps 64-bit method identifiers to handlers.
package registry

import (
	"context"

	"dev.c0redev.urpc/proto"
	"dev.c0redev.urpc/transport"
)

// Request is the per-call view a handler receives. Body is only valid
// for the duration of the call; Peer is nil when the peer presented no
// certificate (plain TCP, PQ, or TLS without a client certificate).
type Request struct {
	StreamID uint32
	MethodID uint64
	Flags    uint16
	Body     []byte
	Peer     *transport.PeerIdentity
}

// Handler produces the response body for one request. There is no
// error channel: application errors ride in the handler's own body
// format. The context is cancelled when the client sends Cancel for
// this stream or the connection dies; a handler that returns nil after
// cancellation produces no response frame.
type Handler func(ctx context.Context, req *Request) []byte

// Registry is populated once at startup, before the acceptor runs, and
// is read from many connection goroutines afterwards. Lookup takes no
// lock under that contract; do not register concurrently with serving.
type Registry struct {
	handlers map[uint64]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[uint64]Handler)}
}

// Register hashes name with FNV-1a 64 and registers h under the
// identifier, which it returns.
func (r *Registry) Register(name string, h Handler) uint64 {
	id := proto.MethodID(name)
	r.handlers[id] = h
	return id
}

// RegisterID registers h under a precomputed identifier.
func (r *Registry) RegisterID(id uint64, h Handler) {
	r.handlers[id] = h
}

// RegisterString adapts a handler returning UTF-8 strings to the
// canonical byte-slice form.
func (r *Registry) RegisterString(name string, h func(ctx context.Context, req *Request) string) uint64 {
	return r.Register(name, func(ctx context.Context, req *Request) []byte {
		return []byte(h(ctx, req))
	})
}

// Lookup returns the handler for id, or false.
func (r *Registry) Lookup(id uint64) (Handler, bool) {
	h, ok := r.handlers[id]
	return h, ok
}

// Len reports the number of registered methods.
func (r *Registry) Len() int { return len(r.handlers) }
