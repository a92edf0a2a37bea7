// Package server: acceptor and per-connection engine for the RPC
// protocol.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"dev.c0redev.urpc/registry"
	"dev.c0redev.urpc/transport"
)

// Audit receives one record per dispatched request. Implemented by
// store.DB; nil disables auditing.
type Audit interface {
	RecordCall(methodID uint64, streamID uint32, ok bool, code uint32, d time.Duration)
}

// Config for a Server. Factory wraps accepted connections (plain TCP
// when nil). Encrypt turns on response-body AEAD whenever the
// transport exports an application secret.
type Config struct {
	Addr    string
	Factory transport.Factory
	Timeout time.Duration
	Encrypt bool
	Audit   Audit
}

type Server struct {
	cfg Config
	reg *registry.Registry

	mu  sync.Mutex
	lns []net.Listener
	qls []*transport.QUICListener
}

func New(cfg Config) *Server {
	if cfg.Factory == nil {
		cfg.Factory = &transport.TCPFactory{Timeout: cfg.Timeout}
	}
	return &Server{cfg: cfg, reg: registry.New()}
}

// Registry returns the method registry. Populate it before Serve;
// lookups are lock-free afterwards.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Register is a convenience for Registry().Register.
func (s *Server) Register(name string, h registry.Handler) uint64 {
	return s.reg.Register(name, h)
}

// Serve binds cfg.Addr and accepts until ctx is cancelled or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts connections from ln, wraps each through the
// transport factory and spawns a connection engine. Transient accept
// failures back off before retrying.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.track(ln)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			log.Println("rpc accept:", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go func() {
			stream, err := s.cfg.Factory.Server(nc)
			if err != nil {
				log.Println("rpc handshake:", err)
				return
			}
			newConn(stream, s.reg, s.cfg.Encrypt, s.cfg.Audit).run(ctx)
		}()
	}
}

// ServeQUIC accepts QUIC connections; each carries one stream driven
// by its own connection engine.
func (s *Server) ServeQUIC(ctx context.Context, ln *transport.QUICListener) error {
	s.trackQUIC(ln)
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Println("rpc quic accept:", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go newConn(stream, s.reg, s.cfg.Encrypt, s.cfg.Audit).run(ctx)
	}
}

// Close stops all listeners. In-flight connections finish on their
// own; cancel the Serve context to tear them down.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, ln := range s.lns {
		if err := ln.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, ql := range s.qls {
		if err := ql.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.lns, s.qls = nil, nil
	return first
}

func (s *Server) track(ln net.Listener) {
	s.mu.Lock()
	s.lns = append(s.lns, ln)
	s.mu.Unlock()
}

func (s *Server) trackQUIC(ln *transport.QUICListener) {
	s.mu.Lock()
	s.qls = append(s.qls, ln)
	s.mu.Unlock()
}
