// Package client: RPC client engine and connection pool. One client
// multiplexes many in-flight calls over a single connection,
// correlating responses by stream id.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"dev.c0redev.urpc/crypto"
	"dev.c0redev.urpc/proto"
	"dev.c0redev.urpc/transport"
)

// ErrClosed: the client was closed and will not reconnect.
var ErrClosed = errors.New("rpc client closed")

// teardownMsg is the error every pending call observes when the
// connection dies under it.
const teardownMsg = "Connection closed by peer (timeout/idle)"

// Error is an on-wire RPC error (ERROR-flagged response) or a failure
// with no wire code (Code 0): connection teardown or a malformed error
// body.
type Error struct {
	Code    uint32
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return "rpc: " + e.Message
}

// Config for a Client. Factory defaults to plain TCP with Timeout as
// the per-op socket timeout. A positive PingInterval starts a
// keep-alive loop; ping failure closes the client. Encrypt turns on
// request-body AEAD whenever the transport exports a secret.
type Config struct {
	Addr         string
	Factory      transport.Factory
	Timeout      time.Duration
	PingInterval time.Duration
	Encrypt      bool
}

// call is the record for one outstanding request.
type call struct {
	done chan struct{}
	resp []byte
	err  *Error
}

type pingWaiter struct {
	done chan struct{}
	ok   bool
}

// connState is one established connection's immutable view: the
// stream plus the AEAD key it exported. Snapshotting it per connection
// keeps callers off the connect lock while reconnects happen.
type connState struct {
	stream transport.Stream
	hasKey bool
	key    [transport.KeySize]byte
}

// Client connects lazily on the first Call or Ping. Safe for
// concurrent use; three mutexes guard independent concerns (writer,
// pending map, ping map) plus a connect mutex for establishment.
type Client struct {
	cfg Config

	connectMu sync.Mutex
	cur       *connState

	nextStream atomic.Uint32
	closed     atomic.Bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]*call

	pingMu sync.Mutex
	pings  map[uint32]*pingWaiter

	pingOnce sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Client {
	if cfg.Factory == nil {
		cfg.Factory = &transport.TCPFactory{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:     cfg,
		pending: make(map[uint32]*call),
		pings:   make(map[uint32]*pingWaiter),
		stopCh:  make(chan struct{}),
	}
}

// Call hashes name and issues the request.
func (c *Client) Call(ctx context.Context, name string, body []byte) ([]byte, error) {
	return c.CallID(ctx, proto.MethodID(name), body)
}

// CallID sends one request and waits for its response. Returning early
// on ctx does not cancel the wire exchange; the pending record is
// reaped by the response or by teardown.
func (c *Client) CallID(ctx context.Context, methodID uint64, body []byte) ([]byte, error) {
	st, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	sid := c.allocStreamID()
	cl := &call{done: make(chan struct{})}
	c.pendingMu.Lock()
	c.pending[sid] = cl
	c.pendingMu.Unlock()

	flags := proto.FlagEndStream
	wire := body
	if c.cfg.Encrypt && st.hasKey && len(body) > 0 {
		enc, err := crypto.Seal(st.key[:], body)
		if err != nil {
			c.dropPending(sid)
			return nil, err
		}
		wire = enc
		flags |= proto.FlagEncrypted
	}

	hdr := proto.NewHeader(proto.TypeRequest, flags, sid, methodID, uint32(len(wire)))
	c.writeMu.Lock()
	err = proto.WriteFrame(st.stream, hdr, wire)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(sid)
		return nil, err
	}

	select {
	case <-cl.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if cl.err != nil {
		return nil, cl.err
	}
	return cl.resp, nil
}

// Ping sends a Ping and waits for its Pong. Ping stream ids come from
// the same counter as request ids, so they never collide.
func (c *Client) Ping(ctx context.Context) error {
	st, err := c.ensureConnected(ctx)
	if err != nil {
		return err
	}

	sid := c.allocStreamID()
	w := &pingWaiter{done: make(chan struct{})}
	c.pingMu.Lock()
	c.pings[sid] = w
	c.pingMu.Unlock()

	hdr := proto.NewHeader(proto.TypePing, proto.FlagEndStream, sid, 0, 0)
	c.writeMu.Lock()
	err = proto.WriteFrame(st.stream, hdr, nil)
	c.writeMu.Unlock()
	if err != nil {
		c.pingMu.Lock()
		delete(c.pings, sid)
		c.pingMu.Unlock()
		return err
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !w.ok {
		return &Error{Message: teardownMsg}
	}
	return nil
}

// Close shuts the connection down and stops the ping loop. Pending
// calls observe the teardown fan-out.
func (c *Client) Close() error {
	c.closed.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connectMu.Lock()
	st := c.cur
	c.connectMu.Unlock()
	if st != nil {
		st.stream.Shutdown()
	}
	return nil
}

// allocStreamID: monotonically increasing 32-bit counter, skipping 0.
func (c *Client) allocStreamID() uint32 {
	sid := c.nextStream.Add(1)
	if sid == 0 {
		sid = c.nextStream.Add(1)
	}
	return sid
}

func (c *Client) dropPending(sid uint32) {
	c.pendingMu.Lock()
	delete(c.pending, sid)
	c.pendingMu.Unlock()
}

// ensureConnected establishes the stream on first use; later callers
// observe the established one.
func (c *Client) ensureConnected(ctx context.Context) (*connState, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.cur != nil {
		return c.cur, nil
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	stream, err := c.cfg.Factory.Dial(ctx, c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	st := &connState{stream: stream}
	st.hasKey = stream.AppSecretKey(&st.key)
	c.cur = st
	go c.readerLoop(st)
	if c.cfg.PingInterval > 0 {
		c.pingOnce.Do(func() { go c.pingLoop() })
	}
	return st, nil
}

// readerLoop demultiplexes frames by stream id until the connection
// dies, then fans the teardown out to every waiter.
func (c *Client) readerLoop(st *connState) {
	defer c.teardown(st)
	bodyBuf := make([]byte, 64*1024)
	for {
		f, err := proto.ReadFrame(st.stream, bodyBuf)
		if err != nil {
			if err != io.EOF {
				log.Println("rpc client: read:", err)
			}
			return
		}
		switch f.Header.Type {
		case proto.TypeResponse:
			c.pendingMu.Lock()
			cl := c.pending[f.Header.StreamID]
			if cl != nil {
				delete(c.pending, f.Header.StreamID)
			}
			c.pendingMu.Unlock()
			if cl == nil {
				// response nobody asked for: protocol violation
				log.Println("rpc client: response for unknown stream", f.Header.StreamID)
				return
			}
			c.completeCall(st, cl, f.Header, f.Body)
		case proto.TypePing:
			pong := proto.NewHeader(proto.TypePong, proto.FlagEndStream,
				f.Header.StreamID, f.Header.MethodID, 0)
			c.writeMu.Lock()
			_ = proto.WriteFrame(st.stream, pong, nil)
			c.writeMu.Unlock()
		case proto.TypePong:
			c.pingMu.Lock()
			w := c.pings[f.Header.StreamID]
			if w != nil {
				delete(c.pings, f.Header.StreamID)
				w.ok = true
				close(w.done)
			}
			c.pingMu.Unlock()
		default:
			// Request/Stream/Cancel have no business here
		}
	}
}

func (c *Client) completeCall(st *connState, cl *call, hdr proto.Header, body []byte) {
	defer close(cl.done)
	if hdr.Flags&proto.FlagError != 0 {
		code, msg, _, err := proto.DecodeError(body)
		if err != nil {
			cl.err = &Error{Message: "Malformed error payload"}
			return
		}
		cl.err = &Error{Code: code, Message: msg}
		return
	}
	if hdr.Flags&proto.FlagEncrypted != 0 && len(body) > 0 {
		if !st.hasKey {
			cl.err = &Error{Code: proto.CodeBadPayload, Message: "Encrypted response without key"}
			return
		}
		dec, err := crypto.Open(st.key[:], body)
		if err != nil {
			cl.err = &Error{Code: proto.CodeBadPayload, Message: "Payload decrypt error"}
			return
		}
		cl.resp = dec
		return
	}
	cl.resp = append([]byte(nil), body...) // bodyBuf is reused
}

// teardown fan-out: every pending call errors, every ping waiter is
// signalled, the stream handle is released under the connect lock.
func (c *Client) teardown(st *connState) {
	st.stream.Shutdown()

	c.pendingMu.Lock()
	for _, cl := range c.pending {
		cl.err = &Error{Message: teardownMsg}
		close(cl.done)
	}
	c.pending = make(map[uint32]*call)
	c.pendingMu.Unlock()

	c.pingMu.Lock()
	for _, w := range c.pings {
		close(w.done)
	}
	c.pings = make(map[uint32]*pingWaiter)
	c.pingMu.Unlock()

	c.connectMu.Lock()
	if c.cur == st {
		c.cur = nil
	}
	c.connectMu.Unlock()
}

// pingLoop wakes at the configured cadence; a failed ping closes the
// client.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
		}
		ctx := context.Background()
		var cancel context.CancelFunc
		if c.cfg.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		}
		err := c.Ping(ctx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			log.Println("rpc client: ping:", err)
			_ = c.Close()
			return
		}
	}
}
