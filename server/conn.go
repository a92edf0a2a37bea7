package server

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"dev.c0redev.urpc/crypto"
	"dev.c0redev.urpc/proto"
	"dev.c0redev.urpc/registry"
	"dev.c0redev.urpc/transport"
)

// conn drives one accepted connection: read frames, dispatch requests,
// answer pings, fire cancel tokens. Each request runs in its own
// goroutine, so a slow handler never blocks the frame reader and a
// Cancel frame can reach a handler mid-flight.
type conn struct {
	stream  transport.Stream
	reg     *registry.Registry
	encrypt bool
	audit   Audit
	peer    *transport.PeerIdentity

	writeMu sync.Mutex

	cancelMu sync.Mutex
	cancels  map[uint32]context.CancelFunc

	key    [transport.KeySize]byte
	hasKey bool

	handlers sync.WaitGroup
}

func newConn(stream transport.Stream, reg *registry.Registry, encrypt bool, audit Audit) *conn {
	c := &conn{
		stream:  stream,
		reg:     reg,
		encrypt: encrypt,
		audit:   audit,
		peer:    stream.Peer(),
		cancels: make(map[uint32]context.CancelFunc),
	}
	c.hasKey = stream.AppSecretKey(&c.key)
	return c
}

func (c *conn) run(ctx context.Context) {
	defer c.stream.Shutdown()
	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	bodyBuf := make([]byte, 64*1024)
	for {
		f, err := proto.ReadFrame(c.stream, bodyBuf)
		if err != nil {
			if err != io.EOF {
				log.Println("rpc conn:", err)
			}
			break
		}
		switch f.Header.Type {
		case proto.TypeRequest:
			hdr := f.Header
			body := append([]byte(nil), f.Body...) // bodyBuf is reused next iteration
			c.handlers.Add(1)
			go func() {
				defer c.handlers.Done()
				c.handleRequest(ctx, hdr, body)
			}()
		case proto.TypeCancel:
			c.handleCancel(f.Header.StreamID)
		case proto.TypePing:
			c.sendPong(f.Header)
		default:
			// Stream and friends are reserved
		}
	}
	cancelAll()
	c.handlers.Wait()
}

func (c *conn) handleRequest(ctx context.Context, hdr proto.Header, body []byte) {
	start := time.Now()

	h, ok := c.reg.Lookup(hdr.MethodID)
	if !ok {
		c.sendError(hdr, proto.CodeUnknownMethod, "Unknown method")
		c.record(hdr, false, proto.CodeUnknownMethod, start)
		return
	}

	if hdr.Flags&proto.FlagEncrypted != 0 && len(body) > 0 {
		if !c.hasKey {
			c.sendError(hdr, proto.CodeBadPayload, "Bad payload")
			c.record(hdr, false, proto.CodeBadPayload, start)
			return
		}
		dec, err := crypto.Open(c.key[:], body)
		if err != nil {
			c.sendError(hdr, proto.CodeBadPayload, "Bad payload")
			c.record(hdr, false, proto.CodeBadPayload, start)
			return
		}
		body = dec
	}

	cctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancels[hdr.StreamID] = cancel
	c.cancelMu.Unlock()

	req := &registry.Request{
		StreamID: hdr.StreamID,
		MethodID: hdr.MethodID,
		Flags:    hdr.Flags,
		Body:     body,
		Peer:     c.peer,
	}
	resp := h(cctx, req)
	cancelled := cctx.Err() != nil

	c.cancelMu.Lock()
	delete(c.cancels, hdr.StreamID)
	c.cancelMu.Unlock()
	cancel()

	if cancelled && resp == nil {
		// cancelled request, handler produced nothing: no response frame
		c.record(hdr, false, 0, start)
		return
	}
	c.sendResponse(hdr, resp)
	c.record(hdr, true, 0, start)
}

func (c *conn) handleCancel(streamID uint32) {
	c.cancelMu.Lock()
	cancel, ok := c.cancels[streamID]
	if ok {
		delete(c.cancels, streamID)
	}
	c.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// sendResponse mirrors stream and method ids from the request; body is
// encrypted when the policy is on and the transport exported a key.
func (c *conn) sendResponse(req proto.Header, body []byte) {
	flags := proto.FlagEndStream
	if c.encrypt && c.hasKey && len(body) > 0 {
		enc, err := crypto.Seal(c.key[:], body)
		if err != nil {
			log.Println("rpc conn: seal:", err)
			return
		}
		body = enc
		flags |= proto.FlagEncrypted
	}
	hdr := proto.NewHeader(proto.TypeResponse, flags, req.StreamID, req.MethodID, uint32(len(body)))
	c.lockedSend(hdr, body)
}

func (c *conn) sendError(req proto.Header, code uint32, msg string) {
	body := proto.EncodeError(code, msg, nil)
	hdr := proto.NewHeader(proto.TypeResponse, proto.FlagEndStream|proto.FlagError,
		req.StreamID, req.MethodID, uint32(len(body)))
	c.lockedSend(hdr, body)
}

func (c *conn) sendPong(req proto.Header) {
	hdr := proto.NewHeader(proto.TypePong, proto.FlagEndStream, req.StreamID, req.MethodID, 0)
	c.lockedSend(hdr, nil)
}

func (c *conn) lockedSend(hdr proto.Header, body []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := proto.WriteFrame(c.stream, hdr, body); err != nil {
		log.Println("rpc conn: write:", err)
		c.stream.Shutdown()
	}
}

func (c *conn) record(hdr proto.Header, ok bool, code uint32, start time.Time) {
	if c.audit == nil {
		return
	}
	c.audit.RecordCall(hdr.MethodID, hdr.StreamID, ok, code, time.Since(start))
}
