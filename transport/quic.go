package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrQUICServerFactory: QUIC connections are accepted via QUICListener,
// not wrapped from a net.Conn.
var ErrQUICServerFactory = errors.New("quic: use QUICListener on the server side")

// QUICStream carries the frame protocol over one bidirectional QUIC
// stream. Peer identity and the application secret come from the QUIC
// TLS session, so the body AEAD works the same as over TLS.
type QUICStream struct {
	stream  *quic.Stream
	conn    *quic.Conn
	timeout time.Duration
	peer    *PeerIdentity
}

// DialQUIC dials addr, opens one stream and returns it. A nil
// tlsConf falls back to the insecure client config.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, timeout time.Duration) (*QUICStream, error) {
	if tlsConf == nil {
		tlsConf = InsecureClientTLS()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return newQUICStream(stream, conn, timeout), nil
}

// QUICFactory implements Factory for the dial side.
type QUICFactory struct {
	TLSConf *tls.Config
	Timeout time.Duration
}

func (f *QUICFactory) Dial(ctx context.Context, addr string) (Stream, error) {
	return DialQUIC(ctx, addr, f.TLSConf, f.Timeout)
}

func (f *QUICFactory) Server(conn net.Conn) (Stream, error) {
	_ = conn.Close()
	return nil, ErrQUICServerFactory
}

// QUICListener accepts QUIC connections and hands out one stream per
// connection.
type QUICListener struct {
	ln      *quic.Listener
	timeout time.Duration
}

// ListenQUIC listens on addr; tlsConf must carry Certificates.
func ListenQUIC(addr string, tlsConf *tls.Config, timeout time.Duration) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &QUICListener{ln: ln, timeout: timeout}, nil
}

// Accept blocks for the next connection and its first bidirectional
// stream.
func (l *QUICListener) Accept(ctx context.Context) (*QUICStream, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return newQUICStream(stream, conn, l.timeout), nil
}

func (l *QUICListener) Addr() string { return l.ln.Addr().String() }

func (l *QUICListener) Close() error { return l.ln.Close() }

func newQUICStream(stream *quic.Stream, conn *quic.Conn, timeout time.Duration) *QUICStream {
	return &QUICStream{
		stream:  stream,
		conn:    conn,
		timeout: timeout,
		peer:    peerFromState(conn.ConnectionState().TLS),
	}
}

func (s *QUICStream) Read(p []byte) (int, error) {
	if err := s.stream.SetReadDeadline(deadline(s.timeout)); err != nil {
		return 0, err
	}
	return s.stream.Read(p)
}

func (s *QUICStream) Write(p []byte) (int, error) {
	if err := s.stream.SetWriteDeadline(deadline(s.timeout)); err != nil {
		return 0, err
	}
	return s.stream.Write(p)
}

func (s *QUICStream) Shutdown() {
	_ = s.conn.CloseWithError(0, "")
}

func (s *QUICStream) Peer() *PeerIdentity { return s.peer }

func (s *QUICStream) AppSecretKey(out *[KeySize]byte) bool {
	cs := s.conn.ConnectionState().TLS
	key, err := cs.ExportKeyingMaterial(AppSecretLabel, nil, KeySize)
	if err != nil {
		return false
	}
	copy(out[:], key)
	return true
}
