// Package transport: bidirectional byte channels the RPC engines run
// over. Variants: plain TCP, TLS, QUIC, and PQ-KEM over TCP. TLS, QUIC
// and PQ streams export a 32-byte application secret that keys the
// body AEAD; plain TCP exports none.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// AppSecretLabel is the exporter/derivation label for the application
// secret key. It must match on both ends of one connection.
const AppSecretLabel = "EXPORTER-urpc-app-secret"

// KeySize of the exported application secret.
const KeySize = 32

// PeerIdentity describes the authenticated peer; populated by
// TLS-backed transports only.
type PeerIdentity struct {
	Authenticated bool
	Subject       string
	Issuer        string
	CommonName    string
	DNSNames      []string
	CertPEM       string
}

// Stream is an ordered byte channel. Read returns short reads; callers
// loop (io.ReadFull). Write follows net.Conn semantics: it returns an
// error unless all bytes were written.
type Stream interface {
	io.Reader
	io.Writer

	// Shutdown closes the stream. Idempotent, safe from any goroutine.
	Shutdown()

	// Peer returns the peer identity, or nil when the transport does
	// not authenticate (plain TCP, PQ) or the TLS peer presented no
	// certificate.
	Peer() *PeerIdentity

	// AppSecretKey fills out with the 32-byte application secret and
	// reports whether the transport exports one.
	AppSecretKey(out *[KeySize]byte) bool
}

// Factory constructs streams for both endpoints: Dial for clients,
// Server to wrap an accepted connection.
type Factory interface {
	Dial(ctx context.Context, addr string) (Stream, error)
	Server(conn net.Conn) (Stream, error)
}

// deadline applies an absolute deadline derived from timeout, clearing
// it when timeout is zero.
func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
