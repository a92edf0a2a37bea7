package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"sync"
	"time"
)

// TLSFactory builds TLS streams. ClientConf is used by Dial, ServerConf
// by Server; the handshake completes before the stream is returned, so
// the first frame always rides an established session.
type TLSFactory struct {
	ClientConf *tls.Config
	ServerConf *tls.Config
	Timeout    time.Duration
}

func (f *TLSFactory) Dial(ctx context.Context, addr string) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conf := f.ClientConf
	if conf == nil {
		conf = InsecureClientTLS()
	}
	tc := tls.Client(conn, conf)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newTLSStream(tc, f.Timeout), nil
}

func (f *TLSFactory) Server(conn net.Conn) (Stream, error) {
	tc := tls.Server(conn, f.ServerConf)
	if f.Timeout > 0 {
		_ = conn.SetDeadline(deadline(f.Timeout))
	}
	if err := tc.Handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return newTLSStream(tc, f.Timeout), nil
}

// InsecureClientTLS: client config for tests and closed deployments
// (no chain verification, TLS >= 1.2).
func InsecureClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		NextProtos:         []string{"urpc"},
	}
}

// ServerTLS: server config around cert (ALPN "urpc").
func ServerTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"urpc"},
	}
}

type tlsStream struct {
	tc      *tls.Conn
	timeout time.Duration
	peer    *PeerIdentity
	once    sync.Once
}

func newTLSStream(tc *tls.Conn, timeout time.Duration) *tlsStream {
	return &tlsStream{
		tc:      tc,
		timeout: timeout,
		peer:    peerFromState(tc.ConnectionState()),
	}
}

func (s *tlsStream) Read(p []byte) (int, error) {
	if err := s.tc.SetReadDeadline(deadline(s.timeout)); err != nil {
		return 0, err
	}
	return s.tc.Read(p)
}

func (s *tlsStream) Write(p []byte) (int, error) {
	if err := s.tc.SetWriteDeadline(deadline(s.timeout)); err != nil {
		return 0, err
	}
	return s.tc.Write(p)
}

func (s *tlsStream) Shutdown() {
	s.once.Do(func() { _ = s.tc.Close() })
}

func (s *tlsStream) Peer() *PeerIdentity { return s.peer }

func (s *tlsStream) AppSecretKey(out *[KeySize]byte) bool {
	cs := s.tc.ConnectionState()
	key, err := cs.ExportKeyingMaterial(AppSecretLabel, nil, KeySize)
	if err != nil {
		return false
	}
	copy(out[:], key)
	return true
}

// peerFromState extracts the peer identity from a completed handshake;
// nil when the peer presented no certificate.
func peerFromState(cs tls.ConnectionState) *PeerIdentity {
	if len(cs.PeerCertificates) == 0 {
		return nil
	}
	cert := cs.PeerCertificates[0]
	return &PeerIdentity{
		Authenticated: len(cs.VerifiedChains) > 0,
		Subject:       cert.Subject.String(),
		Issuer:        cert.Issuer.String(),
		CommonName:    cert.Subject.CommonName,
		DNSNames:      cert.DNSNames,
		CertPEM:       certPEM(cert),
	}
}

func certPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}
