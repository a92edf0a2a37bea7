package transport

import (
	"context"
	"io"
	"net"
	"time"

	"dev.c0redev.urpc/crypto"
)

// ML-KEM-768 wire sizes.
const (
	kemEncKeySize     = 1184
	kemCiphertextSize = 1088
)

// PQFactory builds TCP streams with a post-quantum key agreement run
// before any frame flows: the accepting side sends its ML-KEM-768
// encapsulation key, the dialer answers with the KEM ciphertext, both
// derive the application secret from the shared secret. The exchange
// happens below the frame layer, so the RPC protocol is unchanged;
// AppSecretKey reports the derived key and enables the body AEAD on
// otherwise plain TCP. The channel itself stays cleartext.
type PQFactory struct {
	Timeout time.Duration
}

func (f *PQFactory) Dial(ctx context.Context, addr string) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	s, err := newPQClientStream(conn, f.Timeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (f *PQFactory) Server(conn net.Conn) (Stream, error) {
	s, err := newPQServerStream(conn, f.Timeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

type pqStream struct {
	tcpStream
	key [KeySize]byte
}

func newPQClientStream(conn net.Conn, timeout time.Duration) (*pqStream, error) {
	s := &pqStream{tcpStream: tcpStream{conn: conn, timeout: timeout}}
	encKey := make([]byte, kemEncKeySize)
	if _, err := io.ReadFull(&s.tcpStream, encKey); err != nil {
		return nil, err
	}
	secret, ciphertext, err := crypto.Encapsulate(encKey)
	if err != nil {
		return nil, err
	}
	if _, err := s.tcpStream.Write(ciphertext); err != nil {
		return nil, err
	}
	s.key, err = crypto.DeriveKey(secret, AppSecretLabel)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newPQServerStream(conn net.Conn, timeout time.Duration) (*pqStream, error) {
	s := &pqStream{tcpStream: tcpStream{conn: conn, timeout: timeout}}
	encKey, decap, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if _, err := s.tcpStream.Write(encKey); err != nil {
		return nil, err
	}
	ciphertext := make([]byte, kemCiphertextSize)
	if _, err := io.ReadFull(&s.tcpStream, ciphertext); err != nil {
		return nil, err
	}
	secret, err := crypto.Decapsulate(decap, ciphertext)
	if err != nil {
		return nil, err
	}
	s.key, err = crypto.DeriveKey(secret, AppSecretLabel)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *pqStream) AppSecretKey(out *[KeySize]byte) bool {
	*out = s.key
	return true
}
