package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestPQStreamKeyAgreement(t *testing.T) {
	f := &PQFactory{Timeout: 5 * time.Second}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	srvCh := make(chan Stream, 1)
	accept(t, ln, f, srvCh)

	cs, err := f.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Shutdown()
	var ss Stream
	select {
	case ss = <-srvCh:
	case <-time.After(5 * time.Second):
		t.Fatal("KEM exchange never finished")
	}
	defer ss.Shutdown()

	var ck, sk [KeySize]byte
	if !cs.AppSecretKey(&ck) || !ss.AppSecretKey(&sk) {
		t.Fatal("pq stream exported no key")
	}
	if ck != sk {
		t.Fatal("derived keys differ across the connection")
	}
	if ck == ([KeySize]byte{}) {
		t.Fatal("derived key is all zero")
	}
	// no TLS, no identity
	if cs.Peer() != nil || ss.Peer() != nil {
		t.Fatal("pq stream should have no peer identity")
	}
}

func TestPQStreamCarriesBytes(t *testing.T) {
	f := &PQFactory{Timeout: 5 * time.Second}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	srvCh := make(chan Stream, 1)
	accept(t, ln, f, srvCh)

	cs, err := f.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Shutdown()
	ss := <-srvCh
	defer ss.Shutdown()

	msg := []byte("after the handshake the channel is ours")
	if _, err := cs.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	n, err := ss.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:n], msg[:n]) {
		t.Fatalf("got %q", buf[:n])
	}
}
