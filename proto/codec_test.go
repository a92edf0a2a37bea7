package proto

import (
	"bytes"
	"io"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	hdrs := []Header{
		NewHeader(TypeRequest, FlagEndStream, 1, MethodID("Example.Echo"), 17),
		NewHeader(TypeResponse, FlagEndStream|FlagError, 0xffffffff, 0xffffffffffffffff, 0xffffffff),
		NewHeader(TypePing, 0, 7, 0, 0),
		{Magic: Magic, Version: Version, Type: TypePong, Flags: 0xffff, Reserved: 0xdeadbeef, StreamID: 42, MethodID: 1, Length: 9},
	}
	for _, h := range hdrs {
		var buf [HeaderSize]byte
		MarshalHeader(h, buf[:])
		got := ParseHeader(buf[:])
		if got != h {
			t.Fatalf("roundtrip: sent %+v got %+v", h, got)
		}
	}
}

func TestHeaderWireLayout(t *testing.T) {
	h := NewHeader(TypeResponse, FlagEndStream, 0x01020304, 0x1122334455667788, 5)
	var buf [HeaderSize]byte
	MarshalHeader(h, buf[:])
	want := []byte{
		0x55, 0x52, 0x50, 0x43, // magic 'URPC'
		0x01,       // version
		0x01,       // type
		0x00, 0x01, // flags
		0x00, 0x00, 0x00, 0x00, // reserved
		0x01, 0x02, 0x03, 0x04, // stream_id
		0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, // method_id
		0x00, 0x00, 0x00, 0x05, // length
	}
	if !bytes.Equal(buf[:], want) {
		t.Fatalf("layout: got % x want % x", buf[:], want)
	}
}

func TestWriteReadFrame(t *testing.T) {
	body := []byte("hello from client")
	hdr := NewHeader(TypeRequest, FlagEndStream, 3, MethodID("Example.Echo"), uint32(len(body)))
	var buf bytes.Buffer
	if err := WriteFrame(&buf, hdr, body); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("wire size: got %d want %d", buf.Len(), HeaderSize+len(body))
	}
	f, err := ReadFrame(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if f.Header != hdr || !bytes.Equal(f.Body, body) {
		t.Fatalf("roundtrip: got %+v body %q", f.Header, f.Body)
	}
}

func TestReadFrameEmptyBody(t *testing.T) {
	hdr := NewHeader(TypePong, FlagEndStream, 7, 0, 0)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, hdr, nil); err != nil {
		t.Fatal(err)
	}
	f, err := ReadFrame(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Body) != 0 || f.Header.StreamID != 7 {
		t.Fatalf("roundtrip empty: got %+v", f)
	}
}

func TestReadFrameReuseBuffer(t *testing.T) {
	body := []byte("abc123")
	hdr := NewHeader(TypeRequest, 0, 1, 1, uint32(len(body)))
	var buf bytes.Buffer
	if err := WriteFrame(&buf, hdr, body); err != nil {
		t.Fatal(err)
	}
	scratch := make([]byte, 64)
	f, err := ReadFrame(&buf, scratch)
	if err != nil {
		t.Fatal(err)
	}
	if &f.Body[0] != &scratch[0] {
		t.Fatal("expected body to reuse scratch buffer")
	}
	if !bytes.Equal(f.Body, body) {
		t.Fatalf("roundtrip: got %q", f.Body)
	}
}

func TestReadFrameBadMagic(t *testing.T) {
	hdr := NewHeader(TypePing, 0, 1, 0, 0)
	hdr.Magic = 0x12345678
	var head [HeaderSize]byte
	MarshalHeader(hdr, head[:])
	_, err := ReadFrame(bytes.NewReader(head[:]), nil)
	if err != ErrBadMagic {
		t.Fatalf("got %v want ErrBadMagic", err)
	}
}

func TestReadFrameBadVersion(t *testing.T) {
	hdr := NewHeader(TypePing, 0, 1, 0, 0)
	hdr.Version = 2
	var head [HeaderSize]byte
	MarshalHeader(hdr, head[:])
	_, err := ReadFrame(bytes.NewReader(head[:]), nil)
	if err != ErrBadVersion {
		t.Fatalf("got %v want ErrBadVersion", err)
	}
}

func TestReadFrameShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x55, 0x52, 0x50}), nil)
	if err == nil {
		t.Fatal("expected error on short header")
	}
}

func TestReadFrameShortBody(t *testing.T) {
	hdr := NewHeader(TypeRequest, 0, 1, 1, 10)
	var head [HeaderSize]byte
	MarshalHeader(hdr, head[:])
	wire := append(head[:], []byte("abc")...)
	_, err := ReadFrame(bytes.NewReader(wire), nil)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("got %v want ErrUnexpectedEOF", err)
	}
}

func TestReadFrameBodyTooLarge(t *testing.T) {
	hdr := NewHeader(TypeRequest, 0, 1, 1, MaxBodySize+1)
	var head [HeaderSize]byte
	MarshalHeader(hdr, head[:])
	_, err := ReadFrame(bytes.NewReader(head[:]), nil)
	if err != ErrBodyTooLarge {
		t.Fatalf("got %v want ErrBodyTooLarge", err)
	}
}

func TestErrorBodyRoundTrip(t *testing.T) {
	body := EncodeError(404, "Unknown method", nil)
	want := []byte{0x00, 0x00, 0x01, 0x94, 0x00, 0x00, 0x00, 0x0e}
	if !bytes.Equal(body[:8], want) {
		t.Fatalf("prefix: got % x want % x", body[:8], want)
	}
	if string(body[8:]) != "Unknown method" {
		t.Fatalf("message bytes: got %q", body[8:])
	}
	code, msg, detail, err := DecodeError(body)
	if err != nil {
		t.Fatal(err)
	}
	if code != 404 || msg != "Unknown method" || len(detail) != 0 {
		t.Fatalf("decode: code=%d msg=%q detail=%q", code, msg, detail)
	}
}

func TestErrorBodyDetail(t *testing.T) {
	body := EncodeError(400, "Bad payload", []byte{0xde, 0xad})
	code, msg, detail, err := DecodeError(body)
	if err != nil {
		t.Fatal(err)
	}
	if code != 400 || msg != "Bad payload" || !bytes.Equal(detail, []byte{0xde, 0xad}) {
		t.Fatalf("decode: code=%d msg=%q detail=% x", code, msg, detail)
	}
}

func TestErrorBodyMalformed(t *testing.T) {
	if _, _, _, err := DecodeError([]byte{1, 2, 3}); err != ErrInvalidError {
		t.Fatalf("short: got %v", err)
	}
	// msg_len overruns the body
	bad := EncodeError(1, "abc", nil)[:9]
	if _, _, _, err := DecodeError(bad); err != ErrInvalidError {
		t.Fatalf("overrun: got %v", err)
	}
}
