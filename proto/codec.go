package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

var (
	ErrBadMagic     = errors.New("bad frame magic")
	ErrBadVersion   = errors.New("bad frame version")
	ErrBodyTooLarge = errors.New("frame body too large")
	ErrInvalidError = errors.New("malformed error body")
)

// MarshalHeader serializes h into out (len >= HeaderSize), big-endian.
func MarshalHeader(h Header, out []byte) {
	binary.BigEndian.PutUint32(out[0:4], h.Magic)
	out[4] = h.Version
	out[5] = byte(h.Type)
	binary.BigEndian.PutUint16(out[6:8], h.Flags)
	binary.BigEndian.PutUint32(out[8:12], h.Reserved)
	binary.BigEndian.PutUint32(out[12:16], h.StreamID)
	binary.BigEndian.PutUint64(out[16:24], h.MethodID)
	binary.BigEndian.PutUint32(out[24:28], h.Length)
}

// ParseHeader decodes 28 bytes into a Header. Pure, no validation;
// callers check Magic/Version and terminate the connection on mismatch.
func ParseHeader(in []byte) Header {
	return Header{
		Magic:    binary.BigEndian.Uint32(in[0:4]),
		Version:  in[4],
		Type:     FrameType(in[5]),
		Flags:    binary.BigEndian.Uint16(in[6:8]),
		Reserved: binary.BigEndian.Uint32(in[8:12]),
		StreamID: binary.BigEndian.Uint32(in[12:16]),
		MethodID: binary.BigEndian.Uint64(in[16:24]),
		Length:   binary.BigEndian.Uint32(in[24:28]),
	}
}

// WriteFrame writes the header then the body. The caller holds the
// connection write lock so header and body stay contiguous on the wire.
// hdr.Length must already equal len(body).
func WriteFrame(w io.Writer, hdr Header, body []byte) error {
	var head [HeaderSize]byte
	MarshalHeader(hdr, head[:])
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame reads one frame; bodyBuf opt (nil = alloc). Validates magic
// and version; either mismatch is terminal for the connection.
func ReadFrame(r io.Reader, bodyBuf []byte) (*Frame, error) {
	var head [HeaderSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	hdr := ParseHeader(head[:])
	if hdr.Magic != Magic {
		return nil, ErrBadMagic
	}
	if hdr.Version != Version {
		return nil, ErrBadVersion
	}
	var body []byte
	if hdr.Length > 0 {
		if hdr.Length > MaxBodySize {
			return nil, ErrBodyTooLarge
		}
		if bodyBuf != nil && cap(bodyBuf) >= int(hdr.Length) {
			body = bodyBuf[:hdr.Length]
		} else {
			body = make([]byte, hdr.Length)
		}
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}
	return &Frame{Header: hdr, Body: body}, nil
}

// EncodeError builds an ERROR response body:
// u32 code, u32 msg_len, msg_len UTF-8 bytes, optional detail tail.
func EncodeError(code uint32, msg string, detail []byte) []byte {
	b := make([]byte, 8, 8+len(msg)+len(detail))
	binary.BigEndian.PutUint32(b[0:4], code)
	binary.BigEndian.PutUint32(b[4:8], uint32(len(msg)))
	b = append(b, msg...)
	b = append(b, detail...)
	return b
}

// DecodeError parses an ERROR response body.
func DecodeError(body []byte) (code uint32, msg string, detail []byte, err error) {
	if len(body) < 8 {
		return 0, "", nil, ErrInvalidError
	}
	code = binary.BigEndian.Uint32(body[0:4])
	msgLen := binary.BigEndian.Uint32(body[4:8])
	if uint32(len(body)-8) < msgLen {
		return 0, "", nil, ErrInvalidError
	}
	msg = string(body[8 : 8+msgLen])
	detail = body[8+msgLen:]
	return code, msg, detail, nil
}
