package proto

// Header: fixed 28-byte frame header, big-endian on wire.
type Header struct {
	Magic    uint32
	Version  uint8
	Type     FrameType
	Flags    uint16
	Reserved uint32 // zero on send, ignored on receive
	StreamID uint32
	MethodID uint64
	Length   uint32
}

// Frame: header + body (body is exactly Length bytes).
type Frame struct {
	Header Header
	Body   []byte
}

// NewHeader fills magic/version and the caller-chosen fields.
func NewHeader(t FrameType, flags uint16, streamID uint32, methodID uint64, length uint32) Header {
	return Header{
		Magic:    Magic,
		Version:  Version,
		Type:     t,
		Flags:    flags,
		StreamID: streamID,
		MethodID: methodID,
		Length:   length,
	}
}
