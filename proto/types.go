package proto

// FrameType: 1-byte type on wire.
type FrameType uint8

const (
	TypeRequest  FrameType = 0
	TypeResponse FrameType = 1
	TypeStream   FrameType = 2 // reserved
	TypeCancel   FrameType = 3
	TypePing     FrameType = 4
	TypePong     FrameType = 5
)

// Flag bits, OR-combinable. Unknown bits are preserved, never rejected.
const (
	FlagEndStream  uint16 = 0x01
	FlagError      uint16 = 0x02
	FlagCompressed uint16 = 0x04 // reserved
	FlagEncrypted  uint16 = 0x08 // body went through AEAD
	FlagTLS        uint16 = 0x10 // informational
	FlagMTLS       uint16 = 0x20 // informational
)

// Magic = 'URPC', Version = 1. Mismatch on either kills the connection.
const (
	Magic   uint32 = 0x55525043
	Version uint8  = 1
)

// HeaderSize: magic(4) + version(1) + type(1) + flags(2) + reserved(4) + stream_id(4) + method_id(8) + length(4).
const HeaderSize = 28

// MaxBodySize guards the 32-bit length field against garbage.
const MaxBodySize = 64 * 1024 * 1024

// Well-known error codes in ERROR-flagged response bodies.
const (
	CodeUnknownMethod uint32 = 404
	CodeBadPayload    uint32 = 400
)
