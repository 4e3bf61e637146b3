package protocol

// Frame header: [4B payload_length big-endian][1B frame_type]
const HeaderSize = 5

// Maximum payload size (4 MB).
const MaxPayloadSize = 4 * 1024 * 1024

// FrameType identifies a frame on a byte-stream transport.
type FrameType byte

const (
	// FrameHello is the first frame on a stream; its payload is the user identity.
	FrameHello FrameType = 0x01
	// FrameText carries one encoded Message.
	FrameText FrameType = 0x02
)

func (f FrameType) String() string {
	switch f {
	case FrameHello:
		return "hello"
	case FrameText:
		return "text"
	default:
		return "unknown"
	}
}

// Type is the kind of a Message.
type Type uint8

const (
	TypeRequest      Type = 1
	TypeResponse     Type = 2
	TypeNotification Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotification:
		return "notification"
	default:
		return "unknown"
	}
}
