package protocol

import (
	"math"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

var (
	ErrMalformed       = errors.New("malformed message")
	ErrOutOfRange      = errors.New("field out of range")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnknownFrame    = errors.New("unknown frame type")
)

// Message is the unit exchanged with the peer, one per transport payload.
//
// Wire shape: {"sequence":n,"type":t,"message":"...","from":"..."}.
// message and from are omitted when empty.
type Message struct {
	Sequence uint16 `json:"sequence"`
	Type     Type   `json:"type"`
	Message  string `json:"message,omitempty"`
	From     string `json:"from,omitempty"`
}

// wireMessage is the lenient decode target: absent numeric fields stay nil
// so defaults can be applied. Numbers arrive as float64 so that integral
// forms such as 7.0 or 7e0 are accepted, and are checked before narrowing.
type wireMessage struct {
	Sequence *float64 `json:"sequence"`
	Type     *float64 `json:"type"`
	Message  string `json:"message"`
	From     string `json:"from"`
}

// Encode returns the JSON encoding of m.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode nil message")
	}
	return sonic.Marshal(m)
}

// Decode parses one payload. Absent fields default to sequence 0 and type
// request; unknown fields are ignored.
func Decode(data []byte) (*Message, error) {
	var w wireMessage
	if err := sonic.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	m := &Message{Type: TypeRequest, Message: w.Message, From: w.From}
	if w.Sequence != nil {
		n, err := integral("sequence", *w.Sequence, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		m.Sequence = uint16(n)
	}
	if w.Type != nil {
		n, err := integral("type", *w.Type, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		m.Type = Type(n)
	}
	return m, nil
}

// integral checks that v is a whole number in [0, limit].
func integral(field string, v, limit float64) (int64, error) {
	if v != math.Trunc(v) {
		return 0, errors.Wrapf(ErrMalformed, "%s %v is not an integer", field, v)
	}
	if v < 0 || v > limit {
		return 0, errors.Wrapf(ErrOutOfRange, "%s %v", field, v)
	}
	return int64(v), nil
}
