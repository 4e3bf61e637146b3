package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// WriteFrame writes [header][payload] to w.
func WriteFrame(w io.Writer, typ FrameType, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	header[4] = byte(typ)

	// One write keeps header and payload together on the stream.
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, header[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	typ := FrameType(header[4])

	if payloadLen > MaxPayloadSize {
		return 0, nil, ErrPayloadTooLarge
	}
	if typ != FrameHello && typ != FrameText {
		return 0, nil, errors.Wrapf(ErrUnknownFrame, "0x%02x", byte(typ))
	}

	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return typ, payload, nil
}
