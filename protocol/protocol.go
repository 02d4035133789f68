// Package protocol implements the frame format spoken on lite-rpc connections.
//
// A fixed 9-byte header is followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0     2  3  4  5         9
//	┌─────┬──┬──┬──┬─────────┬───────────────┐
//	│magic│v │ct│mt│ bodyLen │    body ...   │
//	│ lr  │01│  │  │ uint32  │ bodyLen bytes │
//	└─────┴──┴──┴──┴─────────┴───────────────┘
//
// There is no sequence number: a connection carries one call at a time and responses are
// written in request order, correlated by the request id inside the body.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"lite-rpc/codec"
)

const (
	MagicByte1 byte = 0x6c // 'l'
	MagicByte2 byte = 0x72 // 'r'
	Version    byte = 0x01
	HeaderSize int  = 9 // 2 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation made for a single frame body.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2 // no body
)

// ErrBadFrame is wrapped by every header validation failure.
// The stream cannot be resynchronised after one, so the connection must be closed.
var ErrBadFrame = errors.New("bad frame")

// Header represents the fixed frame header.
type Header struct {
	CodecType codec.CodecType
	MsgType   MsgType
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w in a single Write call.
// BodyLen is taken from len(body).
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return errors.Wrapf(ErrBadFrame, "body of %d bytes exceeds limit %d", len(body), MaxBodyLen)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = Version
	buf[3] = byte(h.CodecType)
	buf[4] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// io.EOF is returned unwrapped when the peer closes between frames.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 {
		return nil, nil, errors.Wrapf(ErrBadFrame, "invalid magic number: %x", headerBuf[0:2])
	}
	if headerBuf[2] != Version {
		return nil, nil, errors.Wrapf(ErrBadFrame, "unsupported version: %d", headerBuf[2])
	}
	codecType := codec.CodecType(headerBuf[3])
	if codecType != codec.CodecTypeJSON && codecType != codec.CodecTypeBinary {
		return nil, nil, errors.Wrapf(ErrBadFrame, "unsupported codec type: %d", headerBuf[3])
	}
	msgType := MsgType(headerBuf[4])
	if msgType != MsgTypeRequest && msgType != MsgTypeResponse && msgType != MsgTypeHeartbeat {
		return nil, nil, errors.Wrapf(ErrBadFrame, "unsupported message type: %d", headerBuf[4])
	}
	bodyLen := binary.BigEndian.Uint32(headerBuf[5:9])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Wrapf(ErrBadFrame, "body of %d bytes exceeds limit %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errors.Wrap(err, "cannot read frame body")
	}

	return &Header{CodecType: codecType, MsgType: msgType, BodyLen: bodyLen}, body, nil
}
