package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"

	"lite-rpc/message"
)

// BinaryCodec writes envelopes as length-prefixed fields, big-endian.
//
// Request:  id:str16 service:str16 method:str16 count:u16 { type:str16 param:bytes32 }*count
// Response: id:str16 result:bytes32 hasError:u8 [ kind:str16 message:str16 ]
type BinaryCodec struct{}

var (
	errUnsupportedValue = errors.New("BinaryCodec: v must be *message.Request or *message.Response")
	errShortBuffer      = errors.New("BinaryCodec: truncated body")
	errFieldTooLong     = errors.New("BinaryCodec: field exceeds its length prefix")
)

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	w := &binaryWriter{}
	switch msg := v.(type) {
	case *message.Request:
		if len(msg.ParameterTypes) != len(msg.Parameters) {
			return nil, errors.New("BinaryCodec: parameter types and parameters differ in length")
		}
		w.str16(msg.RequestID)
		w.str16(msg.ServiceName)
		w.str16(msg.MethodName)
		w.uint16(len(msg.Parameters))
		for i := range msg.Parameters {
			w.str16(msg.ParameterTypes[i])
			w.bytes32(msg.Parameters[i])
		}
	case *message.Response:
		w.str16(msg.RequestID)
		w.bytes32(msg.Result)
		if msg.Error == nil {
			w.buf = append(w.buf, 0)
		} else {
			w.buf = append(w.buf, 1)
			w.str16(string(msg.Error.Kind))
			w.str16(msg.Error.Message)
		}
	default:
		return nil, errUnsupportedValue
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &binaryReader{data: data}
	switch msg := v.(type) {
	case *message.Request:
		msg.RequestID = r.str16()
		msg.ServiceName = r.str16()
		msg.MethodName = r.str16()
		count := r.uint16()
		msg.ParameterTypes = make([]string, 0, count)
		msg.Parameters = make([]json.RawMessage, 0, count)
		for i := 0; i < count && r.err == nil; i++ {
			msg.ParameterTypes = append(msg.ParameterTypes, r.str16())
			msg.Parameters = append(msg.Parameters, r.bytes32())
		}
	case *message.Response:
		msg.RequestID = r.str16()
		if result := r.bytes32(); len(result) > 0 {
			msg.Result = result
		}
		if r.byte() == 1 {
			msg.Error = &message.Error{Kind: message.ErrorKind(r.str16())}
			msg.Error.Message = r.str16()
		}
	default:
		return errUnsupportedValue
	}
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type binaryWriter struct {
	buf []byte
	err error
}

func (w *binaryWriter) uint16(n int) {
	if n > math.MaxUint16 {
		w.err = errFieldTooLong
		return
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(n))
}

func (w *binaryWriter) str16(s string) {
	w.uint16(len(s))
	w.buf = append(w.buf, s...)
}

func (w *binaryWriter) bytes32(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.err = errFieldTooLong
		return
	}
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// binaryReader records the first out-of-bounds read and returns zero values afterwards.
type binaryReader struct {
	data   []byte
	offset int
	err    error
}

func (r *binaryReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.offset < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b
}

func (r *binaryReader) byte() byte {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *binaryReader) uint16() int {
	if b := r.next(2); b != nil {
		return int(binary.BigEndian.Uint16(b))
	}
	return 0
}

func (r *binaryReader) str16() string {
	return string(r.next(r.uint16()))
}

func (r *binaryReader) bytes32() []byte {
	b := r.next(4)
	if b == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(n) > uint64(len(r.data)-r.offset) {
		r.err = errShortBuffer
		return nil
	}
	out := make([]byte, n)
	copy(out, r.next(int(n)))
	return out
}
