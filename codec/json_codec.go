package codec

import (
	jsoniter "github.com/json-iterator/go"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONCodec serializes envelopes as JSON, using json-iterator in its
// encoding/json compatible mode.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
