// Package codec provides pluggable payload serializers for handler entries.
package codec

import (
	"encoding/json"
	"fmt"
)

// Codec converts typed handler values to and from opaque payload bytes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// BytesCodec passes payloads through untouched. Unmarshal requires a *[]byte.
type BytesCodec struct{}

func (BytesCodec) Name() string { return "bytes" }

func (BytesCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("codec: bytes codec wants []byte, got %T", v)
	}
	return b, nil
}

func (BytesCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("codec: bytes codec wants *[]byte, got %T", v)
	}
	*p = data
	return nil
}

// JSONCodec serializes payloads with encoding/json.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
