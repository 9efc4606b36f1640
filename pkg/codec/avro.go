package codec

import (
	"fmt"

	"github.com/linkedin/goavro/v2"
)

// AvroCodec serializes Avro binary payloads against a fixed schema. Marshal
// accepts the goavro native form (map[string]any for records); Unmarshal
// fills a *any with the native form.
type AvroCodec struct {
	codec *goavro.Codec
}

func NewAvroCodec(schema string) (*AvroCodec, error) {
	c, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, fmt.Errorf("codec: avro schema: %w", err)
	}
	return &AvroCodec{codec: c}, nil
}

func (c *AvroCodec) Name() string { return "avro" }

func (c *AvroCodec) Marshal(v any) ([]byte, error) {
	data, err := c.codec.BinaryFromNative(nil, v)
	if err != nil {
		return nil, fmt.Errorf("codec: avro marshal: %w", err)
	}
	return data, nil
}

func (c *AvroCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*any)
	if !ok {
		return fmt.Errorf("codec: avro codec wants *any, got %T", v)
	}
	native, rest, err := c.codec.NativeFromBinary(data)
	if err != nil {
		return fmt.Errorf("codec: avro unmarshal: %w", err)
	}
	if len(rest) > 0 {
		return fmt.Errorf("codec: avro unmarshal: %d trailing bytes", len(rest))
	}
	*p = native
	return nil
}
