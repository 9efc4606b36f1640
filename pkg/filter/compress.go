package filter

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/deepaksubu/norbert/pkg/protocol"
)

const compressedAttr = "norbert.filter.compressed"

// zstd frame magic, little-endian on the wire.
const zstdMagic = 0xFD2FB528

// CompressionFilter transparently decompresses zstd request payloads and
// compresses responses for requests that arrived compressed. Requests without
// the zstd magic pass through untouched.
type CompressionFilter struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewCompressionFilter() (*CompressionFilter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("filter: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("filter: zstd decoder: %w", err)
	}
	return &CompressionFilter{enc: enc, dec: dec}, nil
}

func (f *CompressionFilter) OnRequest(ctx *protocol.RequestContext) error {
	payload := ctx.Envelope.Payload
	if len(payload) < 4 || binary.LittleEndian.Uint32(payload) != zstdMagic {
		return nil
	}
	plain, err := f.dec.DecodeAll(payload, nil)
	if err != nil {
		return fmt.Errorf("filter: decompress payload: %w", err)
	}
	ctx.Envelope.Payload = plain
	ctx.Attributes[compressedAttr] = true
	return nil
}

func (f *CompressionFilter) OnResponse(ctx *protocol.RequestContext, res *Result) {
	if ctx.Attributes[compressedAttr] != true {
		return
	}
	res.Payload = f.enc.EncodeAll(res.Payload, nil)
}

func (f *CompressionFilter) OnError(*protocol.RequestContext, error) {}
