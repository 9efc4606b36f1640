package netserver

import (
	"fmt"

	"github.com/deepaksubu/norbert/pkg/codec"
	"github.com/deepaksubu/norbert/pkg/executor"
	"github.com/deepaksubu/norbert/pkg/protocol"
)

// TypedHandler adapts a typed function into a byte-level handler using one
// codec for both directions.
func TypedHandler[Req, Resp any](c codec.Codec, fn func(ctx *protocol.RequestContext, req Req) (Resp, error)) executor.Handler {
	return func(ctx *protocol.RequestContext) ([]byte, error) {
		var req Req
		if err := c.Unmarshal(ctx.Envelope.Payload, &req); err != nil {
			return nil, fmt.Errorf("decode %s request: %w", ctx.Envelope.MessageName, err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := c.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode %s response: %w", ctx.Envelope.MessageName, err)
		}
		return out, nil
	}
}
