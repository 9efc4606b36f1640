// Package filter provides the ordered interceptor chain wrapped around each
// handler invocation.
package filter

import (
	"sync"

	"github.com/deepaksubu/norbert/pkg/protocol"
)

// Result carries the handler's response payload through the outbound half of
// the chain. Filters may rewrite Payload in place.
type Result struct {
	Payload []byte
}

// Filter hooks run around a handler: OnRequest in registration order before
// dispatch, then the matching OnResponse or OnError in reverse order.
// Returning an error from OnRequest aborts the request; the handler is not
// invoked and OnError runs for previously-entered filters only.
type Filter interface {
	OnRequest(ctx *protocol.RequestContext) error
	OnResponse(ctx *protocol.RequestContext, res *Result)
	OnError(ctx *protocol.RequestContext, err error)
}

// Chain is an append-only ordered filter list. Appends copy the backing
// slice, so an in-flight invocation keeps the snapshot it started with.
type Chain struct {
	mu      sync.Mutex
	filters []Filter
}

func NewChain(filters ...Filter) *Chain {
	c := &Chain{}
	c.Append(filters...)
	return c
}

// Append adds filters to the end of the chain.
func (c *Chain) Append(filters ...Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]Filter, 0, len(c.filters)+len(filters))
	next = append(next, c.filters...)
	next = append(next, filters...)
	c.filters = next
}

func (c *Chain) snapshot() []Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

// Invoke runs the full chain around handler on the calling goroutine:
// OnRequest in order, the handler, then OnResponse or OnError in reverse.
func (c *Chain) Invoke(ctx *protocol.RequestContext, handler func(*protocol.RequestContext) ([]byte, error)) ([]byte, error) {
	filters := c.snapshot()

	for i, f := range filters {
		if err := f.OnRequest(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				filters[j].OnError(ctx, err)
			}
			return nil, err
		}
	}

	payload, err := handler(ctx)
	if err != nil {
		for j := len(filters) - 1; j >= 0; j-- {
			filters[j].OnError(ctx, err)
		}
		return nil, err
	}

	res := &Result{Payload: payload}
	for j := len(filters) - 1; j >= 0; j-- {
		filters[j].OnResponse(ctx, res)
	}
	return res.Payload, nil
}
