package netserver

import (
	"sync"
	"sync/atomic"

	"github.com/deepaksubu/norbert/pkg/codec"
	"github.com/deepaksubu/norbert/pkg/executor"
)

// HandlerEntry describes one registered message handler together with the
// codecs its payloads use.
type HandlerEntry struct {
	Name        string
	Handler     executor.Handler
	InputCodec  codec.Codec
	OutputCodec codec.Codec
}

// HandlerRegistry maps message names to handler entries. Registration
// replaces the whole map copy-on-write, so lookups on the request path are a
// single atomic load. Re-registering a name replaces the entry, which keeps
// hot reconfiguration simple.
type HandlerRegistry struct {
	mu      sync.Mutex
	entries atomic.Pointer[map[string]*HandlerEntry]
}

func NewHandlerRegistry() *HandlerRegistry {
	r := &HandlerRegistry{}
	m := make(map[string]*HandlerEntry)
	r.entries.Store(&m)
	return r
}

// Register installs or replaces the handler for name.
func (r *HandlerRegistry) Register(name string, h executor.Handler, input, output codec.Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.entries.Load()
	next := make(map[string]*HandlerEntry, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[name] = &HandlerEntry{Name: name, Handler: h, InputCodec: input, OutputCodec: output}
	r.entries.Store(&next)
}

// Lookup returns the entry for name.
func (r *HandlerRegistry) Lookup(name string) (*HandlerEntry, bool) {
	e, ok := (*r.entries.Load())[name]
	return e, ok
}

// Resolve implements executor.Resolver.
func (r *HandlerRegistry) Resolve(name string) (executor.Handler, bool) {
	e, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	return e.Handler, true
}
