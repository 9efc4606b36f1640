package cluster

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// eventPump fans coordinator events out to registered listeners on a single
// dedicated goroutine, keeping listener callbacks off the coordinator's
// connection goroutine while the event buffer has room. A panicking listener is logged and dropped from the
// current delivery; the pump goroutine must not die.
type eventPump struct {
	in     chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[string]Listener
}

func newEventPump() *eventPump {
	return &eventPump{
		in:        make(chan Event, 16),
		listeners: make(map[string]Listener),
		cancel:    func() {},
	}
}

func (p *eventPump) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		for {
			select {
			case ev := <-p.in:
				p.deliver(ev)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *eventPump) deliver(ev Event) {
	p.mu.Lock()
	ls := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		ls = append(ls, l)
	}
	p.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("cluster listener panicked", "event", ev.Type, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}

// publish enqueues an event for the pump goroutine. It does not check whether
// the pump was stopped: after stop, events sit undelivered in the buffer
// until it is full.
func (p *eventPump) publish(ev Event) {
	select {
	case p.in <- ev:
	default:
		// Buffer full: deliver synchronously on the caller's goroutine
		// instead of dropping membership changes.
		p.deliver(ev)
	}
}

func (p *eventPump) add(l Listener) string {
	key := uuid.NewString()
	p.mu.Lock()
	p.listeners[key] = l
	p.mu.Unlock()
	return key
}

func (p *eventPump) remove(key string) {
	p.mu.Lock()
	delete(p.listeners, key)
	p.mu.Unlock()
}

func (p *eventPump) stop() {
	p.cancel()
	p.wg.Wait()
}
