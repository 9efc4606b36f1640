package executor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepaksubu/norbert/pkg/filter"
	"github.com/deepaksubu/norbert/pkg/protocol"
	"github.com/deepaksubu/norbert/pkg/rpcerrors"
	"github.com/deepaksubu/norbert/pkg/stats"
)

type fakeResolver struct {
	mu       sync.Mutex
	handlers map[string]Handler
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{handlers: make(map[string]Handler)}
}

func (r *fakeResolver) set(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

func (r *fakeResolver) Resolve(name string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[name]
	return h, ok
}

type completion struct {
	payload []byte
	err     error
}

func submitAndWait(t *testing.T, e *Executor, name string, timeout time.Duration) completion {
	t.Helper()
	ch := make(chan completion, 1)
	ctx := protocol.NewRequestContext(&protocol.Envelope{MessageName: name}, time.Now())
	e.Submit(ctx, func(payload []byte, err error) {
		ch <- completion{payload, err}
	})
	select {
	case c := <-ch:
		return c
	case <-time.After(timeout):
		t.Fatalf("no completion for %q within %v", name, timeout)
		return completion{}
	}
}

func TestExecutor_EchoCompletes(t *testing.T) {
	r := newFakeResolver()
	r.set("echo", func(ctx *protocol.RequestContext) ([]byte, error) {
		return ctx.Envelope.Payload, nil
	})
	e := New(Config{CorePoolSize: 2, MaxPoolSize: 4, QueueCapacity: 10, RequestTimeout: time.Second}, r, nil)
	defer e.Shutdown()

	ch := make(chan completion, 1)
	ctx := protocol.NewRequestContext(&protocol.Envelope{MessageName: "echo", Payload: []byte("hi")}, time.Now())
	e.Submit(ctx, func(payload []byte, err error) { ch <- completion{payload, err} })

	c := <-ch
	if c.err != nil {
		t.Fatalf("err = %v", c.err)
	}
	if string(c.payload) != "hi" {
		t.Fatalf("payload = %q", c.payload)
	}
}

func TestExecutor_NoHandler(t *testing.T) {
	e := New(Config{CorePoolSize: 1, MaxPoolSize: 1, QueueCapacity: 1, RequestTimeout: time.Second}, newFakeResolver(), nil)
	defer e.Shutdown()

	c := submitAndWait(t, e, "unknown", time.Second)
	if !errors.Is(c.err, rpcerrors.ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", c.err)
	}
}

func TestExecutor_HandlerErrorWrapped(t *testing.T) {
	r := newFakeResolver()
	boom := errors.New("boom")
	r.set("fail", func(*protocol.RequestContext) ([]byte, error) { return nil, boom })
	e := New(Config{CorePoolSize: 1, MaxPoolSize: 1, QueueCapacity: 1, RequestTimeout: time.Second}, r, nil)
	defer e.Shutdown()

	c := submitAndWait(t, e, "fail", time.Second)
	if !rpcerrors.IsHandlerError(c.err) {
		t.Fatalf("err = %v, want HandlerError", c.err)
	}
	if !errors.Is(c.err, boom) {
		t.Fatalf("err = %v, want wrapped cause", c.err)
	}
}

func TestExecutor_PanicBecomesHandlerError(t *testing.T) {
	r := newFakeResolver()
	r.set("panic", func(*protocol.RequestContext) ([]byte, error) { panic("kaboom") })
	e := New(Config{CorePoolSize: 1, MaxPoolSize: 1, QueueCapacity: 1, RequestTimeout: time.Second}, r, nil)
	defer e.Shutdown()

	c := submitAndWait(t, e, "panic", time.Second)
	if !rpcerrors.IsHandlerError(c.err) {
		t.Fatalf("err = %v, want HandlerError", c.err)
	}
}

// S2: a slow request holding the single worker makes the queued one miss its
// queue deadline; the slow one still completes normally.
func TestExecutor_QueueTimeout(t *testing.T) {
	r := newFakeResolver()
	release := make(chan struct{})
	r.set("slow", func(*protocol.RequestContext) ([]byte, error) {
		<-release
		return []byte("slow done"), nil
	})
	r.set("echo", func(*protocol.RequestContext) ([]byte, error) { return []byte("fast"), nil })

	e := New(Config{
		CorePoolSize: 1, MaxPoolSize: 1, QueueCapacity: 10,
		RequestTimeout: 50 * time.Millisecond,
	}, r, nil)
	defer e.Shutdown()

	slowCh := make(chan completion, 1)
	e.Submit(protocol.NewRequestContext(&protocol.Envelope{MessageName: "slow"}, time.Now()),
		func(p []byte, err error) { slowCh <- completion{p, err} })

	// give the worker a moment to pick up the slow task
	time.Sleep(10 * time.Millisecond)

	fastCh := make(chan completion, 1)
	e.Submit(protocol.NewRequestContext(&protocol.Envelope{MessageName: "echo"}, time.Now()),
		func(p []byte, err error) { fastCh <- completion{p, err} })

	time.Sleep(100 * time.Millisecond)
	close(release)

	slow := <-slowCh
	if slow.err != nil || string(slow.payload) != "slow done" {
		t.Fatalf("slow completion = %q, %v", slow.payload, slow.err)
	}
	fast := <-fastCh
	if !errors.Is(fast.err, rpcerrors.ErrTimeout) {
		t.Fatalf("queued request err = %v, want ErrTimeout", fast.err)
	}
}

// S3: the service deadline fires while the handler sleeps; the late handler
// result is discarded and the callback runs exactly once.
func TestExecutor_ServiceTimeoutSingleCompletion(t *testing.T) {
	r := newFakeResolver()
	done := make(chan struct{})
	r.set("sleepy", func(*protocol.RequestContext) ([]byte, error) {
		defer close(done)
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	})
	e := New(Config{
		CorePoolSize: 1, MaxPoolSize: 1, QueueCapacity: 1,
		RequestTimeout:            time.Second,
		ResponseGenerationTimeout: 100 * time.Millisecond,
	}, r, nil)
	defer e.Shutdown()

	var calls atomic.Int32
	ch := make(chan completion, 2)
	start := time.Now()
	e.Submit(protocol.NewRequestContext(&protocol.Envelope{MessageName: "sleepy"}, time.Now()),
		func(p []byte, err error) {
			calls.Add(1)
			ch <- completion{p, err}
		})

	c := <-ch
	elapsed := time.Since(start)
	if !errors.Is(c.err, rpcerrors.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", c.err)
	}
	if elapsed > 400*time.Millisecond {
		t.Fatalf("timeout fired after %v, want ~100ms", elapsed)
	}

	// wait out the handler; its late result must not complete again
	<-done
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("completion ran %d times, want 1", n)
	}
}

// Saturating core, queue, and max workers must reject without blocking the
// submitting goroutine.
func TestExecutor_RejectWhenSaturated(t *testing.T) {
	r := newFakeResolver()
	release := make(chan struct{})
	r.set("block", func(*protocol.RequestContext) ([]byte, error) {
		<-release
		return nil, nil
	})
	e := New(Config{
		CorePoolSize: 1, MaxPoolSize: 2, QueueCapacity: 1,
		RequestTimeout: time.Second,
	}, r, nil)
	defer func() {
		close(release)
		e.Shutdown()
	}()

	var wg sync.WaitGroup
	results := make(chan completion, 8)
	// 2 running (core+extra), 1 queued, rest rejected
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Submit(protocol.NewRequestContext(&protocol.Envelope{MessageName: "block"}, time.Now()),
				func(p []byte, err error) { results <- completion{p, err} })
		}()
		time.Sleep(10 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked the caller")
	}

	rejected := 0
	timeoutAt := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case c := <-results:
			if errors.Is(c.err, rpcerrors.ErrRejected) {
				rejected++
			}
		case <-timeoutAt:
			break loop
		}
	}
	if rejected != 2 {
		t.Fatalf("rejected = %d, want 2", rejected)
	}
}

// Invariant 1: every submitted request completes exactly once under load.
func TestExecutor_ExactlyOnceUnderLoad(t *testing.T) {
	r := newFakeResolver()
	r.set("work", func(*protocol.RequestContext) ([]byte, error) {
		time.Sleep(time.Millisecond)
		return []byte("ok"), nil
	})
	e := New(Config{
		CorePoolSize: 2, MaxPoolSize: 4, QueueCapacity: 32,
		RequestTimeout:            time.Second,
		ResponseGenerationTimeout: 500 * time.Millisecond,
	}, r, nil)
	defer e.Shutdown()

	const total = 200
	var completions atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		e.Submit(protocol.NewRequestContext(&protocol.Envelope{MessageName: "work"}, time.Now()),
			func([]byte, error) {
				completions.Add(1)
				wg.Done()
			})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("only %d/%d completions", completions.Load(), total)
	}
	if n := completions.Load(); n != total {
		t.Fatalf("completions = %d, want %d", n, total)
	}
}

func TestExecutor_ShutdownRejectsQueuedAndIsIdempotent(t *testing.T) {
	r := newFakeResolver()
	release := make(chan struct{})
	r.set("block", func(*protocol.RequestContext) ([]byte, error) {
		<-release
		return []byte("done"), nil
	})
	e := New(Config{CorePoolSize: 1, MaxPoolSize: 1, QueueCapacity: 4, RequestTimeout: time.Minute}, r, nil)

	inflight := make(chan completion, 1)
	e.Submit(protocol.NewRequestContext(&protocol.Envelope{MessageName: "block"}, time.Now()),
		func(p []byte, err error) { inflight <- completion{p, err} })
	time.Sleep(10 * time.Millisecond)

	queued := make(chan completion, 1)
	e.Submit(protocol.NewRequestContext(&protocol.Envelope{MessageName: "block"}, time.Now()),
		func(p []byte, err error) { queued <- completion{p, err} })

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	e.Shutdown()
	e.Shutdown() // second call must be a no-op

	in := <-inflight
	if in.err != nil || string(in.payload) != "done" {
		t.Fatalf("in-flight completion = %q, %v; want normal finish", in.payload, in.err)
	}
	q := <-queued
	if !errors.Is(q.err, rpcerrors.ErrRejected) {
		t.Fatalf("queued err = %v, want ErrRejected", q.err)
	}

	// submits after shutdown are rejected, not dropped
	late := make(chan completion, 1)
	e.Submit(protocol.NewRequestContext(&protocol.Envelope{MessageName: "block"}, time.Now()),
		func(p []byte, err error) { late <- completion{p, err} })
	if c := <-late; !errors.Is(c.err, rpcerrors.ErrRejected) {
		t.Fatalf("post-shutdown err = %v, want ErrRejected", c.err)
	}
}

func TestExecutor_FiltersRunAroundHandler(t *testing.T) {
	r := newFakeResolver()
	r.set("echo", func(ctx *protocol.RequestContext) ([]byte, error) {
		return ctx.Envelope.Payload, nil
	})
	reg := stats.New(time.Minute)
	e := New(Config{CorePoolSize: 1, MaxPoolSize: 1, QueueCapacity: 1, RequestTimeout: time.Second}, r, reg)
	defer e.Shutdown()

	var order []string
	var mu sync.Mutex
	e.AddFilters(traceFilter{"outer", &mu, &order}, traceFilter{"inner", &mu, &order})

	c := submitAndWait(t, e, "echo", time.Second)
	if c.err != nil {
		t.Fatalf("err = %v", c.err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"outer.req", "inner.req", "inner.resp", "outer.resp"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}

	if snap, ok := reg.Snapshot()["echo"]; !ok || snap.Count != 1 {
		t.Fatalf("stats snapshot = %+v, want one echo sample", snap)
	}
}

type traceFilter struct {
	name  string
	mu    *sync.Mutex
	trace *[]string
}

func (f traceFilter) OnRequest(*protocol.RequestContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.trace = append(*f.trace, f.name+".req")
	return nil
}

func (f traceFilter) OnResponse(*protocol.RequestContext, *filter.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.trace = append(*f.trace, f.name+".resp")
}

func (f traceFilter) OnError(*protocol.RequestContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	*f.trace = append(*f.trace, f.name+".err")
}
