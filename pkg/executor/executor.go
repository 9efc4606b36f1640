// Package executor runs decoded requests on a bounded worker pool with
// queue-time and execution-time deadlines.
package executor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepaksubu/norbert/pkg/filter"
	"github.com/deepaksubu/norbert/pkg/metrics"
	"github.com/deepaksubu/norbert/pkg/protocol"
	"github.com/deepaksubu/norbert/pkg/rpcerrors"
	"github.com/deepaksubu/norbert/pkg/stats"
)

// Handler processes a request's payload bytes and returns the response
// payload. Handlers are cooperative: the executor never interrupts one, it
// only discards a result that arrives past the service deadline.
type Handler func(ctx *protocol.RequestContext) ([]byte, error)

// Resolver looks up the handler for a message name. The registry in
// pkg/netserver implements it; tests inject fakes.
type Resolver interface {
	Resolve(name string) (Handler, bool)
}

// CompletionFunc receives the request outcome exactly once: either a response
// payload or one of the rpcerrors sentinels (Timeout, Rejected, NoHandler) or
// a HandlerError.
type CompletionFunc func(payload []byte, err error)

// Config sizes the pool. Admission follows the classic bounded-pool policy:
// below core spawn, then queue, then spawn up to max, then reject.
type Config struct {
	CorePoolSize  int
	MaxPoolSize   int
	KeepAlive     time.Duration
	QueueCapacity int

	// RequestTimeout is the queue-deadline horizon.
	RequestTimeout time.Duration
	// ResponseGenerationTimeout is the service deadline; <= 0 disables it.
	ResponseGenerationTimeout time.Duration
}

// Executor is the bounded request worker pool.
type Executor struct {
	resolver Resolver
	chain    *filter.Chain
	stats    *stats.Registry

	requestTimeoutNs atomic.Int64
	serviceTimeoutNs atomic.Int64

	core      int
	max       int
	keepAlive time.Duration
	queue     chan *task

	mu      sync.Mutex
	workers int
	down    bool
	downCh  chan struct{}
	wg      sync.WaitGroup
}

func New(cfg Config, resolver Resolver, statistics *stats.Registry) *Executor {
	if cfg.CorePoolSize < 1 {
		cfg.CorePoolSize = 1
	}
	if cfg.MaxPoolSize < cfg.CorePoolSize {
		cfg.MaxPoolSize = cfg.CorePoolSize
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = time.Minute
	}
	if statistics == nil {
		statistics = stats.New(time.Minute)
	}

	e := &Executor{
		resolver:  resolver,
		chain:     filter.NewChain(),
		stats:     statistics,
		core:      cfg.CorePoolSize,
		max:       cfg.MaxPoolSize,
		keepAlive: cfg.KeepAlive,
		queue:     make(chan *task, cfg.QueueCapacity),
		downCh:    make(chan struct{}),
	}
	e.requestTimeoutNs.Store(int64(cfg.RequestTimeout))
	e.serviceTimeoutNs.Store(int64(cfg.ResponseGenerationTimeout))
	return e
}

// SetRequestTimeout changes the queue-deadline horizon for subsequently
// submitted requests.
func (e *Executor) SetRequestTimeout(d time.Duration) {
	e.requestTimeoutNs.Store(int64(d))
}

// SetResponseGenerationTimeout changes the service deadline for subsequently
// submitted requests; <= 0 disables it.
func (e *Executor) SetResponseGenerationTimeout(d time.Duration) {
	e.serviceTimeoutNs.Store(int64(d))
}

// AddFilters appends filters to the chain.
func (e *Executor) AddFilters(filters ...filter.Filter) {
	e.chain.Append(filters...)
}

// Stats exposes the statistics registry the executor records into.
func (e *Executor) Stats() *stats.Registry { return e.stats }

type task struct {
	exec       *Executor
	ctx        *protocol.RequestContext
	onComplete CompletionFunc

	done  atomic.Bool
	deqNs atomic.Int64
	timer *time.Timer
}

// Submit accepts a request and guarantees onComplete fires exactly once. It
// never blocks: saturation completes with ErrRejected on the caller's
// goroutine.
func (e *Executor) Submit(ctx *protocol.RequestContext, onComplete CompletionFunc) {
	if ctx.ReceivedAt.IsZero() {
		ctx.ReceivedAt = time.Now()
	}
	ctx.QueueDeadline = ctx.ReceivedAt.Add(time.Duration(e.requestTimeoutNs.Load()))
	if st := time.Duration(e.serviceTimeoutNs.Load()); st > 0 {
		ctx.ServiceDeadline = ctx.ReceivedAt.Add(st)
	}

	t := &task{exec: e, ctx: ctx, onComplete: onComplete}
	if !ctx.ServiceDeadline.IsZero() {
		t.timer = time.AfterFunc(time.Until(ctx.ServiceDeadline), func() {
			t.complete(nil, rpcerrors.ErrTimeout)
		})
	}

	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		t.complete(nil, rpcerrors.ErrRejected)
		return
	}
	if e.workers < e.core {
		e.spawnLocked(t)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	select {
	case e.queue <- t:
		metrics.QueueDepth.Inc()
		return
	default:
	}

	e.mu.Lock()
	if !e.down && e.workers < e.max {
		e.spawnLocked(t)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	t.complete(nil, rpcerrors.ErrRejected)
}

func (e *Executor) spawnLocked(first *task) {
	e.workers++
	metrics.ActiveWorkers.Inc()
	e.wg.Add(1)
	go e.worker(first)
}

func (e *Executor) worker(first *task) {
	defer e.wg.Done()
	defer metrics.ActiveWorkers.Dec()

	e.run(first)

	idle := time.NewTimer(e.keepAlive)
	defer idle.Stop()
	for {
		select {
		case <-e.downCh:
			e.exitWorker()
			return
		default:
		}

		select {
		case t := <-e.queue:
			metrics.QueueDepth.Dec()
			e.run(t)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(e.keepAlive)
		case <-e.downCh:
			e.exitWorker()
			return
		case <-idle.C:
			e.mu.Lock()
			if e.workers > e.core {
				e.workers--
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			idle.Reset(e.keepAlive)
		}
	}
}

func (e *Executor) exitWorker() {
	e.mu.Lock()
	e.workers--
	e.mu.Unlock()
}

func (e *Executor) run(t *task) {
	now := time.Now()
	t.deqNs.Store(now.UnixNano())

	// Shed before burning CPU: a request that waited out its queue deadline
	// is not executed.
	if now.After(t.ctx.QueueDeadline) {
		t.complete(nil, rpcerrors.ErrTimeout)
		return
	}

	h, ok := e.resolver.Resolve(t.ctx.Envelope.MessageName)
	if !ok {
		t.complete(nil, rpcerrors.ErrNoHandler)
		return
	}

	payload, err := e.invoke(t.ctx, h)
	t.complete(payload, err)
}

// invoke runs the filter chain around the handler on this worker goroutine,
// converting handler errors and panics into HandlerError.
func (e *Executor) invoke(ctx *protocol.RequestContext, h Handler) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &rpcerrors.HandlerError{Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	return e.chain.Invoke(ctx, func(c *protocol.RequestContext) ([]byte, error) {
		p, herr := h(c)
		if herr != nil {
			return nil, &rpcerrors.HandlerError{Cause: herr}
		}
		return p, nil
	})
}

// complete is the single completion point: the first caller wins, every later
// result for the same request is discarded. Statistics are recorded before
// the callback fires.
func (t *task) complete(payload []byte, err error) {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}

	now := time.Now()
	name := t.ctx.Envelope.MessageName
	var queueWait, service time.Duration
	if deq := t.deqNs.Load(); deq > 0 {
		queueWait = time.Unix(0, deq).Sub(t.ctx.ReceivedAt)
		service = now.Sub(time.Unix(0, deq))
	} else {
		queueWait = now.Sub(t.ctx.ReceivedAt)
	}

	outcome, label := classify(err)
	t.exec.stats.Record(name, queueWait, service, outcome)
	metrics.RequestsTotal.WithLabelValues(name, label).Inc()
	metrics.QueueWait.WithLabelValues(name).Observe(queueWait.Seconds())
	if service > 0 {
		metrics.RequestDuration.WithLabelValues(name).Observe(service.Seconds())
	}

	t.onComplete(payload, err)
}

func classify(err error) (stats.Outcome, string) {
	switch {
	case err == nil:
		return stats.OutcomeOK, "ok"
	case errors.Is(err, rpcerrors.ErrTimeout):
		return stats.OutcomeTimeout, "timeout"
	case errors.Is(err, rpcerrors.ErrRejected):
		return stats.OutcomeRejected, "rejected"
	case errors.Is(err, rpcerrors.ErrNoHandler):
		return stats.OutcomeError, "no_handler"
	default:
		return stats.OutcomeError, "error"
	}
}

// Shutdown completes queued-but-unstarted tasks with ErrRejected and waits
// for in-flight handlers to finish. Safe to call more than once.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		e.wg.Wait()
		return
	}
	e.down = true
	close(e.downCh)
	e.mu.Unlock()

	e.drainQueue()
	e.wg.Wait()
	// a Submit racing the shutdown flag may have enqueued after the first
	// drain; the queue must be empty before returning
	e.drainQueue()
}

func (e *Executor) drainQueue() {
	for {
		select {
		case t := <-e.queue:
			metrics.QueueDepth.Dec()
			t.complete(nil, rpcerrors.ErrRejected)
		default:
			return
		}
	}
}
