// Package stats maintains rolling time-window request statistics per message
// type: queue wait, service time, and outcomes.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

// Outcome classifies a completed request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeError
	OutcomeRejected
)

// ringCapacity bounds memory per message type; within a window that many
// samples are enough for stable percentiles.
const ringCapacity = 4096

type sample struct {
	at        time.Time
	queueWait time.Duration
	service   time.Duration
	outcome   Outcome
}

// typeStats is a bounded sample ring for one message type. Writers append
// under a short lock; Snapshot copies the ring out before aggregating, so a
// reader never holds the lock across sorting.
type typeStats struct {
	mu      sync.Mutex
	samples [ringCapacity]sample
	next    int
	filled  bool
}

func (ts *typeStats) record(s sample) {
	ts.mu.Lock()
	ts.samples[ts.next] = s
	ts.next++
	if ts.next == ringCapacity {
		ts.next = 0
		ts.filled = true
	}
	ts.mu.Unlock()
}

func (ts *typeStats) copyOut() []sample {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := ts.next
	if ts.filled {
		n = ringCapacity
	}
	out := make([]sample, n)
	if ts.filled {
		copy(out, ts.samples[ts.next:])
		copy(out[ringCapacity-ts.next:], ts.samples[:ts.next])
	} else {
		copy(out, ts.samples[:n])
	}
	return out
}

// Registry aggregates per-message-type windowed statistics. The message-type
// map is a lock-free skip map so the record path never contends on a global
// lock.
type Registry struct {
	window time.Duration
	types  *skipmap.StringMap[*typeStats]
	now    func() time.Time
}

func New(window time.Duration) *Registry {
	return &Registry{
		window: window,
		types:  skipmap.NewString[*typeStats](),
		now:    time.Now,
	}
}

// Record adds one completed request. Called by the executor before the
// completion callback fires.
func (r *Registry) Record(messageName string, queueWait, service time.Duration, outcome Outcome) {
	ts, ok := r.types.Load(messageName)
	if !ok {
		ts, _ = r.types.LoadOrStoreLazy(messageName, func() *typeStats { return &typeStats{} })
	}
	ts.record(sample{at: r.now(), queueWait: queueWait, service: service, outcome: outcome})
}

// TypeSnapshot is the aggregate over one message type's in-window samples.
type TypeSnapshot struct {
	Count     int           `json:"count"`
	Errors    int           `json:"errors"`
	Timeouts  int           `json:"timeouts"`
	Rate      float64       `json:"rate"`
	ErrorRate float64       `json:"errorRate"`
	P50       time.Duration `json:"p50Nanos"`
	P90       time.Duration `json:"p90Nanos"`
	P99       time.Duration `json:"p99Nanos"`
	AvgQueue  time.Duration `json:"avgQueueNanos"`
}

// Snapshot aggregates every message type without blocking writers.
func (r *Registry) Snapshot() map[string]TypeSnapshot {
	out := make(map[string]TypeSnapshot)
	cutoff := r.now().Add(-r.window)

	r.types.Range(func(name string, ts *typeStats) bool {
		all := ts.copyOut()
		inWindow := all[:0]
		for _, s := range all {
			if s.at.After(cutoff) {
				inWindow = append(inWindow, s)
			}
		}
		if len(inWindow) == 0 {
			return true
		}

		snap := TypeSnapshot{Count: len(inWindow)}
		services := make([]time.Duration, 0, len(inWindow))
		var queueSum time.Duration
		for _, s := range inWindow {
			services = append(services, s.service)
			queueSum += s.queueWait
			switch s.outcome {
			case OutcomeTimeout:
				snap.Timeouts++
				snap.Errors++
			case OutcomeError, OutcomeRejected:
				snap.Errors++
			}
		}
		sort.Slice(services, func(i, j int) bool { return services[i] < services[j] })
		snap.P50 = percentile(services, 50)
		snap.P90 = percentile(services, 90)
		snap.P99 = percentile(services, 99)
		snap.AvgQueue = queueSum / time.Duration(len(inWindow))
		secs := r.window.Seconds()
		if secs > 0 {
			snap.Rate = float64(snap.Count) / secs
		}
		snap.ErrorRate = float64(snap.Errors) / float64(snap.Count)

		out[name] = snap
		return true
	})
	return out
}

// percentile picks from a sorted slice with nearest-rank rounding.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p*len(sorted) + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
