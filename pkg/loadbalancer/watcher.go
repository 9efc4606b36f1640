package loadbalancer

import (
	"log/slog"
	"sync/atomic"

	"github.com/deepaksubu/norbert/pkg/cluster"
)

// Watcher keeps a current Table in step with cluster membership. Each
// Connected or NodesChanged event builds a fresh table from the reported
// nodes and swaps it in whole; readers hold whatever table they loaded for
// the duration of a call.
type Watcher struct {
	coordinator             cluster.Coordinator
	numPartitions           int32
	serveIfPartitionMissing bool

	current     atomic.Pointer[Table]
	listenerKey string
}

func NewWatcher(coordinator cluster.Coordinator, numPartitions int32, serveIfPartitionMissing bool) *Watcher {
	return &Watcher{
		coordinator:             coordinator,
		numPartitions:           numPartitions,
		serveIfPartitionMissing: serveIfPartitionMissing,
	}
}

// Start subscribes to coordinator events and builds the initial table from
// the current node set.
func (w *Watcher) Start() {
	w.rebuild(w.coordinator.Nodes())
	w.listenerKey = w.coordinator.AddListener(func(ev cluster.Event) {
		switch ev.Type {
		case cluster.EventConnected, cluster.EventNodesChanged:
			w.rebuild(ev.Nodes)
		case cluster.EventDisconnected:
			// keep the last table; stale routing beats no routing while the
			// coordinator session recovers
		}
	})
}

func (w *Watcher) rebuild(nodes []*cluster.Node) {
	endpoints := make([]*cluster.Endpoint, 0, len(nodes))
	for _, n := range nodes {
		e := cluster.NewEndpoint(n)
		e.SetCanServeRequests(n.Available)
		endpoints = append(endpoints, e)
	}
	table, err := New(endpoints, w.numPartitions, w.serveIfPartitionMissing)
	if err != nil {
		slog.Warn("load balancer table rebuild failed, keeping previous", "err", err)
		return
	}
	w.current.Store(table)
	slog.Info("load balancer table updated", "endpoints", len(endpoints))
}

// Current returns the latest table, or nil before the first successful build.
func (w *Watcher) Current() *Table { return w.current.Load() }

// Stop unsubscribes from coordinator events.
func (w *Watcher) Stop() {
	if w.listenerKey != "" {
		w.coordinator.RemoveListener(w.listenerKey)
	}
}
