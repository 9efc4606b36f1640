// Package loadbalancer maps partition ids to rotating endpoint sets with
// per-endpoint health and capability filtering.
package loadbalancer

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/deepaksubu/norbert/pkg/cluster"
	"github.com/deepaksubu/norbert/pkg/rpcerrors"
)

// route is the per-partition rotation state. endpoints is immutable after
// construction; cursor and states are the only mutable cells, so a table
// update is always a whole-table swap.
type route struct {
	endpoints []*cluster.Endpoint
	cursor    atomic.Int32
	states    []atomic.Bool
}

// usable requires both the route-local state bit and the endpoint's own
// health bit; they track independent conditions.
func (r *route) usable(i int, capability, persistentCapability uint64) bool {
	return r.states[i].Load() &&
		r.endpoints[i].CanServeRequests() &&
		r.endpoints[i].Node().HasCapability(capability, persistentCapability)
}

// Table routes partition ids to endpoints. The partition-to-endpoint mapping
// is immutable once built (only route cursors and state bits change); rebuild
// and swap on membership changes.
type Table struct {
	routes        map[int32]*route
	numPartitions int32
}

// New groups endpoints by declared partition and validates coverage. Missing
// partitions fail construction with ErrInvalidCluster unless
// serveIfPartitionMissing is set, in which case they are logged and the
// table routes the partitions it has.
func New(endpoints []*cluster.Endpoint, numPartitions int32, serveIfPartitionMissing bool) (*Table, error) {
	if numPartitions <= 0 {
		return nil, fmt.Errorf("loadbalancer: numPartitions must be positive, got %d", numPartitions)
	}

	byPartition := make(map[int32][]*cluster.Endpoint)
	for _, e := range endpoints {
		for _, pid := range e.Node().PartitionIDs {
			byPartition[pid] = append(byPartition[pid], e)
		}
	}

	var missing []int32
	for pid := int32(0); pid < numPartitions; pid++ {
		if len(byPartition[pid]) == 0 {
			missing = append(missing, pid)
		}
	}
	if len(missing) == int(numPartitions) {
		return nil, fmt.Errorf("%w: all %d partitions unserved", rpcerrors.ErrInvalidCluster, numPartitions)
	}
	if len(missing) > 0 {
		if !serveIfPartitionMissing {
			return nil, fmt.Errorf("%w: partitions %v unserved", rpcerrors.ErrInvalidCluster, missing)
		}
		slog.Warn("load balancer serving with missing partitions", "missing", missing)
	}

	routes := make(map[int32]*route, len(byPartition))
	for pid, eps := range byPartition {
		r := &route{
			endpoints: eps,
			states:    make([]atomic.Bool, len(eps)),
		}
		for i := range r.states {
			r.states[i].Store(true)
		}
		routes[pid] = r
	}
	return &Table{routes: routes, numPartitions: numPartitions}, nil
}

// NodeForPartition returns a node serving pid that passes the health and
// capability filters, rotating round robin. If no endpoint qualifies, the
// endpoint at the rotation position is returned anyway so the cluster keeps
// making forward progress; callers observe failure via the actual RPC.
func (t *Table) NodeForPartition(pid int32, capability, persistentCapability uint64) (*cluster.Node, bool) {
	r, ok := t.routes[pid]
	if !ok {
		return nil, false
	}
	n := len(r.endpoints)

	r.cursor.CompareAndSwap(math.MaxInt32, 0)
	idx := r.cursor.Add(1) - 1

	start := int(idx) % n
	if start < 0 {
		// a concurrent wrap can still hand out a negative cursor value
		r.cursor.Store(0)
		start = 0
	}

	loops := 0
	var selected *cluster.Node
	for i := 0; i <= n; i++ {
		pos := (start + i) % n
		if r.usable(pos, capability, persistentCapability) {
			selected = r.endpoints[pos].Node()
			loops = i
			break
		}
		loops = i + 1
	}
	if selected == nil {
		selected = r.endpoints[start].Node()
	}

	compensate(&r.cursor, idx, loops)
	return selected, true
}

// NodesForPartition returns every qualifying node for pid in first-seen order
// from the rotation position.
func (t *Table) NodesForPartition(pid int32, capability, persistentCapability uint64) []*cluster.Node {
	r, ok := t.routes[pid]
	if !ok {
		return nil
	}
	n := len(r.endpoints)

	r.cursor.CompareAndSwap(math.MaxInt32, 0)
	idx := r.cursor.Add(1) - 1

	start := int(idx) % n
	if start < 0 {
		r.cursor.Store(0)
		start = 0
	}

	seen := make(map[int32]struct{}, n)
	var nodes []*cluster.Node
	loops := 0
	for i := 0; i < n; i++ {
		pos := (start + i) % n
		loops = i + 1
		if !r.usable(pos, capability, persistentCapability) {
			continue
		}
		node := r.endpoints[pos].Node()
		if _, dup := seen[node.ID]; dup {
			continue
		}
		seen[node.ID] = struct{}{}
		nodes = append(nodes, node)
	}

	compensate(&r.cursor, idx, loops)
	return nodes
}

// compensate advances the cursor past the scanned positions, wrapping modulo
// MaxInt32 instead of overflowing negative.
func compensate(cursor *atomic.Int32, idx int32, loops int) {
	next := int64(idx) + 1 + int64(loops)
	if next > math.MaxInt32 {
		next -= math.MaxInt32
	}
	cursor.Store(int32(next))
}

// SetRouteState flips the route-local health bit for every position holding
// the given node within the partition. Reports whether any position matched.
func (t *Table) SetRouteState(pid int32, nodeID int32, ok bool) bool {
	r, found := t.routes[pid]
	if !found {
		return false
	}
	matched := false
	for i, e := range r.endpoints {
		if e.Node().ID == nodeID {
			r.states[i].Store(ok)
			matched = true
		}
	}
	return matched
}

// HasRoute reports whether the table can route pid at all.
func (t *Table) HasRoute(pid int32) bool {
	_, ok := t.routes[pid]
	return ok
}

// NumPartitions is the partition count the table was built for.
func (t *Table) NumPartitions() int32 { return t.numPartitions }
