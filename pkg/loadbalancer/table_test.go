package loadbalancer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/deepaksubu/norbert/pkg/cluster"
	"github.com/deepaksubu/norbert/pkg/rpcerrors"
)

func endpointsFor(nodes ...*cluster.Node) []*cluster.Endpoint {
	eps := make([]*cluster.Endpoint, len(nodes))
	for i, n := range nodes {
		eps[i] = cluster.NewEndpoint(n)
	}
	return eps
}

func threeNodeTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := New(endpointsFor(
		&cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{0}},
		&cluster.Node{ID: 2, URL: "b:1", PartitionIDs: []int32{0}},
		&cluster.Node{ID: 3, URL: "c:1", PartitionIDs: []int32{0}},
	), 1, false)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return tbl
}

func TestTable_RoundRobinFairness(t *testing.T) {
	tbl := threeNodeTable(t)

	counts := map[int32]int{}
	const calls = 300
	for i := 0; i < calls; i++ {
		n, ok := tbl.NodeForPartition(0, 0, 0)
		if !ok {
			t.Fatal("no node for partition 0")
		}
		counts[n.ID]++
	}
	for id, c := range counts {
		if c < calls/3 {
			t.Fatalf("node %d selected %d times, want >= %d", id, c, calls/3)
		}
	}
}

func TestTable_SkipsUnhealthyEndpoint(t *testing.T) {
	eps := endpointsFor(
		&cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{0}},
		&cluster.Node{ID: 2, URL: "b:1", PartitionIDs: []int32{0}},
		&cluster.Node{ID: 3, URL: "c:1", PartitionIDs: []int32{0}},
	)
	tbl, err := New(eps, 1, false)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	eps[1].SetCanServeRequests(false)
	for i := 0; i < 30; i++ {
		n, ok := tbl.NodeForPartition(0, 0, 0)
		if !ok {
			t.Fatal("no node")
		}
		if n.ID == 2 {
			t.Fatal("unhealthy endpoint selected")
		}
	}
}

func TestTable_RouteStateIndependentOfEndpointHealth(t *testing.T) {
	eps := endpointsFor(
		&cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{0}},
		&cluster.Node{ID: 2, URL: "b:1", PartitionIDs: []int32{0}},
	)
	tbl, err := New(eps, 1, false)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	// route state down but endpoint healthy: unusable
	if !tbl.SetRouteState(0, 1, false) {
		t.Fatal("SetRouteState found no position for node 1")
	}
	for i := 0; i < 20; i++ {
		n, _ := tbl.NodeForPartition(0, 0, 0)
		if n.ID == 1 {
			t.Fatal("node with route state down selected")
		}
	}

	tbl.SetRouteState(0, 1, true)
	seen := map[int32]bool{}
	for i := 0; i < 20; i++ {
		n, _ := tbl.NodeForPartition(0, 0, 0)
		seen[n.ID] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("rotation after state restore saw %v, want both nodes", seen)
	}
}

func TestTable_CapabilityFilter(t *testing.T) {
	tbl, err := New(endpointsFor(
		&cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{0}, Capability: 0b01},
		&cluster.Node{ID: 2, URL: "b:1", PartitionIDs: []int32{0}, Capability: 0b11, PersistentCapability: 0b1},
	), 1, false)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for i := 0; i < 20; i++ {
		n, ok := tbl.NodeForPartition(0, 0b10, 0b1)
		if !ok {
			t.Fatal("no node")
		}
		if n.ID != 2 {
			t.Fatalf("selected node %d, want only capable node 2", n.ID)
		}
	}
}

// No qualifying endpoint still returns a node so the cluster keeps making
// forward progress.
func TestTable_FallbackWhenNoneQualify(t *testing.T) {
	eps := endpointsFor(
		&cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{0}},
		&cluster.Node{ID: 2, URL: "b:1", PartitionIDs: []int32{0}},
	)
	tbl, err := New(eps, 1, false)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	eps[0].SetCanServeRequests(false)
	eps[1].SetCanServeRequests(false)

	n, ok := tbl.NodeForPartition(0, 0, 0)
	if !ok || n == nil {
		t.Fatal("expected fallback selection, got none")
	}
}

// S5: cursor near INT_MAX keeps selecting valid endpoints and never goes
// negative.
func TestTable_CursorOverflow(t *testing.T) {
	tbl := threeNodeTable(t)
	r := tbl.routes[0]
	r.cursor.Store(math.MaxInt32 - 1)

	for i := 0; i < 5; i++ {
		n, ok := tbl.NodeForPartition(0, 0, 0)
		if !ok || n == nil {
			t.Fatalf("call %d returned no node", i)
		}
		if c := r.cursor.Load(); c < 0 {
			t.Fatalf("cursor went negative after call %d: %d", i, c)
		}
	}
}

// Invariant 4 in miniature: driving the cursor across the wrap boundary many
// times must never produce a negative modulus or skip an endpoint.
func TestTable_RepeatedWrapKeepsAllEndpointsReachable(t *testing.T) {
	tbl := threeNodeTable(t)
	r := tbl.routes[0]

	for round := 0; round < 50; round++ {
		r.cursor.Store(math.MaxInt32 - 2)
		seen := map[int32]bool{}
		for i := 0; i < 9; i++ {
			n, ok := tbl.NodeForPartition(0, 0, 0)
			if !ok {
				t.Fatal("no node")
			}
			seen[n.ID] = true
		}
		if len(seen) != 3 {
			t.Fatalf("round %d: wrap lost endpoints, saw %v", round, seen)
		}
	}
}

// S6: partitions without endpoints fail construction unless the flag allows
// serving the covered subset.
func TestTable_MissingPartitions(t *testing.T) {
	eps := endpointsFor(
		&cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{0, 1}},
		&cluster.Node{ID: 2, URL: "b:1", PartitionIDs: []int32{2}},
	)

	if _, err := New(eps, 4, false); !errors.Is(err, rpcerrors.ErrInvalidCluster) {
		t.Fatalf("err = %v, want ErrInvalidCluster", err)
	}

	tbl, err := New(eps, 4, true)
	if err != nil {
		t.Fatalf("New with serveIfPartitionMissing error: %v", err)
	}
	if _, ok := tbl.NodeForPartition(3, 0, 0); ok {
		t.Fatal("partition 3 should have no route")
	}
	if _, ok := tbl.NodeForPartition(0, 0, 0); !ok {
		t.Fatal("partition 0 should route")
	}
}

func TestTable_AllPartitionsMissing(t *testing.T) {
	eps := endpointsFor(&cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{7}})
	if _, err := New(eps, 4, true); !errors.Is(err, rpcerrors.ErrInvalidCluster) {
		t.Fatalf("err = %v, want ErrInvalidCluster even with the flag", err)
	}
}

func TestTable_NodesForPartitionOrderedUnique(t *testing.T) {
	eps := endpointsFor(
		&cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{0}},
		&cluster.Node{ID: 2, URL: "b:1", PartitionIDs: []int32{0}},
		&cluster.Node{ID: 3, URL: "c:1", PartitionIDs: []int32{0}},
	)
	tbl, err := New(eps, 1, false)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	eps[2].SetCanServeRequests(false)

	nodes := tbl.NodesForPartition(0, 0, 0)
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}
	seen := map[int32]bool{}
	for _, n := range nodes {
		if seen[n.ID] {
			t.Fatalf("duplicate node %d", n.ID)
		}
		seen[n.ID] = true
		if n.ID == 3 {
			t.Fatal("unhealthy node included")
		}
	}
}

func TestWatcher_SwapsTableOnMembershipChange(t *testing.T) {
	n1 := &cluster.Node{ID: 1, URL: "a:1", PartitionIDs: []int32{0, 1}, Available: true}
	coord := cluster.NewStaticCoordinator(n1)
	if err := coord.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer coord.Shutdown()

	w := NewWatcher(coord, 2, true)
	w.Start()
	defer w.Stop()

	first := w.Current()
	if first == nil {
		t.Fatal("no initial table")
	}

	coord.AddNode(&cluster.Node{ID: 2, URL: "b:1", PartitionIDs: []int32{0, 1}, Available: true})

	deadline := time.Now().Add(2 * time.Second)
	for {
		cur := w.Current()
		if cur != nil && cur != first {
			if nodes := cur.NodesForPartition(0, 0, 0); len(nodes) >= 1 {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("table was not swapped after membership change")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
