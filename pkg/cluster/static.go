package cluster

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// StaticCoordinator serves a fixed node set from memory. It backs tests and
// single-box development where no ZooKeeper ensemble is running; membership
// mutations still fan out the same events a real coordinator would.
// Availability is tracked apart from the nodes: MarkNodeAvailable and
// MarkNodeUnavailable do not change Node.Available, which keeps whatever
// value the caller set; use Available to query it.
type StaticCoordinator struct {
	mu        sync.Mutex
	nodes     map[int32]*Node
	available map[int32]bool
	started   bool
	pump      *eventPump
}

func NewStaticCoordinator(nodes ...*Node) *StaticCoordinator {
	c := &StaticCoordinator{
		nodes:     make(map[int32]*Node),
		available: make(map[int32]bool),
		pump:      newEventPump(),
	}
	for _, n := range nodes {
		c.nodes[n.ID] = n
	}
	return c
}

func (c *StaticCoordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.pump.start()
	c.pump.publish(Event{Type: EventConnected, Nodes: c.Nodes()})
	return nil
}

func (c *StaticCoordinator) AwaitConnection(time.Duration) error { return nil }

func (c *StaticCoordinator) NodeByID(id int32) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return n, ok
}

func (c *StaticCoordinator) NodeByURL(host string, port int) (*Node, bool) {
	url := net.JoinHostPort(host, strconv.Itoa(port))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.URL == url {
			return n, true
		}
	}
	return nil, false
}

func (c *StaticCoordinator) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n)
	}
	return out
}

func (c *StaticCoordinator) MarkNodeAvailable(id int32, capability uint64) error {
	c.mu.Lock()
	n, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("cluster: mark available: no node %d", id)
	}
	n.Capability = capability
	c.available[id] = true
	c.mu.Unlock()

	c.pump.publish(Event{Type: EventNodesChanged, Nodes: c.Nodes()})
	return nil
}

func (c *StaticCoordinator) MarkNodeUnavailable(id int32) error {
	c.mu.Lock()
	delete(c.available, id)
	c.mu.Unlock()

	c.pump.publish(Event{Type: EventNodesChanged, Nodes: c.Nodes()})
	return nil
}

func (c *StaticCoordinator) SetNodeCapability(id int32, capability uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return fmt.Errorf("cluster: set capability: no node %d", id)
	}
	n.Capability = capability
	return nil
}

// Available reports whether the node is currently marked available. Test
// hooks use this to assert availability transitions.
func (c *StaticCoordinator) Available(id int32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available[id]
}

// AddNode inserts a node and announces the change.
func (c *StaticCoordinator) AddNode(n *Node) {
	c.mu.Lock()
	c.nodes[n.ID] = n
	c.mu.Unlock()
	c.pump.publish(Event{Type: EventNodesChanged, Nodes: c.Nodes()})
}

// RemoveNode deletes a node and announces the change.
func (c *StaticCoordinator) RemoveNode(id int32) {
	c.mu.Lock()
	delete(c.nodes, id)
	delete(c.available, id)
	c.mu.Unlock()
	c.pump.publish(Event{Type: EventNodesChanged, Nodes: c.Nodes()})
}

// FireShutdown delivers a coordinator-initiated shutdown to listeners.
func (c *StaticCoordinator) FireShutdown() {
	c.pump.publish(Event{Type: EventShutdown})
}

func (c *StaticCoordinator) AddListener(l Listener) string { return c.pump.add(l) }

func (c *StaticCoordinator) RemoveListener(key string) { c.pump.remove(key) }

func (c *StaticCoordinator) Shutdown() {
	c.pump.stop()
}
