// Package cluster models cluster membership: nodes, endpoints, and the
// coordinator that advertises them.
package cluster

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Node is the unit of cluster membership. PartitionIDs declares which
// partitions the node serves; Capability is a bitmask of dynamic features,
// PersistentCapability of static ones.
type Node struct {
	ID                   int32   `json:"id"`
	URL                  string  `json:"url"`
	PartitionIDs         []int32 `json:"partitionIds"`
	Capability           uint64  `json:"capability"`
	PersistentCapability uint64  `json:"persistentCapability"`

	// Available mirrors the coordinator's availability flag at the time the
	// node set was read. It is not part of the node's stored identity.
	Available bool `json:"-"`
}

func (n *Node) String() string {
	return fmt.Sprintf("node[%d @ %s]", n.ID, n.URL)
}

// HasCapability reports whether both masks are subsets of the node's
// capability bits. A zero mask always matches.
func (n *Node) HasCapability(capability, persistentCapability uint64) bool {
	return n.Capability&capability == capability &&
		n.PersistentCapability&persistentCapability == persistentCapability
}

// ServesPartition reports whether the node declares the given partition.
func (n *Node) ServesPartition(pid int32) bool {
	for _, p := range n.PartitionIDs {
		if p == pid {
			return true
		}
	}
	return false
}

// MarshalNode encodes a node for coordinator storage.
func MarshalNode(n *Node) ([]byte, error) {
	return json.Marshal(n)
}

// UnmarshalNode decodes a node from coordinator storage.
func UnmarshalNode(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("cluster: decode node: %w", err)
	}
	return &n, nil
}

// Endpoint wraps a node with a health bit the load balancer consults. The
// bit mutates independently of cluster membership, e.g. from client-observed
// connection failures.
type Endpoint struct {
	node     *Node
	canServe atomic.Bool
}

func NewEndpoint(n *Node) *Endpoint {
	e := &Endpoint{node: n}
	e.canServe.Store(true)
	return e
}

func (e *Endpoint) Node() *Node { return e.node }

func (e *Endpoint) CanServeRequests() bool { return e.canServe.Load() }

func (e *Endpoint) SetCanServeRequests(ok bool) { e.canServe.Store(ok) }
