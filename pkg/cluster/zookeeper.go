package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZooKeeper layout, rooted at /norbert/<service>:
//
//	members/<id>    persistent, node JSON (identity, url, partitions)
//	available/<id>  ephemeral, capability bits as decimal text
//
// A node is available iff its ephemeral znode exists; the znode vanishing
// with the session is what peers observe as departure.
type ZooKeeperCoordinator struct {
	servers        []string
	serviceName    string
	sessionTimeout time.Duration

	conn   *zk.Conn
	pump   *eventPump
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	connected bool
	started   bool
}

func NewZooKeeperCoordinator(connectString, serviceName string, sessionTimeout time.Duration) *ZooKeeperCoordinator {
	return &ZooKeeperCoordinator{
		servers:        strings.Split(connectString, ","),
		serviceName:    serviceName,
		sessionTimeout: sessionTimeout,
		pump:           newEventPump(),
		cancel:         func() {},
	}
}

func (c *ZooKeeperCoordinator) rootPath() string      { return "/norbert/" + c.serviceName }
func (c *ZooKeeperCoordinator) membersPath() string   { return c.rootPath() + "/members" }
func (c *ZooKeeperCoordinator) availablePath() string { return c.rootPath() + "/available" }

func (c *ZooKeeperCoordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	conn, events, err := zk.Connect(c.servers, c.sessionTimeout)
	if err != nil {
		return fmt.Errorf("zk connect: %w", err)
	}
	c.conn = conn
	c.pump.start()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go c.sessionLoop(ctx, events)
	go c.watchLoop(ctx)
	return nil
}

// AwaitConnection blocks until the client holds a live session.
func (c *ZooKeeperCoordinator) AwaitConnection(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := c.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Connected reports whether the client currently holds a session, as seen by
// the session event stream.
func (c *ZooKeeperCoordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *ZooKeeperCoordinator) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := c.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = c.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// sessionLoop translates zk session state changes into coordinator events.
func (c *ZooKeeperCoordinator) sessionLoop(ctx context.Context, events <-chan zk.Event) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateHasSession:
				c.mu.Lock()
				c.connected = true
				c.mu.Unlock()

				nodes, err := c.readNodes()
				if err != nil {
					slog.Warn("zk: read nodes on connect", "err", err)
					continue
				}
				c.pump.publish(Event{Type: EventConnected, Nodes: nodes})
			case zk.StateDisconnected:
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				c.pump.publish(Event{Type: EventDisconnected})
			case zk.StateExpired:
				c.mu.Lock()
				c.connected = false
				c.mu.Unlock()
				c.pump.publish(Event{Type: EventShutdown})
			}
		}
	}
}

// watchLoop re-reads membership whenever the members or available children
// change, re-arming the watches each round.
func (c *ZooKeeperCoordinator) watchLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.ensurePath(c.membersPath()); err != nil {
			slog.Warn("zk: ensure members path", "err", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}
		if err := c.ensurePath(c.availablePath()); err != nil {
			slog.Warn("zk: ensure available path", "err", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}

		_, _, membersCh, err := c.conn.ChildrenW(c.membersPath())
		if err != nil {
			slog.Warn("zk: watch members", "err", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}
		_, _, availableCh, err := c.conn.ChildrenW(c.availablePath())
		if err != nil {
			slog.Warn("zk: watch available", "err", err)
			if !sleepCtx(ctx, 2*time.Second) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-membersCh:
		case <-availableCh:
		}

		nodes, err := c.readNodes()
		if err != nil {
			slog.Warn("zk: read nodes", "err", err)
			continue
		}
		c.pump.publish(Event{Type: EventNodesChanged, Nodes: nodes})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// readNodes loads every member and merges in availability and the advertised
// capability from the ephemeral znodes.
func (c *ZooKeeperCoordinator) readNodes() ([]*Node, error) {
	ids, _, err := c.conn.Children(c.membersPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}

	available := map[string]uint64{}
	avIDs, _, err := c.conn.Children(c.availablePath())
	if err == nil {
		for _, id := range avIDs {
			data, _, err := c.conn.Get(c.availablePath() + "/" + id)
			if err != nil {
				continue
			}
			capability, _ := strconv.ParseUint(string(data), 10, 64)
			available[id] = capability
		}
	}

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		data, _, err := c.conn.Get(c.membersPath() + "/" + id)
		if err != nil {
			slog.Warn("zk: read member", "id", id, "err", err)
			continue
		}
		n, err := UnmarshalNode(data)
		if err != nil {
			slog.Warn("zk: bad member data", "id", id, "err", err)
			continue
		}
		if capability, ok := available[id]; ok {
			n.Available = true
			n.Capability = capability
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (c *ZooKeeperCoordinator) NodeByID(id int32) (*Node, bool) {
	nodes, err := c.readNodes()
	if err != nil {
		return nil, false
	}
	for _, n := range nodes {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

func (c *ZooKeeperCoordinator) NodeByURL(host string, port int) (*Node, bool) {
	url := net.JoinHostPort(host, strconv.Itoa(port))
	nodes, err := c.readNodes()
	if err != nil {
		return nil, false
	}
	for _, n := range nodes {
		if n.URL == url {
			return n, true
		}
	}
	return nil, false
}

func (c *ZooKeeperCoordinator) Nodes() []*Node {
	nodes, err := c.readNodes()
	if err != nil {
		slog.Warn("zk: read nodes", "err", err)
		return nil
	}
	return nodes
}

// AddNode stores a node's identity under members/. Registration is separate
// from availability: a registered node is routable only once marked available.
func (c *ZooKeeperCoordinator) AddNode(n *Node) error {
	if err := c.ensurePath(c.membersPath()); err != nil {
		return fmt.Errorf("zk: ensure members path: %w", err)
	}
	data, err := MarshalNode(n)
	if err != nil {
		return err
	}
	path := c.membersPath() + "/" + strconv.Itoa(int(n.ID))
	_, err = c.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		_, err = c.conn.Set(path, data, -1)
	}
	if err != nil {
		return fmt.Errorf("zk: create member %d: %w", n.ID, err)
	}
	return nil
}

func (c *ZooKeeperCoordinator) MarkNodeAvailable(id int32, capability uint64) error {
	if err := c.ensurePath(c.availablePath()); err != nil {
		return fmt.Errorf("zk: ensure available path: %w", err)
	}
	path := c.availablePath() + "/" + strconv.Itoa(int(id))
	data := []byte(strconv.FormatUint(capability, 10))
	_, err := c.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		_, err = c.conn.Set(path, data, -1)
	}
	if err != nil {
		return fmt.Errorf("zk: mark available %d: %w", id, err)
	}
	return nil
}

func (c *ZooKeeperCoordinator) MarkNodeUnavailable(id int32) error {
	path := c.availablePath() + "/" + strconv.Itoa(int(id))
	err := c.conn.Delete(path, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("zk: mark unavailable %d: %w", id, err)
	}
	return nil
}

func (c *ZooKeeperCoordinator) SetNodeCapability(id int32, capability uint64) error {
	path := c.availablePath() + "/" + strconv.Itoa(int(id))
	_, err := c.conn.Set(path, []byte(strconv.FormatUint(capability, 10)), -1)
	if err != nil {
		return fmt.Errorf("zk: set capability %d: %w", id, err)
	}
	return nil
}

func (c *ZooKeeperCoordinator) AddListener(l Listener) string { return c.pump.add(l) }

func (c *ZooKeeperCoordinator) RemoveListener(key string) { c.pump.remove(key) }

func (c *ZooKeeperCoordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
	c.pump.stop()
	if c.conn != nil {
		c.conn.Close()
	}
}
