// Package netserver implements the cluster-aware network server: TCP accept,
// per-connection framing, dispatch to the executor, and the bind/availability
// lifecycle against the cluster coordinator.
package netserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/deepaksubu/norbert/pkg/cluster"
	"github.com/deepaksubu/norbert/pkg/executor"
	"github.com/deepaksubu/norbert/pkg/rpcerrors"
)

type serverState int

const (
	stateUnbound serverState = iota
	stateBound
	stateShuttingDown
	stateShutDown
)

// Options carries the server's collaborators and tunables. Coordinator,
// Executor, and Registry are injected so tests can swap in fakes.
type Options struct {
	Coordinator cluster.Coordinator
	Executor    *executor.Executor
	Registry    *HandlerRegistry

	// SessionTimeout is the coordinator session timeout; the shutdown pause
	// is ShutdownPauseMultiplier times this.
	SessionTimeout          time.Duration
	ShutdownPauseMultiplier int

	// AvoidPayloadCopy hands handlers a view of the wire payload instead of
	// a defensive copy.
	AvoidPayloadCopy bool
}

// Server is the network server lifecycle: Unbound -> Bound -> ShuttingDown ->
// ShutDown.
type Server struct {
	coordinator cluster.Coordinator
	exec        *executor.Executor
	registry    *HandlerRegistry

	sessionTimeout   time.Duration
	pauseMultiplier  int
	avoidPayloadCopy bool

	mu                sync.Mutex
	state             serverState
	node              *cluster.Node
	markWhenConnected bool
	initialCapability uint64
	listenerKey       string
	ln                net.Listener

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	downOnce atomic.Bool
	wg       sync.WaitGroup
}

func NewServer(opts Options) *Server {
	return &Server{
		coordinator:      opts.Coordinator,
		exec:             opts.Executor,
		registry:         opts.Registry,
		sessionTimeout:   opts.SessionTimeout,
		pauseMultiplier:  opts.ShutdownPauseMultiplier,
		avoidPayloadCopy: opts.AvoidPayloadCopy,
		conns:            make(map[net.Conn]struct{}),
	}
}

// Registry exposes the handler registry for registration before or after
// bind.
func (s *Server) Registry() *HandlerRegistry { return s.registry }

// Bind looks the node up in the coordinator, starts the TCP acceptor on the
// node's declared port, registers a cluster listener, and optionally marks
// the node available with the given capability.
func (s *Server) Bind(nodeID int32, markAvailable bool, initialCapability uint64) error {
	node, ok := s.coordinator.NodeByID(nodeID)
	if !ok {
		return fmt.Errorf("%w: node %d", rpcerrors.ErrInvalidNode, nodeID)
	}
	return s.bindNode(node, markAvailable, initialCapability)
}

// BindToURL resolves the node whose url matches host:port in the current
// cluster snapshot. A server that is already bound or shut down fails with
// ErrAlreadyBound or ErrShutdown before the lookup.
func (s *Server) BindToURL(host string, port int, markAvailable bool, initialCapability uint64) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case stateBound:
		return rpcerrors.ErrAlreadyBound
	case stateShuttingDown, stateShutDown:
		return rpcerrors.ErrShutdown
	}

	node, ok := s.coordinator.NodeByURL(host, port)
	if !ok {
		return fmt.Errorf("%w: %s:%d", rpcerrors.ErrInvalidNode, host, port)
	}
	return s.bindNode(node, markAvailable, initialCapability)
}

// BindToPort resolves the local host name and binds by url.
func (s *Server) BindToPort(port int, markAvailable bool, initialCapability uint64) error {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("resolve local host: %w", err)
	}
	return s.BindToURL(host, port, markAvailable, initialCapability)
}

func (s *Server) bindNode(node *cluster.Node, markAvailable bool, initialCapability uint64) error {
	s.mu.Lock()
	switch s.state {
	case stateBound:
		s.mu.Unlock()
		return rpcerrors.ErrAlreadyBound
	case stateShuttingDown, stateShutDown:
		s.mu.Unlock()
		return rpcerrors.ErrShutdown
	}

	_, portStr, err := net.SplitHostPort(node.URL)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: bad node url %q: %v", rpcerrors.ErrInvalidNode, node.URL, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: bad node port %q: %v", rpcerrors.ErrInvalidNode, portStr, err)
	}

	ln, err := listenReuse(port)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", rpcerrors.ErrBind, err)
	}

	s.node = node
	s.ln = ln
	s.state = stateBound
	s.markWhenConnected = markAvailable
	s.initialCapability = initialCapability
	s.listenerKey = s.coordinator.AddListener(s.onClusterEvent)
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.mu.Unlock()

	slog.Info("server bound", "node", node.ID, "url", node.URL)

	if markAvailable {
		if err := s.MarkAvailable(initialCapability); err != nil {
			slog.Warn("mark available at bind", "err", err)
		}
	}
	return nil
}

// listenReuse opens the wildcard listener with SO_REUSEADDR set.
func listenReuse(port int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			if err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	return lc.Listen(context.Background(), "tcp", ":"+strconv.Itoa(port))
}

// Addr reports the listener address while bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// MarkAvailable advertises the node with the given capability and arranges
// for reconnection events to restore availability.
func (s *Server) MarkAvailable(capability uint64) error {
	s.mu.Lock()
	if s.state != stateBound {
		s.mu.Unlock()
		return rpcerrors.ErrShutdown
	}
	s.markWhenConnected = true
	s.initialCapability = capability
	node := s.node
	s.mu.Unlock()

	if err := s.coordinator.MarkNodeAvailable(node.ID, capability); err != nil {
		return fmt.Errorf("%w: %v", rpcerrors.ErrClusterUnavailable, err)
	}
	return nil
}

// MarkUnavailable withdraws the node and stops reconnection events from
// re-marking it available.
func (s *Server) MarkUnavailable() error {
	s.mu.Lock()
	if s.state != stateBound {
		s.mu.Unlock()
		return rpcerrors.ErrShutdown
	}
	s.markWhenConnected = false
	node := s.node
	s.mu.Unlock()

	if err := s.coordinator.MarkNodeUnavailable(node.ID); err != nil {
		return fmt.Errorf("%w: %v", rpcerrors.ErrClusterUnavailable, err)
	}
	return nil
}

// SetCapability updates the advertised capability bits.
func (s *Server) SetCapability(capability uint64) error {
	s.mu.Lock()
	if s.state != stateBound {
		s.mu.Unlock()
		return rpcerrors.ErrShutdown
	}
	s.initialCapability = capability
	node := s.node
	s.mu.Unlock()

	if err := s.coordinator.SetNodeCapability(node.ID, capability); err != nil {
		return fmt.Errorf("%w: %v", rpcerrors.ErrClusterUnavailable, err)
	}
	return nil
}

// onClusterEvent runs on a coordinator goroutine; it must stay short and
// must never panic the callback thread, so coordinator errors are logged and
// swallowed.
func (s *Server) onClusterEvent(ev cluster.Event) {
	switch ev.Type {
	case cluster.EventConnected:
		s.mu.Lock()
		mark := s.markWhenConnected && s.state == stateBound
		node := s.node
		capability := s.initialCapability
		s.mu.Unlock()
		if !mark {
			return
		}
		// the unavailable/available pulse forces coordinator watchers to
		// observe a transition even if the previous session left the node
		// marked available
		if err := s.coordinator.MarkNodeUnavailable(node.ID); err != nil {
			slog.Warn("re-mark unavailable on connect", "node", node.ID, "err", err)
		}
		if err := s.coordinator.MarkNodeAvailable(node.ID, capability); err != nil {
			slog.Warn("re-mark available on connect", "node", node.ID, "err", err)
		}
	case cluster.EventShutdown:
		go s.doShutdown(true)
	}
}

// Shutdown drains and stops the server. Idempotent; never returns an error.
func (s *Server) Shutdown() {
	s.doShutdown(false)
}

func (s *Server) doShutdown(fromCluster bool) {
	if !s.downOnce.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	s.state = stateShuttingDown
	node := s.node
	key := s.listenerKey
	ln := s.ln
	s.mu.Unlock()

	if !fromCluster && node != nil {
		if s.pauseMultiplier > 0 {
			s.mu.Lock()
			s.markWhenConnected = false
			s.mu.Unlock()
			if err := s.coordinator.MarkNodeUnavailable(node.ID); err != nil {
				slog.Warn("mark unavailable on shutdown", "node", node.ID, "err", err)
			}
			pause := time.Duration(s.pauseMultiplier) * s.sessionTimeout
			slog.Info("pausing for peers to observe departure", "pause", pause)
			time.Sleep(pause)
		}
		if key != "" {
			s.coordinator.RemoveListener(key)
		}
	}

	if ln != nil {
		ln.Close()
	}
	s.closeConns()
	s.wg.Wait()
	if s.exec != nil {
		s.exec.Shutdown()
	}

	s.mu.Lock()
	s.state = stateShutDown
	s.mu.Unlock()
	slog.Info("server shut down", "fromCluster", fromCluster)
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connMu.Unlock()
}
