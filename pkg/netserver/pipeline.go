package netserver

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/deepaksubu/norbert/pkg/metrics"
	"github.com/deepaksubu/norbert/pkg/protocol"
)

const (
	acceptBaseDelay = 5 * time.Millisecond
	acceptMaxDelay  = time.Second
	writeQueueSize  = 64
)

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	var failures int64
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.downOnce.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				failures++
				delay := time.Duration(failures) * acceptBaseDelay
				if delay > acceptMaxDelay {
					delay = acceptMaxDelay
				}
				time.Sleep(delay)
				continue
			}
			slog.Warn("accept failed", "err", err)
			return
		}
		failures = 0

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		s.connMu.Lock()
		s.conns[conn] = struct{}{}
		s.connMu.Unlock()
		metrics.Connections.Inc()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the per-connection pipeline: length frame -> envelope ->
// request context -> executor submit, with responses written back by a
// dedicated writer goroutine. The pipeline holds no state between requests,
// so a slow request never queues later ones behind it.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	out := make(chan []byte, writeQueueSize)
	done := make(chan struct{})

	defer func() {
		close(done)
		conn.Close()
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
		metrics.Connections.Dec()
	}()

	go writeLoop(conn, out, done)

	r := bufio.NewReader(conn)
	for {
		frame, err := protocol.ReadFrame(r)
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}
		env, err := protocol.Unmarshal(frame)
		if err != nil {
			slog.Warn("bad envelope, dropping connection", "remote", conn.RemoteAddr(), "err", err)
			return
		}

		if env.Status == protocol.StatusHeartbeat {
			hb := &protocol.Envelope{
				RequestIDHigh: env.RequestIDHigh,
				RequestIDLow:  env.RequestIDLow,
				MessageName:   env.MessageName,
				Status:        protocol.StatusHeartbeat,
			}
			enqueue(out, done, hb.Marshal())
			continue
		}

		if !s.avoidPayloadCopy && len(env.Payload) > 0 {
			p := make([]byte, len(env.Payload))
			copy(p, env.Payload)
			env.Payload = p
		}

		ctx := protocol.NewRequestContext(env, time.Now())
		request := env
		s.exec.Submit(ctx, func(payload []byte, err error) {
			enqueue(out, done, responseFor(request, payload, err).Marshal())
		})
	}
}

// enqueue hands a serialized response to the writer unless the connection is
// already gone.
func enqueue(out chan<- []byte, done <-chan struct{}, frame []byte) {
	select {
	case <-done:
	default:
		select {
		case out <- frame:
		case <-done:
		}
	}
}

func writeLoop(conn net.Conn, out <-chan []byte, done <-chan struct{}) {
	w := bufio.NewWriter(conn)
	for {
		select {
		case frame := <-out:
			if err := protocol.WriteFrame(w, frame); err != nil {
				return
			}
			// batch whatever else is pending before flushing
			for more := true; more; {
				select {
				case frame = <-out:
					if err := protocol.WriteFrame(w, frame); err != nil {
						return
					}
				default:
					more = false
				}
			}
			if err := w.Flush(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// responseFor builds the reply envelope, echoing the request id unchanged.
// Errors become an ERROR-status envelope with a human-readable message.
func responseFor(req *protocol.Envelope, payload []byte, err error) *protocol.Envelope {
	resp := &protocol.Envelope{
		RequestIDHigh: req.RequestIDHigh,
		RequestIDLow:  req.RequestIDLow,
		MessageName:   req.MessageName,
	}
	if err != nil {
		resp.Status = protocol.StatusError
		resp.ErrorMessage = err.Error()
	} else {
		resp.Status = protocol.StatusOK
		resp.Payload = payload
	}
	return resp
}
