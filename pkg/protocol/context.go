package protocol

import "time"

// RequestContext is the per-request server-side record. It is created when an
// envelope is decoded, annotated by filters via Attributes, and consumed by
// the handler. A request does not migrate across worker threads, so
// Attributes needs no locking.
type RequestContext struct {
	Envelope   *Envelope
	ReceivedAt time.Time

	// QueueDeadline sheds the request if it is still queued past this
	// instant. ServiceDeadline abandons the handler's result past this
	// instant; zero means disabled.
	QueueDeadline   time.Time
	ServiceDeadline time.Time

	Attributes map[string]any
}

// NewRequestContext builds a context for a decoded envelope.
func NewRequestContext(env *Envelope, receivedAt time.Time) *RequestContext {
	return &RequestContext{
		Envelope:   env,
		ReceivedAt: receivedAt,
		Attributes: make(map[string]any),
	}
}
