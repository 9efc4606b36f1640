package filter

import (
	"log/slog"
	"time"

	"github.com/deepaksubu/norbert/pkg/protocol"
)

const startedAtAttr = "norbert.filter.startedAt"

// LoggingFilter logs each request with its handler latency.
type LoggingFilter struct {
	Logger *slog.Logger
}

func NewLoggingFilter(logger *slog.Logger) *LoggingFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingFilter{Logger: logger}
}

func (f *LoggingFilter) OnRequest(ctx *protocol.RequestContext) error {
	ctx.Attributes[startedAtAttr] = time.Now()
	f.Logger.Debug("request received",
		"message", ctx.Envelope.MessageName,
		"bytes", len(ctx.Envelope.Payload))
	return nil
}

func (f *LoggingFilter) OnResponse(ctx *protocol.RequestContext, res *Result) {
	f.Logger.Info("request completed",
		"message", ctx.Envelope.MessageName,
		"latency", f.latency(ctx),
		"responseBytes", len(res.Payload))
}

func (f *LoggingFilter) OnError(ctx *protocol.RequestContext, err error) {
	f.Logger.Warn("request failed",
		"message", ctx.Envelope.MessageName,
		"latency", f.latency(ctx),
		"err", err)
}

func (f *LoggingFilter) latency(ctx *protocol.RequestContext) time.Duration {
	if started, ok := ctx.Attributes[startedAtAttr].(time.Time); ok {
		return time.Since(started)
	}
	return 0
}
