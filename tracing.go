package opensdg

import "context"

// Span operation names passed to Tracer.Start.
const (
	OpConnectGrid = "connect_grid"
	OpConnectPeer = "connect_peer"
	OpPair        = "pair"
	OpSend        = "send"
	OpClose       = "close"
)

// Tracer starts a span for one connection operation. The returned function
// ends the span and records err when non-nil. The otel subpackage provides
// an OpenTelemetry implementation.
//
// Implementations must be safe for concurrent use.
type Tracer interface {
	Start(ctx context.Context, op string, connID string, peer string) (context.Context, func(err error))
}

// NopTracer records nothing. It is the default.
type NopTracer struct{}

var _ Tracer = NopTracer{}

// Start implements Tracer.Start (no-op).
func (NopTracer) Start(ctx context.Context, op, connID, peer string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
