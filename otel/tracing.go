// Package otel provides an OpenTelemetry implementation of the
// opensdg.Tracer interface.
//
// Every connection operation becomes one span named "opensdg.<op>":
//
//	opensdg.connect_grid
//	opensdg.connect_peer
//	opensdg.pair
//	opensdg.send
//	opensdg.close
//
// # Attributes
//
//   - conn.id: the connection handle id
//   - peer.id: the remote peer, when one is set
//   - opensdg.result: the ResultCode the operation ended with
//
// # Example Usage
//
//	tracer := sdgotel.NewTracer(otel.GetTracerProvider())
//	node, err := opensdg.Init(opensdg.NewConfig(
//	    opensdg.WithPrivateKey(key),
//	    opensdg.WithTracer(tracer),
//	))
package otel

import (
	"context"
	"errors"

	"github.com/andersop91/opensdg"
	"github.com/andersop91/opensdg/pkg/crypto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the name used for the OpenTelemetry tracer.
	TracerName = "github.com/andersop91/opensdg"

	// SpanPrefix is prepended to the operation name.
	SpanPrefix = "opensdg."

	// Attribute keys
	AttrConnID       = "conn.id"
	AttrPeerID       = "peer.id"
	AttrResult       = "opensdg.result"
	AttrErrno        = "opensdg.errno"
	AttrErrorMessage = "error.message"
)

var zeroPeer = crypto.PeerID{}.String()

// Tracer creates OpenTelemetry spans for connection operations.
//
// Tracer is safe for concurrent use.
type Tracer struct {
	tracer trace.Tracer
}

var _ opensdg.Tracer = (*Tracer)(nil)

// NewTracer creates a Tracer using provider. A nil provider uses a no-op
// tracer.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = noop.NewTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(TracerName)}
}

// Start implements opensdg.Tracer.
func (t *Tracer) Start(ctx context.Context, op, connID, peer string) (context.Context, func(error)) {
	attrs := []attribute.KeyValue{attribute.String(AttrConnID, connID)}
	if peer != "" && peer != zeroPeer {
		attrs = append(attrs, attribute.String(AttrPeerID, peer))
	}

	ctx, span := t.tracer.Start(ctx, SpanPrefix+op,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return ctx, func(err error) {
		t.EndSpan(span, err)
	}
}

// EndSpan records the outcome of an operation on span and ends it.
// Recoverable outcomes such as ErrWouldBlock or ErrPairingRequired are
// recorded as results, not as span errors.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	span.SetAttributes(attribute.String(AttrResult, opensdg.ResultOf(err).String()))

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case opensdg.IsRecoverable(err):
		span.SetStatus(codes.Unset, "")
	default:
		var e *opensdg.Error
		if errors.As(err, &e) && e.Errno != 0 {
			span.SetAttributes(attribute.Int(AttrErrno, e.Errno))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
	}
	span.End()
}
