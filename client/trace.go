package client

import (
	"context"

	"github.com/google/uuid"

	"pbrpc/message"
)

type traceKey struct{}

// NewTrace starts a trace with a fresh trace id.
func NewTrace() *message.Trace {
	return &message.Trace{TraceID: uuid.NewString(), SpanID: uuid.NewString()}
}

// WithTrace attaches trace to ctx. Calls made with the returned context carry
// a child span of it.
func WithTrace(ctx context.Context, trace *message.Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, trace)
}

func TraceFrom(ctx context.Context) *message.Trace {
	trace, _ := ctx.Value(traceKey{}).(*message.Trace)
	return trace
}

func childSpan(parent *message.Trace) *message.Trace {
	return &message.Trace{
		TraceID:      parent.TraceID,
		SpanID:       uuid.NewString(),
		ParentSpanID: parent.SpanID,
	}
}
