package observability

import "context"

// Span is an in-flight trace span. End must be called exactly once.
type Span interface {
	End(err error)
}

// Tracer opens spans around kernel operations. NullTracer satisfies it as
// a safe default so tracing is never a nil-check the caller has to
// remember, the same "null-safe when disabled" shape as kernelerrors'
// sentinel errors degrading gracefully when unused.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// NullTracer discards every span. It is the package default; callers that
// want real tracing swap in their own Tracer at service construction.
type NullTracer struct{}

type nullSpan struct{}

func (nullSpan) End(err error) {}

func (NullTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, nullSpan{}
}

var _ Tracer = NullTracer{}
