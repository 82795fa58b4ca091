package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNullTracer_StartSpanReturnsUsableSpan(t *testing.T) {
	var tr Tracer = NullTracer{}

	ctx, span := tr.StartSpan(context.Background(), "kernel.compute")
	if ctx == nil {
		t.Fatal("expected non-nil context")
	}
	span.End(nil)
	span.End(errors.New("ending twice must not panic"))
}
