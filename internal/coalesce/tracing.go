package coalesce

import (
	"context"

	"github.com/google/uuid"
)

// Span is a caller's tracing scope, captured at submission time by
// StartSpan and later linked to its batch's span by LinkSpan. Its shape is
// opaque to the engine: a no-op tracer hands back nil, a real backend
// hands back whatever it needs to create the parent-link later.
type Span any

// Tracer instruments the lifecycle of one coalesced call, from the caller's
// submission through the batch it lands in. The zero value of this
// package's default, noopTracer, does nothing — mirroring the Rust
// TracingSpan trait's default no-op implementation, which callers override
// only when they want OpenTelemetry (or similar) spans around each flush.
type Tracer interface {
	// StartSpan captures the caller's current tracing scope at submission
	// time (spec.md §3 "context: trace-span"), before the item is even
	// folded into a batch. Called once per submission, on the caller's own
	// goroutine.
	StartSpan(ctx context.Context) Span

	// StartBatch is called on the collector goroutine right before a batch
	// is handed off to a dispatcher. It returns a span ID used in log lines
	// and a Finish func to call once the aggregate has returned.
	StartBatch(ctx context.Context, name string, size int) (spanID string, finish func(err error))

	// LinkSpan links one submitter's captured Span (from StartSpan) as a
	// parent-link to the aggregate's per-batch span identified by
	// batchSpanID, so the caller's trace can be correlated with the batch
	// that served it (spec.md §4.3 step 2a). Called once per submission
	// folded into the batch, before the aggregate's result is delivered.
	LinkSpan(batchSpanID string, caller Span)
}

type noopTracer struct{}

func (noopTracer) StartSpan(_ context.Context) Span { return nil }

func (noopTracer) StartBatch(_ context.Context, _ string, _ int) (string, func(error)) {
	return "", func(error) {}
}

func (noopTracer) LinkSpan(_ string, _ Span) {}

// DefaultTracer is the no-op Tracer used when Options.Tracer is nil.
var DefaultTracer Tracer = noopTracer{}

// uuidTracer assigns each batch a random span ID but otherwise does nothing;
// useful as a lightweight default when correlating log lines without wiring
// a full tracing backend.
type uuidTracer struct{}

// NewSpanIDTracer returns a Tracer that stamps every batch with a fresh
// UUIDv4 span ID and performs no other instrumentation.
func NewSpanIDTracer() Tracer { return uuidTracer{} }

func (uuidTracer) StartSpan(_ context.Context) Span { return nil }

func (uuidTracer) StartBatch(_ context.Context, _ string, _ int) (string, func(error)) {
	return uuid.NewString(), func(error) {}
}

func (uuidTracer) LinkSpan(_ string, _ Span) {}
