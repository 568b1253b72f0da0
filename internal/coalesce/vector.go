package coalesce

import "context"

// VectorExecutor coalesces calls whose aggregate produces one output per
// input (e.g. batched embeddings, batched chat completions submitted as an
// Anthropic message batch): the aggregate must return a slice exactly as
// long as the batch it was given, and each submitter gets back the slice of
// outputs matching the items it contributed, in order. A mismatched length
// fails the whole batch with ErrShapeViolation instead of silently
// misassigning outputs to the wrong caller.
//
// Together, ScalarExecutor and VectorExecutor collapse the four result
// shapes the Rust macro distinguished at compile time (a plain return, a
// Vec<T> return, and the Result<_, SharedError<E>> fallible variant of
// each): Go functions always return (value, error), so the only axis left
// that needs two constructors is "one shared value" vs "one value per
// input".
type VectorExecutor[I, T any] struct {
	c *core[I, T]
}

// NewVector builds a VectorExecutor. aggregate must return exactly
// len(items) results, in the same order as items.
func NewVector[I, T any](opts Options, aggregate func(ctx context.Context, items []I) ([]T, error)) (*VectorExecutor[I, T], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &VectorExecutor[I, T]{c: newCore(opts, aggregate)}, nil
}

// Call submits a single item and returns its corresponding output once the
// batch it landed in has been dispatched and aggregated.
func (e *VectorExecutor[I, T]) Call(ctx context.Context, item I) (T, error) {
	var zero T
	results, err := e.CallMany(ctx, []I{item})
	if err != nil {
		return zero, err
	}
	if len(results) == 0 {
		return zero, nil
	}
	return results[0], nil
}

// CallMany submits items as one submission and returns the outputs matching
// them, in order. An empty items slice still contributes a reply slot: the
// caller waits for the batch it lands in (possibly alongside other
// submitters' items) and receives an empty slice once that batch is
// dispatched, rather than short-circuiting locally. When Options.Asynchronous
// is set, it enqueues the items and returns immediately with a nil slice,
// without waiting for dispatch.
func (e *VectorExecutor[I, T]) CallMany(ctx context.Context, items []I) ([]T, error) {
	sub, err := e.c.submit(ctx, items)
	if err != nil {
		return nil, err
	}

	if e.c.opts.Asynchronous {
		go func() { <-sub.reply }()
		return nil, nil
	}

	select {
	case reply := <-sub.reply:
		if reply.Err != nil {
			return nil, reply.Err
		}
		return reply.Values, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the executor's collector goroutine, failing any submission
// still accumulating with ErrClosed.
func (e *VectorExecutor[I, T]) Close() { e.c.Close() }
