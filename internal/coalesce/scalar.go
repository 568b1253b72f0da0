package coalesce

import "context"

// ScalarExecutor coalesces calls whose aggregate computes ONE shared result
// for the whole batch (e.g. "refresh this OAuth token", "flush this batch
// of spend-log rows and report how many were written"): every submitter
// folded into the same batch receives the identical value, not a per-item
// slice. It is the Go collapse of the Rust macro's plain-return and
// Result<T, E> shapes (see the doc of VectorExecutor for the other two).
type ScalarExecutor[I, S any] struct {
	c *core[I, S]
}

// NewScalar builds a ScalarExecutor. aggregate is called once per dispatched
// batch with every item folded into it; its single return value is handed,
// unmodified, to every caller whose item(s) were part of that batch.
func NewScalar[I, S any](opts Options, aggregate func(ctx context.Context, items []I) (S, error)) (*ScalarExecutor[I, S], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	adapter := func(ctx context.Context, items []I) ([]S, error) {
		result, err := aggregate(ctx, items)
		if err != nil {
			return nil, err
		}
		return []S{result}, nil
	}
	return &ScalarExecutor[I, S]{c: newCoreMode(opts, adapter, true)}, nil
}

// Call submits a single item and blocks until the batch it lands in has
// been dispatched and aggregated.
func (e *ScalarExecutor[I, S]) Call(ctx context.Context, item I) (S, error) {
	return e.CallMany(ctx, []I{item})
}

// CallMany submits items as one submission within whatever batch they land
// in. An empty items slice still contributes a reply slot: the caller waits
// for the batch it lands in (possibly alongside other submitters' items) and
// receives the shared scalar like everyone else, it just contributes nothing
// to the aggregate's input. When Options.Asynchronous is set, it enqueues
// the items and returns immediately with the zero value, without waiting
// for dispatch.
func (e *ScalarExecutor[I, S]) CallMany(ctx context.Context, items []I) (S, error) {
	var zero S

	sub, err := e.c.submit(ctx, items)
	if err != nil {
		return zero, err
	}

	if e.c.opts.Asynchronous {
		go func() { <-sub.reply }()
		return zero, nil
	}

	select {
	case reply := <-sub.reply:
		if reply.Err != nil {
			return zero, reply.Err
		}
		return reply.Values[0], nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close stops the executor's collector goroutine, failing any submission
// still accumulating with ErrClosed.
func (e *ScalarExecutor[I, S]) Close() { e.c.Close() }
