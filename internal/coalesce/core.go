// Package coalesce implements a generic request-coalescing batch executor:
// concurrent callers submit items against a named aggregate, a single
// collector goroutine folds arrivals within a time window (or up to a size
// limit) into one batch, and a detached dispatcher goroutine runs the
// aggregate once per batch and fans the result back out to every submitter.
//
// It replaces a family of hand-written "debounce a bunch of channel sends
// into one expensive call" goroutines (a token refresh cache, a spend-log
// batch writer, ...) with one generic engine.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrClosed is returned by Call/CallMany once the executor has been closed,
// and delivered to any submissions still pending when Close is called.
var ErrClosed = errors.New("coalesce: executor closed")

// ErrShapeViolation is wrapped into the error delivered to every submitter
// of a batch whose aggregate returned a result slice of the wrong length —
// the Go analogue of the macro's compile-time Vec<T> arity check, enforced
// at runtime since aggregate is an ordinary function here.
var ErrShapeViolation = errors.New("coalesce: aggregate result count does not match input count")

// aggregateFunc folds a batch of inputs into a result slice (or fails the
// whole batch). ScalarExecutor and VectorExecutor both compile down to this
// shape: ScalarExecutor wraps its one shared value in a 1-element slice
// (see shareMode), VectorExecutor requires its user aggregate to already
// produce exactly one output per input.
type aggregateFunc[I, O any] func(ctx context.Context, items []I) ([]O, error)

// core is the engine shared by ScalarExecutor and VectorExecutor. It owns
// the collector loop (accumulate until Limit or the window elapses) and the
// dispatcher (acquire a concurrency permit, run aggregate, distribute the
// result), both described in full in the package-level docs.
type core[I, O any] struct {
	opts      Options
	policy    windowPolicy
	aggregate aggregateFunc[I, O]
	// shareMode marks a ScalarExecutor's core: the aggregate returns a
	// single shared value (a 1-element slice) regardless of how many items
	// were folded into the batch, and deliver hands that same value to
	// every submission instead of slicing by item count. This is what lets
	// an empty submission (0 items) still receive the batch's shared
	// scalar rather than indexing into an empty slice.
	shareMode bool

	queue   chan *submission[I, O]
	permits chan struct{} // nil => unbounded concurrency

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}

	logger  *slog.Logger
	metrics *Metrics
	tracer  Tracer
}

func newCore[I, O any](opts Options, aggregate aggregateFunc[I, O]) *core[I, O] {
	return newCoreMode(opts, aggregate, false)
}

func newCoreMode[I, O any](opts Options, aggregate aggregateFunc[I, O], shareMode bool) *core[I, O] {
	ctx, cancel := context.WithCancel(context.Background())

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = DefaultTracer
	}

	c := &core[I, O]{
		opts:      opts,
		policy:    opts.windowPolicy(),
		aggregate: aggregate,
		shareMode: shareMode,
		queue:     make(chan *submission[I, O], opts.Limit),
		permits:   newPermits(opts.ConcurrentLimit),
		ctx:       ctx,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    tracer,
	}
	go c.run()
	return c
}

func newPermits(n int) chan struct{} {
	if n <= MaxConcurrency {
		return nil
	}
	return make(chan struct{}, n)
}

// Close stops accepting new work and fails any submission still buffered in
// the current accumulation cycle with ErrClosed. It waits for the collector
// goroutine to exit but not for in-flight dispatcher goroutines (those
// always run to completion against their own captured context; aggregates
// that need the engine's shutdown to propagate should watch ctx themselves).
func (c *core[I, O]) Close() {
	c.cancel()
	<-c.doneCh
}

// submit enqueues items as one submission and returns it for the caller to
// await on sub.reply, or an error if ctx was canceled first or the executor
// is already closed. The caller's tracing scope is captured here, on the
// caller's own goroutine, before the item is folded into any batch.
func (c *core[I, O]) submit(ctx context.Context, items []I) (*submission[I, O], error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	sub := newSubmission[I, O](items, c.tracer.StartSpan(ctx))
	select {
	case c.queue <- sub:
		if c.metrics != nil {
			c.metrics.setQueueDepth(len(c.queue))
		}
		return sub, nil
	case <-c.ctx.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the collector loop: block for the first arrival of a new cycle,
// stamp the window start, then race further arrivals against the
// recomputed deadline until Limit is hit or the timer fires, and hand the
// accumulated batch to the dispatcher.
func (c *core[I, O]) run() {
	defer close(c.doneCh)

	for {
		first, ok := c.waitForFirst()
		if !ok {
			return
		}

		buffer := append([]I(nil), first.items...)
		pending := []*submission[I, O]{first}
		started := time.Now()

		timer := time.NewTimer(time.Until(started.Add(c.policy.deadlineFor(len(buffer)))))

	accumulate:
		for len(buffer) < c.opts.Limit {
			select {
			case <-c.ctx.Done():
				stopTimer(timer)
				c.failPending(pending, ErrClosed)
				return

			case s := <-c.queue:
				buffer = append(buffer, s.items...)
				pending = append(pending, s)
				if c.metrics != nil {
					c.metrics.setQueueDepth(len(c.queue))
				}
				if len(buffer) >= c.opts.Limit {
					break accumulate
				}
				// The deadline is always window_start + window(len(buffer)),
				// never now() + window(len(buffer)): re-basing off now()
				// would let a steady trickle of arrivals push the deadline
				// forever outward and never flush (spec.md §4.2 step 3).
				stopTimer(timer)
				timer.Reset(time.Until(started.Add(c.policy.deadlineFor(len(buffer)))))

			case <-timer.C:
				break accumulate
			}
		}
		stopTimer(timer)

		c.dispatch(buffer, pending, time.Since(started))
	}
}

func (c *core[I, O]) waitForFirst() (*submission[I, O], bool) {
	select {
	case <-c.ctx.Done():
		return nil, false
	case s := <-c.queue:
		if c.metrics != nil {
			c.metrics.setQueueDepth(len(c.queue))
		}
		return s, true
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// dispatch acquires a concurrency permit (if the executor is bounded) on
// the collector goroutine itself, not inside the spawned goroutine: while
// all permits are in use, the collector blocks here, the queue fills, and
// submit's send to the bounded channel starts blocking its callers. That is
// the whole backpressure story — no separate limiter is needed.
func (c *core[I, O]) dispatch(buffer []I, pending []*submission[I, O], elapsed time.Duration) {
	if c.permits != nil {
		select {
		case c.permits <- struct{}{}:
			if c.metrics != nil {
				c.metrics.setInFlight(len(c.permits))
			}
		case <-c.ctx.Done():
			c.failPending(pending, ErrClosed)
			return
		}
	}

	name := c.opts.Name
	spanID, finish := c.tracer.StartBatch(c.ctx, name, len(buffer))
	for _, p := range pending {
		c.tracer.LinkSpan(spanID, p.span)
	}

	go func() {
		defer c.releasePermit()
		defer c.recoverPanic(pending, name, spanID, len(buffer), elapsed, finish)

		results, err := c.aggregate(c.ctx, buffer)
		if err != nil {
			shared := NewSharedError[error](err)
			c.deliver(pending, nil, shared)
			finish(shared)
			c.observe(len(buffer), elapsed, "error")
			c.logger.Warn("aggregate failed", "aggregate", name, "span", spanID, "batch_size", len(buffer), "error", err)
			return
		}
		wantResults := len(buffer)
		if c.shareMode {
			wantResults = 1
		}
		if len(results) != wantResults {
			shapeErr := fmt.Errorf("%w: aggregate %q returned %d results for %d inputs", ErrShapeViolation, name, len(results), len(buffer))
			shared := NewSharedError[error](shapeErr)
			c.deliver(pending, nil, shared)
			finish(shared)
			c.observe(len(buffer), elapsed, "shape_violation")
			c.logger.Error("aggregate shape violation", "aggregate", name, "span", spanID, "error", shapeErr)
			return
		}

		c.deliver(pending, results, nil)
		finish(nil)
		c.observe(len(buffer), elapsed, "ok")
	}()
}

func (c *core[I, O]) releasePermit() {
	if c.permits == nil {
		return
	}
	<-c.permits
	if c.metrics != nil {
		c.metrics.setInFlight(len(c.permits))
	}
}

func (c *core[I, O]) recoverPanic(pending []*submission[I, O], name, spanID string, size int, elapsed time.Duration, finish func(error)) {
	r := recover()
	if r == nil {
		return
	}
	err := fmt.Errorf("coalesce: aggregate %q panicked: %v", name, r)
	shared := NewSharedError[error](err)
	c.deliver(pending, nil, shared)
	finish(shared)
	c.observe(size, elapsed, "panic")
	c.logger.Error("aggregate panicked", "aggregate", name, "span", spanID, "error", err)
}

func (c *core[I, O]) observe(size int, elapsed time.Duration, outcome string) {
	if c.metrics != nil {
		c.metrics.observeBatch(size, elapsed, outcome)
	}
}

// deliver fans result back out to every submission folded into the batch. On
// failure every submission gets the same shared error. On success: in
// shareMode (ScalarExecutor) every submission gets the same single-element
// result regardless of how many items it contributed, including zero —
// that is how an empty submission still receives the batch's shared scalar
// instead of an out-of-range slice. Otherwise each submission gets the
// slice of results matching the items it contributed, in order.
func (c *core[I, O]) deliver(pending []*submission[I, O], results []O, err error) {
	if err != nil {
		for _, p := range pending {
			p.reply <- batchReply[O]{Err: err}
		}
		return
	}
	if c.shareMode {
		for _, p := range pending {
			p.reply <- batchReply[O]{Values: results}
		}
		return
	}
	offset := 0
	for _, p := range pending {
		n := len(p.items)
		p.reply <- batchReply[O]{Values: results[offset : offset+n]}
		offset += n
	}
}

func (c *core[I, O]) failPending(pending []*submission[I, O], err error) {
	for _, p := range pending {
		select {
		case p.reply <- batchReply[O]{Err: err}:
		default:
		}
	}
}
