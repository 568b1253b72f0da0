package coalesce

// SharedError wraps an aggregate failure so every submitter whose items were
// folded into the failed batch observes the same error value. In Rust this
// needed an Arc<E> to share ownership of a non-Clone error across the
// futures woken by each return channel; Go's GC and the happens-before edge
// a channel send already establishes make that unnecessary here — a plain
// pointer is read-only after construction and safe to hand to every waiter.
type SharedError[E error] struct {
	cause E
}

// NewSharedError wraps err for distribution to every submitter of a batch.
func NewSharedError[E error](err E) *SharedError[E] {
	return &SharedError[E]{cause: err}
}

// Error implements error.
func (s *SharedError[E]) Error() string {
	return s.cause.Error()
}

// Unwrap lets errors.Is/errors.As reach the concrete cause.
func (s *SharedError[E]) Unwrap() error {
	return s.cause
}

// Cause returns the wrapped error with its concrete type intact.
func (s *SharedError[E]) Cause() E {
	return s.cause
}
