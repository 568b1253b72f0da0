package coalesce

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Registry is a bounded, named cache of executors. It replaces what the
// Rust macro did with a generated static `OnceCell` per annotated function:
// Go has no attribute macros to generate a fresh package-level singleton
// per call site, so instead one Registry holds every named aggregate the
// process declares, created lazily on first use and evicted under an LRU
// policy if the process declares more distinct names than the registry's
// capacity allows.
//
// Register/RegisterVector are package-level generic functions, not methods,
// because Go method type parameters beyond the receiver's are not allowed.
type Registry struct {
	mu    sync.Mutex
	cache *lru.Cache[string, any]
}

// NewRegistry creates a Registry holding up to capacity named executors.
func NewRegistry(capacity int) *Registry {
	cache, err := lru.New[string, any](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0; callers pass a constant,
		// so this is a programming error, not a runtime condition.
		panic(err)
	}
	return &Registry{cache: cache}
}

// Register returns the named ScalarExecutor, constructing it with opts and
// aggregate on first use. Subsequent calls with the same name ignore opts
// and aggregate and return the existing executor — first registration wins,
// matching the macro's one-definition-per-identifier contract.
func Register[I, S any](r *Registry, name string, opts Options, aggregate func(ctx context.Context, items []I) (S, error)) (*ScalarExecutor[I, S], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache.Get(name); ok {
		exec, ok := v.(*ScalarExecutor[I, S])
		if !ok {
			return nil, errWrongExecutorType(name)
		}
		return exec, nil
	}

	opts.Name = name
	exec, err := NewScalar(opts, aggregate)
	if err != nil {
		return nil, err
	}
	r.cache.Add(name, exec)
	return exec, nil
}

// RegisterVector is Register's VectorExecutor counterpart.
func RegisterVector[I, T any](r *Registry, name string, opts Options, aggregate func(ctx context.Context, items []I) ([]T, error)) (*VectorExecutor[I, T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v, ok := r.cache.Get(name); ok {
		exec, ok := v.(*VectorExecutor[I, T])
		if !ok {
			return nil, errWrongExecutorType(name)
		}
		return exec, nil
	}

	opts.Name = name
	exec, err := NewVector(opts, aggregate)
	if err != nil {
		return nil, err
	}
	r.cache.Add(name, exec)
	return exec, nil
}

// closer is satisfied by both ScalarExecutor and VectorExecutor.
type closer interface{ Close() }

// Close shuts down every executor the registry still holds. Executors
// already evicted under LRU pressure are not reached: eviction only drops
// the registry's reference without closing them, so their collector
// goroutines keep running.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.cache.Values() {
		if c, ok := v.(closer); ok {
			c.Close()
		}
	}
}

func errWrongExecutorType(name string) error {
	return &registryTypeError{name: name}
}

type registryTypeError struct{ name string }

func (e *registryTypeError) Error() string {
	return "coalesce: aggregate " + e.name + " already registered with a different input/output type"
}
