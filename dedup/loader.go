package dedup

import (
	"context"
	"sync"
)

// Loader provides deduplication for concurrent load operations by key
type Loader[K comparable, T any] struct {
	loader     func(context.Context, K) (T, error)
	operations sync.Map // map[K]*Operation[T]
}

// NewLoader creates a new deduplicated loader with the specified worker function
func NewLoader[K comparable, T any](loader func(context.Context, K) (T, error)) *Loader[K, T] {
	return &Loader[K, T]{
		loader: loader,
	}
}

// Load executes the loader function for the given key, deduplicating concurrent calls.
// If another goroutine is already loading the same key, this call waits
// for that result instead of executing the loader again. A waiter whose ctx
// ends stops waiting; the owning call keeps running under its own ctx.
func (d *Loader[K, T]) Load(ctx context.Context, key K) (T, error) {
	op := newOperation[T]()
	if inflight, loaded := d.operations.LoadOrStore(key, op); loaded {
		return inflight.(*Operation[T]).wait(ctx)
	}

	result, err := d.loader(ctx, key)
	d.operations.Delete(key)
	op.finish(result, err)
	return result, err
}

// InFlight reports how many keys are currently being loaded
func (d *Loader[K, T]) InFlight() int {
	n := 0
	d.operations.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
