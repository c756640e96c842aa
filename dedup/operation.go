package dedup

import "context"

// Operation is an in-flight call whose result is shared with every waiter.
type Operation[T any] struct {
	done   chan struct{}
	result T
	err    error
}

func newOperation[T any]() *Operation[T] {
	return &Operation[T]{done: make(chan struct{})}
}

func (op *Operation[T]) finish(result T, err error) {
	op.result, op.err = result, err
	close(op.done)
}

// wait blocks until the owning call finishes or ctx is done.
func (op *Operation[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-op.done:
		return op.result, op.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
