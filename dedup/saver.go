package dedup

import (
	"context"
	"sync"
)

// Saver provides deduplication for concurrent save operations by key
type Saver[K comparable, T any] struct {
	save       func(context.Context, K, T) error
	operations sync.Map // map[K]*Operation[struct{}]
}

// NewSaver creates a new deduplicated saver with the specified worker function
func NewSaver[K comparable, T any](save func(context.Context, K, T) error) *Saver[K, T] {
	return &Saver[K, T]{
		save: save,
	}
}

// Save executes the save function for the given key, deduplicating concurrent calls.
// A concurrent Save of the same key joins the write already in flight and
// returns its error; its own data is not written.
func (d *Saver[K, T]) Save(ctx context.Context, key K, data T) error {
	op := newOperation[struct{}]()
	if inflight, loaded := d.operations.LoadOrStore(key, op); loaded {
		_, err := inflight.(*Operation[struct{}]).wait(ctx)
		return err
	}

	err := d.save(ctx, key, data)
	d.operations.Delete(key)
	op.finish(struct{}{}, err)
	return err
}
