package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderSharesInFlightResult(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	loader := NewLoader(func(ctx context.Context, key string) (int, error) {
		calls.Add(1)
		<-release
		return len(key), nil
	})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := loader.Load(context.Background(), "abcd")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return loader.InFlight() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 4, v)
	}
	assert.Equal(t, 0, loader.InFlight())
}

func TestLoaderWaiterHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	loader := NewLoader(func(ctx context.Context, key int) (int, error) {
		<-release
		return key, nil
	})

	go loader.Load(context.Background(), 1)
	require.Eventually(t, func() bool { return loader.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := loader.Load(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoaderRetriesAfterError(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	loader := NewLoader(func(ctx context.Context, key int) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return key * 2, nil
	})

	_, err := loader.Load(context.Background(), 3)
	assert.ErrorIs(t, err, boom)

	v, err := loader.Load(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 6, v)
}

func TestSaverDeduplicates(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	saver := NewSaver(func(ctx context.Context, key string, data []byte) error {
		calls.Add(1)
		<-release
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, saver.Save(context.Background(), "k", []byte{1}))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.LessOrEqual(t, calls.Load(), int32(4))
}
