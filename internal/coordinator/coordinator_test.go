package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stocktide/stocktide/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_DeduplicatesConcurrentCalls(t *testing.T) {
	c := New()
	ctx := context.Background()

	var calls atomic.Int64
	release := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "payload", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Execute(ctx, "k", fn)
			require.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Wait until all callers are attached, then let the single call finish.
	require.Eventually(t, func() bool { return c.Subscribers("k") == 4 },
		time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "payload", r)
	}
	assert.Equal(t, 0, c.Subscribers("k"))
}

func TestExecute_DistinctKeysRunIndependently(t *testing.T) {
	c := New()
	ctx := context.Background()

	var calls atomic.Int64
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}

	_, err := c.Execute(ctx, "a", fn)
	require.NoError(t, err)
	_, err = c.Execute(ctx, "b", fn)
	require.NoError(t, err)

	assert.Equal(t, int64(2), calls.Load())
}

func TestExecute_SequentialCallsDoNotShareResults(t *testing.T) {
	// Dedup only joins calls that are still in flight; a finished call must
	// never serve later callers a stale result.
	c := New()
	ctx := context.Background()

	var calls atomic.Int64
	fn := func(ctx context.Context) (any, error) {
		return calls.Add(1), nil
	}

	v1, err := c.Execute(ctx, "k", fn)
	require.NoError(t, err)
	v2, err := c.Execute(ctx, "k", fn)
	require.NoError(t, err)

	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)
}

func TestExecuteForced_BypassesDedup(t *testing.T) {
	c := New()
	ctx := context.Background()

	var calls atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(ctx context.Context) (any, error) {
		calls.Add(1)
		close(started)
		<-release
		return "first", nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Execute(ctx, "k", slow)
	}()
	<-started

	v, err := c.ExecuteForced(ctx, "k", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "forced", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "forced", v)
	assert.Equal(t, int64(2), calls.Load())

	close(release)
	wg.Wait()
}

func TestExecute_CallerContextCancellation(t *testing.T) {
	c := New()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = c.Execute(context.Background(), "k", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Execute(ctx, "k", func(ctx context.Context) (any, error) {
		t.Fatal("joined caller must not run fn")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
}

func TestEnqueue_BackpressureWhenFull(t *testing.T) {
	c := New(WithQueueCapacity(2))

	fn := func(ctx context.Context) (any, error) { return nil, nil }
	_, err := c.Enqueue("a", fn)
	require.NoError(t, err)
	_, err = c.Enqueue("b", fn)
	require.NoError(t, err)

	_, err = c.Enqueue("c", fn)
	assert.ErrorIs(t, err, common.ErrBackpressure)
}

func TestDrain_DeliversResultsInBatches(t *testing.T) {
	c := New(
		WithQueueCapacity(10),
		WithBatchSize(2),
		WithBatchDelay(time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Drain(ctx)

	var outs []<-chan Result
	for i := 0; i < 5; i++ {
		i := i
		out, err := c.Enqueue("key", func(ctx context.Context) (any, error) {
			return i, nil
		})
		require.NoError(t, err)
		outs = append(outs, out)
	}

	for _, out := range outs {
		select {
		case r := <-out:
			require.NoError(t, r.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("queued request never completed")
		}
	}
}
