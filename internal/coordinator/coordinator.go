// Package coordinator deduplicates concurrent identical network calls and
// absorbs request bursts through a bounded batch queue.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/stocktide/stocktide/internal/common"
	"github.com/stocktide/stocktide/internal/timex"
)

// Fn is the unit of work the coordinator runs: typically one network call.
type Fn func(ctx context.Context) (any, error)

// Result is delivered to queued callers when their request completes.
type Result struct {
	Value any
	Err   error
}

type flight struct {
	started     time.Time
	done        chan struct{}
	value       any
	err         error
	subscribers int
}

type queued struct {
	key string
	fn  Fn
	out chan Result
}

// Coordinator shares the result of an in-flight call between every caller
// that asks for the same key while it runs. Multiple UI surfaces refreshing
// the same collection on mount must not multiply network load.
type Coordinator struct {
	mu      sync.Mutex
	flights map[string]*flight

	window     time.Duration
	clock      timex.Clock
	queue      chan queued
	batchSize  int
	batchDelay time.Duration
}

const (
	DefaultWindow     = 5 * time.Second
	DefaultQueueCap   = 50
	DefaultBatchSize  = 5
	DefaultBatchDelay = 200 * time.Millisecond
)

// Option adjusts a Coordinator.
type Option func(*Coordinator)

func WithWindow(d time.Duration) Option     { return func(c *Coordinator) { c.window = d } }
func WithClock(clock timex.Clock) Option    { return func(c *Coordinator) { c.clock = clock } }
func WithQueueCapacity(n int) Option        { return func(c *Coordinator) { c.queue = make(chan queued, n) } }
func WithBatchSize(n int) Option            { return func(c *Coordinator) { c.batchSize = n } }
func WithBatchDelay(d time.Duration) Option { return func(c *Coordinator) { c.batchDelay = d } }

func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		flights:    make(map[string]*flight),
		window:     DefaultWindow,
		clock:      timex.RealClock{},
		queue:      make(chan queued, DefaultQueueCap),
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute runs fn under key. If an identical key is already in flight and was
// started within the dedupe window, the caller joins it and receives the same
// result instead of issuing a second call.
func (c *Coordinator) Execute(ctx context.Context, key string, fn Fn) (any, error) {
	c.mu.Lock()
	if f, ok := c.flights[key]; ok && c.clock.Now().Sub(f.started) <= c.window {
		f.subscribers++
		c.mu.Unlock()
		return c.await(ctx, f)
	}
	f := c.launchLocked(key)
	c.mu.Unlock()

	return c.run(ctx, key, f, fn)
}

// ExecuteForced bypasses deduplication for explicit refreshes. The fresh
// flight replaces any existing one, so callers arriving afterwards join the
// new call rather than a stale one.
func (c *Coordinator) ExecuteForced(ctx context.Context, key string, fn Fn) (any, error) {
	c.mu.Lock()
	f := c.launchLocked(key)
	c.mu.Unlock()

	return c.run(ctx, key, f, fn)
}

// launchLocked registers a new flight for key. Caller holds c.mu.
func (c *Coordinator) launchLocked(key string) *flight {
	f := &flight{
		started:     c.clock.Now(),
		done:        make(chan struct{}),
		subscribers: 1,
	}
	c.flights[key] = f
	return f
}

func (c *Coordinator) run(ctx context.Context, key string, f *flight, fn Fn) (any, error) {
	value, err := fn(ctx)

	c.mu.Lock()
	f.value, f.err = value, err
	f.subscribers--
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	c.mu.Unlock()
	close(f.done)

	return value, err
}

func (c *Coordinator) await(ctx context.Context, f *flight) (any, error) {
	defer func() {
		c.mu.Lock()
		f.subscribers--
		c.mu.Unlock()
	}()

	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribers reports how many callers are currently attached to the flight
// for key, zero when nothing is in flight.
func (c *Coordinator) Subscribers(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		return f.subscribers
	}
	return 0
}

// Enqueue admits a request into the bounded FIFO drained by Drain. The
// returned channel delivers exactly one Result. A full queue rejects with
// common.ErrBackpressure rather than growing unbounded.
func (c *Coordinator) Enqueue(key string, fn Fn) (<-chan Result, error) {
	out := make(chan Result, 1)
	select {
	case c.queue <- queued{key: key, fn: fn, out: out}:
		return out, nil
	default:
		return nil, common.ErrBackpressure
	}
}

// Drain services the queue until ctx is cancelled: requests leave in small
// batches with a short pause in between, and each batched call goes through
// Execute so bursts still deduplicate.
func (c *Coordinator) Drain(ctx context.Context) {
	for {
		batch, ok := c.nextBatch(ctx)
		if !ok {
			return
		}

		var wg sync.WaitGroup
		for _, q := range batch {
			wg.Add(1)
			go func(q queued) {
				defer wg.Done()
				value, err := c.Execute(ctx, q.key, q.fn)
				q.out <- Result{Value: value, Err: err}
			}(q)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.batchDelay):
		}
	}
}

// nextBatch blocks for the first queued item, then greedily takes up to
// batchSize without blocking.
func (c *Coordinator) nextBatch(ctx context.Context) ([]queued, bool) {
	var batch []queued
	select {
	case q := <-c.queue:
		batch = append(batch, q)
	case <-ctx.Done():
		return nil, false
	}
	for len(batch) < c.batchSize {
		select {
		case q := <-c.queue:
			batch = append(batch, q)
		default:
			return batch, true
		}
	}
	return batch, true
}
