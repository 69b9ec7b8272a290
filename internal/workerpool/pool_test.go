package workerpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	seen []int64
	done chan int64
}

func newRecorder() *recorder {
	return &recorder{done: make(chan int64, 100)}
}

func (r *recorder) handler(delay time.Duration) Handler {
	return func(_ context.Context, id int64) {
		time.Sleep(delay)
		r.mu.Lock()
		r.seen = append(r.seen, id)
		r.mu.Unlock()
		r.done <- id
	}
}

func waitID(t *testing.T, ch <-chan int64, d time.Duration) int64 {
	t.Helper()

	select {
	case id := <-ch:
		return id
	case <-time.After(d):
		t.Fatalf("timeout waiting for signal %v", d)
		return 0
	}
}

func TestPool_ProcessSingleID(t *testing.T) {
	rec := newRecorder()
	pool := New(10, rec.handler(0))
	pool.Start(1)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	require.NoError(t, pool.Enqueue(1))
	assert.Equal(t, int64(1), waitID(t, rec.done, time.Second))
}

func TestPool_Overflow_ReturnsPoolFull(t *testing.T) {
	pool := New(1, newRecorder().handler(0))
	pool.Start(0)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	require.NoError(t, pool.Enqueue(1))
	assert.ErrorIs(t, pool.Enqueue(2), ErrPoolFull)
	assert.Equal(t, 1, pool.Len())
}

func TestPool_Shutdown_DrainsQueuedWork(t *testing.T) {
	rec := newRecorder()
	pool := New(10, rec.handler(30*time.Millisecond))
	pool.Start(1)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, pool.Enqueue(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3}, rec.seen)
}

func TestPool_Shutdown_RespectsContext(t *testing.T) {
	release := make(chan struct{})
	pool := New(1, func(context.Context, int64) { <-release })
	pool.Start(1)
	t.Cleanup(func() { close(release) })

	require.NoError(t, pool.Enqueue(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)
}

func TestPool_EnqueueAfterShutdown_ReturnsPoolClosed(t *testing.T) {
	pool := New(10, newRecorder().handler(0))
	pool.Start(0)

	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, pool.Enqueue(1), ErrPoolClosed)
}

func TestPool_ParallelWorkers(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	release := make(chan struct{})
	started := make(chan struct{}, 3)

	pool := New(3, func(context.Context, int64) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		started <- struct{}{}
		<-release
		mu.Lock()
		active--
		mu.Unlock()
	})
	pool.Start(3)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, pool.Enqueue(i))
	}
	for range 3 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("workers did not start")
		}
	}
	close(release)
	require.NoError(t, pool.Shutdown(context.Background()))

	assert.Equal(t, 3, peak)
}
