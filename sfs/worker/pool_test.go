package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	p := NewPool(4, 16)
	p.Start()
	defer p.Stop()

	var done sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 100; i++ {
		done.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			count.Inc()
			done.Done()
		}))
	}
	done.Wait()
	assert.Equal(t, int32(100), count.Load())
}

func TestBarrierWaitsForInFlightWork(t *testing.T) {
	p := NewPool(3, 16)
	p.Start()
	defer p.Stop()

	var finished atomic.Int32
	started := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			started <- struct{}{}
			time.Sleep(50 * time.Millisecond)
			finished.Inc()
		}))
	}
	for i := 0; i < 3; i++ {
		<-started
	}

	require.NoError(t, p.Barrier(context.Background()))
	assert.Equal(t, int32(3), finished.Load())

	// the workers are released afterwards
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not continue after the barrier")
	}
}

func TestBarrierHonorsContext(t *testing.T) {
	p := NewPool(2, 4)
	p.Start()
	defer p.Stop()

	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			started <- struct{}{}
			<-block
		}))
	}
	// both workers are busy, the markers stay queued behind them
	for i := 0; i < 2; i++ {
		<-started
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Barrier(ctx), context.DeadlineExceeded)
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool(1, 1)
	p.Start()
	p.Stop()
	assert.ErrorIs(t, p.Submit(context.Background(), func(ctx context.Context) {}), ErrPoolStopped)
}

func TestRunWaitsForWork(t *testing.T) {
	p := NewPool(2, 4)
	p.Start()
	defer p.Stop()

	var ran atomic.Bool
	require.NoError(t, p.Run(context.Background(), func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	}))
	assert.True(t, ran.Load())
}

func TestRunSkipsWorkDroppedByStop(t *testing.T) {
	p := NewPool(1, 4)
	p.Start()

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(started)
		<-block
	}))
	<-started

	var ran atomic.Bool
	result := make(chan error, 1)
	go func() {
		result <- p.Run(context.Background(), func(ctx context.Context) { ran.Store(true) })
	}()
	require.Eventually(t, func() bool { return len(p.shared) == 1 }, 5*time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrPoolStopped)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	close(block)
	<-stopped
	assert.False(t, ran.Load())
}
