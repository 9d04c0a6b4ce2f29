package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestBatchPool_ConcurrencyLimit(t *testing.T) {
	pool := NewBatchPool(3)
	defer pool.Shutdown()

	var current, peak atomic.Int64
	release := make(chan struct{})
	started := 0
	for i := 0; i < 5; i++ {
		err := pool.TrySubmit(context.Background(), func(ctx context.Context) error {
			c := current.Add(1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil
		})
		if err == nil {
			started++
			continue
		}
		assert.ErrorIs(t, err, ErrPoolBusy)
	}
	close(release)
	pool.Wait()

	assert.Equal(t, 3, started)
	assert.LessOrEqual(t, peak.Load(), int64(3))
	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Completed)
	assert.Equal(t, int64(2), stats.Skipped)
}

func TestBatchPool_TrySubmitSkipsWhenBusy(t *testing.T) {
	pool := NewBatchPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, pool.TrySubmit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}))
	<-started

	assert.ErrorIs(t, pool.TrySubmit(context.Background(), noop), ErrPoolBusy)
	assert.Equal(t, int64(1), pool.Stats().Running)

	close(block)
	pool.Wait()
	require.NoError(t, pool.TrySubmit(context.Background(), noop))
	pool.Wait()
	assert.Equal(t, int64(2), pool.Stats().Completed)
}

func TestBatchPool_PanicAndErrorCounted(t *testing.T) {
	pool := NewBatchPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.TrySubmit(context.Background(), func(ctx context.Context) error { panic("boom") }))
	pool.Wait()
	require.NoError(t, pool.TrySubmit(context.Background(), func(ctx context.Context) error { return errors.New("batch failed") }))
	pool.Wait()

	stats := pool.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(0), stats.Running)
}

func TestBatchPool_Shutdown(t *testing.T) {
	pool := NewBatchPool(2)

	var done atomic.Int64
	require.NoError(t, pool.TrySubmit(context.Background(), func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		done.Add(1)
		return nil
	}))
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int64(1), done.Load())
	assert.ErrorIs(t, pool.TrySubmit(context.Background(), noop), ErrPoolShutdown)
}
