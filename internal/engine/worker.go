package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrPoolBusy is returned by TrySubmit when every slot is taken.
	ErrPoolBusy = errors.New("batch pool is at capacity")
	// ErrPoolShutdown is returned once the pool has been shut down.
	ErrPoolShutdown = errors.New("batch pool is shut down")
)

// PoolStats counts what a BatchPool has done since it was created.
type PoolStats struct {
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Skipped   int64 `json:"skipped"`
}

// BatchPool bounds how many claim-and-dispatch batches run at once. It
// never queues: a batch that finds every slot busy is skipped, so a slow
// batch cannot make scheduled ticks pile up behind it.
type BatchPool struct {
	slots chan struct{}
	wg    sync.WaitGroup
	mu    sync.Mutex
	shut  bool

	running, completed, failed, panics, skipped atomic.Int64
}

// NewBatchPool creates a pool running at most size batches concurrently.
func NewBatchPool(size int) *BatchPool {
	if size <= 0 {
		size = 1
	}
	return &BatchPool{slots: make(chan struct{}, size)}
}

// TrySubmit starts fn on its own goroutine if a slot is free. It returns
// ErrPoolBusy when the pool is full and ErrPoolShutdown after Shutdown.
func (p *BatchPool) TrySubmit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shut {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.skipped.Add(1)
		return ErrPoolBusy
	}
	// Add under mu so Shutdown's Wait cannot miss this batch.
	p.wg.Add(1)
	p.running.Add(1)
	go p.run(ctx, fn)
	return nil
}

func (p *BatchPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
		p.running.Add(-1)
		<-p.slots
		p.wg.Done()
	}()
	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until every started batch has returned.
func (p *BatchPool) Wait() { p.wg.Wait() }

// Shutdown refuses new batches and waits for the running ones. It is safe
// to call more than once.
func (p *BatchPool) Shutdown() {
	p.mu.Lock()
	p.shut = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *BatchPool) Stats() PoolStats {
	return PoolStats{
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Skipped:   p.skipped.Load(),
	}
}
