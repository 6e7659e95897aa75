package dispatch

import (
	"context"
	"sync"
)

// Spawner decides how handler tasks are run. Go reports whether task was
// accepted, it gives up once ctx is done.
type Spawner interface {
	Go(ctx context.Context, task func()) bool
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, task func()) bool

// Go calls f(ctx, task).
func (f SpawnerFunc) Go(ctx context.Context, task func()) bool {
	return f(ctx, task)
}

// Unbounded runs every task on its own goroutine.
func Unbounded() Spawner {
	return SpawnerFunc(func(_ context.Context, task func()) bool {
		go task()
		return true
	})
}

// WorkerPool runs tasks on a fixed number of goroutines. Go blocks while
// the queue is full and ctx is not done.
type WorkerPool struct {
	tasks  chan func()
	wg     sync.WaitGroup
	mtx    sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines reading from a queue of the
// given capacity. Values below 1 workers are raised to 1.
func NewWorkerPool(workers, queue int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}

	p := &WorkerPool{
		tasks: make(chan func(), queue),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// Go queues task. Tasks submitted after Close are dropped.
func (p *WorkerPool) Go(ctx context.Context, task func()) bool {
	p.mtx.RLock()
	defer p.mtx.RUnlock()

	if p.closed {
		log.Warn("worker pool closed, dropping task")
		return false
	}

	select {
	case p.tasks <- task:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close stops accepting tasks and waits for the queued ones to finish.
func (p *WorkerPool) Close() {
	p.mtx.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mtx.Unlock()

	p.wg.Wait()
}
