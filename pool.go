// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-co
// SPDX-FileContributor: mochi-co

package stomp

import (
	"sync"
	"sync/atomic"
)

// Pool is a fairly basic fixed sized worker pool. Tasks are taken by whichever
// worker is free, so no ordering is guaranteed between tasks.
type Pool struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	queue    PoolTaskChan
	capacity uint64
}

// PoolTaskChan is a channel of tasks to be run.
type PoolTaskChan chan func()

// PoolTask is the function signature for functions processed by the pool.
type PoolTask func()

// NewPool returns a new instance of Pool with a specified number of workers
// and a queue of queueSize pending tasks.
func NewPool(size, queueSize uint64) *Pool {
	p := &Pool{
		capacity: size,
		queue:    make(PoolTaskChan, queueSize),
	}

	for i := uint64(0); i < size; i++ {
		p.wg.Add(1)
		go p.worker(p.queue)
	}

	return p
}

// worker is a worker goroutine which processes tasks from the queue.
func (p *Pool) worker(ch PoolTaskChan) {
	defer p.wg.Done()
	for task := range ch {
		task()
	}
}

// Enqueue adds a new task to the queue to be processed, blocking while the
// queue is full. It returns false if the pool has been closed.
func (p *Pool) Enqueue(task PoolTask) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.queue == nil {
		return false
	}

	p.queue <- task
	return true
}

// Wait blocks until all the workers in the pool have completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close issues a shutdown signal to the workers. Tasks already queued are
// still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue == nil {
		return
	}

	close(p.queue)
	p.queue = nil
	atomic.StoreUint64(&p.capacity, 0)
}

// Size returns the current number of workers in the pool.
func (p *Pool) Size() uint64 {
	return atomic.LoadUint64(&p.capacity)
}
