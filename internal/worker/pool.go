// Package worker runs recognition and dispatch calls on a bounded number of
// goroutines shared by every session.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("worker pool closed")

type Pool struct {
	sem    *semaphore.Weighted
	size   int64
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	pending atomic.Int64
	running atomic.Int64
}

func New(size int) *Pool {
	if size <= 0 {
		size = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   int64(size),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules job and returns immediately. The job's context is
// cancelled when the pool closes; jobs still waiting for a slot are dropped.
func (p *Pool) Submit(job func(ctx context.Context)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.pending.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.sem.Acquire(p.ctx, 1)
		p.pending.Add(-1)
		if err != nil {
			return
		}
		defer p.sem.Release(1)
		p.running.Add(1)
		defer p.running.Add(-1)
		job(p.ctx)
	}()
	return nil
}

// Pending is the number of jobs waiting for a slot.
func (p *Pool) Pending() int64 { return p.pending.Load() }

// Running is the number of jobs holding a slot.
func (p *Pool) Running() int64 { return p.running.Load() }

func (p *Pool) Size() int64 { return p.size }

// Close stops accepting jobs, cancels their context and waits for running
// jobs to return or ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
