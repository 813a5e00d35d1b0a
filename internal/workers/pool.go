// Package workers provides the fixed pool of long-lived goroutines that does
// the CPU-bound decode/hash/validate work off the transport path.
package workers

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// MaxWorkers caps the pool so the embedding host keeps its own cores.
const MaxWorkers = 3

// ErrClosed is returned for jobs submitted after Close.
var ErrClosed = errors.New("worker pool closed")

// Job is one unit of work. It receives the submitter's context.
type Job func(ctx context.Context) error

type task struct {
	ctx    context.Context
	job    Job
	result chan error
}

type Pool struct {
	tasks   chan task
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
	size    int
}

// DefaultSize derives the pool size from the CPU count: one worker per two
// logical CPUs, between 1 and MaxWorkers.
func DefaultSize() int {
	return clamp(runtime.NumCPU()/2, 1, MaxWorkers)
}

// New starts a pool with size workers (clamped to [1, MaxWorkers]).
func New(size int) *Pool {
	size = clamp(size, 1, MaxWorkers)
	p := &Pool{tasks: make(chan task), size: size}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) run() {
	defer p.wg.Done()
	for t := range p.tasks {
		if err := t.ctx.Err(); err != nil {
			t.result <- err
			continue
		}
		t.result <- t.job(t.ctx)
	}
}

// Submit queues job and returns a future that yields its result. The future
// also resolves with ctx.Err() if ctx ends before a worker picks the job up.
func (p *Pool) Submit(ctx context.Context, job Job) <-chan error {
	result := make(chan error, 1)

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		result <- ErrClosed
		return result
	}

	select {
	case p.tasks <- task{ctx: ctx, job: job, result: result}:
	case <-ctx.Done():
		result <- ctx.Err()
	}
	return result
}

// Do submits job and waits for it.
func (p *Pool) Do(ctx context.Context, job Job) error {
	return <-p.Submit(ctx, job)
}

// Close stops accepting work and waits for running jobs.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.closeMu.Unlock()
	p.wg.Wait()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
