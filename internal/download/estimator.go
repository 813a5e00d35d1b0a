package download

import (
	"sync"
	"time"
)

const (
	SeedParallelism  = 4
	MinParallelism   = 2
	MaxParallelism   = 12
	BurstParallelism = 4
	// SlowThroughput is the bytes/s under which a group counts as slow.
	SlowThroughput = 768 << 10

	fastGrowthBelow = 6
)

// GroupResult is what the estimator learns from one finished group.
type GroupResult struct {
	// Parallelism the group ran with and the peak it actually reached.
	Parallelism int
	Peak        int
	Failed      bool
	// Backoff is set when any request in the group timed out or retried.
	Backoff bool
	Bytes   int64
	Elapsed time.Duration
}

func (g GroupResult) throughput() float64 {
	if g.Elapsed <= 0 {
		return 0
	}
	return float64(g.Bytes) / g.Elapsed.Seconds()
}

// Estimator tracks the download parallelism across groups. A fixed value
// overrides the estimate entirely.
type Estimator struct {
	mu      sync.Mutex
	current int
	fixed   int
	burst   bool
}

func NewEstimator(fixed int) *Estimator {
	return &Estimator{current: SeedParallelism, fixed: fixed}
}

// For returns the parallelism to use for a group of size files.
func (e *Estimator) For(size int) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fixed > 0 {
		return clamp(e.fixed, 1, min(MaxParallelism, size))
	}
	p := e.current
	if e.burst {
		p = min(p, BurstParallelism)
	}
	return clamp(p, 1, size)
}

// Observe updates the estimate from a finished group.
func (e *Estimator) Observe(r GroupResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fixed > 0 {
		return
	}
	switch {
	case r.Failed:
		e.current -= 2
	case r.Backoff || r.throughput() < SlowThroughput:
		e.current--
	case r.Peak >= r.Parallelism && r.Parallelism >= e.current:
		if e.current < fastGrowthBelow {
			e.current += 2
		} else {
			e.current++
		}
	}
	e.current = clamp(e.current, MinParallelism, MaxParallelism)
}

// Current is the running estimate before any group clamping.
func (e *Estimator) Current() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// SetBurst caps parallelism while the session is in burst mode.
func (e *Estimator) SetBurst(on bool) {
	e.mu.Lock()
	e.burst = on
	e.mu.Unlock()
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
