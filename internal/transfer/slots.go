package transfer

import (
	"context"
	"sync"
)

// Slots is a counting semaphore whose capacity can change while holders are
// waiting. Shrinking never revokes a held slot; it only delays new grants
// until usage drops below the new capacity.
type Slots struct {
	mu       sync.Mutex
	capacity int
	used     int
	changed  chan struct{}
}

func NewSlots(capacity int) *Slots {
	if capacity < 1 {
		capacity = 1
	}
	return &Slots{capacity: capacity, changed: make(chan struct{})}
}

// Acquire blocks until a slot is free or ctx ends. The returned release func
// is idempotent.
func (s *Slots) Acquire(ctx context.Context) (func(), error) {
	for {
		s.mu.Lock()
		if s.used < s.capacity {
			s.used++
			s.mu.Unlock()
			var once sync.Once
			return func() { once.Do(s.release) }, nil
		}
		wait := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (s *Slots) release() {
	s.mu.Lock()
	s.used--
	s.notifyLocked()
	s.mu.Unlock()
}

// Resize sets a new capacity (minimum 1) and wakes waiters.
func (s *Slots) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	s.capacity = capacity
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Slots) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Slots) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Slots) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}
