// Package gate implements the counting-semaphore pair that
// internal/climit uses as the request/acknowledge handshake around
// kernel submissions. Go has no native counting semaphore, so this is
// the condition-variable-and-counter substitute: DrainAll lets a single
// admitter learn exactly how many callers are currently waiting and
// claim that count atomically, and Acquire/Release implement the
// blocking admit/acknowledge pair around it.
package gate

import "sync"

// Semaphore is a counting semaphore with an additional DrainAll
// operation that atomically takes every permit currently available.
type Semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

// NewSemaphore returns a Semaphore with an initial permit count.
func NewSemaphore(initial int) *Semaphore {
	s := &Semaphore{count: initial}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Release adds n permits and wakes any Acquire waiters that can now
// proceed.
func (s *Semaphore) Release(n int) {
	s.mu.Lock()
	s.count += n
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Acquire blocks until n permits are available, then takes them.
func (s *Semaphore) Acquire(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.count < n {
		s.cond.Wait()
	}
	s.count -= n
}

// DrainAll atomically takes every permit currently available (possibly
// zero) and returns how many were taken.
func (s *Semaphore) DrainAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.count
	s.count = 0
	return n
}

// Count returns the current permit count without taking any. It is a
// point-in-time snapshot only useful for tests and diagnostics; callers
// needing an atomic take should use DrainAll or Acquire instead.
func (s *Semaphore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
