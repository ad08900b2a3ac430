package zdriver

import (
	"sync"
	"sync/atomic"
	"time"
)

// Safepoint separates mutator critical sections from collector pauses.
// Mutators bracket every group of barrier calls that touches roots with
// Enter/Leave; the driver stops the world by taking the write side.
type Safepoint struct {
	mu      sync.RWMutex
	pauses  atomic.Uint64
	pauseNS atomic.Int64
}

// Enter begins a mutator critical section. It blocks while a pause runs.
func (s *Safepoint) Enter() { s.mu.RLock() }

// Leave ends a mutator critical section.
func (s *Safepoint) Leave() { s.mu.RUnlock() }

// pause runs fn with every mutator stopped.
func (s *Safepoint) pause(fn func()) time.Duration {
	s.mu.Lock()
	start := time.Now()
	fn()
	d := time.Since(start)
	s.mu.Unlock()

	s.pauses.Add(1)
	s.pauseNS.Add(int64(d))
	return d
}

// Pauses returns the number of pauses and their total duration.
func (s *Safepoint) Pauses() (uint64, time.Duration) {
	return s.pauses.Load(), time.Duration(s.pauseNS.Load())
}
