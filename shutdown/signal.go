package shutdown

import "sync"

// SignalCounter counts shutdown signals and calls onForce once the count
// reaches forceAfter. The first signal starts a graceful teardown; a
// repeated one means the operator wants out now.
type SignalCounter struct {
	mu         sync.Mutex
	count      int
	forceAfter int
	onForce    func()
	forced     bool
}

// NewSignalCounter returns a counter. onForce may be nil.
func NewSignalCounter(forceAfter int, onForce func()) *SignalCounter {
	return &SignalCounter{forceAfter: forceAfter, onForce: onForce}
}

// Increment records a signal and returns the new count. onForce runs at
// most once, outside the lock.
func (s *SignalCounter) Increment() int {
	s.mu.Lock()
	s.count++
	n := s.count
	fire := n >= s.forceAfter && !s.forced && s.onForce != nil
	if fire {
		s.forced = true
	}
	fn := s.onForce
	s.mu.Unlock()

	if fire {
		fn()
	}
	return n
}

// Count returns the number of signals seen.
func (s *SignalCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
