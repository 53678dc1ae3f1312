package monitor

import "sync/atomic"

// Sequence allocates update ids for one monitor. It is safe for
// concurrent use. Once closed it only hands out ClosedUpdateID.
type Sequence struct {
	counter atomic.Uint64
}

// Next returns the id for the next update.
func (s *Sequence) Next() uint64 {
	for {
		current := s.counter.Load()
		if current == ClosedUpdateID {
			return ClosedUpdateID
		}
		if s.counter.CompareAndSwap(current, current+1) {
			return current + 1
		}
	}
}

// Current returns the last allocated id.
func (s *Sequence) Current() uint64 {
	return s.counter.Load()
}

// SetFloor ensures the sequence is at least floor without allocating.
// Used when restoring from a persisted monitor.
func (s *Sequence) SetFloor(floor uint64) {
	for {
		current := s.counter.Load()
		if current >= floor {
			return
		}
		if s.counter.CompareAndSwap(current, floor) {
			return
		}
	}
}

// Close moves the sequence to ClosedUpdateID and returns it.
func (s *Sequence) Close() uint64 {
	s.counter.Store(ClosedUpdateID)
	return ClosedUpdateID
}

// Closed reports whether Close has been called.
func (s *Sequence) Closed() bool {
	return s.counter.Load() == ClosedUpdateID
}
