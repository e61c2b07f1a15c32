package threadpool

import (
	"sync"
	"time"
)

// workSignal wakes idle workers when new work is enqueued. Signal wakes
// at most one waiter; SignalAll wakes everyone (shutdown and fork paths
// only, per the submission contract).
type workSignal struct {
	sem   chan struct{}
	mu    sync.Mutex
	bcast chan struct{}
}

func newWorkSignal() *workSignal {
	return &workSignal{
		sem:   make(chan struct{}, 1),
		bcast: make(chan struct{}),
	}
}

func (s *workSignal) signal() {
	select {
	case s.sem <- struct{}{}:
	default:
		// A wakeup is already pending; the next waiter will consume it.
	}
}

func (s *workSignal) signalAll() {
	s.mu.Lock()
	close(s.bcast)
	s.bcast = make(chan struct{})
	s.mu.Unlock()
}

// waitWithTimeout blocks until signaled or until the timeout elapses,
// returning true iff it timed out.
func (s *workSignal) waitWithTimeout(d time.Duration) bool {
	s.mu.Lock()
	bc := s.bcast
	s.mu.Unlock()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.sem:
		return false
	case <-bc:
		return false
	case <-t.C:
		return true
	}
}
