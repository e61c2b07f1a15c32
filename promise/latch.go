package promise

import "sync"

// Latch is a single-assignment rendezvous: one producer calls Set, one
// consumer polls Wait. Polling before the value arrives registers the
// current activity for wakeup; Set wakes every registered activity.
type Latch[T any] struct {
	mu      sync.Mutex
	value   T
	set     bool
	waiters []Waker
}

// Set assigns the latch value. Setting twice is a programming error.
func (l *Latch[T]) Set(v T) {
	l.mu.Lock()
	if l.set {
		l.mu.Unlock()
		panic("promise: latch set twice")
	}
	l.value = v
	l.set = true
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	for _, w := range waiters {
		w.Wakeup()
	}
}

// IsSet reports whether the value has been assigned.
func (l *Latch[T]) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Get returns the assigned value, if any.
func (l *Latch[T]) Get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value, l.set
}

// Wait returns a promise for the latch value. While unset, each poll
// registers the polling activity (once) for wakeup on Set.
func (l *Latch[T]) Wait() Promise[T] {
	return func() Poll[T] {
		l.mu.Lock()
		if l.set {
			v := l.value
			l.mu.Unlock()
			return Ready(v)
		}
		w := CurrentWaker()
		if w.activity != nil {
			found := false
			for _, existing := range l.waiters {
				if existing.activity == w.activity {
					found = true
					break
				}
			}
			if !found {
				l.waiters = append(l.waiters, w)
			}
		}
		l.mu.Unlock()
		return Pending[T]()
	}
}
