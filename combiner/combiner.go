// Package combiner provides the per-call serializing construct: closures
// submitted to a Combiner run one at a time, in submission order, on
// whichever goroutine happened to submit while the combiner was idle.
// It is a queue-based lock, not a mutex: submitters never block.
package combiner

import (
	"sync"

	"github.com/joeycumines/go-rpcruntime/workqueue"
)

// Combiner serializes closures for a single call. The first submitter
// "acquires" the combiner and drains the queue, including closures that
// arrive while draining; at most one closure executes at any instant.
//
// The zero value is ready to use.
type Combiner struct {
	mu     sync.Mutex
	queue  []workqueue.Closure
	active bool

	cancelErr error
	onCancel  func(error)
}

// Run submits a closure. If the combiner is idle, the calling goroutine
// executes it (and any closures queued behind it) synchronously;
// otherwise the closure is queued for the draining goroutine.
func (c *Combiner) Run(closure workqueue.Closure) {
	c.mu.Lock()
	c.queue = append(c.queue, closure)
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		next.Run()
		c.mu.Lock()
	}
	c.active = false
	c.queue = nil
	c.mu.Unlock()
}

// RunFunc is a convenience wrapper around Run for plain funcs.
func (c *Combiner) RunFunc(f func()) {
	c.Run(workqueue.ClosureFunc(f))
}

// Cancel records the call's cancellation error (first cancel wins) and
// delivers it to the registered notify callback, serialized with other
// call work. Later SetNotifyOnCancel registrations observe the error
// immediately.
func (c *Combiner) Cancel(err error) {
	if err == nil {
		panic("combiner: Cancel requires an error")
	}
	c.mu.Lock()
	if c.cancelErr != nil {
		c.mu.Unlock()
		return
	}
	c.cancelErr = err
	fn := c.onCancel
	c.onCancel = nil
	c.mu.Unlock()
	if fn != nil {
		c.RunFunc(func() { fn(err) })
	}
}

// SetNotifyOnCancel registers fn to run (inside the combiner) when the
// call is cancelled. If the call is already cancelled, fn is scheduled
// immediately with the original error. A second registration replaces
// the first; pass nil to clear.
func (c *Combiner) SetNotifyOnCancel(fn func(error)) {
	c.mu.Lock()
	if err := c.cancelErr; err != nil {
		c.mu.Unlock()
		if fn != nil {
			c.RunFunc(func() { fn(err) })
		}
		return
	}
	c.onCancel = fn
	c.mu.Unlock()
}

// CancelError returns the recorded cancellation error, if any.
func (c *Combiner) CancelError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelErr
}
