// Package promise provides the suspendable-computation primitives used
// by the call pipeline: polls, promises, the single-assignment latch,
// and the activity context that connects a poll in progress to the
// wakeup machinery.
//
// A promise is simply a function that is polled for a result. Polling
// happens only inside a serialized call context (the call combiner); a
// pending promise is re-polled when something wakes its owning activity.
package promise

import (
	"sync"

	"github.com/joeycumines/go-rpcruntime/internal/gid"
)

// Poll is the result of polling a promise: either a ready value or the
// pending marker.
type Poll[T any] struct {
	value T
	ready bool
}

// Ready returns a completed poll result.
func Ready[T any](v T) Poll[T] { return Poll[T]{value: v, ready: true} }

// Pending returns the not-yet marker.
func Pending[T any]() Poll[T] { return Poll[T]{} }

// IsReady reports whether the poll produced a value.
func (p Poll[T]) IsReady() bool { return p.ready }

// Value returns the produced value; only meaningful when IsReady.
func (p Poll[T]) Value() T { return p.value }

// Promise is a suspendable computation producing a T. Each call makes
// whatever progress it can; a Pending result means the promise has
// arranged (via the current activity's waker) to be polled again.
type Promise[T any] func() Poll[T]

// Immediate returns a promise that is already complete.
func Immediate[T any](v T) Promise[T] {
	return func() Poll[T] { return Ready(v) }
}

// Activity identifies the owner of a poll in progress — in practice a
// call's promise state — and provides the means to schedule another poll.
type Activity interface {
	// Wakeup schedules a repoll of the activity's promise, serialized
	// with other call work. It is safe from any goroutine; the activity
	// holds whatever references keep the call alive until the poll runs.
	Wakeup()
}

// Waker wakes an activity from outside a poll. The zero Waker is inert.
type Waker struct {
	activity Activity
}

// Wakeup schedules a repoll of the associated activity, if any.
func (w Waker) Wakeup() {
	if w.activity != nil {
		w.activity.Wakeup()
	}
}

// pollContext is the per-goroutine record of the poll in progress.
type pollContext struct {
	activity Activity
	repoll   bool
	prev     *pollContext
}

var pollState struct {
	sync.Mutex
	m map[int64]*pollContext
}

func init() {
	pollState.m = make(map[int64]*pollContext)
}

// EnterPoll establishes a poll scope for the calling goroutine, owned by
// activity. The returned exit func tears the scope down and reports
// whether an immediate repoll was requested during the poll. Scopes
// nest; the innermost wins.
//
// The contract mirrors the serialized call context: EnterPoll is invoked
// only from inside the call combiner, immediately before polling the
// call's promise.
func EnterPoll(activity Activity) (exit func() (repoll bool)) {
	id := gid.Get()
	ctx := &pollContext{activity: activity}
	pollState.Lock()
	ctx.prev = pollState.m[id]
	pollState.m[id] = ctx
	pollState.Unlock()
	return func() bool {
		pollState.Lock()
		if ctx.prev == nil {
			delete(pollState.m, id)
		} else {
			pollState.m[id] = ctx.prev
		}
		pollState.Unlock()
		return ctx.repoll
	}
}

func currentPollContext() *pollContext {
	id := gid.Get()
	pollState.Lock()
	ctx := pollState.m[id]
	pollState.Unlock()
	return ctx
}

// CurrentWaker returns a waker for the activity owning the poll in
// progress, or an inert waker when called outside a poll scope.
func CurrentWaker() Waker {
	if ctx := currentPollContext(); ctx != nil {
		return Waker{activity: ctx.activity}
	}
	return Waker{}
}

// ForceImmediateRepoll marks the current poll scope so the poller loops
// synchronously instead of suspending. Used when a state transition made
// during a poll invalidates the poll result already produced.
func ForceImmediateRepoll() {
	if ctx := currentPollContext(); ctx != nil {
		ctx.repoll = true
	}
}
