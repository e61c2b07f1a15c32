package stack

import (
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// refCount is a debug-labelled reference count. Labels identify the
// referent site in trace logs; they carry no semantics.
type refCount struct {
	n      atomic.Int64
	what   string
	logger *logiface.Logger[logiface.Event]
	onZero func()
}

func newRefCount(what string, logger *logiface.Logger[logiface.Event], onZero func()) *refCount {
	r := &refCount{what: what, logger: logger, onZero: onZero}
	r.n.Store(1)
	return r
}

func (r *refCount) ref(label string) {
	n := r.n.Add(1)
	if n <= 1 {
		panic("stack: ref of destroyed " + r.what)
	}
	r.logger.Trace().
		Str("what", r.what).
		Str("label", label).
		Int64("refs", n).
		Log("ref")
}

func (r *refCount) unref(label string) {
	n := r.n.Add(-1)
	r.logger.Trace().
		Str("what", r.what).
		Str("label", label).
		Int64("refs", n).
		Log("unref")
	switch {
	case n == 0:
		r.onZero()
	case n < 0:
		panic("stack: unref of destroyed " + r.what)
	}
}
