package threadpool

import (
	"sync"

	"github.com/joeycumines/go-rpcruntime/workqueue"
)

// theftRegistry is the set of local queues that idle workers may steal
// from. Enrollment is O(1); StealOne walks the set under the lock.
type theftRegistry struct {
	mu     sync.Mutex
	queues map[*workqueue.Queue]struct{}
}

func newTheftRegistry() *theftRegistry {
	return &theftRegistry{queues: make(map[*workqueue.Queue]struct{})}
}

func (r *theftRegistry) enroll(q *workqueue.Queue) {
	r.mu.Lock()
	r.queues[q] = struct{}{}
	r.mu.Unlock()
}

func (r *theftRegistry) unenroll(q *workqueue.Queue) {
	r.mu.Lock()
	delete(r.queues, q)
	r.mu.Unlock()
}

// stealOne returns a closure from any enrolled queue, or nil if none
// yields one. Queues under contention simply return nil and are skipped.
func (r *theftRegistry) stealOne() workqueue.Closure {
	r.mu.Lock()
	defer r.mu.Unlock()
	for q := range r.queues {
		if c := q.PopMostRecent(); c != nil {
			return c
		}
	}
	return nil
}
