package threadpool

import (
	"time"

	"github.com/joeycumines/go-rpcruntime/internal/gid"
	"github.com/joeycumines/go-rpcruntime/workqueue"
)

// worker is the state owned by a single pool worker goroutine.
type worker struct {
	pool    *pool
	local   *workqueue.Queue
	busyIdx int
	backoff *backoff

	// clearThrottle is set for lifeguard-started workers: the throttle
	// gate is released once this worker has consumed its bootstrap
	// condition (its first pass through the step loop).
	clearThrottle bool
}

func (w *worker) run() {
	defer w.pool.living.decrement()

	id := gid.Get()
	w.local = workqueue.New(w.pool)
	w.pool.localQueues.register(id, w.local)
	w.pool.theft.enroll(w.local)
	defer func() {
		w.pool.theft.unenroll(w.local)
		w.pool.localQueues.unregister(id)
	}()

	for w.step() {
	}

	if w.pool.isForking() {
		// Park everything left on the local queue; the post-fork workers
		// will pick it up from the global queue. Contended pops return
		// nil without emptying the queue, hence the Empty loop.
		for !w.local.Empty() {
			if c := w.local.PopMostRecent(); c != nil {
				w.pool.queue.Add(c)
			}
		}
	} else if w.pool.isShutdown() {
		w.finishDraining()
	}
	if !w.local.Empty() {
		panic("threadpool: local queue not empty at worker exit")
	}
}

// runBusy executes a closure with the busy count held.
func (w *worker) runBusy(c workqueue.Closure) {
	w.pool.busy.increment(w.busyIdx)
	defer w.pool.busy.decrement(w.busyIdx)
	c.Run()
}

// step performs one iteration of the worker state machine, returning
// false when the worker should exit its loop.
func (w *worker) step() bool {
	if w.clearThrottle {
		w.clearThrottle = false
		w.pool.setThrottled(false)
	}
	if w.pool.isForking() {
		return false
	}
	// Local work first: LIFO, cache-hot.
	if c := w.local.PopMostRecent(); c != nil {
		w.runBusy(c)
		return true
	}
	// The worker exits (ignoring fork) only once shutdown was called and
	// local, global, and steal sources all come up empty.
	var closure workqueue.Closure
	shouldRunAgain := false
	idleStart := time.Now()
	for !w.pool.isForking() {
		// Global queue next, oldest first: cross-thread submissions are
		// FIFO among themselves.
		if closure = w.pool.queue.PopOldest(); closure != nil {
			shouldRunAgain = true
			break
		}
		// Then try stealing from a peer.
		if closure = w.pool.theft.stealOne(); closure != nil {
			shouldRunAgain = true
			break
		}
		if w.pool.isShutdown() {
			break
		}
		timedOut := w.pool.signal.waitWithTimeout(w.backoff.nextAttemptDelay())
		if w.pool.isForking() || w.pool.isShutdown() {
			break
		}
		// Reclaim this thread if the pool is over its reserve and the
		// thread has been idle long enough.
		if timedOut &&
			w.pool.living.count() > w.pool.reserveThreads &&
			time.Since(idleStart) > idleThreadLimit {
			w.pool.log().Debug().Log("reclaiming idle worker thread")
			return false
		}
	}
	if w.pool.isForking() {
		// Save the closure since we aren't going to execute it.
		if closure != nil {
			w.local.Add(closure)
		}
		return false
	}
	if closure != nil {
		w.runBusy(closure)
	}
	w.backoff.reset()
	return shouldRunAgain
}

// finishDraining runs everything remaining on the local and global
// queues during shutdown. If a fork begins mid-drain the remaining work
// is left for the post-fork workers.
func (w *worker) finishDraining() {
	w.pool.busy.increment(w.busyIdx)
	defer w.pool.busy.decrement(w.busyIdx)
	for !w.pool.isForking() {
		if !w.local.Empty() {
			if c := w.local.PopMostRecent(); c != nil {
				c.Run()
			}
			continue
		}
		if !w.pool.queue.Empty() {
			if c := w.pool.queue.PopOldest(); c != nil {
				c.Run()
			}
			continue
		}
		break
	}
}
