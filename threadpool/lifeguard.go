package threadpool

import (
	"sync/atomic"
	"time"
)

// lifeguard is the dedicated non-worker goroutine that scales the pool:
// it periodically checks whether all workers are busy while global work
// is waiting, and if so starts one more worker, subject to throttling.
type lifeguard struct {
	pool    *pool
	backoff *backoff

	shouldShutDown chan struct{}
	isShutDown     chan struct{}
	running        atomic.Bool
}

func startLifeguard(p *pool) *lifeguard {
	lg := &lifeguard{
		pool:           p,
		backoff:        newBackoff(lifeguardMinSleepBetweenChecks, lifeguardMaxSleepBetweenChecks, backoffMultiplier),
		shouldShutDown: make(chan struct{}),
		isShutDown:     make(chan struct{}),
	}
	// running is set before the goroutine starts to avoid a quiesce race
	// while the lifeguard is still starting up.
	lg.running.Store(true)
	go lg.main()
	return lg
}

func (lg *lifeguard) main() {
	for {
		if lg.pool.isForking() {
			break
		}
		// If the pool is shut down, loop quickly until quiesced.
		// Otherwise, reduce the check rate while the pool is calm.
		if lg.pool.isShutdown() {
			if lg.pool.isQuiesced() {
				break
			}
		} else {
			t := time.NewTimer(lg.backoff.nextAttemptDelay())
			select {
			case <-lg.shouldShutDown:
			case <-t.C:
			}
			t.Stop()
		}
		lg.maybeStartNewThread()
	}
	lg.running.Store(false)
	close(lg.isShutDown)
}

// stop notifies the lifeguard and waits for it to exit.
func (lg *lifeguard) stop() {
	close(lg.shouldShutDown)
	<-lg.isShutDown
}

func (lg *lifeguard) maybeStartNewThread() {
	p := lg.pool
	// No new work is done once forking needs to begin.
	if p.isForking() {
		return
	}
	livingCount := p.living.count()
	// Wake an idle worker if there's global work to be had; idle workers
	// will also eventually wake on their own for a steal attempt.
	if p.busy.count() < livingCount {
		if !p.queue.Empty() {
			p.signal.signal()
			lg.backoff.reset()
		}
		return
	}
	if p.queue.Empty() {
		return
	}
	// All workers are busy with global work waiting. Within the throttle
	// interval the lifeguard stays vigilant but starts nothing.
	if time.Since(time.Unix(0, p.lastStartedThread.Load())) < timeBetweenThrottledThreadStarts {
		lg.backoff.reset()
		return
	}
	if p.setThrottled(true) {
		// Another start is already in flight.
		lg.backoff.reset()
		return
	}
	p.log().Info().
		Int("living", livingCount+1).
		Log("starting new thread pool worker due to backlog")
	p.startThread(true)
	lg.backoff.reset()
}
