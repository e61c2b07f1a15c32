// Package threadpool provides an adaptive work-stealing executor: a
// bounded, self-tuning set of worker goroutines consuming an unbounded
// stream of submitted closures.
//
// Each worker owns a local [workqueue.Queue] that it drains newest-first
// (LIFO); idle peers steal from it through the same most-recent pop.
// Submissions from a worker goroutine
// land on that worker's local queue; submissions from anywhere else land
// on a shared global queue. A dedicated lifeguard goroutine watches
// backlog and liveness and starts additional workers, rate-limited, when
// every worker is busy and global work is waiting.
package threadpool

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-rpcruntime/internal/gid"
	"github.com/joeycumines/go-rpcruntime/workqueue"
)

const (
	// Minimum and maximum resident worker threads.
	minReserveThreads = 2
	maxReserveThreads = 32

	// Maximum amount of time an extra (beyond-reserve) worker is allowed
	// to idle before being reclaimed.
	idleThreadLimit = 20 * time.Second

	// Minimum time between non-initial thread starts.
	timeBetweenThrottledThreadStarts = time.Second

	// Worker wait backoff bounds while polling for new work.
	workerMinSleepBetweenChecks = 15 * time.Millisecond
	workerMaxSleepBetweenChecks = 3 * time.Second

	// Lifeguard check backoff bounds.
	lifeguardMinSleepBetweenChecks = 15 * time.Millisecond
	lifeguardMaxSleepBetweenChecks = time.Second

	// Bounded wait for workers to exit when verbose failures are on.
	blockUntilThreadCountTimeout = 60 * time.Second

	backoffMultiplier = 1.3
)

// DefaultReserveThreads returns the default resident thread count for
// this machine: the core count clamped to [2, 32].
func DefaultReserveThreads() int {
	return clampReserve(runtime.NumCPU())
}

func clampReserve(n int) int {
	if n < minReserveThreads {
		return minReserveThreads
	}
	if n > maxReserveThreads {
		return maxReserveThreads
	}
	return n
}

// Pool is a work-stealing thread pool. Create instances with [New]; the
// zero value is not usable.
//
// The pool and its workers share the inner state block so that a worker
// may outlive the handle during shutdown.
type Pool struct {
	impl *pool
}

// pool is the state block shared by the handle, the workers, and the
// lifeguard.
type pool struct {
	reserveThreads int
	queue          *workqueue.Queue // global queue
	theft          *theftRegistry
	signal         *workSignal
	living         *livingThreadCount
	busy           *busyThreadCount

	// Rate limiting for non-initial thread starts.
	lastStartedThread atomic.Int64 // unix nanos
	throttled         atomic.Bool

	// Monotone lifecycle gates (forking resets on postfork).
	shutdown atomic.Bool
	forking  atomic.Bool
	quiesced atomic.Bool

	lifeguard *lifeguard

	// localQueues maps worker goroutine ids to their local queues, so
	// Run can route same-thread submissions without explicit identity.
	localQueues localQueueMap

	logger          *logiface.Logger[logiface.Event]
	verboseFailures bool
}

// New creates and starts a pool with the configured (or default) number
// of reserve threads. New panics if any option fails validation (invalid
// options are programming errors).
func New(opts ...Option) *Pool {
	cfg, err := resolveOptions(opts)
	if err != nil {
		panic("threadpool: " + err.Error())
	}
	reserve := cfg.reserveThreads
	if reserve == 0 {
		reserve = DefaultReserveThreads()
	}
	p := &pool{
		reserveThreads:  reserve,
		theft:           newTheftRegistry(),
		signal:          newWorkSignal(),
		living:          newLivingThreadCount(),
		busy:            newBusyThreadCount(),
		logger:          cfg.logger,
		verboseFailures: cfg.verboseFailures,
	}
	p.queue = workqueue.New(p)
	p.localQueues.init()
	p.start()
	return &Pool{impl: p}
}

func (p *pool) log() *logiface.Logger[logiface.Event] { return p.logger }

// Run submits a closure for execution. If called from a pool worker, the
// closure is added to that worker's local queue; otherwise it goes to the
// global queue. Run panics if the pool has quiesced.
func (x *Pool) Run(closure workqueue.Closure) {
	x.impl.run(closure)
}

// RunFunc is a convenience wrapper around Run for plain funcs.
func (x *Pool) RunFunc(f func()) {
	x.impl.run(workqueue.ClosureFunc(f))
}

// Quiesce shuts the pool down and blocks until every worker has exited
// (or all but the calling worker, when called from inside the pool).
// After Quiesce returns the pool is in a terminal state: the global and
// all local queues are empty, and further Run calls panic.
func (x *Pool) Quiesce() {
	x.impl.quiesce()
}

// IsQuiesced reports whether the pool has reached its terminal state.
func (x *Pool) IsQuiesced() bool {
	return x.impl.isQuiesced()
}

// PrepareFork winds down every worker and the lifeguard, parking all
// queued work. Closures already popped but not yet run are returned to
// the global queue. Balance with PostforkParent or PostforkChild.
func (x *Pool) PrepareFork() {
	x.impl.prepareFork()
}

// PostforkParent restarts the pool in the parent after a fork.
func (x *Pool) PostforkParent() {
	x.impl.postfork()
}

// PostforkChild restarts the pool in the child after a fork.
func (x *Pool) PostforkChild() {
	x.impl.postfork()
}

func (p *pool) run(closure workqueue.Closure) {
	if p.isQuiesced() {
		panic("threadpool: Run called after Quiesce")
	}
	if lq := p.localQueues.current(); lq != nil && lq.Owner() == p {
		lq.Add(closure)
	} else {
		p.queue.Add(closure)
	}
	// Signal a worker in any case, even if work was added to a local
	// queue: an idle peer may steal it sooner than the owner drains it.
	p.signal.signal()
}

func (p *pool) start() {
	for i := 0; i < p.reserveThreads; i++ {
		p.startThread(false)
	}
	p.lifeguard = startLifeguard(p)
}

// startThread records the start time and launches a worker. The living
// count is incremented before the goroutine is spawned so that a
// concurrent Quiesce cannot observe a transiently-missing worker.
func (p *pool) startThread(clearThrottle bool) {
	p.lastStartedThread.Store(time.Now().UnixNano())
	p.living.increment()
	w := &worker{
		pool:          p,
		busyIdx:       p.busy.nextIndex(),
		backoff:       newBackoff(workerMinSleepBetweenChecks, workerMaxSleepBetweenChecks, backoffMultiplier),
		clearThrottle: clearThrottle,
	}
	go w.run()
}

func (p *pool) quiesce() {
	p.setShutdown(true)
	// If this is a pool worker we cannot wait for ourselves to exit, so
	// wait for a count of one instead of zero.
	isPoolThread := p.localQueues.current() != nil
	desired := 0
	if isPoolThread {
		desired = 1
	}
	timeout := time.Duration(0)
	if p.verboseFailures {
		timeout = blockUntilThreadCountTimeout
	}
	if err := p.living.blockUntilThreadCount(desired, "shutting down", timeout, p); err != nil {
		p.dumpStacksAndCrash(err)
	}
	if !p.queue.Empty() {
		panic("threadpool: global queue not empty after shutdown drain")
	}
	p.quiesced.Store(true)
	p.lifeguard.stop()
	p.lifeguard = nil
}

func (p *pool) prepareFork() {
	p.log().Info().Log("preparing for fork")
	p.setForking(true)
	p.signal.signalAll()
	timeout := time.Duration(0)
	if p.verboseFailures {
		timeout = blockUntilThreadCountTimeout
	}
	if err := p.living.blockUntilThreadCount(0, "forking", timeout, p); err != nil {
		p.dumpStacksAndCrash(err)
	}
	p.lifeguard.stop()
	p.lifeguard = nil
}

func (p *pool) postfork() {
	p.setForking(false)
	p.start()
}

func (p *pool) setShutdown(v bool) {
	if p.shutdown.Swap(v) == v {
		panic("threadpool: redundant shutdown transition")
	}
	p.signal.signalAll()
}

func (p *pool) setForking(v bool) {
	if p.forking.Swap(v) == v {
		panic("threadpool: redundant forking transition")
	}
}

func (p *pool) isShutdown() bool { return p.shutdown.Load() }
func (p *pool) isForking() bool  { return p.forking.Load() }
func (p *pool) isQuiesced() bool { return p.quiesced.Load() }

// setThrottled flips the throttle gate, returning the previous value.
// The lifeguard sets it before a non-initial thread start; the new
// worker clears it once it has consumed its bootstrap condition.
func (p *pool) setThrottled(v bool) bool {
	return p.throttled.Swap(v)
}

// dumpStacksAndCrash reports every goroutine stack and panics. Only
// reachable with verbose failures enabled.
func (p *pool) dumpStacksAndCrash(err error) {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	p.log().Err().
		Err(err).
		Int("living", p.living.count()).
		Log("pool did not quiesce in time; dumping all goroutine stacks")
	os.Stderr.Write(buf[:n])
	panic("threadpool: pool did not quiesce in time")
}

// localQueueMap tracks worker goroutine ids to local queues, standing in
// for thread-local storage.
type localQueueMap struct {
	mu sync.RWMutex
	m  map[int64]*workqueue.Queue
}

func (l *localQueueMap) init() {
	l.m = make(map[int64]*workqueue.Queue)
}

func (l *localQueueMap) register(id int64, q *workqueue.Queue) {
	l.mu.Lock()
	l.m[id] = q
	l.mu.Unlock()
}

func (l *localQueueMap) unregister(id int64) {
	l.mu.Lock()
	delete(l.m, id)
	l.mu.Unlock()
}

// current returns the local queue of the calling goroutine, or nil.
func (l *localQueueMap) current() *workqueue.Queue {
	id := gid.Get()
	l.mu.RLock()
	q := l.m[id]
	l.mu.RUnlock()
	return q
}
