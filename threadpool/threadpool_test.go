package threadpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPool_RunsSubmittedClosures(t *testing.T) {
	p := New(WithReserveThreads(2))
	defer p.Quiesce()

	var n atomic.Int64
	var wg sync.WaitGroup
	g := new(errgroup.Group)
	wg.Add(100)
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			p.RunFunc(func() {
				n.Add(1)
				wg.Done()
			})
			return nil
		})
	}
	require.NoError(t, g.Wait())
	wg.Wait()
	assert.EqualValues(t, 100, n.Load())
}

// Single-thread LIFO: closures submitted from a worker's own continuation
// land on its local queue and run newest-first.
func TestPool_SingleThreadLocalQueueIsLIFO(t *testing.T) {
	p := New(WithReserveThreads(1))
	defer p.Quiesce()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	p.RunFunc(func() {
		for i := 1; i <= 3; i++ {
			i := i
			p.RunFunc(func() {
				mu.Lock()
				order = append(order, i)
				if len(order) == 3 {
					close(done)
				}
				mu.Unlock()
			})
		}
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for closures")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{3, 2, 1}, order)
}

// Cross-thread FIFO: submissions from an external goroutine go to the
// global queue and run oldest-first.
func TestPool_ExternalSubmissionsAreFIFO(t *testing.T) {
	p := New(WithReserveThreads(1))
	defer p.Quiesce()

	// Occupy the worker so all three closures queue up before any runs.
	gate := make(chan struct{})
	started := make(chan struct{})
	p.RunFunc(func() {
		close(started)
		<-gate
	})
	<-started

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 1; i <= 3; i++ {
		i := i
		p.RunFunc(func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 3 {
				close(done)
			}
			mu.Unlock()
		})
	}
	close(gate)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for closures")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

// Stealing: while one worker spins, work on its local queue must be
// stolen and completed by a peer.
func TestPool_PeerStealsFromBusyWorkersLocalQueue(t *testing.T) {
	p := New(WithReserveThreads(2))
	defer p.Quiesce()

	const n = 100
	var completed atomic.Int64
	allDone := make(chan struct{})

	p.RunFunc(func() {
		// Fill this worker's local queue from its own continuation, then
		// spin; only a thief can make progress in the meantime.
		for i := 0; i < n; i++ {
			p.RunFunc(func() {
				if completed.Add(1) == n {
					close(allDone)
				}
			})
		}
		deadline := time.Now().Add(100 * time.Millisecond)
		for time.Now().Before(deadline) {
		}
	})

	// At least one closure must complete while the owner is still
	// spinning; all must complete eventually.
	assert.Eventually(t, func() bool { return completed.Load() >= 1 },
		90*time.Millisecond, time.Millisecond, "no closure was stolen while the owner spun")

	select {
	case <-allDone:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for all closures")
	}
}

// Fork cycle: pending work survives PrepareFork/PostforkChild and
// everything executes exactly once.
func TestPool_ForkCycle(t *testing.T) {
	p := New(WithReserveThreads(2))
	defer p.Quiesce()

	var aRuns, bRuns atomic.Int64
	p.RunFunc(func() { aRuns.Add(1) })

	p.PrepareFork()
	p.PostforkChild()

	bDone := make(chan struct{})
	p.RunFunc(func() {
		bRuns.Add(1)
		close(bDone)
	})

	select {
	case <-bDone:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for post-fork closure")
	}
	assert.Eventually(t, func() bool { return aRuns.Load() == 1 },
		10*time.Second, time.Millisecond)
	assert.EqualValues(t, 1, bRuns.Load())
}

func TestPool_ForkSavesFetchedWork(t *testing.T) {
	p := New(WithReserveThreads(2))
	defer p.Quiesce()

	// Saturate the workers, then queue extra work that will still be
	// pending when the fork begins.
	gate := make(chan struct{})
	for i := 0; i < 2; i++ {
		p.RunFunc(func() { <-gate })
	}
	var extras atomic.Int64
	for i := 0; i < 10; i++ {
		p.RunFunc(func() { extras.Add(1) })
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(gate)
	}()
	p.PrepareFork()
	p.PostforkParent()

	assert.Eventually(t, func() bool { return extras.Load() == 10 },
		10*time.Second, time.Millisecond)
}

func TestPool_QuiesceDrainsAndTerminates(t *testing.T) {
	p := New(WithReserveThreads(2))

	var n atomic.Int64
	for i := 0; i < 50; i++ {
		p.RunFunc(func() { n.Add(1) })
	}
	p.Quiesce()

	assert.EqualValues(t, 50, n.Load(), "queued closures drain during shutdown")
	assert.True(t, p.IsQuiesced())
	assert.True(t, p.impl.queue.Empty())
	assert.Zero(t, p.impl.living.count())
	assert.Panics(t, func() { p.RunFunc(func() {}) },
		"post-quiesce submission is a programming error")
}

func TestPool_QuiesceFromPoolThread(t *testing.T) {
	p := New(WithReserveThreads(2))

	done := make(chan struct{})
	p.RunFunc(func() {
		p.Quiesce()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for in-pool quiesce")
	}
	assert.True(t, p.IsQuiesced())
	// The calling worker is the single remaining thread during Quiesce;
	// it exits once its closure returns.
	assert.Eventually(t, func() bool { return p.impl.living.count() == 0 },
		10*time.Second, time.Millisecond)
}

// Rate limiting: with reserve 1 and a long queue of blocking work, the
// lifeguard may add threads no faster than one per second.
func TestPool_ThreadStartsAreThrottled(t *testing.T) {
	p := New(WithReserveThreads(1))
	defer p.Quiesce()

	gate := make(chan struct{})
	defer close(gate) // deferred before Quiesce runs, unblocking the workers
	for i := 0; i < 8; i++ {
		p.RunFunc(func() { <-gate })
	}

	time.Sleep(1500 * time.Millisecond)
	living := p.impl.living.count()
	// One reserve thread, plus at most one throttled start in the elapsed
	// ~1.5 s window (the first start may occur once the initial 1 s
	// throttle interval has passed).
	assert.LessOrEqual(t, living, 2, "thread starts must be rate-limited")
	assert.GreaterOrEqual(t, living, 1)
}

func TestDefaultReserveThreads_Clamped(t *testing.T) {
	n := DefaultReserveThreads()
	assert.GreaterOrEqual(t, n, 2)
	assert.LessOrEqual(t, n, 32)
}

func TestBackoff_Sequence(t *testing.T) {
	b := newBackoff(15*time.Millisecond, 100*time.Millisecond, 1.3)
	first := b.nextAttemptDelay()
	assert.Equal(t, 15*time.Millisecond, first)
	prev := first
	for i := 0; i < 20; i++ {
		d := b.nextAttemptDelay()
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
		prev = d
	}
	assert.Equal(t, 100*time.Millisecond, prev, "backoff reaches its ceiling")
	b.reset()
	assert.Equal(t, 15*time.Millisecond, b.nextAttemptDelay())
}
