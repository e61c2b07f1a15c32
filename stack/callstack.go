package stack

import (
	"time"

	"github.com/joeycumines/go-rpcruntime/arena"
	"github.com/joeycumines/go-rpcruntime/combiner"
	"github.com/joeycumines/go-rpcruntime/transport"
	"github.com/joeycumines/go-rpcruntime/workqueue"
)

// CallStack is the per-call mirror of a channel stack: one element per
// filter, holding per-call state allocated against the call's arena. All
// per-filter call state is accessed only inside the call combiner; at
// most one closure manipulating the call runs at any instant.
type CallStack struct {
	stack    *ChannelStack
	arena    *arena.Arena
	combiner *combiner.Combiner
	elems    []CallElem

	path     string
	start    time.Time
	deadline time.Time

	refs *refCount
}

// Path returns the call's path string.
func (c *CallStack) Path() string { return c.path }

// StartTime returns when the call stack was created.
func (c *CallStack) StartTime() time.Time { return c.start }

// Deadline returns the call deadline (zero = none).
func (c *CallStack) Deadline() time.Time { return c.deadline }

// Arena returns the call's arena.
func (c *CallStack) Arena() *arena.Arena { return c.arena }

// Combiner returns the call's serializing combiner.
func (c *CallStack) Combiner() *combiner.Combiner { return c.combiner }

// ChannelStack returns the parent channel stack.
func (c *CallStack) ChannelStack() *ChannelStack { return c.stack }

// Elem returns the i-th call element, top-down.
func (c *CallStack) Elem(i int) *CallElem { return &c.elems[i] }

// Ref takes a reference, labelled for trace logs.
func (c *CallStack) Ref(label string) { c.refs.ref(label) }

// Unref drops a reference; on the last unref per-filter call state is
// destroyed in reverse order, then the arena is freed.
func (c *CallStack) Unref(label string) { c.refs.unref(label) }

func (c *CallStack) destroy() {
	for i := len(c.elems) - 1; i >= 0; i-- {
		e := &c.elems[i]
		e.Filter.DestroyCallElem(e)
	}
	c.arena.Destroy()
	c.stack.logger.Debug().
		Str("stack", c.stack.name).
		Str("path", c.path).
		Log("call stack destroyed")
	c.stack.Unref("call-stack")
}

// SetPollset offers the pollset to every filter that cares, top-down,
// serialized with other call work.
func (c *CallStack) SetPollset(pollset any) {
	c.Ref("pollset")
	c.combiner.RunFunc(func() {
		defer c.Unref("pollset")
		for i := range c.elems {
			e := &c.elems[i]
			if f, ok := e.Filter.(PollsetAwareFilter); ok {
				f.SetPollsetOrPollsetSet(e, pollset)
			}
		}
	})
}

// StartTransportStreamOpBatch submits a batch at the top of the stack,
// serialized with all other work for this call.
func (c *CallStack) StartTransportStreamOpBatch(batch *transport.StreamOpBatch) {
	c.Ref("batch")
	c.combiner.RunFunc(func() {
		defer c.Unref("batch")
		e := &c.elems[0]
		e.Filter.StartTransportStreamOpBatch(e, batch)
	})
}

// Cancel routes a cancellation batch through the combiner, superseding
// any pending state. err must carry the cancellation cause.
func (c *CallStack) Cancel(err error) {
	c.StartTransportStreamOpBatch(&transport.StreamOpBatch{CancelStream: err})
	c.combiner.Cancel(err)
}

// schedule runs f serialized with other call work: via the channel
// stack's executor when one is configured (holding a call ref across the
// hop), inline otherwise.
func (c *CallStack) schedule(label string, f func()) {
	if pool := c.stack.pool; pool != nil {
		c.Ref(label)
		pool.Run(workqueue.ClosureFunc(func() {
			defer c.Unref(label)
			c.combiner.RunFunc(f)
		}))
		return
	}
	c.combiner.RunFunc(f)
}
