package stack

import (
	"time"

	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-rpcruntime/arena"
	"github.com/joeycumines/go-rpcruntime/channelargs"
	"github.com/joeycumines/go-rpcruntime/combiner"
	"github.com/joeycumines/go-rpcruntime/threadpool"
	"github.com/joeycumines/go-rpcruntime/transport"
)

// arenaBaseSize is the floor for a call arena's initial block,
// independent of the per-filter call-data size hints.
const arenaBaseSize = 1024

// ChannelStack is the ordered, per-channel sequence of filters sharing a
// single allocation. It is immutable after construction and shared by
// reference; the reference count schedules destruction of per-filter
// channel state (in reverse order) when it reaches zero.
type ChannelStack struct {
	name  string
	elems []ChannelElem
	args  channelargs.Args

	// callDataSize is the summed (alignment-padded) per-filter call
	// state footprint, used to size each call's arena.
	callDataSize int

	pool   *threadpool.Pool
	logger *logiface.Logger[logiface.Event]
	refs   *refCount
}

// Name returns the stack's name (for example "client-channel").
func (s *ChannelStack) Name() string { return s.name }

// Args returns the channel arguments the stack was built with.
func (s *ChannelStack) Args() channelargs.Args { return s.args }

// NumElems returns the number of filters in the stack.
func (s *ChannelStack) NumElems() int { return len(s.elems) }

// Elem returns the i-th channel element, top-down.
func (s *ChannelStack) Elem(i int) *ChannelElem { return &s.elems[i] }

// Filters returns the filter names in stack order.
func (s *ChannelStack) Filters() []string {
	names := make([]string, len(s.elems))
	for i := range s.elems {
		names[i] = s.elems[i].Filter.Name()
	}
	return names
}

// Executor returns the pool used to schedule wakeups and deferred work,
// or nil when wakeups run inline.
func (s *ChannelStack) Executor() *threadpool.Pool { return s.pool }

// Ref takes a reference, labelled for trace logs.
func (s *ChannelStack) Ref(label string) { s.refs.ref(label) }

// Unref drops a reference; on the last unref per-filter channel state is
// destroyed in reverse order and owned argument pointees are released.
func (s *ChannelStack) Unref(label string) { s.refs.unref(label) }

func (s *ChannelStack) destroy() {
	for i := len(s.elems) - 1; i >= 0; i-- {
		e := &s.elems[i]
		e.Filter.DestroyChannelElem(e)
	}
	s.args.DestroyPointers()
}

// StartTransportOp submits a channel-level op at the top of the stack.
func (s *ChannelStack) StartTransportOp(op *transport.Op) {
	e := &s.elems[0]
	e.Filter.StartTransportOp(e, op)
}

// GetInfo queries every filter for channel info.
func (s *ChannelStack) GetInfo() ChannelInfo {
	var info ChannelInfo
	for i := range s.elems {
		e := &s.elems[i]
		e.Filter.GetChannelInfo(e, &info)
	}
	return info
}

// NewCall instantiates a call stack: one arena-backed element per filter,
// sharing this stack's order and channel state. Filters initialize
// top-down; a failure destroys the initialized prefix and surfaces as a
// status error.
func (s *ChannelStack) NewCall(path string, deadline time.Time) (*CallStack, error) {
	a := arena.New(arenaBaseSize + s.callDataSize)
	cs := &CallStack{
		stack:    s,
		arena:    a,
		combiner: &combiner.Combiner{},
		path:     path,
		start:    time.Now(),
		deadline: deadline,
	}
	cs.elems = make([]CallElem, len(s.elems))
	cs.refs = newRefCount("call-stack", s.logger, cs.destroy)
	s.Ref("call-stack")

	args := CallElemArgs{
		Arena:     a,
		Combiner:  cs.combiner,
		Path:      path,
		StartTime: cs.start,
		Deadline:  deadline,
	}
	for i := range s.elems {
		ce := &cs.elems[i]
		ce.Filter = s.elems[i].Filter
		ce.ChannelData = s.elems[i].ChannelData
		ce.callStack = cs
		ce.idx = i
		if err := ce.Filter.InitCallElem(ce, args); err != nil {
			for j := i - 1; j >= 0; j-- {
				cs.elems[j].Filter.DestroyCallElem(&cs.elems[j])
			}
			a.Destroy()
			s.Unref("call-stack")
			if _, ok := status.FromError(err); ok {
				return nil, err
			}
			return nil, status.Errorf(codes.Internal,
				"call element init failed for %q: %v", ce.Filter.Name(), err)
		}
	}
	s.logger.Debug().
		Str("stack", s.name).
		Str("path", path).
		Log("call stack created")
	return cs, nil
}
