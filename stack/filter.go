package stack

import (
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/joeycumines/go-rpcruntime/arena"
	"github.com/joeycumines/go-rpcruntime/channelargs"
	"github.com/joeycumines/go-rpcruntime/combiner"
	"github.com/joeycumines/go-rpcruntime/promise"
	"github.com/joeycumines/go-rpcruntime/transport"
)

// ChannelInfo is filled in by filters responding to GetChannelInfo.
type ChannelInfo struct {
	LBPolicyName      string
	ServiceConfigJSON string
}

// ChannelElemArgs carries construction inputs to a filter's channel
// element.
type ChannelElemArgs struct {
	Args    channelargs.Args
	Name    string
	IsFirst bool
	IsLast  bool
}

// CallElemArgs carries construction inputs to a filter's call element.
type CallElemArgs struct {
	Arena     *arena.Arena
	Combiner  *combiner.Combiner
	Path      string
	StartTime time.Time
	Deadline  time.Time
}

// Filter is a stage in the channel/call stack. Each filter sees batches
// inside the call combiner's serialized context and may forward,
// transform, or complete components with synthetic errors.
type Filter interface {
	// Name returns the human-readable filter name, used in debugging and
	// as the deterministic ordering tie-breaker. Names must be unique
	// within a registry.
	Name() string

	// CallDataSize and ChannelDataSize hint the per-call and per-channel
	// state footprint in bytes, used to size the call arena and account
	// the channel allocation.
	CallDataSize() int
	ChannelDataSize() int

	// InitChannelElem constructs per-channel state on elem. A non-nil
	// error fails stack construction.
	InitChannelElem(elem *ChannelElem, args ChannelElemArgs) error
	// PostInitChannelElem runs after every element has initialized.
	PostInitChannelElem(stk *ChannelStack, elem *ChannelElem)
	// DestroyChannelElem releases per-channel state, in reverse order.
	DestroyChannelElem(elem *ChannelElem)

	// InitCallElem constructs per-call state on elem, top-down.
	InitCallElem(elem *CallElem, args CallElemArgs) error
	// DestroyCallElem releases per-call state, in reverse order.
	DestroyCallElem(elem *CallElem)

	// StartTransportStreamOpBatch processes a batch, typically ending in
	// elem.NextOp(batch) to forward it down the stack.
	StartTransportStreamOpBatch(elem *CallElem, batch *transport.StreamOpBatch)

	// StartTransportOp processes a channel-level op, typically ending in
	// elem.NextOp(op).
	StartTransportOp(elem *ChannelElem, op *transport.Op)

	// GetChannelInfo contributes to a channel-info query.
	GetChannelInfo(elem *ChannelElem, info *ChannelInfo)
}

// CallArgs is the input to a promise filter's call promise.
type CallArgs struct {
	// ClientInitialMetadata is the (possibly rewritten) metadata that
	// starts the call.
	ClientInitialMetadata metadata.MD
	// ServerInitialMetadataLatch resolves once the server's initial
	// metadata arrives (client side) or is produced (server side).
	ServerInitialMetadataLatch *promise.Latch[metadata.MD]
}

// NextPromiseFactory represents the remainder of the stack below a
// promise filter: invoking it commits the (possibly rewritten) call args
// downward and returns a promise resolving to the server's trailer.
type NextPromiseFactory func(CallArgs) promise.Promise[*transport.Trailer]

// PollsetAwareFilter is optionally implemented by filters that care
// which poller drives a call; most filters ignore pollsets entirely.
type PollsetAwareFilter interface {
	SetPollsetOrPollsetSet(elem *CallElem, pollset any)
}

// PromiseFilter is implemented by filters participating in the
// promise-based call pipeline. The returned promise is polled only
// inside the call combiner, after the send path has been primed.
type PromiseFilter interface {
	Filter
	MakeCallPromise(elem *CallElem, args CallArgs, next NextPromiseFactory) promise.Promise[*transport.Trailer]
}

// ChannelElem is one filter's slot in a channel stack.
type ChannelElem struct {
	Filter      Filter
	ChannelData any

	stack *ChannelStack
	idx   int
}

// Stack returns the owning channel stack.
func (e *ChannelElem) Stack() *ChannelStack { return e.stack }

// NextOp forwards a channel-level op to the next element down, or drops
// it at the terminal element.
func (e *ChannelElem) NextOp(op *transport.Op) {
	if e.idx+1 < len(e.stack.elems) {
		next := &e.stack.elems[e.idx+1]
		next.Filter.StartTransportOp(next, op)
	}
}

// CallElem is one filter's slot in a call stack.
type CallElem struct {
	Filter      Filter
	ChannelData any
	CallData    any

	callStack *CallStack
	idx       int
}

// CallStack returns the owning call stack.
func (e *CallElem) CallStack() *CallStack { return e.callStack }

// NextOp forwards a batch to the next element down the stack. Calling it
// on the terminal element is a programming error: terminal filters
// terminate every batch themselves.
func (e *CallElem) NextOp(batch *transport.StreamOpBatch) {
	if e.idx+1 >= len(e.callStack.elems) {
		panic("stack: batch forwarded past the terminal filter")
	}
	next := &e.callStack.elems[e.idx+1]
	next.Filter.StartTransportStreamOpBatch(next, batch)
}

// BaseFilter provides no-op defaults for the optional filter hooks.
// Embed it to implement only what a filter needs; batch handling
// defaults to pass-through.
type BaseFilter struct{}

func (BaseFilter) CallDataSize() int    { return 0 }
func (BaseFilter) ChannelDataSize() int { return 0 }

func (BaseFilter) InitChannelElem(*ChannelElem, ChannelElemArgs) error { return nil }
func (BaseFilter) PostInitChannelElem(*ChannelStack, *ChannelElem)     {}
func (BaseFilter) DestroyChannelElem(*ChannelElem)                     {}

func (BaseFilter) InitCallElem(*CallElem, CallElemArgs) error { return nil }
func (BaseFilter) DestroyCallElem(*CallElem)                  {}

func (BaseFilter) StartTransportStreamOpBatch(elem *CallElem, batch *transport.StreamOpBatch) {
	elem.NextOp(batch)
}

func (BaseFilter) StartTransportOp(elem *ChannelElem, op *transport.Op) {
	elem.NextOp(op)
}

func (BaseFilter) GetChannelInfo(*ChannelElem, *ChannelInfo) {}
