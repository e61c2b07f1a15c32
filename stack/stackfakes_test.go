package stack

import (
	"sync"

	"google.golang.org/grpc/metadata"

	"github.com/joeycumines/go-rpcruntime/arena"
	"github.com/joeycumines/go-rpcruntime/channelargs"
	"github.com/joeycumines/go-rpcruntime/promise"
	"github.com/joeycumines/go-rpcruntime/transport"
	"github.com/joeycumines/go-rpcruntime/workqueue"
)

// namedFilter is a pass-through filter with a fixed name, for ordering
// tests.
type namedFilter struct {
	BaseFilter
	name string
}

func (f *namedFilter) Name() string { return f.name }

// initRecordingFilter records channel/call lifecycle events.
type initRecordingFilter struct {
	BaseFilter
	name    string
	events  *[]string
	initErr error
}

func (f *initRecordingFilter) Name() string { return f.name }

func (f *initRecordingFilter) InitChannelElem(elem *ChannelElem, args ChannelElemArgs) error {
	*f.events = append(*f.events, "init:"+f.name)
	return f.initErr
}

func (f *initRecordingFilter) PostInitChannelElem(stk *ChannelStack, elem *ChannelElem) {
	*f.events = append(*f.events, "post:"+f.name)
}

func (f *initRecordingFilter) DestroyChannelElem(elem *ChannelElem) {
	*f.events = append(*f.events, "destroy:"+f.name)
}

func (f *initRecordingFilter) InitCallElem(elem *CallElem, args CallElemArgs) error {
	*f.events = append(*f.events, "initcall:"+f.name)
	return nil
}

func (f *initRecordingFilter) DestroyCallElem(elem *CallElem) {
	*f.events = append(*f.events, "destroycall:"+f.name)
}

// fakeTransport records batches and lets tests complete recv components
// on demand.
type fakeTransport struct {
	mu       sync.Mutex
	streams  int
	destroys int
	batches  []*transport.StreamOpBatch
	ops      []*transport.Op

	pendingInitial  *transport.RecvInitialMetadata
	pendingMessage  *transport.RecvMessage
	pendingTrailing *transport.RecvTrailingMetadata

	pollsets []any
}

type fakeStream struct{ id int }

func (t *fakeTransport) InitStream(a *arena.Arena, serverData any) (transport.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streams++
	return &fakeStream{id: t.streams}, nil
}

func (t *fakeTransport) PerformStreamOp(s transport.Stream, batch *transport.StreamOpBatch) {
	t.mu.Lock()
	t.batches = append(t.batches, batch)
	if batch.RecvInitialMetadata != nil {
		t.pendingInitial = batch.RecvInitialMetadata
	}
	if batch.RecvMessage != nil {
		t.pendingMessage = batch.RecvMessage
	}
	if batch.RecvTrailingMetadata != nil {
		t.pendingTrailing = batch.RecvTrailingMetadata
	}
	cancelled := batch.CancelStream
	onComplete := batch.OnComplete
	t.mu.Unlock()
	if cancelled == nil && onComplete != nil {
		onComplete(nil)
	}
}

func (t *fakeTransport) PerformOp(op *transport.Op) {
	t.mu.Lock()
	t.ops = append(t.ops, op)
	t.mu.Unlock()
}

func (t *fakeTransport) DestroyStream(s transport.Stream, then workqueue.Closure) {
	t.mu.Lock()
	t.destroys++
	t.mu.Unlock()
	if then != nil {
		then.Run()
	}
}

func (t *fakeTransport) Destroy() {}

func (t *fakeTransport) SetPollset(s transport.Stream, pollset any) {
	t.mu.Lock()
	t.pollsets = append(t.pollsets, pollset)
	t.mu.Unlock()
}

func (t *fakeTransport) Endpoint() transport.Endpoint { return nil }

func (t *fakeTransport) completeRecvInitial(md metadata.MD, err error) {
	t.mu.Lock()
	op := t.pendingInitial
	t.pendingInitial = nil
	t.mu.Unlock()
	if op != nil {
		op.Metadata = md
		op.Ready(err)
	}
}

func (t *fakeTransport) completeRecvTrailing(trailer transport.Trailer, err error) {
	t.mu.Lock()
	op := t.pendingTrailing
	t.pendingTrailing = nil
	t.mu.Unlock()
	if op != nil {
		op.Trailer = trailer
		op.Ready(err)
	}
}

func (t *fakeTransport) lastBatch() *transport.StreamOpBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.batches) == 0 {
		return nil
	}
	return t.batches[len(t.batches)-1]
}

func (t *fakeTransport) cancelErrors() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []error
	for _, b := range t.batches {
		if b.CancelStream != nil {
			out = append(out, b.CancelStream)
		}
	}
	return out
}

// transportArgs builds channel args carrying t as the transport.
func transportArgs(t *fakeTransport) channelargs.Args {
	return channelargs.New().Set(channelargs.KeyTransport,
		channelargs.Pointer(t, channelargs.RawPointerVtable))
}

// mdAppendFilter is a promise filter that observes the pipeline: it
// stamps outgoing initial metadata, waits on the server metadata latch,
// and appends an entry to the resulting trailer's metadata.
type mdAppendFilter struct {
	BaseFilter
	name     string
	latchMD  metadata.MD // server initial metadata observed via the latch
	sawLatch bool
}

func (f *mdAppendFilter) Name() string { return f.name }

func (f *mdAppendFilter) MakeCallPromise(elem *CallElem, args CallArgs, next NextPromiseFactory) promise.Promise[*transport.Trailer] {
	md := metadata.Join(args.ClientInitialMetadata, metadata.Pairs("x-filter", f.name))
	inner := next(CallArgs{
		ClientInitialMetadata:      md,
		ServerInitialMetadataLatch: args.ServerInitialMetadataLatch,
	})
	latchWait := args.ServerInitialMetadataLatch.Wait()
	return func() promise.Poll[*transport.Trailer] {
		if !f.sawLatch {
			if p := latchWait(); p.IsReady() {
				f.sawLatch = true
				f.latchMD = p.Value()
			}
		}
		p := inner()
		if !p.IsReady() {
			return promise.Pending[*transport.Trailer]()
		}
		trailer := p.Value()
		trailer.Metadata = metadata.Join(trailer.Metadata, metadata.Pairs("x-seen-by", f.name))
		return promise.Ready(trailer)
	}
}

// earlyReturnFilter resolves with its own trailer without ever invoking
// the continuation.
type earlyReturnFilter struct {
	BaseFilter
	name    string
	trailer *transport.Trailer
}

func (f *earlyReturnFilter) Name() string { return f.name }

func (f *earlyReturnFilter) MakeCallPromise(*CallElem, CallArgs, NextPromiseFactory) promise.Promise[*transport.Trailer] {
	return promise.Immediate(f.trailer)
}

// earlyAfterForwardFilter forwards the call, then resolves with its own
// trailer on a later poll, before the transport's trailing arrives.
type earlyAfterForwardFilter struct {
	BaseFilter
	name    string
	trailer *transport.Trailer
	polls   int
}

func (f *earlyAfterForwardFilter) Name() string { return f.name }

func (f *earlyAfterForwardFilter) MakeCallPromise(elem *CallElem, args CallArgs, next NextPromiseFactory) promise.Promise[*transport.Trailer] {
	inner := next(args)
	return func() promise.Poll[*transport.Trailer] {
		f.polls++
		if f.polls == 1 {
			inner() // primes the send path
			return promise.Pending[*transport.Trailer]()
		}
		return promise.Ready(f.trailer)
	}
}
