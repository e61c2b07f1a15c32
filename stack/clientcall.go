package stack

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-rpcruntime/promise"
	"github.com/joeycumines/go-rpcruntime/transport"
)

// adaptPromiseFilter wraps a promise-capable filter with the glue that
// drives its call promise from the batch protocol, for the given side.
func adaptPromiseFilter(f PromiseFilter, t StackType) Filter {
	if t == ServerChannel {
		return &serverPromiseFilter{inner: f}
	}
	return &clientPromiseFilter{inner: f}
}

// sendState tracks the client-side send-initial-metadata machine.
type sendState uint8

const (
	// sendInitial: no send-initial-metadata batch seen yet.
	sendInitial sendState = iota
	// sendQueued: the batch is captured and the promise constructed, but
	// the batch has not been resumed down the stack.
	sendQueued
	// sendForwarded: the captured batch has been resumed down the stack.
	sendForwarded
	// sendComplete: recv-trailing-metadata arrived (or the promise
	// resolved early) and the call finished.
	sendComplete
	// sendCancelled: a cancellation superseded everything.
	sendCancelled
)

// recvInitialState tracks the parallel receive-initial-metadata machine.
type recvInitialState uint8

const (
	// recvInitialIdle: no recv-initial-metadata op seen yet.
	recvInitialIdle recvInitialState = iota
	// recvHookedWaitingForLatch: the op is hooked but the promise (and
	// with it the latch) does not exist yet.
	recvHookedWaitingForLatch
	// recvHookedAndGotLatch: the op is hooked and the latch exists.
	recvHookedAndGotLatch
	// recvCompleteAndGotLatch: metadata arrived; latch not yet set.
	recvCompleteAndGotLatch
	// recvCompleteAndSetLatch: metadata arrived and was published.
	recvCompleteAndSetLatch
	// recvResponded: the original completion has been invoked.
	recvResponded
)

// clientPromiseFilter adapts a [PromiseFilter] into the client-side batch
// protocol. Its call data owns the per-call promise state machine.
type clientPromiseFilter struct {
	inner PromiseFilter
}

func (f *clientPromiseFilter) Name() string { return f.inner.Name() }

func (f *clientPromiseFilter) CallDataSize() int    { return f.inner.CallDataSize() }
func (f *clientPromiseFilter) ChannelDataSize() int { return f.inner.ChannelDataSize() }

func (f *clientPromiseFilter) InitChannelElem(elem *ChannelElem, args ChannelElemArgs) error {
	return f.inner.InitChannelElem(elem, args)
}

func (f *clientPromiseFilter) PostInitChannelElem(stk *ChannelStack, elem *ChannelElem) {
	f.inner.PostInitChannelElem(stk, elem)
}

func (f *clientPromiseFilter) DestroyChannelElem(elem *ChannelElem) {
	f.inner.DestroyChannelElem(elem)
}

func (f *clientPromiseFilter) InitCallElem(elem *CallElem, args CallElemArgs) error {
	if err := f.inner.InitCallElem(elem, args); err != nil {
		return err
	}
	elem.CallData = &clientCallData{
		elem:      elem,
		inner:     f.inner,
		innerData: elem.CallData,
	}
	return nil
}

func (f *clientPromiseFilter) DestroyCallElem(elem *CallElem) {
	d := elem.CallData.(*clientCallData)
	elem.CallData = d.innerData
	f.inner.DestroyCallElem(elem)
	elem.CallData = d
}

func (f *clientPromiseFilter) StartTransportOp(elem *ChannelElem, op *transport.Op) {
	f.inner.StartTransportOp(elem, op)
}

func (f *clientPromiseFilter) GetChannelInfo(elem *ChannelElem, info *ChannelInfo) {
	f.inner.GetChannelInfo(elem, info)
}

func (f *clientPromiseFilter) StartTransportStreamOpBatch(elem *CallElem, batch *transport.StreamOpBatch) {
	d := elem.CallData.(*clientCallData)
	d.startBatch(batch)
}

// clientCallData is the per-call promise state machine for one adapted
// filter. Everything here runs inside the call combiner.
type clientCallData struct {
	elem      *CallElem
	inner     PromiseFilter
	innerData any

	sendState     sendState
	capturedBatch *transport.StreamOpBatch
	callPromise   promise.Promise[*transport.Trailer]
	latch         *promise.Latch[metadata.MD]

	recvInitialState      recvInitialState
	recvInitial           *transport.RecvInitialMetadata
	origRecvInitialReady  func(error)
	recvTrailing          *transport.RecvTrailingMetadata
	origRecvTrailingReady func(error)

	trailingReceived bool
	trailingErr      error
	earlyServerMD    metadata.MD

	cancelErr error
	completed bool
	polling   bool
}

var _ promise.Activity = (*clientCallData)(nil)

// Wakeup schedules a repoll inside the call combiner. Wakers hold a
// reference on the call stack for the duration of the hop.
func (d *clientCallData) Wakeup() {
	d.elem.callStack.schedule("promise-waker", d.wakeInsideCombiner)
}

func (d *clientCallData) startBatch(batch *transport.StreamOpBatch) {
	if batch.CancelStream != nil {
		d.cancel(batch.CancelStream)
		d.elem.NextOp(batch)
		return
	}
	if d.cancelErr != nil {
		failBatch(batch, d.cancelErr)
		return
	}
	if batch.RecvInitialMetadata != nil {
		d.hookRecvInitialMetadata(batch.RecvInitialMetadata)
	}
	if batch.RecvMessage != nil {
		d.hookRecvMessage(batch.RecvMessage)
	}
	if batch.RecvTrailingMetadata != nil {
		d.hookRecvTrailingMetadata(batch.RecvTrailingMetadata)
	}
	if batch.HasSendInitialMetadata && d.sendState == sendInitial {
		d.captureBatch(batch)
		return
	}
	d.elem.NextOp(batch)
}

// captureBatch holds the first send-initial-metadata batch and builds
// the filter's call promise around it. The batch is resumed down the
// stack only when the promise invokes its continuation.
func (d *clientCallData) captureBatch(batch *transport.StreamOpBatch) {
	d.capturedBatch = batch
	d.sendState = sendQueued
	d.latch = &promise.Latch[metadata.MD]{}
	if d.recvInitialState == recvHookedWaitingForLatch {
		d.recvInitialState = recvHookedAndGotLatch
	}
	if d.earlyServerMD != nil {
		d.latch.Set(d.earlyServerMD)
		d.earlyServerMD = nil
	}
	args := CallArgs{
		ClientInitialMetadata:      batch.SendInitialMetadata,
		ServerInitialMetadataLatch: d.latch,
	}
	d.callPromise = d.inner.MakeCallPromise(d.elem, args, d.next)
	d.wakeInsideCombiner()
}

// next is the continuation representing the rest of the stack: its
// promise resumes the captured batch downward on first poll, then
// resolves once the transport's trailing metadata arrives.
func (d *clientCallData) next(args CallArgs) promise.Promise[*transport.Trailer] {
	return func() promise.Poll[*transport.Trailer] {
		if d.cancelErr != nil {
			return promise.Ready(cancelledTrailer(d.cancelErr))
		}
		if d.sendState == sendQueued {
			b := d.capturedBatch
			// Once resumed the batch belongs to the stack below;
			// completion of its send path is the transport's job.
			d.capturedBatch = nil
			b.SendInitialMetadata = args.ClientInitialMetadata
			d.sendState = sendForwarded
			// The transport may complete receives synchronously here.
			d.elem.NextOp(b)
		}
		if d.trailingReceived {
			return promise.Ready(d.transportTrailer())
		}
		return promise.Pending[*transport.Trailer]()
	}
}

func (d *clientCallData) transportTrailer() *transport.Trailer {
	if d.trailingErr != nil {
		return cancelledTrailer(d.trailingErr)
	}
	if d.recvTrailing != nil {
		t := d.recvTrailing.Trailer
		return &t
	}
	return &transport.Trailer{Status: status.New(codes.OK, "")}
}

func (d *clientCallData) hookRecvInitialMetadata(op *transport.RecvInitialMetadata) {
	d.recvInitial = op
	d.origRecvInitialReady = op.Ready
	if d.latch != nil {
		d.recvInitialState = recvHookedAndGotLatch
	} else {
		d.recvInitialState = recvHookedWaitingForLatch
	}
	op.Ready = d.reenter("recv-initial-ready", d.onRecvInitialMetadataReady)
}

func (d *clientCallData) hookRecvMessage(op *transport.RecvMessage) {
	orig := op.Ready
	op.Ready = d.reenter("recv-message-ready", func(err error) {
		if orig != nil {
			orig(err)
		}
	})
}

func (d *clientCallData) hookRecvTrailingMetadata(op *transport.RecvTrailingMetadata) {
	d.recvTrailing = op
	d.origRecvTrailingReady = op.Ready
	op.Ready = d.reenter("recv-trailing-ready", d.onRecvTrailingMetadataReady)
}

// reenter wraps a completion so it runs inside the call combiner with a
// reference held, regardless of which goroutine the transport completes
// from. Completions from the same direction stay ordered: the combiner
// queue is FIFO.
func (d *clientCallData) reenter(label string, fn func(error)) func(error) {
	cs := d.elem.callStack
	return func(err error) {
		cs.Ref(label)
		cs.combiner.RunFunc(func() {
			defer cs.Unref(label)
			fn(err)
		})
	}
}

func (d *clientCallData) onRecvInitialMetadataReady(err error) {
	if d.recvInitialState == recvResponded {
		// Already answered (cancel or early promise return).
		return
	}
	if d.cancelErr != nil && err == nil {
		err = d.cancelErr
	}
	if err == nil && d.recvInitial != nil {
		switch d.recvInitialState {
		case recvHookedAndGotLatch:
			d.recvInitialState = recvCompleteAndGotLatch
			d.latch.Set(d.recvInitial.Metadata)
			d.recvInitialState = recvCompleteAndSetLatch
		case recvHookedWaitingForLatch:
			// Metadata beat the promise; captureBatch publishes it once
			// the latch exists.
			d.earlyServerMD = d.recvInitial.Metadata
		}
	}
	d.recvInitialState = recvResponded
	if d.origRecvInitialReady != nil {
		d.origRecvInitialReady(err)
	}
	d.wakeInsideCombiner()
}

func (d *clientCallData) onRecvTrailingMetadataReady(err error) {
	d.trailingReceived = true
	d.trailingErr = err
	if d.callPromise == nil {
		// Not participating (no send-initial seen); pass straight up.
		d.respondTrailing(d.transportTrailer(), err)
		return
	}
	d.wakeInsideCombiner()
}

// wakeInsideCombiner polls the call promise to completion or suspension.
// Polling happens only here, inside the combiner, and only once the send
// path has been primed.
func (d *clientCallData) wakeInsideCombiner() {
	if d.polling || d.completed || d.cancelErr != nil || d.callPromise == nil {
		return
	}
	if d.sendState != sendQueued && d.sendState != sendForwarded {
		return
	}
	d.polling = true
	defer func() { d.polling = false }()
	for {
		exit := promise.EnterPoll(d)
		res := d.callPromise()
		repoll := exit()
		if res.IsReady() {
			d.finish(res.Value())
			return
		}
		if !repoll {
			return
		}
	}
}

// finish completes the call with the promise's trailer. If the promise
// resolved before the transport's trailing metadata arrived (early
// return), the transport stream is cancelled with an error synthesized
// from the trailer's status.
func (d *clientCallData) finish(trailer *transport.Trailer) {
	d.completed = true
	d.callPromise = nil
	earlyReturn := !d.trailingReceived
	forwarded := d.sendState == sendForwarded
	d.sendState = sendComplete

	if earlyReturn {
		err := trailerError(trailer)
		if forwarded {
			d.elem.NextOp(&transport.StreamOpBatch{CancelStream: err})
		} else if d.capturedBatch != nil {
			d.failCapturedSends(err)
		}
		if d.recvInitial != nil && d.recvInitialState != recvResponded {
			d.recvInitialState = recvResponded
			if ready := d.origRecvInitialReady; ready != nil {
				d.origRecvInitialReady = nil
				ready(err)
			}
		}
	}
	d.respondTrailing(trailer, d.trailingErr)
}

// respondTrailing delivers the final trailer to the hooked
// recv-trailing-metadata op, if any.
func (d *clientCallData) respondTrailing(trailer *transport.Trailer, err error) {
	if d.recvTrailing == nil {
		return
	}
	op := d.recvTrailing
	d.recvTrailing = nil
	if trailer != nil {
		op.Trailer = *trailer
	}
	if ready := d.origRecvTrailingReady; ready != nil {
		d.origRecvTrailingReady = nil
		ready(err)
	}
}

// failCapturedSends completes the never-forwarded captured batch's send
// components with err.
func (d *clientCallData) failCapturedSends(err error) {
	b := d.capturedBatch
	d.capturedBatch = nil
	if b == nil {
		return
	}
	if b.OnComplete != nil {
		b.OnComplete(err)
	}
}

// cancel short-circuits all state: the captured batch fails, pending
// recv completions wake with the cancellation error, and the promise is
// discarded.
func (d *clientCallData) cancel(err error) {
	if d.cancelErr != nil || d.completed {
		return
	}
	d.cancelErr = err
	d.sendState = sendCancelled
	d.callPromise = nil
	if d.capturedBatch != nil {
		captured := d.capturedBatch
		d.capturedBatch = nil
		failBatchSendsOnly(captured, err)
	}
	if d.recvInitial != nil && d.recvInitialState != recvResponded {
		d.recvInitialState = recvResponded
		if d.origRecvInitialReady != nil {
			d.origRecvInitialReady(err)
		}
	}
	d.respondTrailing(cancelledTrailer(err), err)
}

// failBatch completes every component of a batch with err without
// forwarding it.
func failBatch(b *transport.StreamOpBatch, err error) {
	if b.RecvInitialMetadata != nil && b.RecvInitialMetadata.Ready != nil {
		b.RecvInitialMetadata.Ready(err)
	}
	if b.RecvMessage != nil && b.RecvMessage.Ready != nil {
		b.RecvMessage.Ready(err)
	}
	if b.RecvTrailingMetadata != nil && b.RecvTrailingMetadata.Ready != nil {
		b.RecvTrailingMetadata.Ready(err)
	}
	if b.OnComplete != nil {
		b.OnComplete(err)
	}
}

// failBatchSendsOnly completes only the send path of a batch; its recv
// components remain owned by the glue's hooks.
func failBatchSendsOnly(b *transport.StreamOpBatch, err error) {
	if b.OnComplete != nil {
		b.OnComplete(err)
	}
}

// trailerError converts a trailer into the error used to cancel the
// transport stream on early promise return.
func trailerError(t *transport.Trailer) error {
	if t != nil && t.Status != nil && t.Status.Code() != codes.OK {
		return t.Status.Err()
	}
	return status.Error(codes.Canceled, "call completed early")
}

// cancelledTrailer synthesizes a trailer from a cancellation error.
func cancelledTrailer(err error) *transport.Trailer {
	return &transport.Trailer{Status: status.Convert(err)}
}
