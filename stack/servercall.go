package stack

import (
	"google.golang.org/grpc/metadata"

	"github.com/joeycumines/go-rpcruntime/promise"
	"github.com/joeycumines/go-rpcruntime/transport"
)

// serverPromiseFilter adapts a [PromiseFilter] into the server-side
// batch protocol. The pipeline is triggered by the receipt of the
// client's initial metadata; the promise yields the server's trailer,
// which is forwarded as a send-trailing-metadata batch down the stack.
type serverPromiseFilter struct {
	inner PromiseFilter
}

func (f *serverPromiseFilter) Name() string { return f.inner.Name() }

func (f *serverPromiseFilter) CallDataSize() int    { return f.inner.CallDataSize() }
func (f *serverPromiseFilter) ChannelDataSize() int { return f.inner.ChannelDataSize() }

func (f *serverPromiseFilter) InitChannelElem(elem *ChannelElem, args ChannelElemArgs) error {
	return f.inner.InitChannelElem(elem, args)
}

func (f *serverPromiseFilter) PostInitChannelElem(stk *ChannelStack, elem *ChannelElem) {
	f.inner.PostInitChannelElem(stk, elem)
}

func (f *serverPromiseFilter) DestroyChannelElem(elem *ChannelElem) {
	f.inner.DestroyChannelElem(elem)
}

func (f *serverPromiseFilter) InitCallElem(elem *CallElem, args CallElemArgs) error {
	if err := f.inner.InitCallElem(elem, args); err != nil {
		return err
	}
	elem.CallData = &serverCallData{
		elem:      elem,
		inner:     f.inner,
		innerData: elem.CallData,
	}
	return nil
}

func (f *serverPromiseFilter) DestroyCallElem(elem *CallElem) {
	d := elem.CallData.(*serverCallData)
	elem.CallData = d.innerData
	f.inner.DestroyCallElem(elem)
	elem.CallData = d
}

func (f *serverPromiseFilter) StartTransportOp(elem *ChannelElem, op *transport.Op) {
	f.inner.StartTransportOp(elem, op)
}

func (f *serverPromiseFilter) GetChannelInfo(elem *ChannelElem, info *ChannelInfo) {
	f.inner.GetChannelInfo(elem, info)
}

func (f *serverPromiseFilter) StartTransportStreamOpBatch(elem *CallElem, batch *transport.StreamOpBatch) {
	d := elem.CallData.(*serverCallData)
	d.startBatch(batch)
}

// serverCallData mirrors clientCallData for accepted calls. Everything
// here runs inside the call combiner.
type serverCallData struct {
	elem      *CallElem
	inner     PromiseFilter
	innerData any

	callPromise promise.Promise[*transport.Trailer]
	latch       *promise.Latch[metadata.MD]
	latchWait   promise.Promise[metadata.MD]

	recvInitial          *transport.RecvInitialMetadata
	origRecvInitialReady func(error)

	// capturedTrailing is the application's own send-trailing batch,
	// held until the promise resolves (possibly rewriting the trailer).
	capturedTrailing *transport.StreamOpBatch
	initialSent      bool

	cancelErr error
	completed bool
	polling   bool
}

var _ promise.Activity = (*serverCallData)(nil)

func (d *serverCallData) Wakeup() {
	d.elem.callStack.schedule("promise-waker", d.wakeInsideCombiner)
}

func (d *serverCallData) startBatch(batch *transport.StreamOpBatch) {
	if batch.CancelStream != nil {
		d.cancel(batch.CancelStream)
		d.elem.NextOp(batch)
		return
	}
	if d.cancelErr != nil {
		failBatch(batch, d.cancelErr)
		return
	}
	if batch.RecvInitialMetadata != nil && d.callPromise == nil {
		d.hookRecvInitialMetadata(batch.RecvInitialMetadata)
	}
	if batch.HasSendTrailingMetadata && d.callPromise != nil && !d.completed {
		// Capture the application's trailer; the promise decides what
		// ultimately goes down the stack.
		d.capturedTrailing = batch
		d.wakeInsideCombiner()
		return
	}
	d.elem.NextOp(batch)
}

func (d *serverCallData) hookRecvInitialMetadata(op *transport.RecvInitialMetadata) {
	d.recvInitial = op
	d.origRecvInitialReady = op.Ready
	cs := d.elem.callStack
	op.Ready = func(err error) {
		cs.Ref("recv-initial-ready")
		cs.combiner.RunFunc(func() {
			defer cs.Unref("recv-initial-ready")
			d.onRecvInitialMetadataReady(err)
		})
	}
}

// onRecvInitialMetadataReady triggers the pipeline: the client's initial
// metadata has arrived, so the filter's call promise is constructed and
// polled.
func (d *serverCallData) onRecvInitialMetadataReady(err error) {
	if d.origRecvInitialReady != nil {
		d.origRecvInitialReady(err)
	}
	if err != nil || d.cancelErr != nil {
		return
	}
	d.latch = &promise.Latch[metadata.MD]{}
	d.latchWait = d.latch.Wait()
	args := CallArgs{
		ClientInitialMetadata:      d.recvInitial.Metadata,
		ServerInitialMetadataLatch: d.latch,
	}
	d.callPromise = d.inner.MakeCallPromise(d.elem, args, d.next)
	d.wakeInsideCombiner()
}

// next resolves with the application's trailer once it has been sent
// from above.
func (d *serverCallData) next(CallArgs) promise.Promise[*transport.Trailer] {
	return func() promise.Poll[*transport.Trailer] {
		if d.cancelErr != nil {
			return promise.Ready(cancelledTrailer(d.cancelErr))
		}
		if b := d.capturedTrailing; b != nil {
			return promise.Ready(&transport.Trailer{
				Status:   b.SendStatusFromServer,
				Metadata: b.SendTrailingMetadata,
			})
		}
		return promise.Pending[*transport.Trailer]()
	}
}

func (d *serverCallData) wakeInsideCombiner() {
	if d.polling || d.completed || d.cancelErr != nil || d.callPromise == nil {
		return
	}
	d.polling = true
	defer func() { d.polling = false }()
	for {
		exit := promise.EnterPoll(d)
		// Publish server initial metadata as soon as the promise sets
		// the latch.
		if !d.initialSent {
			if p := d.latchWait(); p.IsReady() {
				d.initialSent = true
				d.elem.NextOp(&transport.StreamOpBatch{
					SendInitialMetadata:    p.Value(),
					HasSendInitialMetadata: true,
				})
			}
		}
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

// finish forwards the promise's trailer as a send-trailing-metadata
// batch down the stack, reusing the application's batch when one was
// captured.
func (d *serverCallData) finish(trailer *transport.Trailer) {
	d.completed = true
	d.callPromise = nil
	if b := d.capturedTrailing; b != nil {
		d.capturedTrailing = nil
		b.SendTrailingMetadata = trailer.Metadata
		b.HasSendTrailingMetadata = true
		b.SendStatusFromServer = trailer.Status
		d.elem.NextOp(b)
		return
	}
	d.elem.NextOp(&transport.StreamOpBatch{
		SendTrailingMetadata:    trailer.Metadata,
		HasSendTrailingMetadata: true,
		SendStatusFromServer:    trailer.Status,
	})
}

func (d *serverCallData) cancel(err error) {
	if d.cancelErr != nil || d.completed {
		return
	}
	d.cancelErr = err
	d.callPromise = nil
	if b := d.capturedTrailing; b != nil {
		d.capturedTrailing = nil
		failBatchSendsOnly(b, err)
	}
}
