package stack

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-rpcruntime/channelargs"
	"github.com/joeycumines/go-rpcruntime/transport"
)

// ConnectedFilterName is the name of the terminal filter bridging the
// stack to a transport.
const ConnectedFilterName = "connected"

// ConnectedFilter is the terminal filter of a working channel: it hands
// batches to the transport installed in the channel arguments and per
// call owns the transport's stream state. Register it with Terminal().
type ConnectedFilter struct {
	BaseFilter
}

type connectedChannelData struct {
	transport transport.Transport
}

type connectedCallData struct {
	transport transport.Transport
	stream    transport.Stream
}

func (ConnectedFilter) Name() string { return ConnectedFilterName }

func (ConnectedFilter) InitChannelElem(elem *ChannelElem, args ChannelElemArgs) error {
	p, ok := args.Args.GetPointer(channelargs.KeyTransport)
	if !ok {
		return status.Errorf(codes.InvalidArgument,
			"no transport configured for stack %q", args.Name)
	}
	t, ok := p.(transport.Transport)
	if !ok {
		return status.Errorf(codes.InvalidArgument,
			"transport argument for stack %q has wrong type", args.Name)
	}
	if !args.IsLast {
		return status.Errorf(codes.InvalidArgument,
			"connected filter must terminate stack %q", args.Name)
	}
	elem.ChannelData = &connectedChannelData{transport: t}
	return nil
}

func (ConnectedFilter) InitCallElem(elem *CallElem, args CallElemArgs) error {
	cd := elem.ChannelData.(*connectedChannelData)
	s, err := cd.transport.InitStream(args.Arena, nil)
	if err != nil {
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Errorf(codes.Unavailable, "stream not started: %v", err)
	}
	elem.CallData = &connectedCallData{transport: cd.transport, stream: s}
	return nil
}

func (ConnectedFilter) DestroyCallElem(elem *CallElem) {
	d := elem.CallData.(*connectedCallData)
	d.transport.DestroyStream(d.stream, nil)
}

func (ConnectedFilter) StartTransportStreamOpBatch(elem *CallElem, batch *transport.StreamOpBatch) {
	d := elem.CallData.(*connectedCallData)
	d.transport.PerformStreamOp(d.stream, batch)
}

func (ConnectedFilter) SetPollsetOrPollsetSet(elem *CallElem, pollset any) {
	d := elem.CallData.(*connectedCallData)
	if pa, ok := d.transport.(transport.PollsetAware); ok {
		pa.SetPollset(d.stream, pollset)
	}
}

func (ConnectedFilter) StartTransportOp(elem *ChannelElem, op *transport.Op) {
	cd := elem.ChannelData.(*connectedChannelData)
	cd.transport.PerformOp(op)
}
