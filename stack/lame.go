package stack

import (
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/joeycumines/go-rpcruntime/channelargs"
	"github.com/joeycumines/go-rpcruntime/transport"
)

// LameFilterName is the name of the lame terminal filter.
const LameFilterName = "lame-client"

// LameFilter is the sole filter of a lame channel: a minimal stack
// substituted when a transport cannot be created, rejecting every call
// with a fixed status supplied at construction via the
// [channelargs.KeyLameFilterError] argument.
type LameFilter struct {
	BaseFilter
}

type lameChannelData struct {
	// rejection is kept as the wire proto so each call hands out an
	// isolated clone, details payload included.
	rejection *spb.Status
}

func (LameFilter) Name() string { return LameFilterName }

func (LameFilter) InitChannelElem(elem *ChannelElem, args ChannelElemArgs) error {
	var st *status.Status
	if p, ok := args.Args.GetPointer(channelargs.KeyLameFilterError); ok {
		if s, ok := p.(*status.Status); ok {
			st = s
		}
	}
	if st == nil || st.Code() == codes.OK {
		st = status.New(codes.Unavailable, "lame channel")
	}
	elem.ChannelData = &lameChannelData{rejection: st.Proto()}
	return nil
}

func (LameFilter) StartTransportStreamOpBatch(elem *CallElem, batch *transport.StreamOpBatch) {
	cd := elem.ChannelData.(*lameChannelData)
	st := status.FromProto(proto.Clone(cd.rejection).(*spb.Status))
	err := st.Err()
	if batch.CancelStream != nil {
		err = batch.CancelStream
	}
	if b := batch.RecvTrailingMetadata; b != nil {
		b.Trailer = transport.Trailer{Status: st}
	}
	failBatch(batch, err)
}

func (LameFilter) StartTransportOp(*ChannelElem, *transport.Op) {
	// Channel-level ops have nothing to act on: there is no transport.
}

// lameRegistry builds lame stacks: a single terminal filter.
var lameRegistry = func() *Registry {
	r := NewRegistry()
	r.Register(LameFilter{}).Terminal()
	return r
}()

// NewLameChannelStack builds a minimal stack that rejects all calls with
// st. It is the factory's substitute when transport creation fails.
func NewLameChannelStack(name string, args channelargs.Args, st *status.Status, opts ...BuilderOption) (*ChannelStack, error) {
	args = args.Set(channelargs.KeyLameFilterError,
		channelargs.Pointer(st, channelargs.RawPointerVtable))
	return lameRegistry.NewBuilder(name, args, opts...).Build()
}
