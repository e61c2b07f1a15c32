// Package transport defines the contracts between the filter stack and
// the byte-moving layer below it: the stream-op batch that filters pass
// down, and the transport/endpoint interfaces the terminal filter talks
// to. The core does not constrain the byte-level protocol.
package transport

import (
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-rpcruntime/arena"
	"github.com/joeycumines/go-rpcruntime/workqueue"
)

// Trailer is the terminal result of a call: the server's trailing
// metadata and final status.
type Trailer struct {
	Status   *status.Status
	Metadata metadata.MD
}

// RecvInitialMetadata is the receive-initial-metadata component of a
// batch. The transport fills Metadata and invokes Ready exactly once.
type RecvInitialMetadata struct {
	Metadata metadata.MD
	Ready    func(error)
}

// RecvMessage is the receive-message component of a batch. The transport
// fills Message (nil at end of stream) and invokes Ready exactly once.
type RecvMessage struct {
	Message []byte
	Ready   func(error)
}

// RecvTrailingMetadata is the receive-trailing-metadata component of a
// batch. The transport fills Trailer and invokes Ready exactly once.
type RecvTrailingMetadata struct {
	Trailer Trailer
	Ready   func(error)
}

// StreamOpBatch is a group of send/recv operations submitted to a call
// as a unit. Batches pass down through filters; each filter may rewrite,
// split, or complete individual components with synthetic errors. A
// filter must not reorder batches relative to each other from the same
// direction.
type StreamOpBatch struct {
	// Send path (client-down for data, server-down for status).
	SendInitialMetadata    metadata.MD
	HasSendInitialMetadata bool

	SendMessage    []byte
	HasSendMessage bool

	SendCloseFromClient bool

	SendTrailingMetadata    metadata.MD
	HasSendTrailingMetadata bool

	// SendStatusFromServer accompanies SendTrailingMetadata on the
	// server side.
	SendStatusFromServer *status.Status

	// Receive path; completions are delivered via each component's Ready
	// callback, bottom-up.
	RecvInitialMetadata  *RecvInitialMetadata
	RecvMessage          *RecvMessage
	RecvTrailingMetadata *RecvTrailingMetadata

	// CancelStream, when non-nil, supersedes everything else in the
	// batch and terminates the stream with the given error.
	CancelStream error

	// OnComplete is invoked once the batch's send components have been
	// processed (or failed). May be nil.
	OnComplete func(error)
}

// IsEmpty reports whether the batch carries no components.
func (b *StreamOpBatch) IsEmpty() bool {
	return !b.HasSendInitialMetadata && !b.HasSendMessage &&
		!b.SendCloseFromClient && !b.HasSendTrailingMetadata &&
		b.RecvInitialMetadata == nil && b.RecvMessage == nil &&
		b.RecvTrailingMetadata == nil && b.CancelStream == nil
}

// Stream is the transport's per-call state, opaque to the core.
type Stream interface{}

// Op is a channel-level (not per-stream) transport operation.
type Op struct {
	// DisconnectWithError requests teardown of the transport.
	DisconnectWithError error
}

// Transport moves batches for streams. All methods may be called from
// pool threads; PerformStreamOp is asynchronous, with completions
// scheduled via the batch's callbacks.
type Transport interface {
	// InitStream creates per-call transport state. Allocations should
	// come from the call's arena; serverData is non-nil on accepted
	// (server-side) streams.
	InitStream(a *arena.Arena, serverData any) (Stream, error)

	// PerformStreamOp submits a batch for the stream.
	PerformStreamOp(s Stream, batch *StreamOpBatch)

	// PerformOp submits a channel-level operation.
	PerformOp(op *Op)

	// DestroyStream releases per-call state, then schedules then.
	DestroyStream(s Stream, then workqueue.Closure)

	// Destroy releases the transport itself.
	Destroy()

	// Endpoint returns the underlying endpoint, or nil if none.
	Endpoint() Endpoint
}

// PollsetAware is optionally implemented by transports that care which
// poller drives a stream; filters may ignore it.
type PollsetAware interface {
	SetPollset(s Stream, pollset any)
}

// Endpoint is a byte-stream terminus under a transport.
type Endpoint interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	LocalAddress() string
	Destroy()
}
