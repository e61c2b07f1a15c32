package stack

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-rpcruntime/threadpool"
	"github.com/joeycumines/go-rpcruntime/transport"
)

func buildPromisingClient(t *testing.T, ft *fakeTransport, filters []PromiseFilter, opts ...BuilderOption) *ChannelStack {
	t.Helper()
	r := NewRegistry()
	for _, f := range filters {
		r.Register(f)
	}
	r.Register(ConnectedFilter{}).Terminal()
	opts = append([]BuilderOption{WithPromises()}, opts...)
	s, err := r.NewBuilder("client", transportArgs(ft), opts...).Build()
	require.NoError(t, err)
	return s
}

type callResult struct {
	mu sync.Mutex

	trailer     transport.Trailer
	trailingErr error

	initialMD  metadata.MD
	initialErr error

	completeErr error

	gotTrailing bool
	gotInitial  bool
	gotComplete bool
}

func (r *callResult) trailingDone() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gotTrailing
}

// startCall submits the canonical client batch: send-initial plus hooked
// recv-initial and recv-trailing.
func startCall(cs *CallStack, md metadata.MD) *callResult {
	res := &callResult{}
	recvInitial := &transport.RecvInitialMetadata{}
	recvInitial.Ready = func(err error) {
		res.mu.Lock()
		defer res.mu.Unlock()
		res.gotInitial = true
		res.initialErr = err
		res.initialMD = recvInitial.Metadata
	}
	recvTrailing := &transport.RecvTrailingMetadata{}
	recvTrailing.Ready = func(err error) {
		res.mu.Lock()
		defer res.mu.Unlock()
		res.gotTrailing = true
		res.trailingErr = err
		res.trailer = recvTrailing.Trailer
	}
	cs.StartTransportStreamOpBatch(&transport.StreamOpBatch{
		SendInitialMetadata:    md,
		HasSendInitialMetadata: true,
		RecvInitialMetadata:    recvInitial,
		RecvTrailingMetadata:   recvTrailing,
		OnComplete: func(err error) {
			res.mu.Lock()
			defer res.mu.Unlock()
			res.gotComplete = true
			res.completeErr = err
		},
	})
	return res
}

func TestPipeline_ClientCallEndToEnd(t *testing.T) {
	ft := &fakeTransport{}
	filter := &mdAppendFilter{name: "observer"}
	s := buildPromisingClient(t, ft, []PromiseFilter{filter})
	defer s.Unref("test")

	cs, err := s.NewCall("/svc/Method", time.Time{})
	require.NoError(t, err)

	res := startCall(cs, metadata.Pairs("k", "v"))

	// The batch was captured, then resumed down to the transport with
	// the filter's rewritten metadata.
	forwarded := ft.lastBatch()
	require.NotNil(t, forwarded, "captured batch must be forwarded by the promise")
	assert.Equal(t, []string{"observer"}, forwarded.SendInitialMetadata.Get("x-filter"))
	assert.Equal(t, []string{"v"}, forwarded.SendInitialMetadata.Get("k"))
	assert.True(t, res.gotComplete)
	assert.False(t, res.gotTrailing)

	// Server initial metadata arrives; the latch publishes it to the
	// promise and the original completion still fires.
	ft.completeRecvInitial(metadata.Pairs("server", "hello"), nil)
	assert.True(t, res.gotInitial)
	assert.Equal(t, []string{"hello"}, res.initialMD.Get("server"))
	assert.True(t, filter.sawLatch, "filter observes server metadata via the latch")
	assert.Equal(t, []string{"hello"}, filter.latchMD.Get("server"))

	// Trailing metadata resolves the promise; the filter's rewrite is
	// visible in the final trailer.
	ft.completeRecvTrailing(transport.Trailer{
		Status:   status.New(codes.OK, ""),
		Metadata: metadata.Pairs("t", "1"),
	}, nil)
	require.True(t, res.gotTrailing)
	require.NoError(t, res.trailingErr)
	assert.Equal(t, codes.OK, res.trailer.Status.Code())
	assert.Equal(t, []string{"1"}, res.trailer.Metadata.Get("t"))
	assert.Equal(t, []string{"observer"}, res.trailer.Metadata.Get("x-seen-by"))

	cs.Unref("call")
	assert.Equal(t, 1, ft.destroys, "stream destroyed with the call stack")
}

func TestPipeline_FiltersComposeInOrder(t *testing.T) {
	ft := &fakeTransport{}
	fa := &mdAppendFilter{name: "aa"}
	fb := &mdAppendFilter{name: "bb"}
	s := buildPromisingClient(t, ft, []PromiseFilter{fa, fb})
	defer s.Unref("test")

	cs, err := s.NewCall("/svc/Method", time.Time{})
	require.NoError(t, err)
	defer cs.Unref("call")

	res := startCall(cs, metadata.Pairs("k", "v"))

	forwarded := ft.lastBatch()
	require.NotNil(t, forwarded)
	// Both filters stamped the outgoing metadata, top-down.
	assert.ElementsMatch(t, []string{"aa", "bb"}, forwarded.SendInitialMetadata.Get("x-filter"))

	ft.completeRecvTrailing(transport.Trailer{Status: status.New(codes.OK, "")}, nil)
	require.True(t, res.gotTrailing)
	// Trailer rewrites compose bottom-up.
	assert.Equal(t, []string{"bb", "aa"}, res.trailer.Metadata.Get("x-seen-by"))
}

func TestPipeline_EarlyReturnWithoutForwarding(t *testing.T) {
	ft := &fakeTransport{}
	want := status.New(codes.PermissionDenied, "denied early")
	s := buildPromisingClient(t, ft, []PromiseFilter{
		&earlyReturnFilter{name: "gate", trailer: &transport.Trailer{Status: want}},
	})
	defer s.Unref("test")

	cs, err := s.NewCall("/svc/Method", time.Time{})
	require.NoError(t, err)
	defer cs.Unref("call")

	res := startCall(cs, metadata.Pairs("k", "v"))

	assert.Nil(t, ft.lastBatch(), "the batch never reaches the transport")
	require.True(t, res.gotTrailing)
	assert.Equal(t, codes.PermissionDenied, res.trailer.Status.Code())
	assert.True(t, res.gotComplete)
	require.Error(t, res.completeErr)
	assert.Equal(t, codes.PermissionDenied, status.Code(res.completeErr))
	assert.True(t, res.gotInitial, "pending receives are answered on early return")
	assert.Error(t, res.initialErr)
}

func TestPipeline_EarlyReturnAfterForwardCancelsTransportStream(t *testing.T) {
	ft := &fakeTransport{}
	want := status.New(codes.DeadlineExceeded, "gave up")
	s := buildPromisingClient(t, ft, []PromiseFilter{
		&earlyAfterForwardFilter{name: "deadline", trailer: &transport.Trailer{Status: want}},
	})
	defer s.Unref("test")

	cs, err := s.NewCall("/svc/Method", time.Time{})
	require.NoError(t, err)
	defer cs.Unref("call")

	res := startCall(cs, metadata.Pairs("k", "v"))
	require.NotNil(t, ft.lastBatch(), "first poll forwards the batch")

	// Any wakeup repolls; the second poll resolves early. Completing the
	// initial-metadata receive provides the wakeup.
	ft.completeRecvInitial(metadata.Pairs("server", "hi"), nil)

	require.True(t, res.gotTrailing)
	assert.Equal(t, codes.DeadlineExceeded, res.trailer.Status.Code())
	// The transport stream was cancelled with the synthesized error.
	cancels := ft.cancelErrors()
	require.Len(t, cancels, 1)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(cancels[0]))
}

func TestPipeline_CancelStreamShortCircuits(t *testing.T) {
	ft := &fakeTransport{}
	s := buildPromisingClient(t, ft, []PromiseFilter{&mdAppendFilter{name: "observer"}})
	defer s.Unref("test")

	cs, err := s.NewCall("/svc/Method", time.Time{})
	require.NoError(t, err)
	defer cs.Unref("call")

	res := startCall(cs, metadata.Pairs("k", "v"))

	cancelErr := status.Error(codes.Canceled, "user cancelled")
	cs.Cancel(cancelErr)

	require.True(t, res.gotTrailing, "pending trailing waiter woken by cancellation")
	assert.Equal(t, codes.Canceled, res.trailer.Status.Code())
	require.True(t, res.gotInitial)
	assert.Equal(t, codes.Canceled, status.Code(res.initialErr))
	// The cancellation batch reached the transport.
	require.NotEmpty(t, ft.cancelErrors())
	assert.Same(t, cancelErr, ft.cancelErrors()[0])
	assert.Equal(t, cancelErr, cs.Combiner().CancelError())
}

func TestPipeline_WithExecutorWakeups(t *testing.T) {
	pool := threadpool.New(threadpool.WithReserveThreads(2))
	defer pool.Quiesce()

	ft := &fakeTransport{}
	filter := &mdAppendFilter{name: "observer"}
	s := buildPromisingClient(t, ft, []PromiseFilter{filter}, WithExecutor(pool))
	defer s.Unref("test")

	cs, err := s.NewCall("/svc/Method", time.Time{})
	require.NoError(t, err)
	defer cs.Unref("call")

	res := startCall(cs, metadata.Pairs("k", "v"))
	require.NotNil(t, ft.lastBatch())

	ft.completeRecvInitial(metadata.Pairs("server", "hello"), nil)
	ft.completeRecvTrailing(transport.Trailer{Status: status.New(codes.OK, "")}, nil)

	assert.Eventually(t, res.trailingDone, 5*time.Second, time.Millisecond)
}

func TestPipeline_ServerVariant(t *testing.T) {
	ft := &fakeTransport{}
	r := NewRegistry()
	r.Register(&mdAppendFilter{name: "server-observer"})
	r.Register(ConnectedFilter{}).Terminal()
	s, err := r.NewBuilder("server", transportArgs(ft),
		WithPromises(), WithStackType(ServerChannel)).Build()
	require.NoError(t, err)
	defer s.Unref("test")

	cs, err := s.NewCall("/svc/Method", time.Time{})
	require.NoError(t, err)
	defer cs.Unref("call")

	// The server surface asks for the client's initial metadata.
	recvInitial := &transport.RecvInitialMetadata{}
	gotInitial := false
	recvInitial.Ready = func(err error) { gotInitial = true }
	cs.StartTransportStreamOpBatch(&transport.StreamOpBatch{
		RecvInitialMetadata: recvInitial,
	})
	ft.completeRecvInitial(metadata.Pairs("from-client", "yes"), nil)
	require.True(t, gotInitial)

	// The application sends its trailer; the promise observes and
	// rewrites it on the way down.
	cs.StartTransportStreamOpBatch(&transport.StreamOpBatch{
		SendTrailingMetadata:    metadata.Pairs("app", "done"),
		HasSendTrailingMetadata: true,
		SendStatusFromServer:    status.New(codes.OK, ""),
	})

	var trailing *transport.StreamOpBatch
	for _, b := range ft.batches {
		if b.HasSendTrailingMetadata {
			trailing = b
		}
	}
	require.NotNil(t, trailing, "trailer must flow down to the transport")
	assert.Equal(t, []string{"server-observer"}, trailing.SendTrailingMetadata.Get("x-seen-by"))
	assert.Equal(t, []string{"done"}, trailing.SendTrailingMetadata.Get("app"))
	assert.Equal(t, codes.OK, trailing.SendStatusFromServer.Code())
}

func TestPipeline_LameStackRejectsCalls(t *testing.T) {
	want := status.New(codes.Unavailable, "no backend")
	s, err := NewLameChannelStack("lame", transportArgs(&fakeTransport{}), want)
	require.NoError(t, err)
	defer s.Unref("test")
	assert.Equal(t, []string{LameFilterName}, s.Filters())

	cs, err := s.NewCall("/svc/Method", time.Time{})
	require.NoError(t, err)
	defer cs.Unref("call")

	res := startCall(cs, metadata.Pairs("k", "v"))
	require.True(t, res.gotTrailing)
	assert.Equal(t, codes.Unavailable, res.trailer.Status.Code())
	assert.Equal(t, "no backend", res.trailer.Status.Message())
	require.True(t, res.gotComplete)
	assert.Equal(t, codes.Unavailable, status.Code(res.completeErr))
}
