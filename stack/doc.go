// Package stack implements the composable filter chain instantiated per
// channel and, derivatively, per call.
//
// # Architecture
//
// A [ChannelStack] is an ordered, immutable vector of filters sharing a
// single allocation, produced by a [Builder] from a [Registry] of
// constrained registrations. A [CallStack] is its per-call mirror: one
// [CallElem] per filter, holding per-call state allocated against the
// call's arena, serialized by the call combiner. Batches of transport
// operations flow top-down on the send side; receive completions flow
// bottom-up through per-component callbacks.
//
// # Ordering
//
// Registrations carry Before/After/BeforeAll constraints and enablement
// predicates over the channel arguments. The builder topologically sorts
// the enabled filters, breaking ties by lexical name, so the resulting
// order is deterministic across builds with equal inputs. Exactly one
// enabled Terminal registration closes the stack; [ConnectedFilter]
// terminates working channels and [LameFilter] terminates lame ones.
//
// # Promise pipeline
//
// A stack built with [WithPromises] drives each filter through its
// [PromiseFilter.MakeCallPromise] instead of the raw batch protocol: on
// the client side the first send-initial-metadata batch is captured and
// the filter's promise decides when (and with what metadata) the call
// proceeds; on the server side the pipeline is triggered by the receipt
// of the client's initial metadata and the promise yields the trailer
// sent back down. Promises are polled only inside the call combiner; a
// pending promise is resumed via the wakeup path, which re-enters the
// combiner (through the channel stack's executor, when configured).
package stack
