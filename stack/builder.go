package stack

import (
	"sort"

	"github.com/joeycumines/logiface"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-rpcruntime/channelargs"
	"github.com/joeycumines/go-rpcruntime/threadpool"
)

// StackType selects which side of the protocol a stack mediates.
type StackType int

const (
	// ClientChannel stacks originate calls: batches enter at the top on
	// the send side.
	ClientChannel StackType = iota
	// ServerChannel stacks accept calls: the pipeline is triggered by
	// the receipt of initial metadata.
	ServerChannel
)

// BuilderOption configures a [Builder].
type BuilderOption interface {
	applyBuilderOption(*Builder)
}

type builderOptionImpl struct {
	fn func(*Builder)
}

func (o *builderOptionImpl) applyBuilderOption(b *Builder) { o.fn(b) }

// WithStackType selects client or server semantics (default client).
func WithStackType(t StackType) BuilderOption {
	return &builderOptionImpl{fn: func(b *Builder) { b.stackType = t }}
}

// WithExecutor wires the thread pool used to schedule wakeups and
// deferred completions. Without one, wakeups run inline on the waking
// goroutine (still serialized by the call combiner).
func WithExecutor(pool *threadpool.Pool) BuilderOption {
	return &builderOptionImpl{fn: func(b *Builder) { b.pool = pool }}
}

// WithBuilderLogger configures structured logging for the build and the
// resulting stack. A nil logger disables logging (the default).
func WithBuilderLogger(logger *logiface.Logger[logiface.Event]) BuilderOption {
	return &builderOptionImpl{fn: func(b *Builder) { b.logger = logger }}
}

// WithPromises marks the stack as promising: every non-terminal filter
// must implement [PromiseFilter] (construction fails otherwise), and
// each is wrapped with the promise glue for the stack's side.
func WithPromises() BuilderOption {
	return &builderOptionImpl{fn: func(b *Builder) { b.promising = true }}
}

// WithLameFallback makes a failed build return a lame stack rejecting
// every call with the build error, instead of failing construction.
func WithLameFallback() BuilderOption {
	return &builderOptionImpl{fn: func(b *Builder) { b.lameFallback = true }}
}

// Builder assembles a channel stack from a registry's filters, the
// channel arguments, and the registry's post-processors.
type Builder struct {
	registry  *Registry
	name      string
	args      channelargs.Args
	stackType StackType
	pool      *threadpool.Pool
	logger    *logiface.Logger[logiface.Event]

	promising    bool
	lameFallback bool

	// order is the working filter order, exposed to post-processors.
	order []Filter
}

// NewBuilder prepares a build of the named stack against args.
func (r *Registry) NewBuilder(name string, args channelargs.Args, opts ...BuilderOption) *Builder {
	b := &Builder{registry: r, name: name, args: args}
	for _, opt := range opts {
		if opt != nil {
			opt.applyBuilderOption(b)
		}
	}
	return b
}

// Filters returns the current working order. Only meaningful inside
// post-processors.
func (b *Builder) Filters() []Filter { return b.order }

// Args returns the build's channel arguments.
func (b *Builder) Args() channelargs.Args { return b.args }

// Name returns the stack name under construction.
func (b *Builder) Name() string { return b.name }

// InsertBefore splices f in front of position i in the working order.
// Only meaningful inside post-processors.
func (b *Builder) InsertBefore(i int, f Filter) {
	if i < 0 || i > len(b.order) {
		panic("stack: filter splice out of range")
	}
	b.order = append(b.order, nil)
	copy(b.order[i+1:], b.order[i:])
	b.order[i] = f
}

// Build assembles the stack: it filters registrations by predicate,
// orders them deterministically under the registered constraints,
// appends the single enabled terminal, runs post-processors, and
// allocates and initializes the channel elements. The resulting order
// is identical across repeated builds with equal inputs.
func (b *Builder) Build() (*ChannelStack, error) {
	stk, err := b.build()
	if err != nil && b.lameFallback {
		b.logger.Warning().
			Err(err).
			Str("stack", b.name).
			Log("stack construction failed; substituting lame stack")
		return b.buildLame(status.Convert(err))
	}
	return stk, err
}

func (b *Builder) build() (*ChannelStack, error) {
	var enabled []*Registration
	var terminals []*Registration
	for _, reg := range b.registry.regs {
		if !reg.enabled(b.args) {
			continue
		}
		if reg.terminal {
			terminals = append(terminals, reg)
		} else {
			enabled = append(enabled, reg)
		}
	}
	switch len(terminals) {
	case 0:
		return nil, status.Errorf(codes.FailedPrecondition,
			"no terminal filter enabled for stack %q", b.name)
	case 1:
	default:
		return nil, status.Errorf(codes.FailedPrecondition,
			"multiple terminal filters enabled for stack %q", b.name)
	}

	ordered, err := sortFilters(enabled)
	if err != nil {
		return nil, err
	}

	b.order = make([]Filter, 0, len(ordered)+1)
	for _, reg := range ordered {
		f := reg.filter
		if b.promising {
			pf, ok := f.(PromiseFilter)
			if !ok {
				return nil, status.Errorf(codes.FailedPrecondition,
					"filter %q does not implement the call promise in promising stack %q",
					f.Name(), b.name)
			}
			f = adaptPromiseFilter(pf, b.stackType)
		}
		b.order = append(b.order, f)
	}
	b.order = append(b.order, terminals[0].filter)

	for slot := PostProcessorSlot(0); slot < numPostProcessorSlots; slot++ {
		for _, fn := range b.registry.post[slot] {
			fn(b)
		}
	}
	if b.order[len(b.order)-1] != terminals[0].filter {
		return nil, status.Errorf(codes.FailedPrecondition,
			"post-processing displaced the terminal filter in stack %q", b.name)
	}

	return b.instantiate(b.order)
}

func (b *Builder) instantiate(filters []Filter) (*ChannelStack, error) {
	channelSize := 0
	callSize := 0
	for _, f := range filters {
		channelSize += align(f.ChannelDataSize())
		callSize += align(f.CallDataSize())
	}

	pool := b.pool
	if pool == nil {
		// The event-engine override argument supplies an executor when
		// the builder was not given one explicitly.
		if p, ok := b.args.GetPointer(channelargs.KeyEventEngine); ok {
			if tp, ok := p.(*threadpool.Pool); ok {
				pool = tp
			}
		}
	}

	s := &ChannelStack{
		name:         b.name,
		elems:        make([]ChannelElem, len(filters)),
		args:         b.args,
		callDataSize: callSize,
		pool:         pool,
		logger:       b.logger,
	}
	s.refs = newRefCount("channel-stack", b.logger, s.destroy)

	for i, f := range filters {
		e := &s.elems[i]
		e.Filter = f
		e.stack = s
		e.idx = i
		err := f.InitChannelElem(e, ChannelElemArgs{
			Args:    b.args,
			Name:    b.name,
			IsFirst: i == 0,
			IsLast:  i == len(filters)-1,
		})
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				s.elems[j].Filter.DestroyChannelElem(&s.elems[j])
			}
			return nil, status.Errorf(codes.InvalidArgument,
				"channel element init failed for %q in stack %q: %v",
				f.Name(), b.name, err)
		}
	}
	for i := range s.elems {
		e := &s.elems[i]
		e.Filter.PostInitChannelElem(s, e)
	}

	b.logger.Debug().
		Str("stack", b.name).
		Int("filters", len(filters)).
		Int("channel_bytes", channelSize).
		Int("call_bytes", callSize).
		Log("channel stack built")
	return s, nil
}

func (b *Builder) buildLame(st *status.Status) (*ChannelStack, error) {
	args := b.args.Set(channelargs.KeyLameFilterError,
		channelargs.Pointer(st, channelargs.RawPointerVtable))
	lame := &Builder{
		registry: lameRegistry,
		name:     b.name,
		args:     args,
		pool:     b.pool,
		logger:   b.logger,
	}
	return lame.build()
}

// align pads a size hint to 8-byte alignment, matching the allocation
// accounting of the contiguous element block.
func align(n int) int {
	return (n + 7) &^ 7
}

// sortFilters orders registrations deterministically: a stable
// topological sort under the union of Before/After/BeforeAll edges, ties
// broken by lexical name.
func sortFilters(regs []*Registration) ([]*Registration, error) {
	byName := make(map[string]*Registration, len(regs))
	for _, reg := range regs {
		byName[reg.filter.Name()] = reg
	}

	// edges[a][b] means a must precede b.
	edges := make(map[string]map[string]bool, len(regs))
	indegree := make(map[string]int, len(regs))
	addEdge := func(from, to string) {
		if from == to {
			return
		}
		if edges[from] == nil {
			edges[from] = make(map[string]bool)
		}
		if !edges[from][to] {
			edges[from][to] = true
			indegree[to]++
		}
	}

	// explicit reports whether the pair already has a user-supplied
	// ordering, which resolves the otherwise-symmetric BeforeAll case.
	explicit := func(a, b *Registration) bool {
		an, bn := a.filter.Name(), b.filter.Name()
		for _, n := range a.before {
			if n == bn {
				return true
			}
		}
		for _, n := range a.after {
			if n == bn {
				return true
			}
		}
		for _, n := range b.before {
			if n == an {
				return true
			}
		}
		for _, n := range b.after {
			if n == an {
				return true
			}
		}
		return false
	}

	for _, reg := range regs {
		name := reg.filter.Name()
		indegree[name] += 0
		for _, n := range reg.before {
			if _, ok := byName[n]; ok {
				addEdge(name, n)
			}
		}
		for _, n := range reg.after {
			if _, ok := byName[n]; ok {
				addEdge(n, name)
			}
		}
		if reg.beforeAll {
			for _, other := range regs {
				if other == reg {
					continue
				}
				if other.beforeAll && !explicit(reg, other) {
					// Both demand to be first with nothing to break the
					// tie; emitting both edges surfaces the cycle below.
					addEdge(name, other.filter.Name())
					addEdge(other.filter.Name(), name)
					continue
				}
				if !other.beforeAll {
					addEdge(name, other.filter.Name())
				}
			}
		}
	}

	// Kahn's algorithm with a sorted ready set: lexical order breaks
	// ties, making the result deterministic for equal inputs.
	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	out := make([]*Registration, 0, len(regs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		out = append(out, byName[name])
		var unlocked []string
		for to := range edges[name] {
			indegree[to]--
			if indegree[to] == 0 {
				unlocked = append(unlocked, to)
			}
		}
		sort.Strings(unlocked)
		ready = mergeSorted(ready, unlocked)
	}
	if len(out) != len(regs) {
		return nil, status.Error(codes.FailedPrecondition,
			"unresolvable filter graph")
	}
	return out, nil
}

func mergeSorted(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
