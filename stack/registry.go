package stack

import (
	"fmt"

	"github.com/joeycumines/go-rpcruntime/channelargs"
)

// Registration is a filter plus its ordering constraints and enablement
// predicates. Obtain one from [Registry.Register]; constraint methods
// chain.
type Registration struct {
	filter     Filter
	before     []string
	after      []string
	beforeAll  bool
	terminal   bool
	predicates []func(channelargs.Args) bool
}

// Before constrains this filter to precede each named filter that ends
// up in the stack.
func (r *Registration) Before(names ...string) *Registration {
	r.before = append(r.before, names...)
	return r
}

// After constrains this filter to follow each named filter that ends up
// in the stack.
func (r *Registration) After(names ...string) *Registration {
	r.after = append(r.after, names...)
	return r
}

// BeforeAll constrains this filter to precede every other filter. Two
// BeforeAll filters without an explicit mutual Before/After constraint
// make the graph unresolvable.
func (r *Registration) BeforeAll() *Registration {
	r.beforeAll = true
	return r
}

// Terminal marks this filter as a stack terminator. Exactly one enabled
// terminal must be selected per build.
func (r *Registration) Terminal() *Registration {
	r.terminal = true
	return r
}

// IfChannelArg enables this filter only when the named boolean channel
// argument (with the given default) is true.
func (r *Registration) IfChannelArg(key string, def bool) *Registration {
	r.predicates = append(r.predicates, func(args channelargs.Args) bool {
		return args.GetBool(key, def)
	})
	return r
}

// If enables this filter only when pred passes for the build's channel
// arguments.
func (r *Registration) If(pred func(channelargs.Args) bool) *Registration {
	r.predicates = append(r.predicates, pred)
	return r
}

func (r *Registration) enabled(args channelargs.Args) bool {
	for _, pred := range r.predicates {
		if !pred(args) {
			return false
		}
	}
	return true
}

// PostProcessorSlot indexes the fixed post-processing stages a build
// runs after ordering, in slot order.
type PostProcessorSlot int

const (
	// PostProcessorSlotFirst runs before any other post-processing.
	PostProcessorSlotFirst PostProcessorSlot = iota
	// PostProcessorSlotLast runs after all other post-processing.
	PostProcessorSlotLast

	numPostProcessorSlots
)

// PostProcessor may splice additional filters into a builder after the
// registered filters have been ordered.
type PostProcessor func(*Builder)

// Registry collects filter registrations and post-processors, and
// produces builders. Registries are assembled during setup and treated
// as immutable afterwards.
type Registry struct {
	regs []*Registration
	post [numPostProcessorSlots][]PostProcessor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Register adds a filter, returning its registration for constraint
// chaining. Duplicate names panic: names are the ordering identity.
func (r *Registry) Register(f Filter) *Registration {
	for _, existing := range r.regs {
		if existing.filter.Name() == f.Name() {
			panic(fmt.Sprintf("stack: duplicate filter registration %q", f.Name()))
		}
	}
	reg := &Registration{filter: f}
	r.regs = append(r.regs, reg)
	return reg
}

// RegisterPostProcessor adds a post-processor to the given slot.
func (r *Registry) RegisterPostProcessor(slot PostProcessorSlot, fn PostProcessor) {
	if slot < 0 || slot >= numPostProcessorSlots {
		panic("stack: invalid post-processor slot")
	}
	r.post[slot] = append(r.post[slot], fn)
}
