// Package channelargs provides the immutable key/value configuration map
// attached to channels. Mutating operations return new maps; readers
// never lock. Values are integers, immutable strings, or typed pointers
// carrying a small dispatch table for copy/destroy/compare.
package channelargs

import (
	"reflect"
	"sort"
	"strings"
)

// InternalPrefix marks keys that are stripped by [Preconditioning] before
// any user-visible use of the arguments.
const InternalPrefix = "grpc.internal."

// Reserved argument keys recognized by the core.
const (
	// KeyTransport carries the transport pointer; mandatory for any
	// non-lame channel. Always a raw pointer value.
	KeyTransport = InternalPrefix + "transport"
	// KeyLameFilterError carries the status payload a lame channel
	// rejects every call with.
	KeyLameFilterError = InternalPrefix + "lame_filter_error"
	// KeyMinimalStack requests the minimal default filter stack.
	KeyMinimalStack = "grpc.minimal_stack"
	// KeyEventEngine overrides the executor used for callbacks. Always a
	// raw pointer value.
	KeyEventEngine = InternalPrefix + "event_engine"
)

// Vtable dispatches lifecycle and comparison for pointer values. Copy is
// invoked when a pointer is stored (isolating the map's snapshot), Cmp
// when maps are ordered or tested for equality. Destroy is invoked only
// by an explicit [Args.DestroyPointers] walk: the garbage collector owns
// memory, so Destroy exists for pointees holding non-memory resources.
type Vtable struct {
	Copy    func(p any) any
	Destroy func(p any)
	Cmp     func(a, b any) int
}

// RawPointerVtable stores pointers by reference, compares them by
// identity, and does not own the pointee. Use it for values whose
// lifetime is managed elsewhere (transports, executors).
var RawPointerVtable = &Vtable{
	Copy:    func(p any) any { return p },
	Destroy: func(any) {},
	Cmp:     cmpIdentity,
}

func cmpIdentity(a, b any) int {
	pa, pb := pointerOf(a), pointerOf(b)
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

func pointerOf(v any) uintptr {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Chan, reflect.Map, reflect.Func, reflect.Slice:
		return rv.Pointer()
	default:
		return 0
	}
}

type valueKind uint8

const (
	kindInt valueKind = iota
	kindString
	kindPointer
)

// Value is a single argument value: an integer, an immutable string, or
// a vtable pointer. The zero Value is an integer zero.
type Value struct {
	ptr    any
	vtable *Vtable
	str    string
	num    int64
	kind   valueKind
}

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: kindInt, num: v} }

// String returns an immutable string value.
func String(v string) Value { return Value{kind: kindString, str: v} }

// Pointer returns a pointer value governed by vtable. The stored pointer
// is vtable.Copy(p). Pointer panics on a nil vtable or a vtable missing
// any function; use [RawPointerVtable] for unowned values.
func Pointer(p any, vtable *Vtable) Value {
	if vtable == nil || vtable.Copy == nil || vtable.Destroy == nil || vtable.Cmp == nil {
		panic("channelargs: pointer values require a complete vtable")
	}
	return Value{kind: kindPointer, ptr: vtable.Copy(p), vtable: vtable}
}

// IsInt reports whether the value holds an integer.
func (v Value) IsInt() bool { return v.kind == kindInt }

// IsString reports whether the value holds a string.
func (v Value) IsString() bool { return v.kind == kindString }

// IsPointer reports whether the value holds a pointer.
func (v Value) IsPointer() bool { return v.kind == kindPointer }

// IntValue returns the integer, or 0 if the value is not an integer.
func (v Value) IntValue() int64 { return v.num }

// StringValue returns the string, or "" if the value is not a string.
func (v Value) StringValue() string { return v.str }

// PointerValue returns the stored pointer, or nil.
func (v Value) PointerValue() any { return v.ptr }

// Compare orders values: by kind first, then by contents. Pointer values
// compare via their vtable's Cmp when the vtables match, by vtable
// identity otherwise.
func (v Value) Compare(o Value) int {
	if v.kind != o.kind {
		return int(v.kind) - int(o.kind)
	}
	switch v.kind {
	case kindInt:
		switch {
		case v.num < o.num:
			return -1
		case v.num > o.num:
			return 1
		}
		return 0
	case kindString:
		return strings.Compare(v.str, o.str)
	default:
		if v.vtable != o.vtable {
			return cmpIdentity(v.vtable, o.vtable)
		}
		return v.vtable.Cmp(v.ptr, o.ptr)
	}
}

// Equal reports value equality, consistent with Compare.
func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

// Args is an immutable channel-argument map. The zero value is the empty
// map; all mutating operations return a new map, so an Args value may be
// shared freely across goroutines without synchronization.
type Args struct {
	m map[string]Value
}

// New returns the empty argument map.
func New() Args { return Args{} }

func (a Args) clone() map[string]Value {
	m := make(map[string]Value, len(a.m)+1)
	for k, v := range a.m {
		m[k] = v
	}
	return m
}

// Len returns the number of entries.
func (a Args) Len() int { return len(a.m) }

// Set returns a map with key bound to value, replacing any prior entry.
func (a Args) Set(key string, value Value) Args {
	m := a.clone()
	m[key] = value
	return Args{m: m}
}

// SetIfUnset returns a map with key bound to value only if key was
// absent.
func (a Args) SetIfUnset(key string, value Value) Args {
	if _, ok := a.m[key]; ok {
		return a
	}
	return a.Set(key, value)
}

// Remove returns a map without key.
func (a Args) Remove(key string) Args {
	if _, ok := a.m[key]; !ok {
		return a
	}
	m := a.clone()
	delete(m, key)
	return Args{m: m}
}

// Get returns the value for key.
func (a Args) Get(key string) (Value, bool) {
	v, ok := a.m[key]
	return v, ok
}

// Contains reports whether key is present.
func (a Args) Contains(key string) bool {
	_, ok := a.m[key]
	return ok
}

// GetInt returns the integer for key, or ok=false if absent or not an
// integer.
func (a Args) GetInt(key string) (int64, bool) {
	v, ok := a.m[key]
	if !ok || !v.IsInt() {
		return 0, false
	}
	return v.num, true
}

// GetString returns the string for key, or ok=false if absent or not a
// string.
func (a Args) GetString(key string) (string, bool) {
	v, ok := a.m[key]
	if !ok || !v.IsString() {
		return "", false
	}
	return v.str, true
}

// GetPointer returns the pointer for key, or ok=false if absent or not a
// pointer.
func (a Args) GetPointer(key string) (any, bool) {
	v, ok := a.m[key]
	if !ok || !v.IsPointer() {
		return nil, false
	}
	return v.ptr, true
}

// GetBool interprets an integer entry as a boolean (nonzero = true),
// with def as the fallback for absent or non-integer entries.
func (a Args) GetBool(key string, def bool) bool {
	if v, ok := a.GetInt(key); ok {
		return v != 0
	}
	return def
}

// Keys returns the keys in sorted order.
func (a Args) Keys() []string {
	keys := make([]string, 0, len(a.m))
	for k := range a.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UnionWith returns the union of a and other; on key conflicts the
// receiver's entries are preserved. Both sides are immutable snapshots,
// so the result is deterministic regardless of concurrent derivations.
func (a Args) UnionWith(other Args) Args {
	if len(other.m) == 0 {
		return a
	}
	if len(a.m) == 0 {
		return other
	}
	m := make(map[string]Value, len(a.m)+len(other.m))
	for k, v := range other.m {
		m[k] = v
	}
	for k, v := range a.m {
		m[k] = v
	}
	return Args{m: m}
}

// Compare provides a value-based total order over argument maps: by
// sorted key sequence, then per-key values.
func (a Args) Compare(o Args) int {
	ak, ok := a.Keys(), o.Keys()
	for i := 0; i < len(ak) && i < len(ok); i++ {
		if c := strings.Compare(ak[i], ok[i]); c != 0 {
			return c
		}
		if c := a.m[ak[i]].Compare(o.m[ok[i]]); c != 0 {
			return c
		}
	}
	return len(ak) - len(ok)
}

// Equal reports value equality, consistent with Compare.
func (a Args) Equal(o Args) bool { return a.Compare(o) == 0 }

// DestroyPointers invokes every owned pointer value's Destroy. It is the
// channel stack's final-unref hook for pointees holding non-memory
// resources; derived maps share pointees, so exactly one owner must call
// it.
func (a Args) DestroyPointers() {
	for _, v := range a.m {
		if v.kind == kindPointer {
			v.vtable.Destroy(v.ptr)
		}
	}
}

// Preconditioning strips every key carrying the reserved internal prefix.
// It runs before arguments become user-visible.
func Preconditioning(a Args) Args {
	var strip []string
	for k := range a.m {
		if strings.HasPrefix(k, InternalPrefix) {
			strip = append(strip, k)
		}
	}
	if len(strip) == 0 {
		return a
	}
	m := a.clone()
	for _, k := range strip {
		delete(m, k)
	}
	return Args{m: m}
}
