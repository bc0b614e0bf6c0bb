// Completion: 100% - Native helper registry complete
package tracejit

import (
	"fmt"
	"math"
	"sort"
)

// Value is an argument or result crossing the native call boundary
type Value struct {
	Kind  ArgKind
	Int   int64
	Float float64
}

// IntValue wraps a machine integer
func IntValue(v int32) Value { return Value{Kind: ArgInt, Int: int64(v)} }

// RefValue wraps a GC reference
func RefValue(addr uint32) Value { return Value{Kind: ArgRef, Int: int64(addr)} }

// FloatValue wraps a double
func FloatValue(f float64) Value { return Value{Kind: ArgFloat, Float: f} }

// SingleValue wraps a 32-bit float
func SingleValue(f float32) Value { return Value{Kind: ArgSingle, Float: float64(f)} }

// LongLongValue wraps a 64-bit integer
func LongLongValue(v int64) Value { return Value{Kind: ArgLongLong, Int: v} }

// Int32 returns the value as a machine word
func (v Value) Int32() int32 { return int32(v.Int) }

// Ref returns the value as an address
func (v Value) Ref() uint32 { return uint32(v.Int) }

func (v Value) String() string {
	switch v.Kind {
	case ArgFloat, ArgSingle:
		return fmt.Sprintf("%g", v.Float)
	case ArgRef:
		return fmt.Sprintf("0x%x", uint32(v.Int))
	case ArgVoid:
		return "void"
	}
	return fmt.Sprintf("%d", v.Int)
}

// words splits the value into the 32-bit words the ABI passes
func (v Value) words() (lo, hi uint32) {
	switch v.Kind {
	case ArgFloat:
		b := math.Float64bits(v.Float)
		return uint32(b), uint32(b >> 32)
	case ArgSingle:
		return math.Float32bits(float32(v.Float)), 0
	case ArgLongLong:
		return uint32(v.Int), uint32(uint64(v.Int) >> 32)
	}
	return uint32(v.Int), 0
}

// valueFromWords rebuilds a value of the given kind from ABI words
func valueFromWords(kind ArgKind, lo, hi uint32) Value {
	switch kind {
	case ArgFloat:
		return FloatValue(math.Float64frombits(uint64(hi)<<32 | uint64(lo)))
	case ArgSingle:
		return SingleValue(math.Float32frombits(lo))
	case ArgLongLong:
		return LongLongValue(int64(uint64(hi)<<32 | uint64(lo)))
	case ArgRef:
		return RefValue(lo)
	case ArgVoid:
		return Value{Kind: ArgVoid}
	}
	return IntValue(int32(lo))
}

// HelperFunc implements a native function in Go
type HelperFunc func(args []Value) (Value, error)

// NativeFunc is a function callable from compiled code at a trap address
type NativeFunc struct {
	Name   string
	Args   []ArgKind
	Result ArgKind
	Fn     HelperFunc
	Addr   uint32

	// Calls counts invocations from compiled code and the blackhole
	Calls int
}

// HelperTable maps trap addresses to native functions
type HelperTable struct {
	byAddr map[uint32]*NativeFunc
	byName map[string]*NativeFunc
	next   uint32
}

func newHelperTable() *HelperTable {
	return &HelperTable{
		byAddr: make(map[uint32]*NativeFunc),
		byName: make(map[string]*NativeFunc),
		next:   HelperBase,
	}
}

// Register installs fn and returns its address. Registering an existing
// name replaces the function but keeps the address.
func (t *HelperTable) Register(name string, args []ArgKind, result ArgKind, fn HelperFunc) uint32 {
	if nf, ok := t.byName[name]; ok {
		nf.Args, nf.Result, nf.Fn = args, result, fn
		return nf.Addr
	}
	assertf(t.next < HelperEnd, "helper page full")
	nf := &NativeFunc{Name: name, Args: args, Result: result, Fn: fn, Addr: t.next}
	t.next += 16
	t.byAddr[nf.Addr] = nf
	t.byName[name] = nf
	return nf.Addr
}

// Lookup finds a helper by name
func (t *HelperTable) Lookup(name string) (*NativeFunc, bool) {
	nf, ok := t.byName[name]
	return nf, ok
}

// At finds a helper by address
func (t *HelperTable) At(addr uint32) (*NativeFunc, bool) {
	nf, ok := t.byAddr[addr]
	return nf, ok
}

// Names returns all registered helper names, sorted
func (t *HelperTable) Names() []string {
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call invokes a helper directly from Go
func (t *HelperTable) Call(addr uint32, args []Value) (Value, error) {
	nf, ok := t.byAddr[addr]
	if !ok {
		return Value{}, fmt.Errorf("no native function at 0x%08x", addr)
	}
	if len(args) != len(nf.Args) {
		return Value{}, fmt.Errorf("%s: expected %d arguments, got %d", nf.Name, len(nf.Args), len(args))
	}
	nf.Calls++
	return nf.Fn(args)
}
