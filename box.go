// Completion: 100% - IR values complete
package tracejit

import (
	"fmt"
	"math"
)

// Kind is the primitive type of a trace value
type Kind uint8

const (
	KindVoid Kind = iota
	KindInt
	KindRef
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindRef:
		return "ref"
	case KindFloat:
		return "float"
	default:
		return "void"
	}
}

// Prefix is the one-letter prefix used in trace listings (i0, p1, f2)
func (k Kind) Prefix() string {
	switch k {
	case KindInt:
		return "i"
	case KindRef:
		return "p"
	case KindFloat:
		return "f"
	default:
		return "v"
	}
}

// Words returns how many frame words a value of this kind occupies
func (k Kind) Words() int {
	if k == KindFloat {
		return 2
	}
	return 1
}

// Box is a trace value: either a runtime Var or a compile-time constant
type Box interface {
	Kind() Kind
	IsConst() bool
	String() string
}

// Var is an SSA definition produced by an input argument or an operation.
// Identity is pointer identity; the allocator maps it to a Location but
// never mutates it.
type Var struct {
	kind Kind
	Name string
}

// NewVar creates a runtime value of the given kind
func NewVar(kind Kind, name string) *Var {
	return &Var{kind: kind, Name: name}
}

func (v *Var) Kind() Kind     { return v.kind }
func (v *Var) IsConst() bool  { return false }
func (v *Var) String() string { return v.Name }

// ConstInt is an integer immediate
type ConstInt struct {
	Value int32
}

func (c ConstInt) Kind() Kind     { return KindInt }
func (c ConstInt) IsConst() bool  { return true }
func (c ConstInt) String() string { return fmt.Sprintf("%d", c.Value) }

// ConstPtr is a reference immediate (an address in the simulated heap)
type ConstPtr struct {
	Value uint32
}

func (c ConstPtr) Kind() Kind     { return KindRef }
func (c ConstPtr) IsConst() bool  { return true }
func (c ConstPtr) String() string { return fmt.Sprintf("ConstPtr(0x%x)", c.Value) }

// ConstFloat is a double immediate
type ConstFloat struct {
	Value float64
}

func (c ConstFloat) Kind() Kind     { return KindFloat }
func (c ConstFloat) IsConst() bool  { return true }
func (c ConstFloat) String() string { return fmt.Sprintf("%g", c.Value) }

// Bits returns the IEEE-754 encoding of the constant
func (c ConstFloat) Bits() uint64 { return math.Float64bits(c.Value) }

// constWord returns the 32-bit payload of an int or ref constant
func constWord(b Box) uint32 {
	switch c := b.(type) {
	case ConstInt:
		return uint32(c.Value)
	case ConstPtr:
		return c.Value
	}
	failf("constWord on non-word constant %v", b)
	return 0
}

// isVar reports whether b is a runtime value and returns it
func isVar(b Box) (*Var, bool) {
	v, ok := b.(*Var)
	return v, ok
}
