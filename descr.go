// Completion: 100% - Descriptors complete
package tracejit

import (
	"fmt"
	"strings"
)

// Descr is an opaque layout or identity token attached to an operation
type Descr interface {
	String() string
}

// FieldDescr describes a field of a GC object
type FieldDescr struct {
	Name   string
	Offset int
	Size   int
	Signed bool
	Kind   Kind
}

func (d *FieldDescr) String() string { return "<field " + d.Name + ">" }

// loadSize returns the size argument of gc_load: negative for signed loads
func (d *FieldDescr) loadSize() int32 {
	if d.Signed && d.Size < WORD {
		return int32(-d.Size)
	}
	return int32(d.Size)
}

// ArrayDescr describes a GC array: header, length word and items
type ArrayDescr struct {
	Name         string
	BaseSize     int // offset of item 0
	ItemSize     int
	LengthOffset int
	Signed       bool
	Kind         Kind
	TypeID       uint32
}

func (d *ArrayDescr) String() string { return "<array " + d.Name + ">" }

func (d *ArrayDescr) loadSize() int32 {
	if d.Signed && d.ItemSize < WORD {
		return int32(-d.ItemSize)
	}
	return int32(d.ItemSize)
}

// SizeDescr describes a fixed-size GC object
type SizeDescr struct {
	Name   string
	Size   int
	TypeID uint32
	Vtable uint32 // zero for objects without a class
}

func (d *SizeDescr) String() string { return "<size " + d.Name + ">" }

// ArgKind is the machine-level class of a call argument or result
type ArgKind byte

const (
	ArgInt      ArgKind = 'i'
	ArgRef      ArgKind = 'r'
	ArgFloat    ArgKind = 'f'
	ArgSingle   ArgKind = 'S' // 32-bit float
	ArgLongLong ArgKind = 'L' // 64-bit integer
	ArgVoid     ArgKind = 'v'
)

// words returns the number of core words the kind occupies when passed in
// integer registers
func (a ArgKind) words() int {
	if a == ArgFloat || a == ArgLongLong {
		return 2
	}
	return 1
}

// isVFP reports whether the hard-float ABI passes the kind in VFP registers
func (a ArgKind) isVFP() bool {
	return a == ArgFloat || a == ArgSingle
}

func argKindOf(k Kind) ArgKind {
	switch k {
	case KindInt:
		return ArgInt
	case KindRef:
		return ArgRef
	case KindFloat:
		return ArgFloat
	}
	return ArgVoid
}

// EffectInfo describes what a called function may do
type EffectInfo uint8

const (
	EffectCanCollect EffectInfo = 1 << iota
	EffectCanRaise
	EffectMayForce
	EffectReleasesGIL
	EffectSaveErrno // copy the C errno into the thread-local after the call
	EffectReadErrno // set the C errno from the thread-local before the call
)

func (e EffectInfo) Has(f EffectInfo) bool { return e&f != 0 }

// CallDescr describes the signature and effects of a call
type CallDescr struct {
	Name         string
	ArgKinds     []ArgKind
	Result       ArgKind
	ResultSize   int
	ResultSigned bool
	Effect       EffectInfo
}

func (d *CallDescr) String() string {
	var sb strings.Builder
	sb.WriteString("<call ")
	sb.WriteString(d.Name)
	sb.WriteString(" ")
	for _, k := range d.ArgKinds {
		sb.WriteByte(byte(k))
	}
	sb.WriteString(">")
	sb.WriteByte(byte(d.Result))
	return sb.String()
}

// FailDescr identifies one guard. It owns the resume snapshot and, once the
// unit is compiled, the addresses of the guard's branch and recovery stub.
type FailDescr struct {
	Name     string
	Snapshot *Snapshot

	handle    uint32
	failArgs  []Box      // as given on the guard, nil for holes
	failLocs  []Location // where each fail arg lives when the guard fails
	gcmap     uint32     // address of the gcmap saved with the guard
	failCond  Cond       // branch condition that leaves the trace
	guardAddr uint32     // address of the placeholder branch
	stubAddr  uint32
	block     *CodeBlock // unit containing the guard
	loop      *CompiledLoopToken
	passive   bool // guard_not_invalidated: starts as a no-op
	saveExc   bool // stub moves the pending exception into the frame

	bridgeAddr uint32 // zero until a bridge is attached

	// Failures counts how often the guard failed at runtime
	Failures int
	retries  int
	giveUp   bool
}

// NewFailDescr creates a guard descriptor
func NewFailDescr(name string) *FailDescr {
	return &FailDescr{Name: name}
}

func (d *FailDescr) String() string {
	if d.Name != "" {
		return "<guard " + d.Name + ">"
	}
	return fmt.Sprintf("<guard #%d>", d.handle)
}

// Handle returns the integer identity stored in jf_descr
func (d *FailDescr) Handle() uint32 { return d.handle }

// HasBridge reports whether a bridge is attached
func (d *FailDescr) HasBridge() bool { return d.bridgeAddr != 0 }

// GaveUp reports whether bridge compilation was abandoned for this guard
func (d *FailDescr) GaveUp() bool { return d.giveUp }

// FailArgs returns the guard's fail arguments
func (d *FailDescr) FailArgs() []Box { return d.failArgs }

// FinalDescr marks a FINISH
type FinalDescr struct {
	Name   string
	Result Kind
	handle uint32
}

// NewFinalDescr creates a FINISH descriptor with the given result kind
func NewFinalDescr(name string, result Kind) *FinalDescr {
	return &FinalDescr{Name: name, Result: result}
}

func (d *FinalDescr) String() string { return "<finish " + d.Name + ">" }

// Handle returns the integer identity stored in jf_descr
func (d *FinalDescr) Handle() uint32 { return d.handle }

// TargetToken identifies a LABEL. Once compiled it knows the code address
// of the label and the locations its arguments are expected in.
type TargetToken struct {
	Name    string
	addr    uint32
	argLocs []Location
	loop    *CompiledLoopToken
	label   *Label // set while the owning unit is being emitted
}

// NewTargetToken creates a label token
func NewTargetToken(name string) *TargetToken {
	return &TargetToken{Name: name}
}

func (t *TargetToken) String() string { return "<target " + t.Name + ">" }

// Addr returns the compiled address of the label, zero before compilation
func (t *TargetToken) Addr() uint32 { return t.addr }

// CompiledLoopToken identifies a compiled loop and everything attached to it
type CompiledLoopToken struct {
	Name   string
	Number int

	entry     uint32
	inputLocs []Location
	inputs    []Kind
	frameInfo uint32 // address of the word holding the required depth
	blocks    []*CodeBlock
	guards    []*FailDescr // guards of the loop and all of its bridges
	targets   []*TargetToken

	// OpOffsets maps operation index to code offset for the loop body
	OpOffsets   []int
	invalidated bool
	key         [32]byte // trace cache key
}

func (t *CompiledLoopToken) String() string {
	return fmt.Sprintf("<loop %s #%d>", t.Name, t.Number)
}

// Entry returns the address of the loop's entry point
func (t *CompiledLoopToken) Entry() uint32 { return t.entry }

// InputLocations returns where Execute stores the loop arguments
func (t *CompiledLoopToken) InputLocations() []Location { return t.inputLocs }

// Guards returns every guard compiled into the loop and its bridges
func (t *CompiledLoopToken) Guards() []*FailDescr { return t.guards }

// InputKinds returns the kinds of the loop's input arguments
func (t *CompiledLoopToken) InputKinds() []Kind { return t.inputs }
