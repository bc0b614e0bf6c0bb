// Completion: 100% - Location model complete
package tracejit

import "fmt"

// Location describes where a value lives at a given program point. The set
// of implementations is closed.
type Location interface {
	isLocation()
	String() string
}

// CoreReg is an integer register r0-r15
type CoreReg uint8

// VFPReg is a double precision register d0-d15
type VFPReg uint8

// SVFPReg is a single precision register s0-s31, overlapping the d registers
type SVFPReg uint8

// StackSlot is a JitFrame spill slot. Floats take two consecutive words.
type StackSlot struct {
	Index int
	Kind  Kind
}

// RawStackSlot is a machine-stack location relative to sp, used for
// arguments passed on the stack
type RawStackSlot struct {
	Offset int
	Kind   Kind
}

// Imm is a word immediate
type Imm struct {
	Value int32
}

// ImmFloat is a double constant stored in the constant pool at Addr
type ImmFloat struct {
	Addr uint32
}

// Flags is the pseudo-location of a comparison whose result lives only in
// the condition flags. It is legal only as the input of the guard that
// immediately follows the comparison.
type Flags struct {
	Cond Cond
}

func (CoreReg) isLocation()      {}
func (VFPReg) isLocation()       {}
func (SVFPReg) isLocation()      {}
func (StackSlot) isLocation()    {}
func (RawStackSlot) isLocation() {}
func (Imm) isLocation()          {}
func (ImmFloat) isLocation()     {}
func (Flags) isLocation()        {}

func (r CoreReg) String() string {
	if int(r) < len(coreRegNames) {
		return coreRegNames[r]
	}
	return fmt.Sprintf("r?%d", uint8(r))
}

func (d VFPReg) String() string      { return fmt.Sprintf("d%d", uint8(d)) }
func (s SVFPReg) String() string     { return fmt.Sprintf("s%d", uint8(s)) }
func (s StackSlot) String() string   { return fmt.Sprintf("frame[%d]", s.Index) }
func (s RawStackSlot) String() string { return fmt.Sprintf("sp[%d]", s.Offset) }
func (i Imm) String() string         { return fmt.Sprintf("#%d", i.Value) }
func (f ImmFloat) String() string    { return fmt.Sprintf("=[0x%x]", f.Addr) }
func (f Flags) String() string       { return "flags(" + f.Cond.String() + ")" }

// Width returns the number of words a stack slot covers
func (s StackSlot) Width() int { return s.Kind.Words() }

// Offset is the byte offset of the slot inside the JitFrame
func (s StackSlot) Offset() int { return slotOffset(s.Index) }

// First returns the low single-precision half of a double register
func (d VFPReg) First() SVFPReg { return SVFPReg(2 * d) }

// Double returns the double register containing this single
func (s SVFPReg) Double() VFPReg { return VFPReg(s / 2) }

func isCoreReg(l Location) bool {
	_, ok := l.(CoreReg)
	return ok
}

func isVFPReg(l Location) bool {
	_, ok := l.(VFPReg)
	return ok
}

func isStack(l Location) bool {
	switch l.(type) {
	case StackSlot, RawStackSlot:
		return true
	}
	return false
}

func isImmediate(l Location) bool {
	switch l.(type) {
	case Imm, ImmFloat:
		return true
	}
	return false
}

// isFloatLocation reports whether the location carries a double
func isFloatLocation(l Location) bool {
	switch v := l.(type) {
	case VFPReg, ImmFloat:
		return true
	case StackSlot:
		return v.Kind == KindFloat
	case RawStackSlot:
		return v.Kind == KindFloat
	}
	return false
}
