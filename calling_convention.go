// Completion: 100% - Calling conventions complete
package tracejit

// Calling conventions for the ARM procedure call standard
//
// Both variants share the core register rules:
// - r0-r3 carry the first words, 64-bit values use an even/odd pair
// - once an argument spills to the stack, later core arguments follow it
// - the stack is 8-byte aligned at the call instruction
//
// The hard-float variant (AAPCS-VFP) passes doubles in d0-d7 and singles in
// s0-s15, back-filling singles into holes left by double alignment. The
// soft-float variant passes every float through core registers.

import "github.com/xyproto/tracejit/internal/engine"

// ArgPlace says where the ABI puts one argument
type ArgPlace struct {
	Core    []CoreReg // one or two registers, low word first
	VFP     Location  // VFPReg or SVFPReg under hard float
	OnStack bool
	Offset  int // byte offset from sp at the call when OnStack
}

// CallingConvention defines the interface for the float ABI variants
type CallingConvention interface {
	// Classify places every argument and returns the stack bytes needed,
	// already rounded to the stack alignment
	Classify(kinds []ArgKind) ([]ArgPlace, int)

	// ResultPlace returns where a result of the given kind comes back
	ResultPlace(kind ArgKind) ArgPlace

	// CallerSavedCore returns the core registers a call clobbers
	CallerSavedCore() []CoreReg

	// StackAlignment returns the required alignment at the call
	StackAlignment() int

	// FloatABI identifies the variant
	FloatABI() engine.FloatABI
}

// GetCallingConvention returns the convention for a float ABI
func GetCallingConvention(abi engine.FloatABI) CallingConvention {
	if abi == engine.HardFloat {
		return aapcsHard{}
	}
	return aapcsSoft{}
}

// coreAllocator implements the core register and stack rules
type coreAllocator struct {
	ncrn  int // next core register number
	nsaa  int // next stacked argument offset
	stack bool
}

func (c *coreAllocator) place(kind ArgKind) ArgPlace {
	if kind.words() == 2 {
		if c.ncrn%2 == 1 {
			c.ncrn++
		}
		if c.ncrn <= 2 {
			p := ArgPlace{Core: []CoreReg{CoreReg(c.ncrn), CoreReg(c.ncrn + 1)}}
			c.ncrn += 2
			return p
		}
		c.ncrn = 4
		return c.stackSlot(8)
	}
	if c.ncrn < 4 {
		p := ArgPlace{Core: []CoreReg{CoreReg(c.ncrn)}}
		c.ncrn++
		return p
	}
	return c.stackSlot(4)
}

func (c *coreAllocator) stackSlot(size int) ArgPlace {
	c.nsaa = (c.nsaa + size - 1) &^ (size - 1)
	p := ArgPlace{OnStack: true, Offset: c.nsaa}
	c.nsaa += size
	return p
}

func (c *coreAllocator) stackBytes() int {
	return (c.nsaa + 7) &^ 7
}

// aapcsSoft is the base standard: floats travel in core registers
type aapcsSoft struct{}

func (aapcsSoft) Classify(kinds []ArgKind) ([]ArgPlace, int) {
	var ca coreAllocator
	places := make([]ArgPlace, len(kinds))
	for i, k := range kinds {
		places[i] = ca.place(k)
	}
	return places, ca.stackBytes()
}

func (aapcsSoft) ResultPlace(kind ArgKind) ArgPlace {
	switch kind {
	case ArgVoid:
		return ArgPlace{}
	case ArgFloat, ArgLongLong:
		return ArgPlace{Core: []CoreReg{R0, R1}}
	}
	return ArgPlace{Core: []CoreReg{R0}}
}

func (aapcsSoft) CallerSavedCore() []CoreReg   { return callerSavedCore }
func (aapcsSoft) StackAlignment() int          { return 8 }
func (aapcsSoft) FloatABI() engine.FloatABI    { return engine.SoftFloat }

// aapcsHard is the VFP variant
type aapcsHard struct{}

func (aapcsHard) Classify(kinds []ArgKind) ([]ArgPlace, int) {
	var ca coreAllocator
	var used uint16 // s0-s15 occupancy
	vfpStacked := false
	places := make([]ArgPlace, len(kinds))
	for i, k := range kinds {
		if !k.isVFP() {
			places[i] = ca.place(k)
			continue
		}
		if !vfpStacked {
			if k == ArgFloat {
				if d, ok := firstFreeDouble(used); ok {
					used |= 3 << (2 * d)
					places[i] = ArgPlace{VFP: VFPReg(d)}
					continue
				}
			} else if s, ok := firstFreeSingle(used); ok {
				used |= 1 << s
				places[i] = ArgPlace{VFP: SVFPReg(s)}
				continue
			}
			// no back-filling once a VFP argument went to the stack
			vfpStacked = true
			used = 0xFFFF
		}
		if k == ArgFloat {
			places[i] = ca.stackSlot(8)
		} else {
			places[i] = ca.stackSlot(4)
		}
	}
	return places, ca.stackBytes()
}

func firstFreeDouble(used uint16) (int, bool) {
	for d := 0; d < 8; d++ {
		if used&(3<<(2*d)) == 0 {
			return d, true
		}
	}
	return 0, false
}

func firstFreeSingle(used uint16) (int, bool) {
	for s := 0; s < 16; s++ {
		if used&(1<<s) == 0 {
			return s, true
		}
	}
	return 0, false
}

func (aapcsHard) ResultPlace(kind ArgKind) ArgPlace {
	switch kind {
	case ArgVoid:
		return ArgPlace{}
	case ArgFloat:
		return ArgPlace{VFP: D0}
	case ArgSingle:
		return ArgPlace{VFP: SVFPReg(0)}
	case ArgLongLong:
		return ArgPlace{Core: []CoreReg{R0, R1}}
	}
	return ArgPlace{Core: []CoreReg{R0}}
}

func (aapcsHard) CallerSavedCore() []CoreReg { return callerSavedCore }
func (aapcsHard) StackAlignment() int        { return 8 }
func (aapcsHard) FloatABI() engine.FloatABI  { return engine.HardFloat }
