// Completion: 100% - Register file and frame layout complete
package tracejit

// WORD is the machine word size in bytes
const WORD = 4

// Core registers of the target machine
const (
	R0 CoreReg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	FP // r11: holds the active JitFrame
	IP // r12: scratch, never allocated
	SP
	LR
	PC
)

// VFP double registers
const (
	D0 VFPReg = iota
	D1
	D2
	D3
	D4
	D5
	D6
	D7
	D8
	D9
	D10
	D11
	D12
	D13
	D14
	D15
)

// VFPScratch is reserved for memory-to-memory float moves and constants
const VFPScratch = D15

var (
	allocatableCore = []CoreReg{R0, R1, R2, R3, R4, R5, R6, R7, R8, R9, R10}
	callerSavedCore = []CoreReg{R0, R1, R2, R3}
	calleeSavedCore = []CoreReg{R4, R5, R6, R7, R8, R9, R10}
	allocatableVFP  = []VFPReg{D0, D1, D2, D3, D4, D5, D6, D7, D8, D9, D10, D11, D12, D13, D14}
	argumentCore    = []CoreReg{R0, R1, R2, R3}
)

var coreRegNames = [16]string{"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "fp", "ip", "sp", "lr", "pc"}

// JitFrame header layout (byte offsets)
const (
	jfTypeIDOfs     = 0
	jfDepthOfs      = 4
	jfDescrOfs      = 8
	jfForceDescrOfs = 12
	jfGcmapOfs      = 16
	jfSavedataOfs   = 20
	jfGuardExcOfs   = 24
	jfForwardOfs    = 28
	jfFrameBaseOfs  = 32
)

// JitframeFixedSize is the number of slots reserved for the register save
// area: one per allocatable core register, two per allocatable VFP register
var JitframeFixedSize = len(allocatableCore) + 2*len(allocatableVFP)

// slotOffset maps a spill slot index to its byte offset inside the JitFrame
func slotOffset(index int) int {
	return jfFrameBase(JitframeFixedSize + index)
}

// jfFrameBase maps an absolute frame position (register area included)
// to a byte offset
func jfFrameBase(position int) int {
	return jfFrameBaseOfs + position*WORD
}

// coreSavePosition is the frame position where a core register is saved
func coreSavePosition(r CoreReg) int {
	assertf(r <= R10, "no save slot for %s", r)
	return int(r)
}

// vfpSavePosition is the frame position of the first word of a saved VFP register
func vfpSavePosition(d VFPReg) int {
	assertf(d < VFPScratch, "no save slot for %s", d)
	return len(allocatableCore) + 2*int(d)
}

// framePosition returns the absolute frame position a location is saved at
// when a guard fails: registers map to their save slots, stack slots to
// the fixed area plus their index
func framePosition(loc Location) int {
	switch l := loc.(type) {
	case CoreReg:
		return coreSavePosition(l)
	case VFPReg:
		return vfpSavePosition(l)
	case StackSlot:
		return JitframeFixedSize + l.Index
	}
	failf("location %v has no frame position", loc)
	return 0
}

// jitframeSize returns the byte size of a frame with depth spill slots
func jitframeSize(depth int) int {
	return jfFrameBase(JitframeFixedSize + depth)
}
