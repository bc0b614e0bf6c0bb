// Completion: 100% - A32 integer instruction encodings complete
package tracejit

import "math/bits"

// ARM A32 instruction encoding
// Every instruction is one 32-bit little-endian word. The encoders are pure
// functions; operands that do not fit their field are a compiler bug and
// raise an AssertionError.

// Cond is an A32 condition code
type Cond uint8

const (
	EQ Cond = iota // Z set
	NE             // Z clear
	HS             // C set (unsigned >=)
	LO             // C clear (unsigned <)
	MI             // N set
	PL             // N clear
	VS             // V set
	VC             // V clear
	HI             // unsigned >
	LS             // unsigned <=
	GE             // signed >=
	LT             // signed <
	GT             // signed >
	LE             // signed <=
	AL             // always
)

var condNames = [...]string{"eq", "ne", "hs", "lo", "mi", "pl", "vs", "vc",
	"hi", "ls", "ge", "lt", "gt", "le", "al"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return "nv"
}

// Opposite returns the negated condition
func (c Cond) Opposite() Cond {
	assertf(c != AL, "AL has no opposite")
	return c ^ 1
}

// Swapped returns the condition that holds when the compared operands are
// exchanged (a < b iff b > a)
func (c Cond) Swapped() Cond {
	switch c {
	case LT:
		return GT
	case GT:
		return LT
	case LE:
		return GE
	case GE:
		return LE
	case LO:
		return HI
	case HI:
		return LO
	case LS:
		return HS
	case HS:
		return LS
	}
	return c
}

// dpOp is a data-processing opcode
type dpOp uint32

const (
	dpAND dpOp = iota
	dpEOR
	dpSUB
	dpRSB
	dpADD
	dpADC
	dpSBC
	dpRSC
	dpTST
	dpTEQ
	dpCMP
	dpCMN
	dpORR
	dpMOV
	dpBIC
	dpMVN
)

// ShiftType selects the barrel shifter operation
type ShiftType uint32

const (
	LSL ShiftType = iota
	LSR
	ASR
	ROR
)

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func reg4(r CoreReg) uint32 {
	assertf(r <= PC, "register %d out of range", r)
	return uint32(r)
}

// encodeImm12 finds the rotated 8-bit form of v
func encodeImm12(v uint32) (uint32, bool) {
	for rot := uint32(0); rot < 16; rot++ {
		imm8 := bits.RotateLeft32(v, int(2*rot))
		if imm8 <= 0xFF {
			return rot<<8 | imm8, true
		}
	}
	return 0, false
}

// decodeImm12 expands a rotated 8-bit immediate field
func decodeImm12(field uint32) uint32 {
	rot := (field >> 8) & 0xF
	return bits.RotateLeft32(field&0xFF, -int(2*rot))
}

// isImm12 reports whether v is encodable as a data-processing immediate
func isImm12(v uint32) bool {
	_, ok := encodeImm12(v)
	return ok
}

func encDPImm(cond Cond, opc dpOp, s bool, rd, rn CoreReg, imm uint32) uint32 {
	field, ok := encodeImm12(imm)
	assertf(ok, "immediate 0x%x not encodable", imm)
	return uint32(cond)<<28 | 1<<25 | uint32(opc)<<21 | b2u(s)<<20 |
		reg4(rn)<<16 | reg4(rd)<<12 | field
}

func encDPReg(cond Cond, opc dpOp, s bool, rd, rn, rm CoreReg, shift ShiftType, amount uint32) uint32 {
	assertf(amount < 32, "shift amount %d out of range", amount)
	return uint32(cond)<<28 | uint32(opc)<<21 | b2u(s)<<20 | reg4(rn)<<16 |
		reg4(rd)<<12 | amount<<7 | uint32(shift)<<5 | reg4(rm)
}

func encDPRegShift(cond Cond, opc dpOp, s bool, rd, rn, rm CoreReg, shift ShiftType, rs CoreReg) uint32 {
	return uint32(cond)<<28 | uint32(opc)<<21 | b2u(s)<<20 | reg4(rn)<<16 |
		reg4(rd)<<12 | reg4(rs)<<8 | uint32(shift)<<5 | 1<<4 | reg4(rm)
}

// encMUL encodes rd = rn * rm
func encMUL(cond Cond, s bool, rd, rn, rm CoreReg) uint32 {
	return uint32(cond)<<28 | b2u(s)<<20 | reg4(rd)<<16 | reg4(rm)<<8 | 0x90 | reg4(rn)
}

// encSMULL encodes rdhi:rdlo = rn * rm (signed 64-bit product)
func encSMULL(cond Cond, rdlo, rdhi, rn, rm CoreReg) uint32 {
	assertf(rdlo != rdhi, "smull needs distinct destination registers")
	return uint32(cond)<<28 | 0x00C00000 | reg4(rdhi)<<16 | reg4(rdlo)<<12 |
		reg4(rm)<<8 | 0x90 | reg4(rn)
}

// encUMULL encodes rdhi:rdlo = rn * rm (unsigned 64-bit product)
func encUMULL(cond Cond, rdlo, rdhi, rn, rm CoreReg) uint32 {
	assertf(rdlo != rdhi, "umull needs distinct destination registers")
	return uint32(cond)<<28 | 0x00800000 | reg4(rdhi)<<16 | reg4(rdlo)<<12 |
		reg4(rm)<<8 | 0x90 | reg4(rn)
}

func encSDIV(cond Cond, rd, rn, rm CoreReg) uint32 {
	return uint32(cond)<<28 | 0x0710F010 | reg4(rd)<<16 | reg4(rm)<<8 | reg4(rn)
}

func encUDIV(cond Cond, rd, rn, rm CoreReg) uint32 {
	return uint32(cond)<<28 | 0x0730F010 | reg4(rd)<<16 | reg4(rm)<<8 | reg4(rn)
}

func encMOVW(cond Cond, rd CoreReg, imm16 uint32) uint32 {
	assertf(imm16 <= 0xFFFF, "movw immediate 0x%x out of range", imm16)
	return uint32(cond)<<28 | 0x03000000 | (imm16>>12)<<16 | reg4(rd)<<12 | imm16&0xFFF
}

func encMOVT(cond Cond, rd CoreReg, imm16 uint32) uint32 {
	assertf(imm16 <= 0xFFFF, "movt immediate 0x%x out of range", imm16)
	return uint32(cond)<<28 | 0x03400000 | (imm16>>12)<<16 | reg4(rd)<<12 | imm16&0xFFF
}

// encLdrStrImm encodes LDR/STR/LDRB/STRB [rn, #offset] without writeback
func encLdrStrImm(cond Cond, load, byteSize bool, rt, rn CoreReg, offset int) uint32 {
	up := offset >= 0
	if !up {
		offset = -offset
	}
	assertf(offset < 4096, "load/store offset %d out of range", offset)
	return uint32(cond)<<28 | 0x04000000 | 1<<24 | b2u(up)<<23 | b2u(byteSize)<<22 |
		b2u(load)<<20 | reg4(rn)<<16 | reg4(rt)<<12 | uint32(offset)
}

// encLdrStrReg encodes LDR/STR/LDRB/STRB [rn, +/-rm, LSL #shift]
func encLdrStrReg(cond Cond, load, byteSize bool, rt, rn, rm CoreReg, shift uint32) uint32 {
	assertf(shift < 32, "index shift %d out of range", shift)
	return uint32(cond)<<28 | 0x06000000 | 1<<24 | 1<<23 | b2u(byteSize)<<22 |
		b2u(load)<<20 | reg4(rn)<<16 | reg4(rt)<<12 | shift<<7 | reg4(rm)
}

// halfOp selects one of the "extra" load/store forms
type halfOp uint8

const (
	opSTRH halfOp = iota
	opLDRH
	opLDRSB
	opLDRSH
)

func (h halfOp) bits() (load, signed, half uint32) {
	switch h {
	case opSTRH:
		return 0, 0, 1
	case opLDRH:
		return 1, 0, 1
	case opLDRSB:
		return 1, 1, 0
	default:
		return 1, 1, 1
	}
}

func encHalfImm(cond Cond, op halfOp, rt, rn CoreReg, offset int) uint32 {
	up := offset >= 0
	if !up {
		offset = -offset
	}
	assertf(offset < 256, "halfword offset %d out of range", offset)
	l, s, h := op.bits()
	off := uint32(offset)
	return uint32(cond)<<28 | 1<<24 | b2u(up)<<23 | 1<<22 | l<<20 | reg4(rn)<<16 |
		reg4(rt)<<12 | (off>>4)<<8 | 1<<7 | s<<6 | h<<5 | 1<<4 | off&0xF
}

func encHalfReg(cond Cond, op halfOp, rt, rn, rm CoreReg) uint32 {
	l, s, h := op.bits()
	return uint32(cond)<<28 | 1<<24 | 1<<23 | l<<20 | reg4(rn)<<16 |
		reg4(rt)<<12 | 1<<7 | s<<6 | h<<5 | 1<<4 | reg4(rm)
}

func regList(regs []CoreReg) uint32 {
	var list uint32
	for _, r := range regs {
		list |= 1 << reg4(r)
	}
	assertf(list != 0, "empty register list")
	return list
}

// encPUSH encodes STMDB sp!, {regs}
func encPUSH(cond Cond, regs []CoreReg) uint32 {
	return uint32(cond)<<28 | 0x092D0000 | regList(regs)
}

// encPOP encodes LDMIA sp!, {regs}
func encPOP(cond Cond, regs []CoreReg) uint32 {
	return uint32(cond)<<28 | 0x08BD0000 | regList(regs)
}

// encB encodes a branch; offset is relative to the branch address
func encB(cond Cond, offset int) uint32 {
	return uint32(cond)<<28 | 0x0A000000 | branchField(offset)
}

// encBL encodes a branch with link; offset is relative to the branch address
func encBL(cond Cond, offset int) uint32 {
	return uint32(cond)<<28 | 0x0B000000 | branchField(offset)
}

func branchField(offset int) uint32 {
	rel := offset - 8
	assertf(rel&3 == 0, "branch offset %d not word aligned", offset)
	assertf(rel >= -(1<<25) && rel < 1<<25, "branch offset %d out of range", offset)
	return uint32(rel>>2) & 0xFFFFFF
}

func encBX(cond Cond, rm CoreReg) uint32 {
	return uint32(cond)<<28 | 0x012FFF10 | reg4(rm)
}

func encBLX(cond Cond, rm CoreReg) uint32 {
	return uint32(cond)<<28 | 0x012FFF30 | reg4(rm)
}

func encLDREX(cond Cond, rt, rn CoreReg) uint32 {
	return uint32(cond)<<28 | 0x01900F9F | reg4(rn)<<16 | reg4(rt)<<12
}

// encSTREX encodes STREX rd, rt, [rn]; rd receives 0 on success
func encSTREX(cond Cond, rd, rt, rn CoreReg) uint32 {
	return uint32(cond)<<28 | 0x01800F90 | reg4(rn)<<16 | reg4(rd)<<12 | reg4(rt)
}

// encDMB encodes a full-system data memory barrier
func encDMB() uint32 {
	return 0xF57FF05F
}

func encNOP(cond Cond) uint32 {
	return uint32(cond)<<28 | 0x0320F000
}

// encBKPT encodes a breakpoint; it always executes
func encBKPT(imm16 uint32) uint32 {
	assertf(imm16 <= 0xFFFF, "bkpt immediate 0x%x out of range", imm16)
	return 0xE1200070 | (imm16>>4)<<8 | imm16&0xF
}
