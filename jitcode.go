// Completion: 100% - JitCode format complete
package tracejit

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// JitCode is the bytecode of one function as the blackhole interpreter
// runs it. An instruction is an opcode byte followed by its operands, as
// described by the argument codes of bhInfo:
//
//	i r f    register of the int, ref or float bank (1 byte); indices past
//	         the register count select the bank's constant pool
//	L        code offset (2 bytes, little endian)
//	d        index into Descrs (2 bytes, little endian)
//	I R F    register list: a count byte, then one operand byte each
//
// Instructions with a result end with one more byte naming the
// destination register.
type JitCode struct {
	Name   string
	Code   []byte
	NumI   int
	NumR   int
	NumF   int
	ConstI []int32
	ConstR []uint32
	ConstF []float64
	Descrs []Descr
	Labels map[string]int // code offsets by label name
}

func (j *JitCode) String() string { return "<jitcode " + j.Name + ">" }

// bhOpcode is a blackhole instruction
type bhOpcode uint8

const (
	bhIntAdd bhOpcode = iota
	bhIntSub
	bhIntMul
	bhIntFloorDiv
	bhIntMod
	bhIntAnd
	bhIntOr
	bhIntXor
	bhIntLshift
	bhIntRshift
	bhUintRshift
	bhIntNeg
	bhIntInvert
	bhIntLt
	bhIntLe
	bhIntEq
	bhIntNe
	bhIntGt
	bhIntGe
	bhUintLt
	bhUintLe
	bhUintGt
	bhUintGe
	bhIntIsTrue
	bhIntIsZero
	bhPtrEq
	bhPtrNe
	bhPtrIsZero
	bhPtrNonZero
	bhIntAddJumpIfOvf
	bhIntSubJumpIfOvf
	bhIntMulJumpIfOvf

	bhFloatAdd
	bhFloatSub
	bhFloatMul
	bhFloatTrueDiv
	bhFloatNeg
	bhFloatAbs
	bhFloatLt
	bhFloatLe
	bhFloatEq
	bhFloatNe
	bhFloatGt
	bhFloatGe
	bhCastIntToFloat
	bhCastFloatToInt

	bhIntCopy
	bhRefCopy
	bhFloatCopy

	bhGoto
	bhGotoIfNot
	bhGotoIfNotIntLt
	bhGotoIfNotIntLe
	bhGotoIfNotIntEq
	bhGotoIfNotIntNe
	bhGotoIfNotIntGt
	bhGotoIfNotIntGe

	bhIntReturn
	bhRefReturn
	bhFloatReturn
	bhVoidReturn
	bhRaise
	bhReraise
	bhCatchException
	bhLastException
	bhLastExcValue

	bhGetfieldGcI
	bhGetfieldGcR
	bhGetfieldGcF
	bhSetfieldGcI
	bhSetfieldGcR
	bhSetfieldGcF
	bhGetarrayitemGcI
	bhGetarrayitemGcR
	bhGetarrayitemGcF
	bhSetarrayitemGcI
	bhSetarrayitemGcR
	bhSetarrayitemGcF
	bhArraylenGc
	bhNew
	bhNewWithVtable
	bhNewArray

	bhResidualCallI
	bhResidualCallR
	bhResidualCallF
	bhResidualCallV
	bhInlineCallI
	bhInlineCallR
	bhInlineCallF
	bhInlineCallV
	bhRecursiveCallI
	bhRecursiveCallR
	bhRecursiveCallF
	bhRecursiveCallV

	bhRvmprofCode
	bhLive
	bhJitMergePoint
	bhLoopHeader
	bhIntGuardValue

	numBhOpcodes
)

type bhInfo struct {
	name   string
	args   string
	result byte // 'i', 'r', 'f' or 0
}

var bhOpcodeInfo = [numBhOpcodes]bhInfo{
	bhIntAdd:          {"int_add", "ii", 'i'},
	bhIntSub:          {"int_sub", "ii", 'i'},
	bhIntMul:          {"int_mul", "ii", 'i'},
	bhIntFloorDiv:     {"int_floordiv", "ii", 'i'},
	bhIntMod:          {"int_mod", "ii", 'i'},
	bhIntAnd:          {"int_and", "ii", 'i'},
	bhIntOr:           {"int_or", "ii", 'i'},
	bhIntXor:          {"int_xor", "ii", 'i'},
	bhIntLshift:       {"int_lshift", "ii", 'i'},
	bhIntRshift:       {"int_rshift", "ii", 'i'},
	bhUintRshift:      {"uint_rshift", "ii", 'i'},
	bhIntNeg:          {"int_neg", "i", 'i'},
	bhIntInvert:       {"int_invert", "i", 'i'},
	bhIntLt:           {"int_lt", "ii", 'i'},
	bhIntLe:           {"int_le", "ii", 'i'},
	bhIntEq:           {"int_eq", "ii", 'i'},
	bhIntNe:           {"int_ne", "ii", 'i'},
	bhIntGt:           {"int_gt", "ii", 'i'},
	bhIntGe:           {"int_ge", "ii", 'i'},
	bhUintLt:          {"uint_lt", "ii", 'i'},
	bhUintLe:          {"uint_le", "ii", 'i'},
	bhUintGt:          {"uint_gt", "ii", 'i'},
	bhUintGe:          {"uint_ge", "ii", 'i'},
	bhIntIsTrue:       {"int_is_true", "i", 'i'},
	bhIntIsZero:       {"int_is_zero", "i", 'i'},
	bhPtrEq:           {"ptr_eq", "rr", 'i'},
	bhPtrNe:           {"ptr_ne", "rr", 'i'},
	bhPtrIsZero:       {"ptr_iszero", "r", 'i'},
	bhPtrNonZero:      {"ptr_nonzero", "r", 'i'},
	bhIntAddJumpIfOvf: {"int_add_jump_if_ovf", "Lii", 'i'},
	bhIntSubJumpIfOvf: {"int_sub_jump_if_ovf", "Lii", 'i'},
	bhIntMulJumpIfOvf: {"int_mul_jump_if_ovf", "Lii", 'i'},

	bhFloatAdd:       {"float_add", "ff", 'f'},
	bhFloatSub:       {"float_sub", "ff", 'f'},
	bhFloatMul:       {"float_mul", "ff", 'f'},
	bhFloatTrueDiv:   {"float_truediv", "ff", 'f'},
	bhFloatNeg:       {"float_neg", "f", 'f'},
	bhFloatAbs:       {"float_abs", "f", 'f'},
	bhFloatLt:        {"float_lt", "ff", 'i'},
	bhFloatLe:        {"float_le", "ff", 'i'},
	bhFloatEq:        {"float_eq", "ff", 'i'},
	bhFloatNe:        {"float_ne", "ff", 'i'},
	bhFloatGt:        {"float_gt", "ff", 'i'},
	bhFloatGe:        {"float_ge", "ff", 'i'},
	bhCastIntToFloat: {"cast_int_to_float", "i", 'f'},
	bhCastFloatToInt: {"cast_float_to_int", "f", 'i'},

	bhIntCopy:   {"int_copy", "i", 'i'},
	bhRefCopy:   {"ref_copy", "r", 'r'},
	bhFloatCopy: {"float_copy", "f", 'f'},

	bhGoto:           {"goto", "L", 0},
	bhGotoIfNot:      {"goto_if_not", "iL", 0},
	bhGotoIfNotIntLt: {"goto_if_not_int_lt", "iiL", 0},
	bhGotoIfNotIntLe: {"goto_if_not_int_le", "iiL", 0},
	bhGotoIfNotIntEq: {"goto_if_not_int_eq", "iiL", 0},
	bhGotoIfNotIntNe: {"goto_if_not_int_ne", "iiL", 0},
	bhGotoIfNotIntGt: {"goto_if_not_int_gt", "iiL", 0},
	bhGotoIfNotIntGe: {"goto_if_not_int_ge", "iiL", 0},

	bhIntReturn:      {"int_return", "i", 0},
	bhRefReturn:      {"ref_return", "r", 0},
	bhFloatReturn:    {"float_return", "f", 0},
	bhVoidReturn:     {"void_return", "", 0},
	bhRaise:          {"raise", "r", 0},
	bhReraise:        {"reraise", "", 0},
	bhCatchException: {"catch_exception", "L", 0},
	bhLastException:  {"last_exception", "", 'i'},
	bhLastExcValue:   {"last_exc_value", "", 'r'},

	bhGetfieldGcI:     {"getfield_gc_i", "rd", 'i'},
	bhGetfieldGcR:     {"getfield_gc_r", "rd", 'r'},
	bhGetfieldGcF:     {"getfield_gc_f", "rd", 'f'},
	bhSetfieldGcI:     {"setfield_gc_i", "rid", 0},
	bhSetfieldGcR:     {"setfield_gc_r", "rrd", 0},
	bhSetfieldGcF:     {"setfield_gc_f", "rfd", 0},
	bhGetarrayitemGcI: {"getarrayitem_gc_i", "rid", 'i'},
	bhGetarrayitemGcR: {"getarrayitem_gc_r", "rid", 'r'},
	bhGetarrayitemGcF: {"getarrayitem_gc_f", "rid", 'f'},
	bhSetarrayitemGcI: {"setarrayitem_gc_i", "riid", 0},
	bhSetarrayitemGcR: {"setarrayitem_gc_r", "rird", 0},
	bhSetarrayitemGcF: {"setarrayitem_gc_f", "rifd", 0},
	bhArraylenGc:      {"arraylen_gc", "rd", 'i'},
	bhNew:             {"new", "d", 'r'},
	bhNewWithVtable:   {"new_with_vtable", "d", 'r'},
	bhNewArray:        {"new_array", "id", 'r'},

	bhResidualCallI:  {"residual_call_irf_i", "iIRFd", 'i'},
	bhResidualCallR:  {"residual_call_irf_r", "iIRFd", 'r'},
	bhResidualCallF:  {"residual_call_irf_f", "iIRFd", 'f'},
	bhResidualCallV:  {"residual_call_irf_v", "iIRFd", 0},
	bhInlineCallI:    {"inline_call_irf_i", "dIRF", 'i'},
	bhInlineCallR:    {"inline_call_irf_r", "dIRF", 'r'},
	bhInlineCallF:    {"inline_call_irf_f", "dIRF", 'f'},
	bhInlineCallV:    {"inline_call_irf_v", "dIRF", 0},
	bhRecursiveCallI: {"recursive_call_i", "IRF", 'i'},
	bhRecursiveCallR: {"recursive_call_r", "IRF", 'r'},
	bhRecursiveCallF: {"recursive_call_f", "IRF", 'f'},
	bhRecursiveCallV: {"recursive_call_v", "IRF", 0},

	bhRvmprofCode:   {"rvmprof_code", "ii", 0},
	bhLive:          {"live", "", 0},
	bhJitMergePoint: {"jit_merge_point", "", 0},
	bhLoopHeader:    {"loop_header", "", 0},
	bhIntGuardValue: {"int_guard_value", "i", 0},
}

func (op bhOpcode) String() string {
	if op < numBhOpcodes {
		return bhOpcodeInfo[op].name
	}
	return fmt.Sprintf("<bad bh opcode %d>", uint8(op))
}

var bhOpcodesByName = func() map[string]bhOpcode {
	m := make(map[string]bhOpcode, numBhOpcodes)
	for i := bhOpcode(0); i < numBhOpcodes; i++ {
		m[bhOpcodeInfo[i].name] = i
	}
	return m
}()

// BlackholeOpcodeNames lists the instruction names jitcode assembly accepts
func BlackholeOpcodeNames() []string {
	names := make([]string, 0, numBhOpcodes)
	for i := bhOpcode(0); i < numBhOpcodes; i++ {
		names = append(names, bhOpcodeInfo[i].name)
	}
	return names
}

// insnLength returns the size in bytes of the instruction at pos
func (j *JitCode) insnLength(pos int) int {
	op := bhOpcode(j.Code[pos])
	assertf(op < numBhOpcodes, "bad opcode %d at %s+%d", op, j.Name, pos)
	info := bhOpcodeInfo[op]
	n := 1
	for _, c := range info.args {
		switch c {
		case 'i', 'r', 'f':
			n++
		case 'L', 'd':
			n += 2
		case 'I', 'R', 'F':
			n += 1 + int(j.Code[pos+n])
		}
	}
	if info.result != 0 {
		n++
	}
	return n
}

func (j *JitCode) u16(pos int) int { return int(binary.LittleEndian.Uint16(j.Code[pos:])) }

// operandString renders a register operand of the given bank
func (j *JitCode) operandString(bank byte, idx int) string {
	switch bank {
	case 'i':
		if idx >= j.NumI {
			return fmt.Sprintf("$%d", j.ConstI[idx-j.NumI])
		}
	case 'r':
		if idx >= j.NumR {
			return fmt.Sprintf("$0x%x", j.ConstR[idx-j.NumR])
		}
	case 'f':
		if idx >= j.NumF {
			return fmt.Sprintf("$%g", j.ConstF[idx-j.NumF])
		}
	}
	return fmt.Sprintf("%%%c%d", bank, idx)
}

// Dump disassembles the code, one instruction per line
func (j *JitCode) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, ".jitcode %s  # regs i=%d r=%d f=%d\n", j.Name, j.NumI, j.NumR, j.NumF)
	for pos := 0; pos < len(j.Code); pos += j.insnLength(pos) {
		op := bhOpcode(j.Code[pos])
		info := bhOpcodeInfo[op]
		var parts []string
		p := pos + 1
		for _, c := range info.args {
			switch c {
			case 'i', 'r', 'f':
				parts = append(parts, j.operandString(byte(c), int(j.Code[p])))
				p++
			case 'L':
				parts = append(parts, fmt.Sprintf("L%d", j.u16(p)))
				p += 2
			case 'd':
				parts = append(parts, j.Descrs[j.u16(p)].String())
				p += 2
			case 'I', 'R', 'F':
				n := int(j.Code[p])
				bank := byte(c) + 'a' - 'A'
				items := make([]string, n)
				for k := range items {
					items[k] = j.operandString(bank, int(j.Code[p+1+k]))
				}
				parts = append(parts, fmt.Sprintf("%c[%s]", c, strings.Join(items, ", ")))
				p += 1 + n
			}
		}
		fmt.Fprintf(&sb, "%4d  %s %s", pos, info.name, strings.Join(parts, ", "))
		if info.result != 0 {
			fmt.Fprintf(&sb, " -> %%%c%d", info.result, j.Code[p])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
