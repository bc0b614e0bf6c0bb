// Completion: 100% - Opcode table complete
package tracejit

import "sync"

// Opcode identifies a trace operation. The set is closed: the register
// allocator and the code generator both switch over opClass exhaustively.
type Opcode uint16

const (
	OpLabel Opcode = iota
	OpJump
	OpFinish

	OpIntAdd
	OpIntSub
	OpIntMul
	OpIntFloorDiv
	OpIntMod
	OpIntAnd
	OpIntOr
	OpIntXor
	OpIntLshift
	OpIntRshift
	OpUintRshift
	OpIntNeg
	OpIntInvert

	OpIntLt
	OpIntLe
	OpIntEq
	OpIntNe
	OpIntGt
	OpIntGe
	OpUintLt
	OpUintLe
	OpUintGt
	OpUintGe
	OpPtrEq
	OpPtrNe
	OpIntIsTrue
	OpIntIsZero

	OpIntAddOvf
	OpIntSubOvf
	OpIntMulOvf

	OpFloatAdd
	OpFloatSub
	OpFloatMul
	OpFloatTrueDiv
	OpFloatNeg
	OpFloatAbs
	OpFloatLt
	OpFloatLe
	OpFloatEq
	OpFloatNe
	OpFloatGt
	OpFloatGe
	OpCastIntToFloat
	OpCastFloatToInt
	OpCastFloatToSingleFloat
	OpCastSingleFloatToFloat

	OpGuardTrue
	OpGuardFalse
	OpGuardValue
	OpGuardClass
	OpGuardNonnull
	OpGuardIsnull
	OpGuardNonnullClass
	OpGuardNoOverflow
	OpGuardOverflow
	OpGuardNoException
	OpGuardException
	OpGuardNotInvalidated
	OpGuardNotForced

	OpGcLoadI
	OpGcLoadR
	OpGcLoadF
	OpGcLoadIndexedI
	OpGcLoadIndexedR
	OpGcLoadIndexedF
	OpGcStore
	OpGcStoreIndexed
	OpRawLoadI
	OpRawLoadF
	OpRawStore

	OpGetfieldGcI
	OpGetfieldGcR
	OpGetfieldGcF
	OpSetfieldGc
	OpGetarrayitemGcI
	OpGetarrayitemGcR
	OpGetarrayitemGcF
	OpSetarrayitemGc
	OpArraylenGc
	OpNew
	OpNewWithVtable
	OpNewArray

	OpCallI
	OpCallR
	OpCallF
	OpCallN
	OpCallMayForceI
	OpCallMayForceR
	OpCallMayForceF
	OpCallMayForceN
	OpCallReleaseGilI
	OpCallReleaseGilF
	OpCallReleaseGilN
	OpCondCall

	OpCallMallocNursery
	OpCallMallocNurseryVarsize
	OpCondCallGcWb
	OpCondCallGcWbArray

	OpSameAsI
	OpSameAsR
	OpSameAsF
	OpForceToken
	OpSaveException
	OpSaveExcClass
	OpRestoreException
	OpDebugMergePoint
	OpIncrementDebugCounter
	OpKeepalive

	numOpcodes
)

// opClass groups opcodes that share an allocator and emitter strategy
type opClass uint8

const (
	classControl opClass = iota
	classIntBinary
	classIntUnary
	classCompare
	classOverflow
	classFloat
	classGuard
	classMemory
	classHighLevel
	classCall
	classGC
	classMisc
)

type opInfo struct {
	name   string
	arity  int // -1 for variadic
	result Kind
	class  opClass
}

// opcodeInfo is indexed by Opcode
var opcodeInfo = [numOpcodes]opInfo{
	OpLabel:  {"label", -1, KindVoid, classControl},
	OpJump:   {"jump", -1, KindVoid, classControl},
	OpFinish: {"finish", -1, KindVoid, classControl},

	OpIntAdd:      {"int_add", 2, KindInt, classIntBinary},
	OpIntSub:      {"int_sub", 2, KindInt, classIntBinary},
	OpIntMul:      {"int_mul", 2, KindInt, classIntBinary},
	OpIntFloorDiv: {"int_floordiv", 2, KindInt, classIntBinary},
	OpIntMod:      {"int_mod", 2, KindInt, classIntBinary},
	OpIntAnd:      {"int_and", 2, KindInt, classIntBinary},
	OpIntOr:       {"int_or", 2, KindInt, classIntBinary},
	OpIntXor:      {"int_xor", 2, KindInt, classIntBinary},
	OpIntLshift:   {"int_lshift", 2, KindInt, classIntBinary},
	OpIntRshift:   {"int_rshift", 2, KindInt, classIntBinary},
	OpUintRshift:  {"uint_rshift", 2, KindInt, classIntBinary},
	OpIntNeg:      {"int_neg", 1, KindInt, classIntUnary},
	OpIntInvert:   {"int_invert", 1, KindInt, classIntUnary},

	OpIntLt:     {"int_lt", 2, KindInt, classCompare},
	OpIntLe:     {"int_le", 2, KindInt, classCompare},
	OpIntEq:     {"int_eq", 2, KindInt, classCompare},
	OpIntNe:     {"int_ne", 2, KindInt, classCompare},
	OpIntGt:     {"int_gt", 2, KindInt, classCompare},
	OpIntGe:     {"int_ge", 2, KindInt, classCompare},
	OpUintLt:    {"uint_lt", 2, KindInt, classCompare},
	OpUintLe:    {"uint_le", 2, KindInt, classCompare},
	OpUintGt:    {"uint_gt", 2, KindInt, classCompare},
	OpUintGe:    {"uint_ge", 2, KindInt, classCompare},
	OpPtrEq:     {"ptr_eq", 2, KindInt, classCompare},
	OpPtrNe:     {"ptr_ne", 2, KindInt, classCompare},
	OpIntIsTrue: {"int_is_true", 1, KindInt, classCompare},
	OpIntIsZero: {"int_is_zero", 1, KindInt, classCompare},

	OpIntAddOvf: {"int_add_ovf", 2, KindInt, classOverflow},
	OpIntSubOvf: {"int_sub_ovf", 2, KindInt, classOverflow},
	OpIntMulOvf: {"int_mul_ovf", 2, KindInt, classOverflow},

	OpFloatAdd:               {"float_add", 2, KindFloat, classFloat},
	OpFloatSub:               {"float_sub", 2, KindFloat, classFloat},
	OpFloatMul:               {"float_mul", 2, KindFloat, classFloat},
	OpFloatTrueDiv:           {"float_truediv", 2, KindFloat, classFloat},
	OpFloatNeg:               {"float_neg", 1, KindFloat, classFloat},
	OpFloatAbs:               {"float_abs", 1, KindFloat, classFloat},
	OpFloatLt:                {"float_lt", 2, KindInt, classCompare},
	OpFloatLe:                {"float_le", 2, KindInt, classCompare},
	OpFloatEq:                {"float_eq", 2, KindInt, classCompare},
	OpFloatNe:                {"float_ne", 2, KindInt, classCompare},
	OpFloatGt:                {"float_gt", 2, KindInt, classCompare},
	OpFloatGe:                {"float_ge", 2, KindInt, classCompare},
	OpCastIntToFloat:         {"cast_int_to_float", 1, KindFloat, classFloat},
	OpCastFloatToInt:         {"cast_float_to_int", 1, KindInt, classFloat},
	OpCastFloatToSingleFloat: {"cast_float_to_singlefloat", 1, KindInt, classFloat},
	OpCastSingleFloatToFloat: {"cast_singlefloat_to_float", 1, KindFloat, classFloat},

	OpGuardTrue:           {"guard_true", 1, KindVoid, classGuard},
	OpGuardFalse:          {"guard_false", 1, KindVoid, classGuard},
	OpGuardValue:          {"guard_value", 2, KindVoid, classGuard},
	OpGuardClass:          {"guard_class", 2, KindVoid, classGuard},
	OpGuardNonnull:        {"guard_nonnull", 1, KindVoid, classGuard},
	OpGuardIsnull:         {"guard_isnull", 1, KindVoid, classGuard},
	OpGuardNonnullClass:   {"guard_nonnull_class", 2, KindVoid, classGuard},
	OpGuardNoOverflow:     {"guard_no_overflow", 0, KindVoid, classGuard},
	OpGuardOverflow:       {"guard_overflow", 0, KindVoid, classGuard},
	OpGuardNoException:    {"guard_no_exception", 0, KindVoid, classGuard},
	OpGuardException:      {"guard_exception", 1, KindRef, classGuard},
	OpGuardNotInvalidated: {"guard_not_invalidated", 0, KindVoid, classGuard},
	OpGuardNotForced:      {"guard_not_forced", 0, KindVoid, classGuard},

	OpGcLoadI:        {"gc_load_i", 3, KindInt, classMemory},
	OpGcLoadR:        {"gc_load_r", 3, KindRef, classMemory},
	OpGcLoadF:        {"gc_load_f", 3, KindFloat, classMemory},
	OpGcLoadIndexedI: {"gc_load_indexed_i", 5, KindInt, classMemory},
	OpGcLoadIndexedR: {"gc_load_indexed_r", 5, KindRef, classMemory},
	OpGcLoadIndexedF: {"gc_load_indexed_f", 5, KindFloat, classMemory},
	OpGcStore:        {"gc_store", 4, KindVoid, classMemory},
	OpGcStoreIndexed: {"gc_store_indexed", 6, KindVoid, classMemory},
	OpRawLoadI:       {"raw_load_i", 2, KindInt, classMemory},
	OpRawLoadF:       {"raw_load_f", 2, KindFloat, classMemory},
	OpRawStore:       {"raw_store", 3, KindVoid, classMemory},

	OpGetfieldGcI:     {"getfield_gc_i", 1, KindInt, classHighLevel},
	OpGetfieldGcR:     {"getfield_gc_r", 1, KindRef, classHighLevel},
	OpGetfieldGcF:     {"getfield_gc_f", 1, KindFloat, classHighLevel},
	OpSetfieldGc:      {"setfield_gc", 2, KindVoid, classHighLevel},
	OpGetarrayitemGcI: {"getarrayitem_gc_i", 2, KindInt, classHighLevel},
	OpGetarrayitemGcR: {"getarrayitem_gc_r", 2, KindRef, classHighLevel},
	OpGetarrayitemGcF: {"getarrayitem_gc_f", 2, KindFloat, classHighLevel},
	OpSetarrayitemGc:  {"setarrayitem_gc", 3, KindVoid, classHighLevel},
	OpArraylenGc:      {"arraylen_gc", 1, KindInt, classHighLevel},
	OpNew:             {"new", 0, KindRef, classHighLevel},
	OpNewWithVtable:   {"new_with_vtable", 0, KindRef, classHighLevel},
	OpNewArray:        {"new_array", 1, KindRef, classHighLevel},

	OpCallI:           {"call_i", -1, KindInt, classCall},
	OpCallR:           {"call_r", -1, KindRef, classCall},
	OpCallF:           {"call_f", -1, KindFloat, classCall},
	OpCallN:           {"call_n", -1, KindVoid, classCall},
	OpCallMayForceI:   {"call_may_force_i", -1, KindInt, classCall},
	OpCallMayForceR:   {"call_may_force_r", -1, KindRef, classCall},
	OpCallMayForceF:   {"call_may_force_f", -1, KindFloat, classCall},
	OpCallMayForceN:   {"call_may_force_n", -1, KindVoid, classCall},
	OpCallReleaseGilI: {"call_release_gil_i", -1, KindInt, classCall},
	OpCallReleaseGilF: {"call_release_gil_f", -1, KindFloat, classCall},
	OpCallReleaseGilN: {"call_release_gil_n", -1, KindVoid, classCall},
	OpCondCall:        {"cond_call", -1, KindVoid, classCall},

	OpCallMallocNursery:        {"call_malloc_nursery", 1, KindRef, classGC},
	OpCallMallocNurseryVarsize: {"call_malloc_nursery_varsize", 2, KindRef, classGC},
	OpCondCallGcWb:             {"cond_call_gc_wb", 1, KindVoid, classGC},
	OpCondCallGcWbArray:        {"cond_call_gc_wb_array", 2, KindVoid, classGC},

	OpSameAsI:               {"same_as_i", 1, KindInt, classMisc},
	OpSameAsR:               {"same_as_r", 1, KindRef, classMisc},
	OpSameAsF:               {"same_as_f", 1, KindFloat, classMisc},
	OpForceToken:            {"force_token", 0, KindRef, classMisc},
	OpSaveException:         {"save_exception", 0, KindRef, classMisc},
	OpSaveExcClass:          {"save_exc_class", 0, KindInt, classMisc},
	OpRestoreException:      {"restore_exception", 2, KindVoid, classMisc},
	OpDebugMergePoint:       {"debug_merge_point", -1, KindVoid, classMisc},
	OpIncrementDebugCounter: {"increment_debug_counter", 1, KindVoid, classMisc},
	OpKeepalive:             {"keepalive", 1, KindVoid, classMisc},
}

func (op Opcode) String() string {
	if op < numOpcodes {
		return opcodeInfo[op].name
	}
	return "<bad opcode>"
}

// ResultKind returns the kind of value the opcode produces
func (op Opcode) ResultKind() Kind { return opcodeInfo[op].result }

// IsGuard reports whether the opcode is a guard
func (op Opcode) IsGuard() bool { return opcodeInfo[op].class == classGuard }

// IsComparison reports whether the opcode produces a flag-able boolean
func (op Opcode) IsComparison() bool { return opcodeInfo[op].class == classCompare }

// IsOverflow reports whether the opcode sets the overflow guard condition
func (op Opcode) IsOverflow() bool { return opcodeInfo[op].class == classOverflow }

// IsCall reports whether the opcode calls out of compiled code
func (op Opcode) IsCall() bool { return opcodeInfo[op].class == classCall }

// IsFloatCompare reports whether the opcode compares doubles
func (op Opcode) IsFloatCompare() bool {
	return op >= OpFloatLt && op <= OpFloatGe
}

func (op Opcode) isCallMayForce() bool {
	return op >= OpCallMayForceI && op <= OpCallMayForceN
}

func (op Opcode) isCallReleaseGil() bool {
	return op >= OpCallReleaseGilI && op <= OpCallReleaseGilN
}

var (
	opcodeNamesOnce sync.Once
	opcodeNames     map[string]Opcode
)

// OpcodeByName looks up an opcode from its lowercase name
func OpcodeByName(name string) (Opcode, bool) {
	opcodeNamesOnce.Do(func() {
		opcodeNames = make(map[string]Opcode, numOpcodes)
		for i := Opcode(0); i < numOpcodes; i++ {
			opcodeNames[opcodeInfo[i].name] = i
		}
	})
	op, ok := opcodeNames[name]
	return op, ok
}

// AllOpcodes returns every opcode in numeric order
func AllOpcodes() []Opcode {
	ops := make([]Opcode, numOpcodes)
	for i := range ops {
		ops[i] = Opcode(i)
	}
	return ops
}
