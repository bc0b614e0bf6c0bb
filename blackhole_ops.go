// Completion: 100% - Blackhole instruction semantics complete
package tracejit

import (
	"fmt"
	"math"
)

// Operand decoding. Every reader advances pos past what it consumed.

func (bh *BlackholeInterp) byte() byte {
	b := bh.code.Code[bh.pos]
	bh.pos++
	return b
}

func (bh *BlackholeInterp) intArg() int32 {
	return bh.peekInt(bh.byte())
}

func (bh *BlackholeInterp) refArg() uint32 {
	idx := int(bh.byte())
	if idx < len(bh.regsR) {
		return bh.regsR[idx]
	}
	return bh.code.ConstR[idx-len(bh.regsR)]
}

func (bh *BlackholeInterp) floatArg() float64 {
	idx := int(bh.byte())
	if idx < len(bh.regsF) {
		return bh.regsF[idx]
	}
	return bh.code.ConstF[idx-len(bh.regsF)]
}

func (bh *BlackholeInterp) labelArg() int {
	l := bh.code.u16(bh.pos)
	bh.pos += 2
	return l
}

func (bh *BlackholeInterp) descrArg() Descr {
	i := bh.code.u16(bh.pos)
	bh.pos += 2
	return bh.code.Descrs[i]
}

// listsArg reads the I, R and F lists of a call
func (bh *BlackholeInterp) listsArg() (ints []int32, refs []uint32, floats []float64) {
	for range int(bh.byte()) {
		ints = append(ints, bh.intArg())
	}
	for range int(bh.byte()) {
		refs = append(refs, bh.refArg())
	}
	for range int(bh.byte()) {
		floats = append(floats, bh.floatArg())
	}
	return ints, refs, floats
}

func (bh *BlackholeInterp) setI(v int32)   { bh.regsI[bh.byte()] = v }
func (bh *BlackholeInterp) setR(v uint32)  { bh.regsR[bh.byte()] = v }
func (bh *BlackholeInterp) setF(v float64) { bh.regsF[bh.byte()] = v }

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Shifts follow the machine: the amount is the low byte of the register
func shiftLeft(a, n int32) int32 {
	if s := uint32(n) & 0xFF; s < 32 {
		return a << s
	}
	return 0
}

func shiftRight(a, n int32) int32 {
	if s := uint32(n) & 0xFF; s < 32 {
		return a >> s
	}
	return a >> 31
}

func shiftRightUnsigned(a, n int32) int32 {
	if s := uint32(n) & 0xFF; s < 32 {
		return int32(uint32(a) >> s)
	}
	return 0
}

// step executes one instruction. done is set once the frame returned.
func (bh *BlackholeInterp) step() (done bool, err error) {
	start := bh.pos
	op := bhOpcode(bh.byte())
	if blackholeLog.AllowLevel(levelDebug) {
		blackholeLog.Debugf("%s+%d: %s", bh.code.Name, start, op)
	}
	switch op {
	case bhIntAdd, bhIntSub, bhIntMul, bhIntAnd, bhIntOr, bhIntXor,
		bhIntLshift, bhIntRshift, bhUintRshift,
		bhIntLt, bhIntLe, bhIntEq, bhIntNe, bhIntGt, bhIntGe,
		bhUintLt, bhUintLe, bhUintGt, bhUintGe:
		a, b := bh.intArg(), bh.intArg()
		bh.setI(intBinary(op, a, b))
	case bhIntFloorDiv, bhIntMod:
		a, b := bh.intArg(), bh.intArg()
		fn := intFloorDiv
		if op == bhIntMod {
			fn = intMod
		}
		v, err := fn([]Value{IntValue(a), IntValue(b)})
		if err != nil {
			return false, err
		}
		bh.setI(v.Int32())
	case bhIntNeg:
		bh.setI(-bh.intArg())
	case bhIntInvert:
		bh.setI(^bh.intArg())
	case bhIntIsTrue:
		bh.setI(b2i(bh.intArg() != 0))
	case bhIntIsZero:
		bh.setI(b2i(bh.intArg() == 0))
	case bhPtrEq:
		bh.setI(b2i(bh.refArg() == bh.refArg()))
	case bhPtrNe:
		bh.setI(b2i(bh.refArg() != bh.refArg()))
	case bhPtrIsZero:
		bh.setI(b2i(bh.refArg() == 0))
	case bhPtrNonZero:
		bh.setI(b2i(bh.refArg() != 0))
	case bhIntAddJumpIfOvf, bhIntSubJumpIfOvf, bhIntMulJumpIfOvf:
		target := bh.labelArg()
		a, b := int64(bh.intArg()), int64(bh.intArg())
		var r int64
		switch op {
		case bhIntAddJumpIfOvf:
			r = a + b
		case bhIntSubJumpIfOvf:
			r = a - b
		default:
			r = a * b
		}
		if r != int64(int32(r)) {
			bh.pos = target
			return false, nil
		}
		bh.setI(int32(r))

	case bhFloatAdd, bhFloatSub, bhFloatMul, bhFloatTrueDiv:
		a, b := bh.floatArg(), bh.floatArg()
		switch op {
		case bhFloatAdd:
			bh.setF(a + b)
		case bhFloatSub:
			bh.setF(a - b)
		case bhFloatMul:
			bh.setF(a * b)
		default:
			bh.setF(a / b)
		}
	case bhFloatNeg:
		bh.setF(-bh.floatArg())
	case bhFloatAbs:
		bh.setF(math.Abs(bh.floatArg()))
	case bhFloatLt, bhFloatLe, bhFloatEq, bhFloatNe, bhFloatGt, bhFloatGe:
		a, b := bh.floatArg(), bh.floatArg()
		bh.setI(b2i(floatCompare(op, a, b)))
	case bhCastIntToFloat:
		bh.setF(float64(bh.intArg()))
	case bhCastFloatToInt:
		bh.setI(toInt32(bh.floatArg()))

	case bhIntCopy:
		bh.setI(bh.intArg())
	case bhRefCopy:
		bh.setR(bh.refArg())
	case bhFloatCopy:
		bh.setF(bh.floatArg())

	case bhGoto:
		bh.pos = bh.labelArg()
	case bhGotoIfNot:
		cond := bh.intArg()
		target := bh.labelArg()
		if cond == 0 {
			bh.pos = target
		}
	case bhGotoIfNotIntLt, bhGotoIfNotIntLe, bhGotoIfNotIntEq,
		bhGotoIfNotIntNe, bhGotoIfNotIntGt, bhGotoIfNotIntGe:
		a, b := bh.intArg(), bh.intArg()
		target := bh.labelArg()
		cmp := bhIntLt + (op - bhGotoIfNotIntLt)
		if intBinary(cmp, a, b) == 0 {
			bh.pos = target
		}

	case bhIntReturn:
		bh.result = IntValue(bh.intArg())
		return true, nil
	case bhRefReturn:
		bh.result = RefValue(bh.refArg())
		return true, nil
	case bhFloatReturn:
		bh.result = FloatValue(bh.floatArg())
		return true, nil
	case bhVoidReturn:
		bh.result = Value{Kind: ArgVoid}
		return true, nil
	case bhRaise:
		return false, bh.raise(bh.refArg())
	case bhReraise:
		if bh.lastExc == nil {
			return false, fmt.Errorf("%s+%d: reraise without a caught exception", bh.code, start)
		}
		return false, bh.lastExc
	case bhCatchException:
		// only meaningful while unwinding
		bh.labelArg()
	case bhLastException:
		if bh.lastExc == nil {
			return false, fmt.Errorf("%s+%d: no exception was caught", bh.code, start)
		}
		bh.setI(int32(bh.lastExc.Class))
	case bhLastExcValue:
		if bh.lastExc == nil {
			return false, fmt.Errorf("%s+%d: no exception was caught", bh.code, start)
		}
		bh.setR(bh.lastExc.Value)

	case bhGetfieldGcI, bhGetfieldGcR, bhGetfieldGcF,
		bhSetfieldGcI, bhSetfieldGcR, bhSetfieldGcF,
		bhGetarrayitemGcI, bhGetarrayitemGcR, bhGetarrayitemGcF,
		bhSetarrayitemGcI, bhSetarrayitemGcR, bhSetarrayitemGcF,
		bhArraylenGc, bhNew, bhNewWithVtable, bhNewArray:
		return false, bh.heapOp(op)

	case bhResidualCallI, bhResidualCallR, bhResidualCallF, bhResidualCallV:
		fn := bh.intArg()
		ints, refs, floats := bh.listsArg()
		cd, ok := bh.descrArg().(*CallDescr)
		if !ok {
			return false, fmt.Errorf("%s+%d: residual call without a CallDescr", bh.code, start)
		}
		v, err := bh.residualCall(uint32(fn), cd, ints, refs, floats)
		if err != nil {
			return false, err
		}
		bh.setResult(op, v)
	case bhInlineCallI, bhInlineCallR, bhInlineCallF, bhInlineCallV:
		code, ok := bh.descrArg().(*JitCode)
		if !ok {
			return false, fmt.Errorf("%s+%d: inline call without a JitCode", bh.code, start)
		}
		v, err := bh.callee(code, callValues(bh.listsArg()))
		if err != nil {
			return false, err
		}
		bh.setResult(op, v)
	case bhRecursiveCallI, bhRecursiveCallR, bhRecursiveCallF, bhRecursiveCallV:
		v, err := bh.callee(bh.portal(), callValues(bh.listsArg()))
		if err != nil {
			return false, err
		}
		bh.setResult(op, v)

	case bhRvmprofCode:
		leaving, id := bh.intArg(), bh.intArg()
		hook := bh.ctx.Hooks.OnEnterCode
		if leaving != 0 {
			hook = bh.ctx.Hooks.OnLeaveCode
		}
		if hook != nil {
			hook(id)
		}
	case bhLive, bhJitMergePoint, bhLoopHeader:
	case bhIntGuardValue:
		bh.intArg()
	default:
		return false, fmt.Errorf("%s+%d: bad opcode %d", bh.code, start, uint8(op))
	}
	return false, nil
}

func intBinary(op bhOpcode, a, b int32) int32 {
	switch op {
	case bhIntAdd:
		return a + b
	case bhIntSub:
		return a - b
	case bhIntMul:
		return a * b
	case bhIntAnd:
		return a & b
	case bhIntOr:
		return a | b
	case bhIntXor:
		return a ^ b
	case bhIntLshift:
		return shiftLeft(a, b)
	case bhIntRshift:
		return shiftRight(a, b)
	case bhUintRshift:
		return shiftRightUnsigned(a, b)
	case bhIntLt:
		return b2i(a < b)
	case bhIntLe:
		return b2i(a <= b)
	case bhIntEq:
		return b2i(a == b)
	case bhIntNe:
		return b2i(a != b)
	case bhIntGt:
		return b2i(a > b)
	case bhIntGe:
		return b2i(a >= b)
	case bhUintLt:
		return b2i(uint32(a) < uint32(b))
	case bhUintLe:
		return b2i(uint32(a) <= uint32(b))
	case bhUintGt:
		return b2i(uint32(a) > uint32(b))
	case bhUintGe:
		return b2i(uint32(a) >= uint32(b))
	}
	failf("%s is not an integer binary op", op)
	return 0
}

func floatCompare(op bhOpcode, a, b float64) bool {
	switch op {
	case bhFloatLt:
		return a < b
	case bhFloatLe:
		return a <= b
	case bhFloatEq:
		return a == b
	case bhFloatNe:
		return a != b
	case bhFloatGt:
		return a > b
	}
	return a >= b
}

// setResult writes a call result to the destination of a typed call
func (bh *BlackholeInterp) setResult(op bhOpcode, v Value) {
	switch bhOpcodeInfo[op].result {
	case 'i':
		bh.setI(v.Int32())
	case 'r':
		bh.setR(v.Ref())
	case 'f':
		bh.setF(v.Float)
	}
}

// callValues turns call lists into callee arguments: ints, then refs,
// then floats
func callValues(ints []int32, refs []uint32, floats []float64) []Value {
	args := make([]Value, 0, len(ints)+len(refs)+len(floats))
	for _, v := range ints {
		args = append(args, IntValue(v))
	}
	for _, v := range refs {
		args = append(args, RefValue(v))
	}
	for _, v := range floats {
		args = append(args, FloatValue(v))
	}
	return args
}

// raise builds the exception for an instance, reading its class from the
// vtable word
func (bh *BlackholeInterp) raise(value uint32) error {
	if value == 0 {
		return fmt.Errorf("%s: raising a null exception", bh.code)
	}
	var cls uint32
	if err := bh.ctx.mem.Access(func() { cls = bh.ctx.mem.Load32(value + vtableOfs) }); err != nil {
		return err
	}
	return &GuestException{Class: cls, Value: value}
}

// residualCall calls a native function with arguments taken from the
// lists in the order of the descriptor's argument kinds. Errno handling
// and the exception cells behave as they do around a compiled call.
func (bh *BlackholeInterp) residualCall(fn uint32, cd *CallDescr, ints []int32, refs []uint32, floats []float64) (Value, error) {
	gc := bh.ctx.gc
	args := make([]Value, 0, len(cd.ArgKinds))
	for _, k := range cd.ArgKinds {
		var v Value
		switch {
		case k == ArgInt && len(ints) > 0:
			v, ints = IntValue(ints[0]), ints[1:]
		case k == ArgSingle && len(ints) > 0:
			v, ints = SingleValue(math.Float32frombits(uint32(ints[0]))), ints[1:]
		case k == ArgRef && len(refs) > 0:
			v, refs = RefValue(refs[0]), refs[1:]
		case k == ArgFloat && len(floats) > 0:
			v, floats = FloatValue(floats[0]), floats[1:]
		case k == ArgLongLong && len(floats) > 0:
			v, floats = LongLongValue(int64(math.Float64bits(floats[0]))), floats[1:]
		default:
			return Value{}, fmt.Errorf("%s: arguments do not match %s", bh.code, cd)
		}
		args = append(args, v)
	}
	if cd.Effect.Has(EffectReadErrno) {
		gc.SetErrno(gc.SavedErrno())
	}
	res, err := bh.ctx.helpers.Call(fn, args)
	if err != nil {
		return Value{}, err
	}
	if cd.Effect.Has(EffectSaveErrno) {
		gc.SetSavedErrno(gc.Errno())
	}
	if cls, val := gc.PendingException(); cls != 0 {
		gc.ClearPendingException()
		return Value{}, &GuestException{Class: cls, Value: val}
	}
	switch cd.Result {
	case ArgSingle:
		return IntValue(int32(math.Float32bits(float32(res.Float)))), nil
	case ArgLongLong:
		return FloatValue(math.Float64frombits(uint64(res.Int))), nil
	}
	return res, nil
}

// heapOp runs the field, array and allocation instructions
func (bh *BlackholeInterp) heapOp(op bhOpcode) error {
	c := bh.ctx
	mem, gc := c.mem, c.gc
	var err error
	access := func(fn func()) {
		if err == nil {
			err = mem.Access(fn)
		}
	}
	switch op {
	case bhGetfieldGcI, bhGetfieldGcR, bhGetfieldGcF:
		obj := bh.refArg()
		d, ok := bh.descrArg().(*FieldDescr)
		if !ok {
			return fmt.Errorf("%s: %s needs a FieldDescr", bh.code, op)
		}
		var w uint32
		var f float64
		access(func() {
			if op == bhGetfieldGcF {
				f = mem.LoadFloat(obj + uint32(d.Offset))
			} else {
				w = loadSized(mem, obj+uint32(d.Offset), d.Size, d.Signed)
			}
		})
		if err != nil {
			return err
		}
		bh.storeLoaded(op, w, f)
	case bhSetfieldGcI, bhSetfieldGcR, bhSetfieldGcF:
		obj := bh.refArg()
		var w uint32
		var f float64
		switch op {
		case bhSetfieldGcI:
			w = uint32(bh.intArg())
		case bhSetfieldGcR:
			w = bh.refArg()
		default:
			f = bh.floatArg()
		}
		d, ok := bh.descrArg().(*FieldDescr)
		if !ok {
			return fmt.Errorf("%s: %s needs a FieldDescr", bh.code, op)
		}
		access(func() {
			if op == bhSetfieldGcR && w != 0 {
				gc.storeBarrier(obj)
			}
			if op == bhSetfieldGcF {
				mem.StoreFloat(obj+uint32(d.Offset), f)
			} else {
				storeSized(mem, obj+uint32(d.Offset), d.Size, w)
			}
		})
	case bhGetarrayitemGcI, bhGetarrayitemGcR, bhGetarrayitemGcF:
		arr, idx := bh.refArg(), bh.intArg()
		d, ok := bh.descrArg().(*ArrayDescr)
		if !ok {
			return fmt.Errorf("%s: %s needs an ArrayDescr", bh.code, op)
		}
		addr := arr + uint32(d.BaseSize) + uint32(idx)*uint32(d.ItemSize)
		var w uint32
		var f float64
		access(func() {
			if op == bhGetarrayitemGcF {
				f = mem.LoadFloat(addr)
			} else {
				w = loadSized(mem, addr, d.ItemSize, d.Signed)
			}
		})
		if err != nil {
			return err
		}
		bh.storeLoaded(op, w, f)
	case bhSetarrayitemGcI, bhSetarrayitemGcR, bhSetarrayitemGcF:
		arr, idx := bh.refArg(), bh.intArg()
		var w uint32
		var f float64
		switch op {
		case bhSetarrayitemGcI:
			w = uint32(bh.intArg())
		case bhSetarrayitemGcR:
			w = bh.refArg()
		default:
			f = bh.floatArg()
		}
		d, ok := bh.descrArg().(*ArrayDescr)
		if !ok {
			return fmt.Errorf("%s: %s needs an ArrayDescr", bh.code, op)
		}
		addr := arr + uint32(d.BaseSize) + uint32(idx)*uint32(d.ItemSize)
		access(func() {
			if op == bhSetarrayitemGcR && w != 0 {
				gc.arrayStoreBarrier(arr, uint32(idx))
			}
			if op == bhSetarrayitemGcF {
				mem.StoreFloat(addr, f)
			} else {
				storeSized(mem, addr, d.ItemSize, w)
			}
		})
	case bhArraylenGc:
		arr := bh.refArg()
		d, ok := bh.descrArg().(*ArrayDescr)
		if !ok {
			return fmt.Errorf("%s: %s needs an ArrayDescr", bh.code, op)
		}
		var n uint32
		access(func() { n = mem.Load32(arr + uint32(d.LengthOffset)) })
		if err != nil {
			return err
		}
		bh.setI(int32(n))
	case bhNew, bhNewWithVtable:
		d, ok := bh.descrArg().(*SizeDescr)
		if !ok {
			return fmt.Errorf("%s: %s needs a SizeDescr", bh.code, op)
		}
		obj, aerr := gc.NewObject(d)
		if aerr != nil {
			return aerr
		}
		bh.setR(obj)
	case bhNewArray:
		n := bh.intArg()
		d, ok := bh.descrArg().(*ArrayDescr)
		if !ok {
			return fmt.Errorf("%s: %s needs an ArrayDescr", bh.code, op)
		}
		if n < 0 {
			return fmt.Errorf("%s: negative array length %d", bh.code, n)
		}
		arr, aerr := gc.NewArray(d, uint32(n))
		if aerr != nil {
			return aerr
		}
		bh.setR(arr)
	}
	return err
}

// storeLoaded writes a loaded word or double to the destination register
func (bh *BlackholeInterp) storeLoaded(op bhOpcode, w uint32, f float64) {
	switch bhOpcodeInfo[op].result {
	case 'i':
		bh.setI(int32(w))
	case 'r':
		bh.setR(w)
	case 'f':
		bh.setF(f)
	}
}

func loadSized(mem *Memory, addr uint32, size int, signed bool) uint32 {
	switch size {
	case 1:
		if signed {
			return uint32(int32(int8(mem.Load8(addr))))
		}
		return uint32(mem.Load8(addr))
	case 2:
		if signed {
			return uint32(int32(int16(mem.Load16(addr))))
		}
		return uint32(mem.Load16(addr))
	}
	return mem.Load32(addr)
}

func storeSized(mem *Memory, addr uint32, size int, w uint32) {
	switch size {
	case 1:
		mem.Store8(addr, uint8(w))
	case 2:
		mem.Store16(addr, uint16(w))
	default:
		mem.Store32(addr, w)
	}
}
