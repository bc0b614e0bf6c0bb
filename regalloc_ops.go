// Completion: 100% - Allocator prepare arms complete
package tracejit

// opLocs is what the allocator decided for one operation: argument and
// result locations, guard fail-arg locations and scratch registers
type opLocs struct {
	args    []Location
	res     Location
	fail    []Location
	scratch []Location
	cond    Cond     // comparison condition, already swapped if operands were
	pred    Location // cond_call predicate
}

// prepare assigns locations for op, emitting any loads and spills it
// needs. Every opcode class has an arm here and in emitOp.
func (ra *regAlloc) prepare(op *Op) opLocs {
	switch opcodeInfo[op.Opcode].class {
	case classControl:
		return ra.prepareControl(op)
	case classIntBinary:
		return ra.prepareIntBinary(op)
	case classIntUnary:
		return ra.prepareUnary(op)
	case classCompare:
		return ra.prepareCompare(op)
	case classOverflow:
		return ra.prepareOverflow(op)
	case classFloat:
		return ra.prepareUnaryOrBinary(op)
	case classGuard:
		return ra.prepareGuard(op)
	case classMemory:
		return ra.prepareMemory(op)
	case classHighLevel:
		failf("%s reached the allocator without being rewritten", op.Opcode)
	case classCall:
		return ra.prepareCall(op)
	case classGC:
		return ra.prepareGC(op)
	case classMisc:
		return ra.prepareMisc(op)
	}
	failf("no allocator arm for %s", op.Opcode)
	return opLocs{}
}

func isConstBox(b Box) bool { return b.IsConst() }

func fitsDP(v int32) bool     { return isImm12(uint32(v)) }
func fitsAddSub(v int32) bool { return isImm12(uint32(v)) || isImm12(uint32(-v)) }
func fitsShift(v int32) bool  { return v >= 0 && v < 32 }
func anyConst(int32) bool     { return true }

func commutative(op Opcode) bool {
	switch op {
	case OpIntAdd, OpIntMul, OpIntAnd, OpIntOr, OpIntXor, OpIntAddOvf, OpIntMulOvf:
		return true
	}
	return false
}

func (ra *regAlloc) prepareIntBinary(op *Op) opLocs {
	switch op.Opcode {
	case OpIntFloorDiv:
		return ra.prepareHelperCall(op, ra.asm.gc.FloorDiv)
	case OpIntMod:
		return ra.prepareHelperCall(op, ra.asm.gc.Mod)
	}
	a, b := op.Args[0], op.Args[1]
	if commutative(op.Opcode) && isConstBox(a) && !isConstBox(b) {
		a, b = b, a
	}
	fv := argVars(op.Args)
	l0 := ra.inReg(a, fv)
	var l1 Location
	switch op.Opcode {
	case OpIntMul:
		l1 = ra.inReg(b, fv)
	case OpIntLshift, OpIntRshift, OpUintRshift:
		l1 = ra.immOrReg(b, fv, fitsShift)
	case OpIntAdd, OpIntSub:
		l1 = ra.immOrReg(b, fv, fitsAddSub)
	default:
		l1 = ra.immOrReg(b, fv, fitsDP)
	}
	ra.freeDyingRegs(op.Args)
	return opLocs{args: []Location{l0, l1}, res: ra.resultReg(op, nil)}
}

// prepareUnary handles single-argument ops whose argument must be in a
// register of its own bank
func (ra *regAlloc) prepareUnary(op *Op) opLocs {
	l0 := ra.inReg(op.Args[0], argVars(op.Args))
	ra.freeDyingRegs(op.Args)
	return opLocs{args: []Location{l0}, res: ra.resultReg(op, nil)}
}

func (ra *regAlloc) prepareUnaryOrBinary(op *Op) opLocs {
	if len(op.Args) == 1 {
		return ra.prepareUnary(op)
	}
	fv := argVars(op.Args)
	l0 := ra.inReg(op.Args[0], fv)
	l1 := ra.inReg(op.Args[1], fv)
	ra.freeDyingRegs(op.Args)
	return opLocs{args: []Location{l0, l1}, res: ra.resultReg(op, nil)}
}

// compareCond maps a comparison to the condition that holds when it is true
func compareCond(op Opcode) Cond {
	switch op {
	case OpIntLt:
		return LT
	case OpIntLe:
		return LE
	case OpIntEq, OpPtrEq, OpIntIsZero, OpFloatEq:
		return EQ
	case OpIntNe, OpPtrNe, OpIntIsTrue, OpFloatNe:
		return NE
	case OpIntGt, OpFloatGt:
		return GT
	case OpIntGe, OpFloatGe:
		return GE
	case OpUintLt:
		return LO
	case OpUintLe:
		return LS
	case OpUintGt:
		return HI
	case OpUintGe:
		return HS
	case OpFloatLt:
		return MI // false when unordered
	case OpFloatLe:
		return LS
	}
	failf("%s is not a comparison", op)
	return AL
}

func (ra *regAlloc) prepareCompare(op *Op) opLocs {
	fv := argVars(op.Args)
	cond := compareCond(op.Opcode)
	var args []Location
	switch {
	case op.Opcode == OpIntIsTrue || op.Opcode == OpIntIsZero:
		args = []Location{ra.inReg(op.Args[0], fv)}
	case op.Opcode.IsFloatCompare():
		args = []Location{ra.inReg(op.Args[0], fv), ra.inReg(op.Args[1], fv)}
	default:
		a, b := op.Args[0], op.Args[1]
		if isConstBox(a) && !isConstBox(b) {
			a, b = b, a
			cond = cond.Swapped()
		}
		args = []Location{ra.inReg(a, fv), ra.immOrReg(b, fv, fitsAddSub)}
	}
	ra.freeDyingRegs(op.Args)
	l := opLocs{args: args, cond: cond}
	if onlyUsedByNextGuard(ra.lt, ra.ops, ra.pos) {
		ra.flags[op.Result] = cond
		l.res = Flags{Cond: cond}
		return l
	}
	l.res = ra.resultReg(op, nil)
	return l
}

func (ra *regAlloc) prepareOverflow(op *Op) opLocs {
	a, b := op.Args[0], op.Args[1]
	if commutative(op.Opcode) && isConstBox(a) && !isConstBox(b) {
		a, b = b, a
	}
	fv := argVars(op.Args)
	l0 := ra.inReg(a, fv)
	var l1 Location
	if op.Opcode == OpIntMulOvf {
		l1 = ra.inReg(b, fv)
	} else {
		l1 = ra.immOrReg(b, fv, fitsDP)
	}
	ra.freeDyingRegs(op.Args)
	return opLocs{args: []Location{l0, l1}, res: ra.resultReg(op, nil)}
}

func (ra *regAlloc) prepareGuard(op *Op) opLocs {
	fv := argVars(op.Args)
	var args []Location
	switch op.Opcode {
	case OpGuardTrue, OpGuardFalse:
		if l := ra.loc(op.Args[0]); isFlagsLoc(l) {
			args = []Location{l}
		} else {
			args = []Location{ra.inReg(op.Args[0], fv)}
		}
	case OpGuardValue:
		if op.Args[0].Kind() == KindFloat {
			args = []Location{ra.inReg(op.Args[0], fv), ra.inReg(op.Args[1], fv)}
		} else {
			args = []Location{ra.inReg(op.Args[0], fv), ra.immOrReg(op.Args[1], fv, fitsAddSub)}
		}
	case OpGuardClass, OpGuardNonnullClass:
		args = []Location{ra.inReg(op.Args[0], fv), ra.immOrReg(op.Args[1], fv, fitsAddSub)}
	case OpGuardNonnull, OpGuardIsnull:
		args = []Location{ra.inReg(op.Args[0], fv)}
	case OpGuardException:
		args = []Location{ra.immOrReg(op.Args[0], fv, fitsAddSub)}
	}
	l := opLocs{args: args, fail: ra.failLocations(op)}
	ra.freeDyingRegs(op.Args)
	if op.Result != nil {
		l.res = ra.resultReg(op, nil)
	}
	return l
}

func isFlagsLoc(l Location) bool {
	_, ok := l.(Flags)
	return ok
}

// accessSize returns the byte size of a memory op and whether it sign-extends
func accessSize(op *Op) (int, bool) {
	var s int32
	switch op.Opcode {
	case OpGcLoadI, OpGcLoadR, OpGcLoadF:
		s = op.Args[2].(ConstInt).Value
	case OpGcLoadIndexedI, OpGcLoadIndexedR, OpGcLoadIndexedF:
		s = op.Args[4].(ConstInt).Value
	case OpGcStore:
		s = op.Args[3].(ConstInt).Value
	case OpGcStoreIndexed:
		s = op.Args[5].(ConstInt).Value
	case OpRawLoadI, OpRawLoadF, OpRawStore:
		s = op.Descr.(*ArrayDescr).loadSize()
	}
	if s < 0 {
		return int(-s), true
	}
	return int(s), false
}

// fitsAccess reports whether a constant offset fits the addressing mode of
// an access of the given size
func fitsAccess(size int, signed bool, float bool) func(int32) bool {
	return func(v int32) bool {
		switch {
		case float:
			return fitsVldr(int(v))
		case size == 2 || (size == 1 && signed):
			return fitsHalf(int(v))
		default:
			return fitsLdr(int(v))
		}
	}
}

func (ra *regAlloc) prepareMemory(op *Op) opLocs {
	fv := argVars(op.Args)
	size, signed := accessSize(op)
	var args []Location
	switch op.Opcode {
	case OpGcLoadI, OpGcLoadR, OpGcLoadF, OpRawLoadI, OpRawLoadF:
		float := op.Result.Kind() == KindFloat
		args = []Location{ra.inReg(op.Args[0], fv), ra.immOrReg(op.Args[1], fv, fitsAccess(size, signed, float))}
	case OpGcLoadIndexedI, OpGcLoadIndexedR, OpGcLoadIndexedF:
		args = []Location{ra.inReg(op.Args[0], fv), ra.immOrReg(op.Args[1], fv, anyConst)}
	case OpGcStore, OpRawStore:
		float := op.Args[2].Kind() == KindFloat
		args = []Location{ra.inReg(op.Args[0], fv), ra.immOrReg(op.Args[1], fv, fitsAccess(size, false, float)),
			ra.inReg(op.Args[2], fv)}
	case OpGcStoreIndexed:
		args = []Location{ra.inReg(op.Args[0], fv), ra.immOrReg(op.Args[1], fv, anyConst), ra.inReg(op.Args[2], fv)}
	}
	ra.freeDyingRegs(op.Args)
	l := opLocs{args: args}
	if op.Result != nil {
		l.res = ra.resultReg(op, nil)
	}
	return l
}

// callParts splits a call op into condition, function and arguments
func callParts(op *Op) (cond, fn Box, args []Box) {
	if op.Opcode == OpCondCall {
		return op.Args[0], op.Args[1], op.Args[2:]
	}
	return nil, op.Args[0], op.Args[1:]
}

func (ra *regAlloc) prepareCall(op *Op) opLocs {
	cd, ok := op.Descr.(*CallDescr)
	assertf(ok, "%s needs a CallDescr", op.Opcode)
	cond, fn, args := callParts(op)
	l := opLocs{}
	if cond != nil {
		l.pred = ra.loc(cond)
	}
	l.args = append(l.args, ra.loc(fn))
	for _, a := range args {
		l.args = append(l.args, ra.loc(a))
	}
	saveAll := op.Opcode.isCallMayForce() || op.Opcode.isCallReleaseGil()
	spillRefs := saveAll || cd.Effect.Has(EffectCanCollect)
	ra.beforeCall(saveAll, spillRefs, nil)
	ra.freeDyingRegs(op.Args)
	l.res = ra.callResult(op)
	return l
}

// prepareHelperCall lowers an arithmetic op to a call of a runtime helper
func (ra *regAlloc) prepareHelperCall(op *Op, addr uint32) opLocs {
	l := opLocs{args: []Location{Imm{Value: int32(addr)}}}
	for _, a := range op.Args {
		l.args = append(l.args, ra.loc(a))
	}
	ra.beforeCall(false, false, nil)
	ra.freeDyingRegs(op.Args)
	l.res = ra.callResult(op)
	return l
}

func (ra *regAlloc) callResult(op *Op) Location {
	if op.Result == nil {
		return nil
	}
	if op.Result.Kind() == KindFloat {
		return ra.allocReg(op.Result, nil, D0)
	}
	return ra.allocReg(op.Result, nil, R0)
}

func (ra *regAlloc) prepareGC(op *Op) opLocs {
	switch op.Opcode {
	case OpCallMallocNursery:
		res := ra.allocReg(op.Result, nil, R0)
		tmp := ra.tempReg(KindInt, []*Var{op.Result}, R1)
		return opLocs{res: res, scratch: []Location{tmp}}
	case OpCallMallocNurseryVarsize:
		res := ra.allocReg(op.Result, argVars(op.Args), R0)
		tmp := ra.tempReg(KindInt, []*Var{op.Result}, R1)
		length := ra.inReg(op.Args[1], append(argVars(op.Args), op.Result))
		ra.freeDyingRegs(op.Args)
		return opLocs{args: []Location{length}, res: res, scratch: []Location{tmp}}
	case OpCondCallGcWb:
		obj := ra.inReg(op.Args[0], argVars(op.Args))
		ra.freeDyingRegs(op.Args)
		return opLocs{args: []Location{obj}}
	case OpCondCallGcWbArray:
		fv := argVars(op.Args)
		obj := ra.inReg(op.Args[0], fv)
		idx := ra.immOrReg(op.Args[1], fv, anyConst)
		t1 := ra.tempReg(KindInt, fv, nil)
		t2 := ra.tempReg(KindInt, fv, nil)
		ra.freeDyingRegs(op.Args)
		return opLocs{args: []Location{obj, idx}, scratch: []Location{t1, t2}}
	}
	failf("no allocator arm for %s", op.Opcode)
	return opLocs{}
}

func (ra *regAlloc) prepareMisc(op *Op) opLocs {
	fv := argVars(op.Args)
	switch op.Opcode {
	case OpSameAsI, OpSameAsR, OpSameAsF:
		src := ra.loc(op.Args[0])
		if isFlagsLoc(src) {
			src = ra.inReg(op.Args[0], fv)
		}
		ra.freeDyingRegs(op.Args)
		return opLocs{args: []Location{src}, res: ra.resultReg(op, nil)}
	case OpForceToken, OpSaveException, OpSaveExcClass:
		return opLocs{res: ra.resultReg(op, nil)}
	case OpRestoreException:
		l := opLocs{args: []Location{ra.inReg(op.Args[0], fv), ra.inReg(op.Args[1], fv)}}
		ra.freeDyingRegs(op.Args)
		return l
	case OpIncrementDebugCounter:
		l := opLocs{args: []Location{ra.inReg(op.Args[0], fv)}}
		ra.freeDyingRegs(op.Args)
		return l
	case OpDebugMergePoint, OpKeepalive:
		return opLocs{}
	}
	failf("no allocator arm for %s", op.Opcode)
	return opLocs{}
}

func (ra *regAlloc) prepareControl(op *Op) opLocs {
	switch op.Opcode {
	case OpLabel:
		return ra.prepareLabel(op)
	case OpJump, OpFinish:
		l := opLocs{}
		for _, a := range op.Args {
			loc := ra.loc(a)
			if isFlagsLoc(loc) {
				loc = ra.inReg(a, argVars(op.Args))
			}
			l.args = append(l.args, loc)
		}
		return l
	}
	failf("no allocator arm for %s", op.Opcode)
	return opLocs{}
}

// prepareLabel fixes the locations of the label arguments. Arguments that
// are only in the frame are loaded into free registers when they have a
// later use. Jumps back to the label are hinted towards these locations.
func (ra *regAlloc) prepareLabel(op *Op) opLocs {
	args := argVars(op.Args)
	assertf(len(args) == len(op.Args), "label arguments must be variables")
	seen := make(map[*Var]bool)
	for _, v := range args {
		assertf(!seen[v], "%s appears twice in a label", v)
		seen[v] = true
		delete(ra.flags, v)
	}
	for _, b := range []*regBank{ra.core, ra.vfp} {
		for _, v := range b.bound() {
			if !seen[v] && ra.lt.aliveAfter(v, ra.pos) {
				failf("%s is live across %s but not a label argument", v, op.Descr)
			}
			if !seen[v] {
				ra.unbind(v)
			}
		}
	}
	for _, v := range args {
		b := ra.bank(v.Kind())
		if _, ok := b.reg[v]; ok || !ra.lt.aliveAfter(v, ra.pos) {
			continue
		}
		if free := b.free(); len(free) > 0 {
			src := ra.loc(v)
			ra.bind(v, free[0])
			ra.asm.regallocMov(src, free[0])
		}
	}
	l := opLocs{}
	for _, v := range args {
		if _, ok := ra.bank(v.Kind()).reg[v]; ok {
			// Jumps only refresh the register, so a stale slot must not survive
			ra.fm.free(v)
		}
		l.args = append(l.args, ra.loc(v))
	}
	if last := ra.ops[len(ra.ops)-1]; last.Opcode == OpJump && last.Descr == op.Descr {
		for i, a := range last.Args {
			if v, ok := isVar(a); ok && i < len(l.args) && !isStack(l.args[i]) {
				ra.hints[v] = l.args[i]
			}
		}
	}
	return l
}
