// Completion: 100% - Operation emitters complete
package tracejit

import "math/bits"

func (a *assembler) emitIntBinary(op *Op, l opLocs) {
	if op.Opcode == OpIntFloorDiv || op.Opcode == OpIntMod {
		a.emitHelperCall(op, l)
		return
	}
	rd, rn := l.res.(CoreReg), l.args[0].(CoreReg)
	switch op.Opcode {
	case OpIntAdd:
		a.dataOp(dpADD, dpSUB, false, rd, rn, l.args[1])
	case OpIntSub:
		a.dataOp(dpSUB, dpADD, false, rd, rn, l.args[1])
	case OpIntMul:
		a.emit(encMUL(AL, false, rd, rn, l.args[1].(CoreReg)))
	case OpIntAnd:
		a.dataOp(dpAND, dpAND, false, rd, rn, l.args[1])
	case OpIntOr:
		a.dataOp(dpORR, dpORR, false, rd, rn, l.args[1])
	case OpIntXor:
		a.dataOp(dpEOR, dpEOR, false, rd, rn, l.args[1])
	case OpIntLshift:
		a.shift(LSL, rd, rn, l.args[1])
	case OpIntRshift:
		a.shift(ASR, rd, rn, l.args[1])
	case OpUintRshift:
		a.shift(LSR, rd, rn, l.args[1])
	}
}

// dataOp emits rd = rn <opc> b. Immediates that do not encode are tried
// negated with the inverse opcode.
func (a *assembler) dataOp(opc, negOpc dpOp, s bool, rd, rn CoreReg, b Location) {
	switch b := b.(type) {
	case CoreReg:
		a.emit(encDPReg(AL, opc, s, rd, rn, b, LSL, 0))
	case Imm:
		v := uint32(b.Value)
		if isImm12(v) {
			a.emit(encDPImm(AL, opc, s, rd, rn, v))
			return
		}
		assertf(negOpc != opc && isImm12(-v), "immediate %d does not encode for %d", b.Value, opc)
		a.emit(encDPImm(AL, negOpc, s, rd, rn, -v))
	default:
		failf("bad operand %s", b)
	}
}

func (a *assembler) shift(t ShiftType, rd, rn CoreReg, b Location) {
	switch b := b.(type) {
	case CoreReg:
		a.emit(encDPRegShift(AL, dpMOV, false, rd, 0, rn, t, b))
	case Imm:
		if b.Value == 0 {
			// LSR/ASR #0 would mean a shift by 32
			a.movReg(rd, rn)
			return
		}
		a.emit(encDPReg(AL, dpMOV, false, rd, 0, rn, t, uint32(b.Value)))
	}
}

func (a *assembler) emitIntUnary(op *Op, l opLocs) {
	rd, rn := l.res.(CoreReg), l.args[0].(CoreReg)
	switch op.Opcode {
	case OpIntNeg:
		a.emit(encDPImm(AL, dpRSB, false, rd, rn, 0))
	case OpIntInvert:
		a.emit(encDPReg(AL, dpMVN, false, rd, 0, rn, LSL, 0))
	}
}

func (a *assembler) emitCompare(op *Op, l opLocs) {
	switch {
	case op.Opcode == OpIntIsTrue || op.Opcode == OpIntIsZero:
		a.emit(encDPImm(AL, dpCMP, true, 0, l.args[0].(CoreReg), 0))
	case op.Opcode.IsFloatCompare():
		a.emit(encVCMP(AL, l.args[0].(VFPReg), l.args[1].(VFPReg)))
		a.emit(encVMRS(AL))
	default:
		a.cmpLoc(l.args[0].(CoreReg), l.args[1])
	}
	if rd, ok := l.res.(CoreReg); ok {
		a.emit(encDPImm(AL, dpMOV, false, rd, 0, 0))
		a.emit(encDPImm(l.cond, dpMOV, false, rd, 0, 1))
	}
}

func (a *assembler) emitOverflow(op *Op, l opLocs) {
	rd, rn := l.res.(CoreReg), l.args[0].(CoreReg)
	a.ovfLive = true
	switch op.Opcode {
	case OpIntAddOvf:
		a.dataOp(dpADD, dpADD, true, rd, rn, l.args[1])
		a.guardSuccess = VC
	case OpIntSubOvf:
		a.dataOp(dpSUB, dpSUB, true, rd, rn, l.args[1])
		a.guardSuccess = VC
	case OpIntMulOvf:
		// the high word must be the sign extension of the low word
		a.emit(encSMULL(AL, rd, IP, rn, l.args[1].(CoreReg)))
		a.emit(encDPReg(AL, dpCMP, true, 0, IP, rd, ASR, 31))
		a.guardSuccess = EQ
	}
}

func (a *assembler) emitFloat(op *Op, l opLocs) {
	scratch := VFPScratch.First()
	switch op.Opcode {
	case OpFloatAdd:
		a.emit(encVADD(AL, l.res.(VFPReg), l.args[0].(VFPReg), l.args[1].(VFPReg)))
	case OpFloatSub:
		a.emit(encVSUB(AL, l.res.(VFPReg), l.args[0].(VFPReg), l.args[1].(VFPReg)))
	case OpFloatMul:
		a.emit(encVMUL(AL, l.res.(VFPReg), l.args[0].(VFPReg), l.args[1].(VFPReg)))
	case OpFloatTrueDiv:
		a.emit(encVDIV(AL, l.res.(VFPReg), l.args[0].(VFPReg), l.args[1].(VFPReg)))
	case OpFloatNeg:
		a.emit(encVNEG(AL, l.res.(VFPReg), l.args[0].(VFPReg)))
	case OpFloatAbs:
		a.emit(encVABS(AL, l.res.(VFPReg), l.args[0].(VFPReg)))
	case OpCastIntToFloat:
		a.emit(encVMOVCoreToS(AL, scratch, l.args[0].(CoreReg)))
		a.emit(encVCVTF64S32(AL, l.res.(VFPReg), scratch))
	case OpCastFloatToInt:
		a.emit(encVCVTS32F64(AL, scratch, l.args[0].(VFPReg)))
		a.emit(encVMOVSToCore(AL, l.res.(CoreReg), scratch))
	case OpCastFloatToSingleFloat:
		a.emit(encVCVTF32F64(AL, scratch, l.args[0].(VFPReg)))
		a.emit(encVMOVSToCore(AL, l.res.(CoreReg), scratch))
	case OpCastSingleFloatToFloat:
		a.emit(encVMOVCoreToS(AL, scratch, l.args[0].(CoreReg)))
		a.emit(encVCVTF64F32(AL, l.res.(VFPReg), scratch))
	}
}

// load reads size bytes at [base + ofs] into dst
func (a *assembler) load(dst Location, base CoreReg, ofs Location, size int, signed bool) {
	if d, ok := dst.(VFPReg); ok {
		switch o := ofs.(type) {
		case Imm:
			a.vldr(d, base, int(o.Value))
		case CoreReg:
			a.emit(encDPReg(AL, dpADD, false, IP, base, o, LSL, 0))
			a.emit(encVLDR(AL, d, IP, 0))
		}
		return
	}
	rt := dst.(CoreReg)
	var half halfOp
	useHalf := true
	switch {
	case size == 2 && signed:
		half = opLDRSH
	case size == 2:
		half = opLDRH
	case size == 1 && signed:
		half = opLDRSB
	default:
		useHalf = false
	}
	switch o := ofs.(type) {
	case Imm:
		if useHalf {
			a.emit(encHalfImm(AL, half, rt, base, int(o.Value)))
		} else {
			a.emit(encLdrStrImm(AL, true, size == 1, rt, base, int(o.Value)))
		}
	case CoreReg:
		if useHalf {
			a.emit(encHalfReg(AL, half, rt, base, o))
		} else {
			a.emit(encLdrStrReg(AL, true, size == 1, rt, base, o, 0))
		}
	default:
		failf("bad offset %s", ofs)
	}
}

// store writes the low size bytes of src to [base + ofs]
func (a *assembler) store(src Location, base CoreReg, ofs Location, size int) {
	if d, ok := src.(VFPReg); ok {
		switch o := ofs.(type) {
		case Imm:
			a.vstr(d, base, int(o.Value))
		case CoreReg:
			a.emit(encDPReg(AL, dpADD, false, IP, base, o, LSL, 0))
			a.emit(encVSTR(AL, d, IP, 0))
		}
		return
	}
	rt := src.(CoreReg)
	switch o := ofs.(type) {
	case Imm:
		if size == 2 {
			a.emit(encHalfImm(AL, opSTRH, rt, base, int(o.Value)))
		} else {
			a.emit(encLdrStrImm(AL, false, size == 1, rt, base, int(o.Value)))
		}
	case CoreReg:
		if size == 2 {
			a.emit(encHalfReg(AL, opSTRH, rt, base, o))
		} else {
			a.emit(encLdrStrReg(AL, false, size == 1, rt, base, o, 0))
		}
	default:
		failf("bad offset %s", ofs)
	}
}

// indexedOffset computes index*scale + baseofs. Constant indexes fold into
// an immediate when the access can encode it; otherwise the result is in IP.
func (a *assembler) indexedOffset(index Location, scale, baseofs int32, fits func(int32) bool) Location {
	if c, ok := index.(Imm); ok {
		total := c.Value*scale + baseofs
		if fits(total) {
			return Imm{Value: total}
		}
		a.movImm(IP, uint32(total))
		return IP
	}
	idx := index.(CoreReg)
	switch {
	case scale == 1:
		a.movReg(IP, idx)
	case scale > 0 && bits.OnesCount32(uint32(scale)) == 1:
		a.emit(encDPReg(AL, dpMOV, false, IP, 0, idx, LSL, uint32(bits.TrailingZeros32(uint32(scale)))))
	default:
		a.movImm(IP, uint32(scale))
		a.emit(encMUL(AL, false, IP, idx, IP))
	}
	a.addImm(IP, IP, baseofs, LR)
	return IP
}

func (a *assembler) emitMemory(op *Op, l opLocs) {
	size, signed := accessSize(op)
	base := l.args[0].(CoreReg)
	switch op.Opcode {
	case OpGcLoadI, OpGcLoadR, OpGcLoadF, OpRawLoadI, OpRawLoadF:
		a.load(l.res, base, l.args[1], size, signed)
	case OpGcStore, OpRawStore:
		a.store(l.args[2], base, l.args[1], size)
	case OpGcLoadIndexedI, OpGcLoadIndexedR, OpGcLoadIndexedF:
		scale := op.Args[2].(ConstInt).Value
		baseofs := op.Args[3].(ConstInt).Value
		fits := fitsAccess(size, signed, op.Result.Kind() == KindFloat)
		a.load(l.res, base, a.indexedOffset(l.args[1], scale, baseofs, fits), size, signed)
	case OpGcStoreIndexed:
		scale := op.Args[3].(ConstInt).Value
		baseofs := op.Args[4].(ConstInt).Value
		fits := fitsAccess(size, false, op.Args[2].Kind() == KindFloat)
		a.store(l.args[2], base, a.indexedOffset(l.args[1], scale, baseofs, fits), size)
	}
}

func (a *assembler) emitMisc(op *Op, l opLocs) {
	switch op.Opcode {
	case OpSameAsI, OpSameAsR, OpSameAsF:
		a.regallocMov(l.args[0], l.res)
	case OpForceToken:
		a.movReg(l.res.(CoreReg), FP)
	case OpSaveExcClass:
		a.movImm(IP, a.gc.ExcType)
		a.emit(encLdrStrImm(AL, true, false, l.res.(CoreReg), IP, 0))
	case OpSaveException:
		rd := l.res.(CoreReg)
		a.movImm(IP, a.gc.ExcValue)
		a.emit(encLdrStrImm(AL, true, false, rd, IP, 0))
		a.movImm(LR, 0)
		a.emit(encLdrStrImm(AL, false, false, LR, IP, 0))
		a.movImm(IP, a.gc.ExcType)
		a.emit(encLdrStrImm(AL, false, false, LR, IP, 0))
	case OpRestoreException:
		a.movImm(IP, a.gc.ExcType)
		a.emit(encLdrStrImm(AL, false, false, l.args[0].(CoreReg), IP, 0))
		a.movImm(IP, a.gc.ExcValue)
		a.emit(encLdrStrImm(AL, false, false, l.args[1].(CoreReg), IP, 0))
	case OpIncrementDebugCounter:
		addr := l.args[0].(CoreReg)
		a.emit(encLdrStrImm(AL, true, false, IP, addr, 0))
		a.emit(encDPImm(AL, dpADD, false, IP, IP, 1))
		a.emit(encLdrStrImm(AL, false, false, IP, addr, 0))
	case OpDebugMergePoint, OpKeepalive:
	}
}
