// Completion: 100% - Allocation and write barrier lowering complete
package tracejit

import "math/bits"

func (a *assembler) emitGC(op *Op, l opLocs) {
	switch op.Opcode {
	case OpCallMallocNursery:
		a.emitMallocNursery(op, l)
	case OpCallMallocNurseryVarsize:
		a.emitMallocVarsize(op, l)
	case OpCondCallGcWb:
		a.emitWriteBarrier(l.args[0].(CoreReg), nil)
	case OpCondCallGcWbArray:
		a.emitWriteBarrier(l.args[0].(CoreReg), &l)
	}
}

// bumpAlloc advances the nursery pointer by the byte count in r1. On
// success r0 holds the object; on overflow control goes to slow and the
// free pointer is left alone.
func (a *assembler) bumpAlloc(slow *Label) {
	a.movImm(IP, a.gc.NurseryFree)
	a.emit(encLdrStrImm(AL, true, false, R0, IP, 0))
	a.emit(encDPReg(AL, dpADD, false, R1, R0, R1, LSL, 0))
	a.movImm(LR, a.gc.NurseryTop)
	a.emit(encLdrStrImm(AL, true, false, LR, LR, 0))
	a.emit(encDPReg(AL, dpCMP, true, 0, R1, LR, LSL, 0))
	a.mc.Branch(HI, slow)
	a.emit(encLdrStrImm(AL, false, false, R1, IP, 0))
}

// mallocSlowPath queues the out-of-line call to an allocation helper.
// setup loads the helper arguments into r0/r1. A zero result means the
// helper raised MemoryError.
func (a *assembler) mallocSlowPath(slow, done *Label, helper uint32, setup func()) {
	regs := a.ra.boundRegisters(R0, R1)
	gcmap := a.gcmapAddr(a.ra.gcmapBits(R0, R1))
	a.slowPaths = append(a.slowPaths, func() {
		a.mc.Bind(slow)
		a.storeRegs(regs)
		a.storeGcmap(gcmap, IP)
		setup()
		a.callAddr(helper)
		a.reloadFrameFromShadowStack()
		a.storeFrameWord(jfGcmapOfs, 0)
		a.reloadRegs(regs)
		a.emit(encDPImm(AL, dpCMP, true, 0, R0, 0))
		a.mc.Branch(EQ, a.propagate)
		a.mc.Branch(AL, done)
	})
}

func (a *assembler) emitMallocNursery(op *Op, l opLocs) {
	size := op.Args[0].(ConstInt).Value
	assertf(size > 0 && size%WORD == 0, "nursery allocation of %d bytes", size)
	slow := a.mc.NewLabel("malloc_slow")
	done := a.mc.NewLabel("malloc_done")
	a.movImm(R1, uint32(size))
	a.bumpAlloc(slow)
	a.mc.Bind(done)
	a.mallocSlowPath(slow, done, a.gc.MallocSlowpath, func() {
		a.movImm(R0, uint32(size))
	})
}

// emitMallocVarsize allocates an array of a runtime length. The type id
// and length are stamped on the fast path only; the helper stamps its own.
func (a *assembler) emitMallocVarsize(op *Op, l opLocs) {
	d, ok := op.Descr.(*ArrayDescr)
	assertf(ok, "%s needs an ArrayDescr", op.Opcode)
	itemSize := op.Args[0].(ConstInt).Value
	length := l.args[0].(CoreReg)
	assertf(length != R0 && length != R1, "array length in %s", length)
	handle := a.ctx.arrayHandle(d)
	slow := a.mc.NewLabel("varsize_slow")
	done := a.mc.NewLabel("varsize_done")

	a.movImm(LR, a.gc.MaxVarsizeLength)
	a.emit(encDPReg(AL, dpCMP, true, 0, length, LR, LSL, 0))
	a.mc.Branch(HI, slow)
	switch {
	case itemSize == 1:
		a.movReg(R1, length)
	case itemSize > 0 && bits.OnesCount32(uint32(itemSize)) == 1:
		a.emit(encDPReg(AL, dpMOV, false, R1, 0, length, LSL, uint32(bits.TrailingZeros32(uint32(itemSize)))))
	default:
		a.movImm(LR, uint32(itemSize))
		a.emit(encMUL(AL, false, R1, length, LR))
	}
	a.addImm(R1, R1, int32(d.BaseSize+WORD-1), LR)
	a.emit(encDPImm(AL, dpBIC, false, R1, R1, WORD-1))
	a.bumpAlloc(slow)
	a.movImm(LR, d.TypeID)
	a.emit(encLdrStrImm(AL, false, false, LR, R0, 0))
	a.strWord(length, R0, d.LengthOffset, IP)
	a.mc.Bind(done)
	a.mallocSlowPath(slow, done, a.gc.VarsizeSlowpath, func() {
		a.movReg(R1, length)
		a.movImm(R0, handle)
	})
}

// callBarrierHelper calls a write barrier helper on obj, preserving every
// register the helper may clobber
func (a *assembler) callBarrierHelper(obj CoreReg, helper uint32) {
	vfp := len(a.ra.vfp.bound()) > 0
	a.emit(encPUSH(AL, []CoreReg{R0, R1, R2, R3}))
	if vfp {
		a.emit(encVPUSH(AL, D0, len(allocatableVFP)))
	}
	a.movReg(R0, obj)
	a.callAddr(helper)
	if vfp {
		a.emit(encVPOP(AL, D0, len(allocatableVFP)))
	}
	a.emit(encPOP(AL, []CoreReg{R0, R1, R2, R3}))
}

// emitWriteBarrier tests the flag byte of obj and calls the barrier only
// when it is set. With array locations, objects that already have cards
// get the card for the index marked inline instead.
func (a *assembler) emitWriteBarrier(obj CoreReg, arr *opLocs) {
	wb := uint32(a.gc.WBFlag)
	mask := wb
	if arr != nil {
		mask |= uint32(a.gc.CardsSet)
	}
	slow := a.mc.NewLabel("wb_slow")
	done := a.mc.NewLabel("wb_done")
	a.emit(encLdrStrImm(AL, true, true, IP, obj, a.gc.FlagByteOfs))
	a.emit(encDPImm(AL, dpTST, true, 0, IP, mask))
	a.mc.Branch(NE, slow)
	a.mc.Bind(done)

	if arr == nil {
		a.slowPaths = append(a.slowPaths, func() {
			a.mc.Bind(slow)
			a.callBarrierHelper(obj, a.gc.WriteBarrier)
			a.mc.Branch(AL, done)
		})
		return
	}
	idx := arr.args[1]
	t1, t2 := arr.scratch[0].(CoreReg), arr.scratch[1].(CoreReg)
	cards := uint32(a.gc.CardsSet)
	a.slowPaths = append(a.slowPaths, func() {
		mark := a.mc.NewLabel("wb_mark_card")
		a.mc.Bind(slow)
		a.emit(encDPImm(AL, dpTST, true, 0, IP, cards))
		a.mc.Branch(NE, mark)
		a.callBarrierHelper(obj, a.gc.WriteBarrierArray)
		// the helper may have switched the array to card marking
		a.emit(encLdrStrImm(AL, true, true, IP, obj, a.gc.FlagByteOfs))
		a.emit(encDPImm(AL, dpTST, true, 0, IP, cards))
		a.mc.Branch(EQ, done)
		a.mc.Bind(mark)
		a.markCard(obj, idx, t1, t2)
		a.mc.Branch(AL, done)
	})
}

// markCard sets the bit of the card covering item idx. The card table
// grows downwards from the object header: item i is covered by bit
// (i >> shift) & 7 of the byte at obj + ~(i >> (shift+3)).
func (a *assembler) markCard(obj CoreReg, idx Location, t1, t2 CoreReg) {
	shift := uint32(a.gc.CardPageShift)
	if c, ok := idx.(Imm); ok {
		i := uint32(c.Value)
		ofs := int(int32(^(i >> (shift + 3))))
		bit := (i >> shift) & 7
		if fitsLdr(ofs) {
			a.emit(encLdrStrImm(AL, true, true, IP, obj, ofs))
			a.emit(encDPImm(AL, dpORR, false, IP, IP, 1<<bit))
			a.emit(encLdrStrImm(AL, false, true, IP, obj, ofs))
			return
		}
		a.movImm(t1, uint32(ofs))
		a.emit(encLdrStrReg(AL, true, true, IP, obj, t1, 0))
		a.emit(encDPImm(AL, dpORR, false, IP, IP, 1<<bit))
		a.emit(encLdrStrReg(AL, false, true, IP, obj, t1, 0))
		return
	}
	r := idx.(CoreReg)
	a.emit(encDPReg(AL, dpMOV, false, t1, 0, r, LSR, shift))
	a.emit(encDPImm(AL, dpAND, false, t2, t1, 7))
	a.emit(encDPReg(AL, dpMOV, false, t1, 0, t1, LSR, 3))
	a.emit(encDPReg(AL, dpMVN, false, t1, 0, t1, LSL, 0))
	a.emit(encLdrStrReg(AL, true, true, IP, obj, t1, 0))
	a.movImm(LR, 1)
	a.emit(encDPRegShift(AL, dpORR, false, IP, IP, LR, LSL, t2))
	a.emit(encLdrStrReg(AL, false, true, IP, obj, t1, 0))
}
