// Completion: 100% - Call lowering complete
package tracejit

// Call lowering
//
// The allocator has already emptied every register the call clobbers and
// bound the result to r0 or d0. The builder below only has to marshal the
// arguments into their ABI places, which it does in an order that never
// reads a place after writing it:
//  1. stack arguments (sp drops by the rounded stack size)
//  2. doubles into d0-d7, then singles into s0-s15 (hard float)
//  3. the saved errno into the C errno cell, when requested
//  4. the function address into ip
//  5. single-word core arguments, as one parallel move
//  6. core register pairs (soft-float doubles and 64-bit integers)
// Releasing the GIL, the call itself and the epilogue follow.

// callKinds returns the ABI kind of every argument
func callKinds(cd *CallDescr, args []Box) []ArgKind {
	if len(cd.ArgKinds) == len(args) {
		return cd.ArgKinds
	}
	kinds := make([]ArgKind, len(args))
	for i, b := range args {
		kinds[i] = argKindOf(b.Kind())
	}
	return kinds
}

// nextForceGuard returns the guard_not_forced that follows the call at pos
func nextForceGuard(ops []*Op, pos int) *FailDescr {
	for i := pos + 1; i < len(ops); i++ {
		switch ops[i].Opcode {
		case OpGuardNotForced:
			return ops[i].FailDescr()
		case OpKeepalive, OpDebugMergePoint:
		default:
			return nil
		}
	}
	return nil
}

func (a *assembler) emitCall(op *Op, l opLocs) {
	cd := op.Descr.(*CallDescr)
	_, _, args := callParts(op)
	var skip *Label
	if op.Opcode == OpCondCall {
		switch p := l.pred.(type) {
		case Imm:
			if p.Value == 0 {
				return
			}
		default:
			r := IP
			if cr, ok := p.(CoreReg); ok {
				r = cr
			} else {
				a.regallocMov(p, IP)
			}
			skip = a.mc.NewLabel("cond_call_skip")
			a.emit(encDPImm(AL, dpCMP, true, 0, r, 0))
			a.mc.Branch(EQ, skip)
		}
	}

	mayForce := op.Opcode.isCallMayForce()
	releaseGil := op.Opcode.isCallReleaseGil()
	collects := mayForce || releaseGil || cd.Effect.Has(EffectCanCollect)
	if collects {
		a.storeGcmap(a.gcmapAddr(a.ra.gcmapBits(R0, R1, R2, R3)), IP)
	}
	if mayForce {
		fd := nextForceGuard(a.ra.ops, a.ra.pos)
		assertf(fd != nil, "%s is not followed by guard_not_forced", op.Opcode)
		a.storeFrameWord(jfForceDescrOfs, fd.handle)
	}

	c := callBuilder{a: a, cd: cd, fn: l.args[0], args: l.args[1:], kinds: callKinds(cd, args)}
	c.emitArgs()
	if releaseGil {
		c.releaseGil()
	}
	a.emit(encBLX(AL, IP))
	c.restoreStack()
	if releaseGil {
		c.reacquireGil()
	}
	if cd.Effect.Has(EffectSaveErrno) {
		c.saveErrno()
	}
	if collects {
		a.reloadFrameFromShadowStack()
		a.storeFrameWord(jfGcmapOfs, 0)
	}
	if mayForce {
		a.storeFrameWord(jfForceDescrOfs, 0)
	}
	c.loadResult(l.res)
	if skip != nil {
		a.mc.Bind(skip)
	}
}

// emitHelperCall calls a two-argument integer helper, as used for division
func (a *assembler) emitHelperCall(op *Op, l opLocs) {
	addr := uint32(l.args[0].(Imm).Value)
	dsts := make([]Location, len(l.args)-1)
	for i := range dsts {
		dsts[i] = argumentCore[i]
	}
	a.runMoves(ScheduleMoves(l.args[1:], dsts, LR, VFPScratch))
	a.callAddr(addr)
}

type callBuilder struct {
	a          *assembler
	cd         *CallDescr
	fn         Location
	args       []Location
	kinds      []ArgKind
	places     []ArgPlace
	stackBytes int
}

func (c *callBuilder) emitArgs() {
	a := c.a
	c.places, c.stackBytes = a.cc.Classify(c.kinds)

	if c.stackBytes > 0 {
		a.emit(encDPImm(AL, dpSUB, false, SP, SP, uint32(c.stackBytes)))
		a.spDelta += c.stackBytes
		for i, p := range c.places {
			if !p.OnStack {
				continue
			}
			kind := KindInt
			if c.kinds[i] == ArgFloat || c.kinds[i] == ArgLongLong {
				kind = KindFloat
			}
			a.regallocMov(c.args[i], RawStackSlot{Offset: p.Offset, Kind: kind})
		}
	}

	var fsrc, fdst []Location
	type single struct {
		src Location
		dst SVFPReg
	}
	var singles []single
	for i, p := range c.places {
		switch v := p.VFP.(type) {
		case VFPReg:
			fsrc, fdst = append(fsrc, c.args[i]), append(fdst, v)
		case SVFPReg:
			singles = append(singles, single{c.args[i], v})
		}
	}
	a.runMoves(ScheduleMoves(fsrc, fdst, nil, VFPScratch))
	for _, s := range singles {
		r, ok := s.src.(CoreReg)
		if !ok {
			a.regallocMov(s.src, IP)
			r = IP
		}
		a.emit(encVMOVCoreToS(AL, s.dst, r))
	}

	if c.cd.Effect.Has(EffectReadErrno) {
		a.emit(encLdrStrImm(AL, true, false, LR, SP, a.spDelta))
		a.emit(encLdrStrImm(AL, true, false, LR, LR, threadLocalErrnoOfs))
		a.movImm(IP, a.gc.Errno)
		a.emit(encLdrStrImm(AL, false, false, LR, IP, 0))
	}

	a.regallocMov(c.fn, IP)

	var csrc, cdst []Location
	for i, p := range c.places {
		if len(p.Core) == 1 {
			csrc, cdst = append(csrc, c.args[i]), append(cdst, p.Core[0])
		}
	}
	a.runMoves(ScheduleMoves(csrc, cdst, LR, nil))

	for i, p := range c.places {
		if len(p.Core) != 2 {
			continue
		}
		lo, hi := p.Core[0], p.Core[1]
		switch s := c.args[i].(type) {
		case VFPReg:
			a.emit(encVMOVToCore(AL, lo, hi, s))
		case StackSlot:
			a.ldrWord(lo, FP, s.Offset(), lo)
			a.ldrWord(hi, FP, s.Offset()+WORD, hi)
		case ImmFloat:
			a.movImm(LR, s.Addr)
			a.emit(encLdrStrImm(AL, true, false, lo, LR, 0))
			a.emit(encLdrStrImm(AL, true, false, hi, LR, WORD))
		default:
			failf("cannot pass %s in a register pair", s)
		}
	}
}

func (c *callBuilder) restoreStack() {
	if c.stackBytes > 0 {
		c.a.emit(encDPImm(AL, dpADD, false, SP, SP, uint32(c.stackBytes)))
		c.a.spDelta -= c.stackBytes
	}
}

// releaseGil drops the fast GIL. r5 keeps the shadow stack top (or 1) and
// r6 the address of the GIL cell across the call; the allocator has
// emptied every callee-saved register for releasing calls.
func (c *callBuilder) releaseGil() {
	a := c.a
	a.movImm(R6, a.gc.FastGil)
	if a.shadowStack() {
		a.movImm(R5, a.gc.RootStackTop)
		a.emit(encLdrStrImm(AL, true, false, R5, R5, 0))
	} else {
		a.movImm(R5, 1)
	}
	a.movImm(R7, 0)
	a.emit(encDMB())
	a.emit(encLdrStrImm(AL, false, false, R7, R6, 0))
}

// reacquireGil takes the GIL back with one ldrex/strex attempt; a lost
// race or a changed shadow stack goes to the slow path
func (c *callBuilder) reacquireGil() {
	a := c.a
	slow := a.mc.NewLabel("reacquire_gil")
	done := a.mc.NewLabel("gil_held")
	a.movImm(R9, 1)
	a.emit(encLDREX(AL, R7, R6))
	a.emit(encDPImm(AL, dpCMP, true, 0, R7, 0))
	a.emit(encSTREX(EQ, R8, R9, R6))
	a.emit(encDPImm(EQ, dpCMP, true, 0, R8, 0))
	a.mc.Branch(NE, slow)
	if a.shadowStack() {
		a.movImm(R7, a.gc.RootStackTop)
		a.emit(encLdrStrImm(AL, true, false, R7, R7, 0))
		a.emit(encDPReg(AL, dpCMP, true, 0, R7, R5, LSL, 0))
		a.mc.Branch(NE, slow)
	}
	a.mc.Bind(done)
	a.emit(encDMB())
	a.slowPaths = append(a.slowPaths, func() {
		a.mc.Bind(slow)
		a.emit(encPUSH(AL, []CoreReg{R0, R1}))
		a.emit(encVPUSH(AL, D0, 1))
		a.movReg(R0, R5)
		a.callAddr(a.gc.ReacquireGil)
		a.emit(encVPOP(AL, D0, 1))
		a.emit(encPOP(AL, []CoreReg{R0, R1}))
		a.mc.Branch(AL, done)
	})
}

// saveErrno copies the C errno into the thread-local block
func (c *callBuilder) saveErrno() {
	a := c.a
	a.emit(encLdrStrImm(AL, true, false, LR, SP, a.spDelta))
	a.movImm(IP, a.gc.Errno)
	a.emit(encLdrStrImm(AL, true, false, IP, IP, 0))
	a.emit(encLdrStrImm(AL, false, false, IP, LR, threadLocalErrnoOfs))
}

// loadResult moves the ABI result into the register the allocator chose
// and normalizes narrow integers
func (c *callBuilder) loadResult(res Location) {
	a := c.a
	if res == nil {
		return
	}
	place := a.cc.ResultPlace(c.cd.Result)
	switch c.cd.Result {
	case ArgFloat, ArgLongLong:
		d := res.(VFPReg)
		if len(place.Core) == 2 {
			a.emit(encVMOVFromCore(AL, d, R0, R1))
		}
		return
	case ArgSingle:
		if s, ok := place.VFP.(SVFPReg); ok {
			a.emit(encVMOVSToCore(AL, res.(CoreReg), s))
		}
		return
	}
	r := res.(CoreReg)
	switch size := c.cd.ResultSize; {
	case size == 0 || size >= WORD:
	case c.cd.ResultSigned:
		bits := uint32(32 - 8*size)
		a.emit(encDPReg(AL, dpMOV, false, r, 0, r, LSL, bits))
		a.emit(encDPReg(AL, dpMOV, false, r, 0, r, ASR, bits))
	case size == 1:
		a.emit(encDPImm(AL, dpAND, false, r, r, 0xFF))
	default:
		bits := uint32(32 - 8*size)
		a.emit(encDPReg(AL, dpMOV, false, r, 0, r, LSL, bits))
		a.emit(encDPReg(AL, dpMOV, false, r, 0, r, LSR, bits))
	}
}
