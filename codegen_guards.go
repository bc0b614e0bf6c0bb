// Completion: 100% - Guard emission complete
package tracejit

// A guard compiles to a comparison followed by a one-word placeholder. The
// placeholder is later overwritten with a conditional branch to the guard's
// recovery stub, and once a bridge exists, with a branch to the bridge.
// guard_not_invalidated is passive: its placeholder stays a NOP until the
// loop is invalidated.

// guardToken is a guard waiting for its recovery stub
type guardToken struct {
	op       *Op
	fd       *FailDescr
	pos      int // offset of the placeholder word
	failCond Cond
	failLocs []Location
	gcmap    uint32
	passive  bool
	saveExc  bool
	stub     *Label
}

// guardGcmap marks the fail arguments that hold references
func guardGcmap(op *Op, locs []Location) []int {
	var bits []int
	for i, fa := range op.FailArgs {
		if fa == nil || fa.Kind() != KindRef {
			continue
		}
		switch locs[i].(type) {
		case CoreReg, StackSlot:
			bits = append(bits, framePosition(locs[i]))
		}
	}
	return bits
}

// emitGuard emits the check of a guard and queues its stub
func (a *assembler) emitGuard(op *Op, l opLocs) {
	fd := op.FailDescr()
	assertf(fd != nil, "%s needs a FailDescr", op.Opcode)
	tok := &guardToken{op: op, fd: fd, failLocs: l.fail}
	switch op.Opcode {
	case OpGuardTrue, OpGuardFalse:
		cond := NE
		if f, ok := l.args[0].(Flags); ok {
			cond = f.Cond
		} else {
			a.emit(encDPImm(AL, dpCMP, true, 0, l.args[0].(CoreReg), 0))
		}
		if op.Opcode == OpGuardTrue {
			tok.failCond = cond.Opposite()
		} else {
			tok.failCond = cond
		}
	case OpGuardValue:
		if d, ok := l.args[0].(VFPReg); ok {
			a.emit(encVCMP(AL, d, l.args[1].(VFPReg)))
			a.emit(encVMRS(AL))
		} else {
			a.cmpLoc(l.args[0].(CoreReg), l.args[1])
		}
		tok.failCond = NE
	case OpGuardClass:
		a.emit(encLdrStrImm(AL, true, false, IP, l.args[0].(CoreReg), vtableOfs))
		a.cmpLoc(IP, l.args[1])
		tok.failCond = NE
	case OpGuardNonnullClass:
		obj := l.args[0].(CoreReg)
		a.emit(encDPImm(AL, dpCMP, true, 0, obj, 0))
		a.emit(encLdrStrImm(NE, true, false, IP, obj, vtableOfs))
		a.emit(encDPImm(EQ, dpMOV, false, IP, 0, 0))
		a.cmpLoc(IP, l.args[1])
		tok.failCond = NE
	case OpGuardNonnull:
		a.emit(encDPImm(AL, dpCMP, true, 0, l.args[0].(CoreReg), 0))
		tok.failCond = EQ
	case OpGuardIsnull:
		a.emit(encDPImm(AL, dpCMP, true, 0, l.args[0].(CoreReg), 0))
		tok.failCond = NE
	case OpGuardNoOverflow, OpGuardOverflow:
		assertf(a.ovfLive, "%s does not directly follow an overflow operation", op.Opcode)
		a.ovfLive = false
		tok.failCond = a.guardSuccess
		if op.Opcode == OpGuardNoOverflow {
			tok.failCond = a.guardSuccess.Opposite()
		}
	case OpGuardNoException:
		a.movImm(IP, a.gc.ExcType)
		a.emit(encLdrStrImm(AL, true, false, IP, IP, 0))
		a.emit(encDPImm(AL, dpCMP, true, 0, IP, 0))
		tok.failCond = NE
		tok.saveExc = true
	case OpGuardException:
		a.movImm(IP, a.gc.ExcType)
		a.emit(encLdrStrImm(AL, true, false, IP, IP, 0))
		a.cmpLoc(IP, l.args[0])
		tok.failCond = NE
		tok.saveExc = true
	case OpGuardNotInvalidated:
		tok.failCond = AL
		tok.passive = true
	case OpGuardNotForced:
		a.emit(encLdrStrImm(AL, true, false, IP, FP, jfDescrOfs))
		a.emit(encDPImm(AL, dpCMP, true, 0, IP, 0))
		tok.failCond = NE
	default:
		failf("no guard lowering for %s", op.Opcode)
	}
	tok.gcmap = a.gcmapAddr(guardGcmap(op, l.fail))
	tok.pos = a.mc.Pos()
	if tok.passive {
		a.emit(encNOP(AL))
	} else {
		a.emit(encBKPT(uint32(len(a.guards))))
	}
	tok.stub = a.mc.NewLabel("stub_" + fd.String())
	a.guards = append(a.guards, tok)

	if op.Opcode == OpGuardException {
		// the exception is caught: hand the value over and clear the state
		res := l.res.(CoreReg)
		a.movImm(LR, a.gc.ExcValue)
		a.emit(encLdrStrImm(AL, true, false, res, LR, 0))
		a.movImm(IP, 0)
		a.emit(encLdrStrImm(AL, false, false, IP, LR, 0))
		a.movImm(LR, a.gc.ExcType)
		a.emit(encLdrStrImm(AL, false, false, IP, LR, 0))
	}
}

// cmpLoc compares a register with a register or an immediate
func (a *assembler) cmpLoc(rn CoreReg, b Location) {
	switch b := b.(type) {
	case CoreReg:
		a.emit(encDPReg(AL, dpCMP, true, 0, rn, b, LSL, 0))
	case Imm:
		a.cmpImm(rn, b.Value, LR)
	default:
		failf("cannot compare with %s", b)
	}
}

// resolveGuards emits one recovery stub per guard and points the
// placeholders at them. A stub saves the fail arguments held in registers,
// records the gcmap and the guard handle, and leaves through the exit.
func (a *assembler) resolveGuards() {
	for _, g := range a.guards {
		a.mc.Bind(g.stub)
		var regs []Location
		seen := make(map[Location]bool)
		for _, loc := range g.failLocs {
			if (isCoreReg(loc) || isVFPReg(loc)) && !seen[loc] {
				seen[loc] = true
				regs = append(regs, loc)
			}
		}
		a.storeRegs(regs)
		a.storeGcmap(g.gcmap, IP)
		if g.saveExc {
			a.saveException()
		}
		a.storeFrameWord(jfDescrOfs, g.fd.handle)
		a.mc.Branch(AL, a.exitLabel)
		if !g.passive {
			a.mc.OverwriteBranch(g.pos, g.failCond, g.stub)
		}
	}
}

// publish hands the final addresses of the guard to its descriptor
func (g *guardToken) publish(block *CodeBlock, loop *CompiledLoopToken) {
	fd := g.fd
	fd.failArgs = g.op.FailArgs
	fd.failLocs = g.failLocs
	fd.gcmap = g.gcmap
	fd.failCond = g.failCond
	fd.guardAddr = block.At(g.pos)
	fd.stubAddr = block.At(g.stub.pos)
	fd.block = block
	fd.loop = loop
	fd.passive = g.passive
	fd.saveExc = g.saveExc
	loop.guards = append(loop.guards, fd)
}

// patchGuard points the guard of fd at target
func patchGuard(fd *FailDescr, target uint32) error {
	pv, err := fd.block.Patch()
	if err != nil {
		return err
	}
	cond := fd.failCond
	if fd.passive {
		cond = AL
	}
	pv.Branch(fd.guardAddr, cond, target)
	return pv.Close()
}
