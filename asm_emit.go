// Completion: 100% - Emission primitives complete
package tracejit

import "fmt"

// Low-level emission helpers shared by the register allocator and the
// operation emitters. IP and VFPScratch are never allocated, so these
// helpers may clobber them freely; LR is clobbered only where noted.

func (a *assembler) emit(w uint32) { a.mc.Emit(w) }

// movImm loads an arbitrary word into rd
func (a *assembler) movImm(rd CoreReg, v uint32) {
	a.movImmCond(AL, rd, v)
}

func (a *assembler) movImmCond(cond Cond, rd CoreReg, v uint32) {
	switch {
	case isImm12(v):
		a.emit(encDPImm(cond, dpMOV, false, rd, 0, v))
	case isImm12(^v):
		a.emit(encDPImm(cond, dpMVN, false, rd, 0, ^v))
	default:
		a.emit(encMOVW(cond, rd, v&0xFFFF))
		if v>>16 != 0 {
			a.emit(encMOVT(cond, rd, v>>16))
		}
	}
}

// movReg copies a core register
func (a *assembler) movReg(rd, rm CoreReg) {
	if rd != rm {
		a.emit(encDPReg(AL, dpMOV, false, rd, 0, rm, LSL, 0))
	}
}

// addImm computes rd = rn + v, materializing v in tmp when needed
func (a *assembler) addImm(rd, rn CoreReg, v int32, tmp CoreReg) {
	switch {
	case v == 0:
		a.movReg(rd, rn)
	case isImm12(uint32(v)):
		a.emit(encDPImm(AL, dpADD, false, rd, rn, uint32(v)))
	case isImm12(uint32(-v)):
		a.emit(encDPImm(AL, dpSUB, false, rd, rn, uint32(-v)))
	default:
		a.movImm(tmp, uint32(v))
		a.emit(encDPReg(AL, dpADD, false, rd, rn, tmp, LSL, 0))
	}
}

// cmpImm compares rn against an immediate, using tmp when it does not encode
func (a *assembler) cmpImm(rn CoreReg, v int32, tmp CoreReg) {
	switch {
	case isImm12(uint32(v)):
		a.emit(encDPImm(AL, dpCMP, true, 0, rn, uint32(v)))
	case isImm12(uint32(-v)):
		a.emit(encDPImm(AL, dpCMN, true, 0, rn, uint32(-v)))
	default:
		a.movImm(tmp, uint32(v))
		a.emit(encDPReg(AL, dpCMP, true, 0, rn, tmp, LSL, 0))
	}
}

func fitsLdr(ofs int) bool  { return ofs > -4096 && ofs < 4096 }
func fitsHalf(ofs int) bool { return ofs > -256 && ofs < 256 }
func fitsVldr(ofs int) bool { return ofs >= -1020 && ofs <= 1020 && ofs&3 == 0 }

// ldrWord loads the word at [rn, #ofs]; tmp is used for far offsets
func (a *assembler) ldrWord(rt, rn CoreReg, ofs int, tmp CoreReg) {
	if fitsLdr(ofs) {
		a.emit(encLdrStrImm(AL, true, false, rt, rn, ofs))
		return
	}
	a.movImm(tmp, uint32(ofs))
	a.emit(encLdrStrReg(AL, true, false, rt, rn, tmp, 0))
}

// strWord stores rt at [rn, #ofs]; tmp must differ from rt and rn
func (a *assembler) strWord(rt, rn CoreReg, ofs int, tmp CoreReg) {
	if fitsLdr(ofs) {
		a.emit(encLdrStrImm(AL, false, false, rt, rn, ofs))
		return
	}
	assertf(tmp != rt && tmp != rn, "strWord scratch %s clobbers operand", tmp)
	a.movImm(tmp, uint32(ofs))
	a.emit(encLdrStrReg(AL, false, false, rt, rn, tmp, 0))
}

// vldr loads a double from [rn, #ofs], going through IP for far offsets
func (a *assembler) vldr(d VFPReg, rn CoreReg, ofs int) {
	if fitsVldr(ofs) {
		a.emit(encVLDR(AL, d, rn, ofs))
		return
	}
	a.addImm(IP, rn, int32(ofs), IP)
	a.emit(encVLDR(AL, d, IP, 0))
}

// vstr stores a double to [rn, #ofs], going through IP for far offsets
func (a *assembler) vstr(d VFPReg, rn CoreReg, ofs int) {
	if fitsVldr(ofs) {
		a.emit(encVSTR(AL, d, rn, ofs))
		return
	}
	assertf(rn != IP, "vstr through ip needs a near offset")
	a.addImm(IP, rn, int32(ofs), IP)
	a.emit(encVSTR(AL, d, IP, 0))
}

// loadFloatConst loads a pooled double
func (a *assembler) loadFloatConst(d VFPReg, addr uint32) {
	a.movImm(IP, addr)
	a.emit(encVLDR(AL, d, IP, 0))
}

// stackBase returns the base register and byte offset of a memory location
func stackBase(l Location) (CoreReg, int) {
	switch s := l.(type) {
	case StackSlot:
		return FP, s.Offset()
	case RawStackSlot:
		return SP, s.Offset
	}
	failf("%s is not a memory location", l)
	return 0, 0
}

// regallocMov copies src into dst. Memory-to-memory moves go through IP
// or VFPScratch.
func (a *assembler) regallocMov(src, dst Location) {
	if src == dst {
		return
	}
	if isFloatLocation(src) || isFloatLocation(dst) {
		a.movFloat(src, dst)
		return
	}
	switch d := dst.(type) {
	case CoreReg:
		switch s := src.(type) {
		case CoreReg:
			a.movReg(d, s)
		case Imm:
			a.movImm(d, uint32(s.Value))
		case StackSlot, RawStackSlot:
			base, ofs := stackBase(s)
			a.ldrWord(d, base, ofs, d)
		default:
			failf("cannot move %s to %s", src, dst)
		}
	case StackSlot, RawStackSlot:
		base, ofs := stackBase(d)
		switch s := src.(type) {
		case CoreReg:
			a.strWord(s, base, ofs, IP)
		case Imm:
			a.movImm(IP, uint32(s.Value))
			a.strWord(IP, base, ofs, LR)
		case StackSlot, RawStackSlot:
			sb, so := stackBase(s)
			a.ldrWord(IP, sb, so, IP)
			a.strWord(IP, base, ofs, LR)
		default:
			failf("cannot move %s to %s", src, dst)
		}
	default:
		failf("cannot move to %s", dst)
	}
}

func (a *assembler) movFloat(src, dst Location) {
	switch d := dst.(type) {
	case VFPReg:
		switch s := src.(type) {
		case VFPReg:
			a.emit(encVMOVD(AL, d, s))
		case ImmFloat:
			a.loadFloatConst(d, s.Addr)
		case StackSlot, RawStackSlot:
			base, ofs := stackBase(s)
			a.vldr(d, base, ofs)
		default:
			failf("cannot move %s to %s", src, dst)
		}
	case StackSlot, RawStackSlot:
		base, ofs := stackBase(d)
		switch s := src.(type) {
		case VFPReg:
			a.vstr(s, base, ofs)
		case ImmFloat:
			a.loadFloatConst(VFPScratch, s.Addr)
			a.vstr(VFPScratch, base, ofs)
		case StackSlot, RawStackSlot:
			sb, so := stackBase(s)
			a.vldr(VFPScratch, sb, so)
			a.vstr(VFPScratch, base, ofs)
		default:
			failf("cannot move %s to %s", src, dst)
		}
	default:
		failf("cannot move %s to %s", src, dst)
	}
}

// regallocPush pushes any location onto the machine stack
func (a *assembler) regallocPush(loc Location) {
	switch l := loc.(type) {
	case CoreReg:
		a.emit(encPUSH(AL, []CoreReg{l}))
		a.spDelta += 4
	case VFPReg:
		a.emit(encVPUSH(AL, l, 1))
		a.spDelta += 8
	default:
		if isFloatLocation(l) {
			a.movFloat(l, VFPScratch)
			a.emit(encVPUSH(AL, VFPScratch, 1))
			a.spDelta += 8
			return
		}
		a.regallocMov(l, IP)
		a.emit(encPUSH(AL, []CoreReg{IP}))
		a.spDelta += 4
	}
}

// regallocPop pops the top of the machine stack into loc
func (a *assembler) regallocPop(loc Location) {
	switch l := loc.(type) {
	case CoreReg:
		a.emit(encPOP(AL, []CoreReg{l}))
		a.spDelta -= 4
	case VFPReg:
		a.emit(encVPOP(AL, l, 1))
		a.spDelta -= 8
	default:
		if isFloatLocation(l) {
			a.emit(encVPOP(AL, VFPScratch, 1))
			a.spDelta -= 8
			a.movFloat(VFPScratch, l)
			return
		}
		a.emit(encPOP(AL, []CoreReg{IP}))
		a.spDelta -= 4
		a.regallocMov(IP, l)
	}
}

// runMoves executes a schedule produced by ScheduleMoves
func (a *assembler) runMoves(steps []MoveStep) {
	for _, s := range steps {
		switch s.Kind {
		case StepMove:
			a.regallocMov(s.Src, s.Dst)
		case StepPush:
			a.regallocPush(s.Src)
		case StepPop:
			a.regallocPop(s.Dst)
		}
	}
}

// remapFrameLayout moves srcs into dsts in parallel. LR breaks core cycles
// and VFPScratch breaks float cycles.
func (a *assembler) remapFrameLayout(srcs, dsts []Location) {
	steps := ScheduleMoves(srcs, dsts, LR, VFPScratch)
	if a.ctx.traceBytes() && len(steps) > 0 {
		asmLog.Debugf("%s: remap %v -> %v in %d steps", a.name, srcs, dsts, len(steps))
	}
	a.runMoves(steps)
}

// callAddr loads a helper address into IP and calls it
func (a *assembler) callAddr(addr uint32) {
	a.movImm(IP, addr)
	a.emit(encBLX(AL, IP))
}

// storeFrameWord stores an immediate into a JitFrame header field
func (a *assembler) storeFrameWord(ofs int, v uint32) {
	a.movImm(IP, v)
	a.emit(encLdrStrImm(AL, false, false, IP, FP, ofs))
}

func (a *assembler) String() string {
	return fmt.Sprintf("assembler(%s @%d)", a.name, a.mc.Pos())
}
