// Completion: 100% - Assembler driver complete
package tracejit

import (
	"fmt"

	"github.com/xyproto/tracejit/internal/engine"
)

// assembler turns one compilation unit (a loop or a bridge) into machine
// code. It owns the CodeBuilder while the unit is emitted; guards, slow
// paths and the exit sequence are queued and written after the body.
type assembler struct {
	ctx  *JitContext
	mc   *CodeBuilder
	ra   *regAlloc
	cc   CallingConvention
	gc   *GCDescription
	name string

	loop   *CompiledLoopToken
	bridge *FailDescr // guard being bridged, nil for loops

	guards       []*guardToken
	slowPaths    []func()
	guardSuccess Cond // set by overflow ops, read by the next guard
	ovfLive      bool // guardSuccess describes the flags right now
	exitLabel    *Label
	propagate    *Label
	opOffsets    []int
	spDelta      int // bytes pushed since the prolog
	targets      []*TargetToken
	depthPatch   int // offset of the movw/movt pair loading the bridge depth
}

// compileBail carries a resource error (pool or code space exhausted) out
// of the emitters. Invariant violations use AssertionError instead.
type compileBail struct{ err error }

func newAssembler(ctx *JitContext, name string, loop *CompiledLoopToken) *assembler {
	a := &assembler{
		ctx:        ctx,
		mc:         NewCodeBuilder(name),
		cc:         ctx.cc,
		gc:         &ctx.gc.Desc,
		name:       name,
		loop:       loop,
		depthPatch: -1,
	}
	a.exitLabel = a.mc.NewLabel("exit")
	a.propagate = a.mc.NewLabel("propagate_exception")
	return a
}

func (a *assembler) bail(err error) { panic(compileBail{err: err}) }

// catchBail converts a compileBail panic into an error
func catchBail(err *error) {
	if r := recover(); r != nil {
		if b, ok := r.(compileBail); ok {
			*err = b.err
			return
		}
		panic(r)
	}
}

func (a *assembler) floatConst(v float64) uint32 {
	addr, err := a.ctx.floatConst(v)
	if err != nil {
		a.bail(err)
	}
	return addr
}

func (a *assembler) gcmapAddr(bits []int) uint32 {
	addr, err := a.ctx.gcmaps.get(bits)
	if err != nil {
		a.bail(err)
	}
	return addr
}

func (a *assembler) shadowStack() bool { return a.gc.Roots == engine.RootsShadowStack }

// prolog saves the callee-saved registers and the thread-local pointer,
// installs the incoming frame, pushes it on the shadow stack and checks
// the machine stack depth
func (a *assembler) prolog() {
	a.emit(encPUSH(AL, []CoreReg{R1, R4, R5, R6, R7, R8, R9, R10, FP, LR}))
	a.movReg(FP, R0)
	if a.shadowStack() {
		a.movImm(IP, a.gc.RootStackTop)
		a.emit(encLdrStrImm(AL, true, false, LR, IP, 0))
		a.emit(encLdrStrImm(AL, false, false, FP, LR, 0))
		a.emit(encDPImm(AL, dpADD, false, LR, LR, WORD))
		a.emit(encLdrStrImm(AL, false, false, LR, IP, 0))
	}
	a.stackCheck()
}

func (a *assembler) stackCheck() {
	slow := a.mc.NewLabel("stack_check_slow")
	done := a.mc.NewLabel("stack_check_done")
	a.movImm(IP, a.gc.StackLimit)
	a.emit(encLdrStrImm(AL, true, false, IP, IP, 0))
	a.emit(encDPReg(AL, dpCMP, true, 0, SP, IP, LSL, 0))
	a.mc.Branch(LO, slow)
	a.mc.Bind(done)
	a.slowPaths = append(a.slowPaths, func() {
		a.mc.Bind(slow)
		a.callAddr(a.gc.StackCheck)
		a.mc.Branch(AL, done)
	})
}

// epilog returns the current frame to the caller of compiled code
func (a *assembler) epilog() {
	a.mc.Bind(a.exitLabel)
	a.movReg(R0, FP)
	if a.shadowStack() {
		a.movImm(IP, a.gc.RootStackTop)
		a.emit(encLdrStrImm(AL, true, false, LR, IP, 0))
		a.emit(encDPImm(AL, dpSUB, false, LR, LR, WORD))
		a.emit(encLdrStrImm(AL, false, false, LR, IP, 0))
	}
	a.emit(encPOP(AL, []CoreReg{R1, R4, R5, R6, R7, R8, R9, R10, FP, PC}))
}

// reloadFrameFromShadowStack refreshes fp after a call that may have
// replaced the frame
func (a *assembler) reloadFrameFromShadowStack() {
	if !a.shadowStack() {
		return
	}
	a.movImm(IP, a.gc.RootStackTop)
	a.emit(encLdrStrImm(AL, true, false, IP, IP, 0))
	a.emit(encLdrStrImm(AL, true, false, FP, IP, -WORD))
}

// storeRegs writes registers into their save positions in the frame
func (a *assembler) storeRegs(regs []Location) {
	for _, r := range regs {
		switch r := r.(type) {
		case CoreReg:
			a.emit(encLdrStrImm(AL, false, false, r, FP, jfFrameBase(coreSavePosition(r))))
		case VFPReg:
			a.emit(encVSTR(AL, r, FP, jfFrameBase(vfpSavePosition(r))))
		}
	}
}

// reloadRegs reads registers back from their save positions
func (a *assembler) reloadRegs(regs []Location) {
	for _, r := range regs {
		switch r := r.(type) {
		case CoreReg:
			a.emit(encLdrStrImm(AL, true, false, r, FP, jfFrameBase(coreSavePosition(r))))
		case VFPReg:
			a.emit(encVLDR(AL, r, FP, jfFrameBase(vfpSavePosition(r))))
		}
	}
}

// storeGcmap sets jf_gcmap, using tmp as scratch
func (a *assembler) storeGcmap(addr uint32, tmp CoreReg) {
	a.movImm(tmp, addr)
	a.emit(encLdrStrImm(AL, false, false, tmp, FP, jfGcmapOfs))
}

// pureOp reports whether an op can be dropped when its result is unused
func pureOp(op *Op) bool {
	switch opcodeInfo[op.Opcode].class {
	case classIntBinary, classIntUnary, classCompare, classFloat:
		return true
	case classMemory:
		return op.Result != nil
	case classMisc:
		switch op.Opcode {
		case OpSameAsI, OpSameAsR, OpSameAsF, OpForceToken, OpSaveExcClass:
			return true
		}
	}
	return false
}

// walk allocates and emits every operation of the unit
func (a *assembler) walk() {
	ra := a.ra
	for i, op := range ra.ops {
		ra.pos = i
		a.opOffsets = append(a.opOffsets, a.mc.Pos())
		if op.Result != nil && pureOp(op) && len(ra.lt[op.Result].uses) == 0 {
			ra.endOp(op)
			continue
		}
		l := ra.prepare(op)
		a.emitOp(op, l)
		if opcodeInfo[op.Opcode].class != classOverflow {
			a.ovfLive = false
		}
		if regallocLog.AllowLevel(levelDebug) {
			regallocLog.Debugf("%s: %s", a.name, ra.dump())
		}
		ra.endOp(op)
	}
}

// emitOp generates code for op from the locations prepare chose
func (a *assembler) emitOp(op *Op, l opLocs) {
	switch opcodeInfo[op.Opcode].class {
	case classControl:
		a.emitControl(op, l)
	case classIntBinary:
		a.emitIntBinary(op, l)
	case classIntUnary:
		a.emitIntUnary(op, l)
	case classCompare:
		a.emitCompare(op, l)
	case classOverflow:
		a.emitOverflow(op, l)
	case classFloat:
		a.emitFloat(op, l)
	case classGuard:
		a.emitGuard(op, l)
	case classMemory:
		a.emitMemory(op, l)
	case classHighLevel:
		failf("%s reached the code generator without being rewritten", op.Opcode)
	case classCall:
		a.emitCall(op, l)
	case classGC:
		a.emitGC(op, l)
	case classMisc:
		a.emitMisc(op, l)
	default:
		failf("no emitter for %s", op.Opcode)
	}
}

func (a *assembler) emitControl(op *Op, l opLocs) {
	switch op.Opcode {
	case OpLabel:
		tok, ok := op.Descr.(*TargetToken)
		assertf(ok, "label needs a TargetToken")
		assertf(tok.label == nil && tok.addr == 0, "%s is defined twice", tok)
		tok.label = a.mc.NewLabel(tok.Name)
		a.mc.Bind(tok.label)
		tok.argLocs = l.args
		tok.loop = a.loop
		a.targets = append(a.targets, tok)
	case OpJump:
		a.emitJump(op, l)
	case OpFinish:
		a.emitFinish(op, l)
	}
}

// emitJump moves the jump arguments into the target's locations and
// branches there. Jumps to labels of other units first make sure the
// frame is deep enough for the target.
func (a *assembler) emitJump(op *Op, l opLocs) {
	tok, ok := op.Descr.(*TargetToken)
	assertf(ok, "jump needs a TargetToken")
	local := tok.label != nil && tok.addr == 0
	assertf(local || tok.addr != 0, "jump to %s before it was compiled", tok)
	assertf(len(tok.argLocs) == len(l.args), "jump to %s passes %d args, label takes %d",
		tok, len(l.args), len(tok.argLocs))
	if !local {
		a.frameDepthCheck(func() {
			a.movImm(IP, tok.loop.frameInfo)
			a.emit(encLdrStrImm(AL, true, false, IP, IP, 0))
		})
	}
	a.remapFrameLayout(l.args, tok.argLocs)
	if local {
		a.mc.Branch(AL, tok.label)
	} else {
		a.mc.BranchAbs(AL, tok.addr)
	}
}

// emitFinish stores the result in fixed slot 0 and leaves through the exit
func (a *assembler) emitFinish(op *Op, l opLocs) {
	fd, ok := op.Descr.(*FinalDescr)
	assertf(ok, "finish needs a FinalDescr")
	var bits []int
	if len(l.args) > 0 {
		src := l.args[0]
		kind := op.Args[0].Kind()
		a.regallocMov(src, StackSlot{Index: -JitframeFixedSize, Kind: kind})
		if kind == KindRef {
			bits = []int{0}
		}
	}
	a.storeGcmapOrZero(bits)
	a.storeFrameWord(jfDescrOfs, fd.handle)
	a.mc.Branch(AL, a.exitLabel)
}

func (a *assembler) storeGcmapOrZero(bits []int) {
	a.storeGcmap(a.gcmapAddr(bits), IP)
}

// frameDepthCheck compares jf_depth against the depth loadDepth puts in
// IP and reallocates the frame when it is too shallow
func (a *assembler) frameDepthCheck(loadDepth func()) {
	slow := a.mc.NewLabel("realloc_frame")
	done := a.mc.NewLabel("depth_ok")
	a.emit(encLdrStrImm(AL, true, false, LR, FP, jfDepthOfs))
	loadDepth()
	a.emit(encDPReg(AL, dpCMP, true, 0, LR, IP, LSL, 0))
	a.mc.Branch(LT, slow)
	a.mc.Bind(done)
	regs := a.ra.boundRegisters()
	gcmap := a.gcmapAddr(a.ra.gcmapBits())
	a.slowPaths = append(a.slowPaths, func() {
		a.mc.Bind(slow)
		a.storeRegs(regs)
		a.storeGcmap(gcmap, LR)
		a.movReg(R1, IP)
		a.movReg(R0, FP)
		a.callAddr(a.gc.ReallocFrame)
		a.movReg(FP, R0)
		a.storeFrameWord(jfGcmapOfs, 0)
		a.reloadRegs(regs)
		a.mc.Branch(AL, done)
	})
}

// bridgeDepthCheck emits the entry check of a bridge. The required depth
// is only known after the body, so the movw/movt pair is patched later.
func (a *assembler) bridgeDepthCheck() {
	a.frameDepthCheck(func() {
		a.depthPatch = a.mc.Pos()
		a.emit(encMOVW(AL, IP, 0))
		a.emit(encMOVT(AL, IP, 0))
	})
}

func (a *assembler) patchBridgeDepth(depth int) {
	if a.depthPatch < 0 {
		return
	}
	a.mc.Overwrite(a.depthPatch, encMOVW(AL, IP, uint32(depth)&0xFFFF))
	a.mc.Overwrite(a.depthPatch+WORD, encMOVT(AL, IP, uint32(depth)>>16))
}

// saveException moves the pending exception into the frame and clears it
func (a *assembler) saveException() {
	a.movImm(IP, a.gc.ExcValue)
	a.emit(encLdrStrImm(AL, true, false, LR, IP, 0))
	a.emit(encLdrStrImm(AL, false, false, LR, FP, jfSavedataOfs))
	a.movImm(LR, 0)
	a.emit(encLdrStrImm(AL, false, false, LR, IP, 0))
	a.movImm(IP, a.gc.ExcType)
	a.emit(encLdrStrImm(AL, true, false, LR, IP, 0))
	a.emit(encLdrStrImm(AL, false, false, LR, FP, jfGuardExcOfs))
	a.movImm(LR, 0)
	a.emit(encLdrStrImm(AL, false, false, LR, IP, 0))
}

// finish emits everything queued behind the body: slow paths, guard
// recovery stubs, the exception propagation tail and the exit
func (a *assembler) finish() {
	for i := 0; i < len(a.slowPaths); i++ {
		a.slowPaths[i]()
	}
	a.resolveGuards()
	a.mc.Bind(a.propagate)
	a.saveException()
	a.storeFrameWord(jfGcmapOfs, 0)
	a.storeFrameWord(jfDescrOfs, a.ctx.propagateDescr.handle)
	a.epilog()
}

// install finalizes the builder and publishes addresses to the
// descriptors of the unit
func (a *assembler) install() (*CodeBlock, error) {
	block, err := a.mc.Finalize(a.ctx.code)
	if err != nil {
		return nil, err
	}
	for _, t := range a.targets {
		t.addr = block.At(t.label.pos)
		t.label = nil
	}
	for _, g := range a.guards {
		g.publish(block, a.loop)
	}
	if a.ctx.traceBytes() {
		a.dumpCode(block)
	}
	return block, nil
}

func (a *assembler) dumpCode(block *CodeBlock) {
	mem := a.ctx.mem
	for off := uint32(0); off < block.Size; off += WORD {
		asmLog.Debugf("%s %08x: %08x", a.name, block.Addr+off, mem.Load32(block.Addr+off))
	}
}

func unitName(kind string, n int) string {
	return fmt.Sprintf("%s%d", kind, n)
}
