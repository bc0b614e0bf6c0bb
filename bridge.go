// Completion: 100% - Bridges and invalidation complete
package tracejit

// CompileBridge compiles trace as the continuation of a failing guard and
// links the guard to it. The trace's input arguments correspond one to one
// to the guard's fail arguments and start out where the guard left them.
// Linking a second bridge to the same guard is a compiler bug and panics.
func (c *JitContext) CompileBridge(fd *FailDescr, trace *Trace) error {
	if fd.bridgeAddr != 0 {
		panic(&AssertionError{Message: fd.String(), Err: ErrBridgeAlreadyCompiled})
	}
	if fd.block == nil {
		return newError(CategoryCodegen, nil, "%s was never compiled", fd)
	}
	if len(trace.InputArgs) != len(fd.failLocs) {
		return newError(CategoryCodegen, nil, "bridge for %s takes %d inputs, the guard has %d fail args",
			fd, len(trace.InputArgs), len(fd.failLocs))
	}
	trace.nameVars()
	if err := trace.validate(); err != nil {
		return err
	}
	key := TraceKey(trace)
	ops, err := c.rewriteGC(trace.Ops)
	if err != nil {
		return err
	}
	c.registerOps(ops)
	c.nbridges++
	loop := fd.loop
	a := newAssembler(c, unitName("bridge", c.nbridges), loop)
	a.bridge = fd
	block, depth, err := a.assembleBridge(trace.InputArgs, ops)
	if err != nil {
		c.jitlog.LogAbort(a.name, err.Error())
		return newError(CategoryCodegen, err, "compiling bridge for %s", fd)
	}

	fd.bridgeAddr = block.Addr
	loop.blocks = append(loop.blocks, block)
	if old := int(c.mem.Load32(loop.frameInfo)); depth > old {
		c.mem.Store32(loop.frameInfo, uint32(depth))
	}
	if !fd.passive || loop.invalidated {
		if err := patchGuard(fd, block.Addr); err != nil {
			return newError(CategoryRuntime, err, "linking %s", fd)
		}
	}
	if err := c.jitlog.LogStitch(fd, block.Addr); err != nil {
		runtimeLog.Warningf("jitlog: %s", err)
	}
	runtimeLog.Infof("compiled bridge %s for %s: %d bytes at 0x%x, depth %d",
		a.name, fd, block.Size, block.Addr, depth)
	c.afterCompile(jitlogBridge, a.name, trace.InputArgs, ops, a.opOffsets, block, key, depth)
	return nil
}

// assembleBridge binds the inputs to the guard's fail locations and emits
// the bridge body. It returns the frame depth the bridge needs.
func (a *assembler) assembleBridge(inputs []*Var, ops []*Op) (block *CodeBlock, depth int, err error) {
	defer catchBail(&err)
	ra := newRegAlloc(a, inputs, ops)
	a.ra = ra
	fd := a.bridge

	// registers and frame slots first, so constants and duplicates are
	// loaded into registers nobody claims
	type pending struct {
		v   *Var
		src Location
	}
	var loads []pending
	for i, v := range inputs {
		loc := fd.failLocs[i]
		if ra.lt[v].lastUse < 0 {
			continue
		}
		assertf(loc != nil, "bridge input %s is a hole in %s", v, fd)
		switch l := loc.(type) {
		case CoreReg, VFPReg:
			if ra.bank(v.Kind()).isFree(l) {
				ra.bind(v, l)
				continue
			}
		case StackSlot:
			if ra.fm.isFree(l.Index, l.Width()) {
				ra.fm.bind(v, l)
				continue
			}
		}
		loads = append(loads, pending{v, loc})
	}
	a.bridgeDepthCheck()
	for _, p := range loads {
		r := ra.allocReg(p.v, nil, nil)
		a.regallocMov(p.src, r)
	}

	if last := ops[len(ops)-1]; last.Opcode == OpJump {
		if t, ok := last.Descr.(*TargetToken); ok && t.addr != 0 {
			for i, arg := range last.Args {
				if v, ok := isVar(arg); ok && i < len(t.argLocs) && !isStack(t.argLocs[i]) {
					ra.hints[v] = t.argLocs[i]
				}
			}
		}
	}

	a.walk()
	a.finish()
	depth = ra.fm.depth
	for _, op := range ops {
		if t, ok := op.Descr.(*TargetToken); ok && op.Opcode == OpJump && t.loop != nil {
			depth = max(depth, int(a.ctx.mem.Load32(t.loop.frameInfo)))
		}
	}
	a.patchBridgeDepth(depth)
	block, err = a.install()
	return block, depth, err
}

// InvalidateLoop turns on every guard_not_invalidated of a loop and its
// bridges. The guards then always fail, or jump to their bridge.
func (c *JitContext) InvalidateLoop(tok *CompiledLoopToken) error {
	if tok.invalidated {
		return nil
	}
	tok.invalidated = true
	n := 0
	for _, fd := range tok.guards {
		if !fd.passive {
			continue
		}
		target := fd.stubAddr
		if fd.bridgeAddr != 0 {
			target = fd.bridgeAddr
		}
		if err := patchGuard(fd, target); err != nil {
			return newError(CategoryRuntime, err, "invalidating %s", tok)
		}
		n++
	}
	runtimeLog.Infof("invalidated %s: %d guards", tok, n)
	return nil
}

// Invalidated reports whether InvalidateLoop ran on the loop
func (t *CompiledLoopToken) Invalidated() bool { return t.invalidated }
