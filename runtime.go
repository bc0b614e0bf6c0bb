// Completion: 100% - JIT context complete
package tracejit

import (
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/xyproto/tracejit/internal/engine"
)

// Hooks are optional callbacks into a profiler or a test
type Hooks struct {
	// OnCompile runs after a loop or bridge is installed
	OnCompile func(kind, name string, addr, size uint32)
	// OnGuardFailure runs every time compiled code leaves through a guard
	OnGuardFailure func(fd *FailDescr)
	// OnEnterCode and OnLeaveCode bracket instrumented code in the blackhole
	OnEnterCode func(uniqueID int32)
	OnLeaveCode func(uniqueID int32)
}

// JitContext owns everything one JIT instance needs: the simulated
// machine and heap, the collector, installed code, descriptor handles,
// logs and caches. Nothing in the package is global.
type JitContext struct {
	config  Config
	desc    engine.Machine
	mem     *Memory
	machine *Machine
	gc      *GCRuntime
	code    *CodeMemory
	pool    *DataPool
	helpers *HelperTable
	cc      CallingConvention
	gcmaps  *gcmapCache
	floats  map[uint64]uint32

	descrs  []Descr // by handle; handle 0 is unused
	handles map[Descr]uint32

	propagateDescr *FinalDescr
	nloops         int
	nbridges       int
	session        uuid.UUID
	jitlog         *JitLogger
	cache          *TraceCache

	Hooks Hooks
}

// NewJitContext builds a context from a validated configuration
func NewJitContext(cfg Config) (*JitContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	desc, err := cfg.Machine()
	if err != nil {
		return nil, newError(CategoryConfig, err, "target machine")
	}
	mem, err := NewMemory(NewLayout(cfg.MemorySize, cfg.StackSize, cfg.NurserySize))
	if err != nil {
		return nil, newError(CategoryRuntime, err, "creating address space")
	}
	c := &JitContext{
		config:  cfg,
		desc:    desc,
		mem:     mem,
		pool:    newDataPool(mem),
		helpers: newHelperTable(),
		cc:      GetCallingConvention(desc.FloatABI),
		floats:  make(map[uint64]uint32),
		descrs:  []Descr{nil},
		handles: make(map[Descr]uint32),
		session: uuid.New(),
	}
	c.gcmaps = newGcmapCache(c.pool)
	c.machine = NewMachine(mem, c.helpers, desc.FloatABI)
	c.machine.StepLimit = cfg.StepLimit
	c.code = newCodeMemory(mem, c.machine)
	if c.gc, err = newGCRuntime(mem, c.pool, c.helpers, desc.Roots); err != nil {
		mem.Close()
		return nil, newError(CategoryRuntime, err, "initializing the collector")
	}
	c.gc.machine = c.machine
	c.propagateDescr = NewFinalDescr("propagate_exception", KindVoid)
	c.registerDescr(c.propagateDescr)

	if cfg.JitlogPath != "" {
		if c.jitlog, err = OpenJitlog(cfg.JitlogPath, desc); err != nil {
			c.Close()
			return nil, err
		}
	}
	if cfg.CachePath != "" {
		if c.cache, err = OpenTraceCache(cfg.CachePath, c.session); err != nil {
			c.Close()
			return nil, err
		}
	}
	runtimeLog.Infof("context %s: %s, %s roots, %d byte heap", c.session, desc, desc.Roots, cfg.MemorySize)
	return c, nil
}

// Close flushes the jitlog, closes the cache and unmaps memory
func (c *JitContext) Close() error {
	var errs []error
	if c.jitlog != nil {
		errs = append(errs, c.jitlog.Close())
		c.jitlog = nil
	}
	if c.cache != nil {
		errs = append(errs, c.cache.Close())
		c.cache = nil
	}
	if c.mem != nil {
		errs = append(errs, c.mem.Close())
	}
	return errors.Join(errs...)
}

// Config returns the configuration the context was built with
func (c *JitContext) Config() Config { return c.config }

// Memory returns the simulated address space
func (c *JitContext) Memory() *Memory { return c.mem }

// Machine returns the simulator compiled code runs on
func (c *JitContext) Machine() *Machine { return c.machine }

// GC returns the collector
func (c *JitContext) GC() *GCRuntime { return c.gc }

// Helpers returns the native function registry
func (c *JitContext) Helpers() *HelperTable { return c.helpers }

// Session returns the id stamped into jitlogs and cache records
func (c *JitContext) Session() uuid.UUID { return c.session }

// Target returns the machine description
func (c *JitContext) Target() engine.Machine { return c.desc }

// CodeSize returns the number of bytes of installed code
func (c *JitContext) CodeSize() uint32 { return c.code.Used() }

// registerDescr gives d an integer handle, once
func (c *JitContext) registerDescr(d Descr) uint32 {
	if h, ok := c.handles[d]; ok {
		return h
	}
	h := uint32(len(c.descrs))
	c.descrs = append(c.descrs, d)
	c.handles[d] = h
	switch d := d.(type) {
	case *FailDescr:
		d.handle = h
	case *FinalDescr:
		d.handle = h
	}
	return h
}

// descrByHandle maps a jf_descr value back to its descriptor
func (c *JitContext) descrByHandle(h uint32) (Descr, bool) {
	if h == 0 || int(h) >= len(c.descrs) {
		return nil, false
	}
	return c.descrs[h], true
}

// arrayHandle registers an array descriptor with the varsize slow path
func (c *JitContext) arrayHandle(d *ArrayDescr) uint32 {
	h := c.registerDescr(d)
	c.gc.registerArray(h, d)
	return h
}

// floatConst returns the address of a pooled double
func (c *JitContext) floatConst(v float64) (uint32, error) {
	bits := math.Float64bits(v)
	if a, ok := c.floats[bits]; ok {
		return a, nil
	}
	a, err := c.pool.Float(v)
	if err != nil {
		return 0, err
	}
	c.floats[bits] = a
	return a, nil
}

// registerOps hands out the handles stored into frames by guards and
// finishes
func (c *JitContext) registerOps(ops []*Op) {
	for _, op := range ops {
		switch d := op.Descr.(type) {
		case *FailDescr, *FinalDescr:
			c.registerDescr(d)
		}
	}
}

// RegisterHelper installs a native function callable from traces and
// blackhole code and returns its address
func (c *JitContext) RegisterHelper(name string, args []ArgKind, result ArgKind, fn HelperFunc) uint32 {
	return c.helpers.Register(name, args, result, fn)
}

// Namespace returns a parser namespace knowing every helper by name
func (c *JitContext) Namespace() *Namespace {
	ns := NewNamespace()
	for _, name := range c.helpers.Names() {
		nf, _ := c.helpers.Lookup(name)
		ns.Consts[name] = ConstInt{Value: int32(nf.Addr)}
	}
	return ns
}

// CompileLoop compiles a trace that starts with its input arguments and
// usually ends with a jump back to one of its labels
func (c *JitContext) CompileLoop(trace *Trace) (*CompiledLoopToken, error) {
	trace.nameVars()
	if err := trace.validate(); err != nil {
		return nil, err
	}
	key := TraceKey(trace)
	ops, err := c.rewriteGC(trace.Ops)
	if err != nil {
		return nil, err
	}
	c.nloops++
	tok := &CompiledLoopToken{Name: trace.Name, Number: c.nloops, key: key}
	if tok.frameInfo, err = c.pool.Word(0); err != nil {
		return nil, newError(CategoryCodegen, err, "allocating frame info for %s", tok)
	}
	c.registerOps(ops)

	a := newAssembler(c, unitName("loop", tok.Number), tok)
	block, err := a.assembleLoop(trace.InputArgs, ops)
	if err != nil {
		c.jitlog.LogAbort(a.name, err.Error())
		return nil, newError(CategoryCodegen, err, "compiling %s", tok)
	}
	tok.entry = block.Addr
	tok.blocks = append(tok.blocks, block)
	tok.OpOffsets = a.opOffsets
	tok.targets = a.targets

	depth := a.ra.fm.depth
	for _, op := range ops {
		if t, ok := op.Descr.(*TargetToken); ok && op.Opcode == OpJump && t.loop != nil && t.loop != tok {
			depth = max(depth, int(c.mem.Load32(t.loop.frameInfo)))
		}
	}
	c.mem.Store32(tok.frameInfo, uint32(depth))

	runtimeLog.Infof("compiled %s: %d ops, %d bytes at 0x%x, depth %d",
		tok, len(ops), block.Size, block.Addr, depth)
	c.afterCompile(jitlogLoop, a.name, trace.InputArgs, ops, a.opOffsets, block, key, depth)
	return tok, nil
}

// assembleLoop runs the allocator and the emitters over a loop
func (a *assembler) assembleLoop(inputs []*Var, ops []*Op) (block *CodeBlock, err error) {
	defer catchBail(&err)
	a.ra = newRegAlloc(a, inputs, ops)
	a.prolog()
	for _, v := range inputs {
		a.loop.inputLocs = append(a.loop.inputLocs, a.ra.fm.getNewLoc(v))
		a.loop.inputs = append(a.loop.inputs, v.Kind())
	}
	a.walk()
	a.finish()
	return a.install()
}

func (c *JitContext) afterCompile(kind byte, name string, inputs []*Var, ops []*Op, offsets []int,
	block *CodeBlock, key [32]byte, depth int) {
	if err := c.jitlog.LogTrace(kind, name, inputs, ops, offsets, block.Addr, block.Size); err != nil {
		runtimeLog.Warningf("jitlog: %s", err)
	}
	rec := UnitRecord{
		Kind:       unitKindName(kind),
		Name:       name,
		FrameDepth: depth,
		CodeSize:   block.Size,
		OpOffsets:  offsets,
	}
	if err := c.cache.RecordUnit(key, rec); err != nil {
		runtimeLog.Warningf("trace cache: %s", err)
	}
	if c.Hooks.OnCompile != nil {
		c.Hooks.OnCompile(unitKindName(kind), name, block.Addr, block.Size)
	}
}

// Execute runs a compiled loop with the given arguments until it leaves
// through a guard or a finish
func (c *JitContext) Execute(tok *CompiledLoopToken, args ...Value) (*DeadFrame, error) {
	if len(args) != len(tok.inputs) {
		return nil, newError(CategoryRuntime, nil, "%s takes %d arguments, got %d",
			tok, len(tok.inputs), len(args))
	}
	for i, v := range args {
		if argKindOf(tok.inputs[i]) != v.Kind {
			return nil, newError(CategoryRuntime, nil, "argument %d of %s is %c, want %s",
				i, tok, byte(v.Kind), tok.inputs[i])
		}
	}
	frame, err := c.gc.AllocFrame(int(c.mem.Load32(tok.frameInfo)))
	if err != nil {
		return nil, newError(CategoryRuntime, err, "allocating a frame for %s", tok)
	}
	err = c.mem.Access(func() {
		for i, v := range args {
			c.writeLoc(frame, tok.inputLocs[i], v)
		}
	})
	if err != nil {
		return nil, err
	}
	return c.run(tok.entry, frame)
}

// run enters compiled code at entry with the given frame and decodes the
// frame it comes back with
func (c *JitContext) run(entry, frame uint32) (*DeadFrame, error) {
	m := c.machine
	layout := c.mem.Layout()
	c.mem.Store32(frame+jfDescrOfs, 0)
	c.mem.Store32(c.gc.Desc.RootStackTop, layout.ShadowBase)
	m.R = [16]uint32{}
	m.R[R0] = frame
	m.R[R1] = c.gc.Desc.ThreadLocal
	m.R[SP] = layout.StackTop
	m.R[LR] = HostReturn
	if err := m.Run(entry); err != nil {
		return nil, newError(CategoryRuntime, err, "running code at 0x%x", entry)
	}
	frame = m.R[R0]
	h := c.mem.Load32(frame + jfDescrOfs)
	d, ok := c.descrByHandle(h)
	if !ok {
		return nil, newError(CategoryInternal, nil, "frame 0x%x left with unknown descr %d", frame, h)
	}
	df := &DeadFrame{ctx: c, frame: frame, descr: d}
	if fd, ok := d.(*FailDescr); ok {
		fd.Failures++
		runtimeLog.Debugf("guard %s failed (%d times)", fd, fd.Failures)
		if fd.loop != nil {
			if err := c.cache.RecordGuardFailure(fd.loop.key, fd.String()); err != nil {
				runtimeLog.Warningf("trace cache: %s", err)
			}
		}
		if c.Hooks.OnGuardFailure != nil {
			c.Hooks.OnGuardFailure(fd)
		}
	}
	return df, nil
}

// writeLoc stores v where loc says a frame keeps it
func (c *JitContext) writeLoc(frame uint32, loc Location, v Value) {
	var addr uint32
	switch l := loc.(type) {
	case StackSlot:
		addr = frame + uint32(l.Offset())
	case CoreReg:
		addr = frame + uint32(jfFrameBase(coreSavePosition(l)))
	case VFPReg:
		addr = frame + uint32(jfFrameBase(vfpSavePosition(l)))
	default:
		failf("cannot store an argument into %s", loc)
	}
	if v.Kind == ArgFloat {
		c.mem.StoreFloat(addr, v.Float)
		return
	}
	c.mem.Store32(addr, uint32(v.Int))
}

// readLoc reads a value of the given kind from a frame location or a
// constant
func (c *JitContext) readLoc(frame uint32, loc Location, kind Kind) Value {
	var word uint32
	switch l := loc.(type) {
	case nil:
		return zeroValue(kind)
	case Imm:
		word = uint32(l.Value)
	case ImmFloat:
		return FloatValue(c.mem.LoadFloat(l.Addr))
	case CoreReg:
		word = c.mem.Load32(frame + uint32(jfFrameBase(coreSavePosition(l))))
	case VFPReg:
		return FloatValue(c.mem.LoadFloat(frame + uint32(jfFrameBase(vfpSavePosition(l)))))
	case StackSlot:
		if kind == KindFloat {
			return FloatValue(c.mem.LoadFloat(frame + uint32(l.Offset())))
		}
		word = c.mem.Load32(frame + uint32(l.Offset()))
	default:
		failf("cannot read a value from %s", loc)
	}
	if kind == KindRef {
		return RefValue(word)
	}
	return IntValue(int32(word))
}

func zeroValue(kind Kind) Value {
	switch kind {
	case KindRef:
		return RefValue(0)
	case KindFloat:
		return FloatValue(0)
	case KindVoid:
		return Value{Kind: ArgVoid}
	}
	return IntValue(0)
}

// followForward returns the newest copy of a frame that was reallocated
func (c *JitContext) followForward(frame uint32) uint32 {
	for {
		next := c.mem.Load32(frame + jfForwardOfs)
		if next == 0 {
			return frame
		}
		frame = next
	}
}

// ForceFrame is called by native code reached through call_may_force with
// the force token of the calling trace. It marks the frame as forced, so
// the guard_not_forced after the call fails, and returns a view of the
// guard's fail arguments. Values the call has not produced yet read as
// garbage.
func (c *JitContext) ForceFrame(token uint32) (*DeadFrame, error) {
	frame := c.followForward(token)
	h := c.mem.Load32(frame + jfForceDescrOfs)
	d, ok := c.descrByHandle(h)
	if !ok {
		return nil, newError(CategoryRuntime, nil, "frame 0x%x is not in a forcing call", frame)
	}
	fd, ok := d.(*FailDescr)
	if !ok || fd.block == nil {
		return nil, newError(CategoryInternal, nil, "force descr %d of frame 0x%x is not a compiled guard", h, frame)
	}
	c.mem.Store32(frame+jfDescrOfs, h)
	runtimeLog.Debugf("forced frame 0x%x at %s", frame, fd)
	return &DeadFrame{ctx: c, frame: frame, descr: fd, forced: true}, nil
}
