// Completion: 100% - Simulated collector complete
package tracejit

import (
	"errors"
	"fmt"

	"github.com/xyproto/tracejit/internal/engine"
)

// Object header: word 0 holds the type id in the low 24 bits and the GC
// flags in byte 3; objects with a class keep their vtable in word 1.
const (
	gcFlagByteOfs = 3
	typeIDMask    = 0x00FFFFFF

	gcFlagTrackYoung uint8 = 0x01 // old object: stores need the write barrier
	gcFlagHasCards   uint8 = 0x02 // large array with a card table in front
	gcFlagCardsSet   uint8 = 0x04 // at least one card is marked

	cardPageShift = 4  // one card covers 16 items
	cardMinLength = 64 // arrays shorter than this get no card table

	vtableOfs = 4

	// JitframeTypeID tags JitFrame objects
	JitframeTypeID = 1
	// threadLocalErrnoOfs is the offset of the saved errno in the thread-local block
	threadLocalErrnoOfs = 0
)

// ErrStackOverflow is raised by the stack check slow path
var ErrStackOverflow = errors.New("stack overflow in compiled code")

// GCDescription is everything compiled code knows about the collector:
// the addresses of its cells and helpers, and the header layout
type GCDescription struct {
	NurseryFree  uint32
	NurseryTop   uint32
	RootStackTop uint32
	StackLimit   uint32
	ExcType      uint32
	ExcValue     uint32
	FastGil      uint32
	Errno        uint32
	ThreadLocal  uint32

	MallocSlowpath    uint32
	VarsizeSlowpath   uint32
	WriteBarrier      uint32
	WriteBarrierArray uint32
	ReallocFrame      uint32
	StackCheck        uint32
	ReacquireGil      uint32
	FloorDiv          uint32
	Mod               uint32

	FlagByteOfs      int
	WBFlag           uint8
	CardsSet         uint8
	CardPageShift    uint
	MaxVarsizeLength uint32
	Roots            engine.RootMode
}

// GCRoot is one reference found through a frame's gcmap
type GCRoot struct {
	Frame    uint32
	Position int
	Value    uint32
}

// GCRuntime is the in-process collector behind GCDescription. Nursery
// allocation is a bump pointer shared with compiled code; when it runs out
// the slow paths allocate in old space. Objects never move, so a
// collection only enumerates roots.
type GCRuntime struct {
	Desc GCDescription

	mem     *Memory
	pool    *DataPool
	machine *Machine
	arrays  map[uint32]*ArrayDescr // by handle, for the varsize slow path

	nurseryStart uint32
	nurseryEnd   uint32
	oldNext      uint32
	oldEnd       uint32

	// Remembered holds old objects that received a write barrier
	Remembered []uint32
	// CardObjects holds arrays whose cards were marked
	CardObjects []uint32
	// Collections counts slow-path collections
	Collections int
	// Roots holds the references found by the last collection
	Roots []GCRoot
	// FailNextMalloc makes the next slow-path allocation raise MemoryError
	FailNextMalloc bool
	// Frames counts allocated JitFrames
	Frames int

	memoryErrorClass uint32
	memoryError      uint32
}

func newGCRuntime(mem *Memory, pool *DataPool, helpers *HelperTable, roots engine.RootMode) (*GCRuntime, error) {
	l := mem.Layout()
	gc := &GCRuntime{
		mem:          mem,
		pool:         pool,
		arrays:       make(map[uint32]*ArrayDescr),
		nurseryStart: HeapBase,
		nurseryEnd:   HeapBase + l.NurserySize,
		oldNext:      HeapBase + l.NurserySize,
		oldEnd:       l.HeapEnd,
	}
	if gc.nurseryEnd > gc.oldEnd {
		return nil, fmt.Errorf("nursery of %d bytes does not fit the heap", l.NurserySize)
	}
	d := &gc.Desc
	d.FlagByteOfs = gcFlagByteOfs
	d.WBFlag = gcFlagTrackYoung
	d.CardsSet = gcFlagCardsSet
	d.CardPageShift = cardPageShift
	d.MaxVarsizeLength = l.NurserySize / 4
	d.Roots = roots

	cells := []*uint32{&d.NurseryFree, &d.NurseryTop, &d.RootStackTop, &d.StackLimit,
		&d.ExcType, &d.ExcValue, &d.FastGil, &d.Errno, &d.ThreadLocal}
	for _, c := range cells {
		a, err := pool.Word(0)
		if err != nil {
			return nil, err
		}
		*c = a
	}
	mem.Store32(d.NurseryFree, gc.nurseryStart)
	mem.Store32(d.NurseryTop, gc.nurseryEnd)
	mem.Store32(d.RootStackTop, l.ShadowBase)
	mem.Store32(d.StackLimit, l.StackLimit+1024)
	mem.Store32(d.FastGil, 1)

	d.MallocSlowpath = helpers.Register("gc_malloc_slowpath", []ArgKind{ArgInt}, ArgRef, gc.mallocSlowpath)
	d.VarsizeSlowpath = helpers.Register("gc_malloc_varsize_slowpath", []ArgKind{ArgInt, ArgInt}, ArgRef, gc.varsizeSlowpath)
	d.WriteBarrier = helpers.Register("gc_write_barrier", []ArgKind{ArgRef}, ArgRef, gc.writeBarrier)
	d.WriteBarrierArray = helpers.Register("gc_write_barrier_array", []ArgKind{ArgRef}, ArgRef, gc.writeBarrierArray)
	d.ReallocFrame = helpers.Register("jitframe_realloc", []ArgKind{ArgRef, ArgInt}, ArgRef, gc.reallocFrame)
	d.StackCheck = helpers.Register("stack_check_slowpath", nil, ArgVoid, gc.stackCheck)
	d.ReacquireGil = helpers.Register("reacquire_gil_slowpath", []ArgKind{ArgInt}, ArgVoid, gc.reacquireGil)
	d.FloorDiv = helpers.Register("int_floordiv", []ArgKind{ArgInt, ArgInt}, ArgInt, intFloorDiv)
	d.Mod = helpers.Register("int_mod", []ArgKind{ArgInt, ArgInt}, ArgInt, intMod)

	var err error
	if gc.memoryErrorClass, err = pool.Word(0); err != nil {
		return nil, err
	}
	if gc.memoryError, err = gc.allocOld(2*WORD, 0); err != nil {
		return nil, err
	}
	mem.Store32(gc.memoryError+vtableOfs, gc.memoryErrorClass)
	return gc, nil
}

// MemoryErrorClass returns the class raised when allocation fails
func (gc *GCRuntime) MemoryErrorClass() uint32 { return gc.memoryErrorClass }

// InNursery reports whether addr points into the nursery
func (gc *GCRuntime) InNursery(addr uint32) bool {
	return addr >= gc.nurseryStart && addr < gc.nurseryEnd
}

// NurseryFree returns the current nursery bump pointer
func (gc *GCRuntime) NurseryFree() uint32 { return gc.mem.Load32(gc.Desc.NurseryFree) }

// ResetNursery empties the nursery. Only valid while no compiled code
// holds nursery references.
func (gc *GCRuntime) ResetNursery() {
	gc.mem.Zero(gc.nurseryStart, gc.nurseryEnd-gc.nurseryStart)
	gc.mem.Store32(gc.Desc.NurseryFree, gc.nurseryStart)
}

func (gc *GCRuntime) allocOld(size uint32, tid uint32) (uint32, error) {
	size = (size + WORD - 1) &^ (WORD - 1)
	if gc.oldNext+size > gc.oldEnd {
		return 0, fmt.Errorf("old space exhausted allocating %d bytes", size)
	}
	addr := gc.oldNext
	gc.oldNext += size
	gc.mem.Zero(addr, size)
	gc.mem.Store32(addr, tid)
	return addr, nil
}

// NewObject allocates a fixed-size object in old space
func (gc *GCRuntime) NewObject(d *SizeDescr) (uint32, error) {
	addr, err := gc.allocOld(uint32(max(d.Size, WORD)), d.TypeID|uint32(gcFlagTrackYoung)<<24)
	if err != nil {
		return 0, err
	}
	if d.Vtable != 0 {
		gc.mem.Store32(addr+vtableOfs, d.Vtable)
	}
	return addr, nil
}

// NewArray allocates an array in old space. Long arrays get a card table
// placed in front of the header.
func (gc *GCRuntime) NewArray(d *ArrayDescr, length uint32) (uint32, error) {
	size := uint32(d.BaseSize) + length*uint32(d.ItemSize)
	flags := gcFlagTrackYoung
	var cards uint32
	if length >= cardMinLength {
		cards = (length>>(cardPageShift+3) + 1 + WORD - 1) &^ (WORD - 1)
		flags |= gcFlagHasCards
	}
	if cards > 0 {
		if _, err := gc.allocOld(cards, 0); err != nil {
			return 0, err
		}
	}
	addr, err := gc.allocOld(size, d.TypeID|uint32(flags)<<24)
	if err != nil {
		return 0, err
	}
	gc.mem.Store32(addr+uint32(d.LengthOffset), length)
	return addr, nil
}

func (gc *GCRuntime) registerArray(handle uint32, d *ArrayDescr) {
	gc.arrays[handle] = d
}

// AllocFrame allocates a JitFrame with room for depth spill slots
func (gc *GCRuntime) AllocFrame(depth int) (uint32, error) {
	addr, err := gc.allocOld(uint32(jitframeSize(depth)), JitframeTypeID)
	if err != nil {
		return 0, err
	}
	gc.mem.Store32(addr+jfDepthOfs, uint32(depth))
	gc.Frames++
	return addr, nil
}

// SetPendingException stores an exception in the runtime cells
func (gc *GCRuntime) SetPendingException(cls, value uint32) {
	gc.mem.Store32(gc.Desc.ExcType, cls)
	gc.mem.Store32(gc.Desc.ExcValue, value)
}

// PendingException returns the pending exception, if any
func (gc *GCRuntime) PendingException() (cls, value uint32) {
	return gc.mem.Load32(gc.Desc.ExcType), gc.mem.Load32(gc.Desc.ExcValue)
}

// ClearPendingException empties the exception cells
func (gc *GCRuntime) ClearPendingException() {
	gc.SetPendingException(0, 0)
}

func (gc *GCRuntime) raiseMemoryError() {
	gc.SetPendingException(gc.memoryErrorClass, gc.memoryError)
}

// activeFrames returns the frames the collector must scan
func (gc *GCRuntime) activeFrames() []uint32 {
	if gc.Desc.Roots == engine.RootsShadowStack {
		var frames []uint32
		top := gc.mem.Load32(gc.Desc.RootStackTop)
		for a := gc.mem.Layout().ShadowBase; a < top; a += WORD {
			frames = append(frames, gc.mem.Load32(a))
		}
		return frames
	}
	if gc.machine == nil || gc.machine.R[FP] == 0 {
		return nil
	}
	return []uint32{gc.machine.R[FP]}
}

// collect enumerates the roots described by the gcmaps of the active
// frames. Nothing moves.
func (gc *GCRuntime) collect() {
	gc.Collections++
	gc.Roots = gc.Roots[:0]
	for _, f := range gc.activeFrames() {
		for _, pos := range decodeGcmap(gc.mem, gc.mem.Load32(f+jfGcmapOfs)) {
			v := gc.mem.Load32(f + uint32(jfFrameBase(pos)))
			gc.Roots = append(gc.Roots, GCRoot{Frame: f, Position: pos, Value: v})
		}
	}
	runtimeLog.Debugf("collection %d: %d roots", gc.Collections, len(gc.Roots))
}

func (gc *GCRuntime) mallocSlowpath(args []Value) (Value, error) {
	gc.collect()
	if gc.FailNextMalloc {
		gc.FailNextMalloc = false
		gc.raiseMemoryError()
		return RefValue(0), nil
	}
	addr, err := gc.allocOld(uint32(args[0].Int32()), 0)
	if err != nil {
		gc.raiseMemoryError()
		return RefValue(0), nil
	}
	return RefValue(addr), nil
}

func (gc *GCRuntime) varsizeSlowpath(args []Value) (Value, error) {
	d, ok := gc.arrays[uint32(args[0].Int32())]
	if !ok {
		return Value{}, fmt.Errorf("unknown array descr handle %d", args[0].Int32())
	}
	gc.collect()
	if gc.FailNextMalloc {
		gc.FailNextMalloc = false
		gc.raiseMemoryError()
		return RefValue(0), nil
	}
	addr, err := gc.NewArray(d, uint32(args[1].Int32()))
	if err != nil {
		gc.raiseMemoryError()
		return RefValue(0), nil
	}
	return RefValue(addr), nil
}

func (gc *GCRuntime) flags(obj uint32) uint8 { return gc.mem.Load8(obj + gcFlagByteOfs) }

func (gc *GCRuntime) setFlags(obj uint32, f uint8) { gc.mem.Store8(obj+gcFlagByteOfs, f) }

func (gc *GCRuntime) writeBarrier(args []Value) (Value, error) {
	obj := args[0].Ref()
	if f := gc.flags(obj); f&gcFlagTrackYoung != 0 {
		gc.setFlags(obj, f&^gcFlagTrackYoung)
		gc.Remembered = append(gc.Remembered, obj)
	}
	return RefValue(obj), nil
}

// writeBarrierArray switches arrays with a card table to card marking and
// falls back to the plain barrier otherwise
func (gc *GCRuntime) writeBarrierArray(args []Value) (Value, error) {
	obj := args[0].Ref()
	f := gc.flags(obj)
	if f&gcFlagHasCards == 0 {
		return gc.writeBarrier(args)
	}
	if f&gcFlagCardsSet == 0 {
		gc.setFlags(obj, f|gcFlagCardsSet)
		gc.CardObjects = append(gc.CardObjects, obj)
	}
	return RefValue(obj), nil
}

// CardMarked reports whether the card covering item index of obj is set
func (gc *GCRuntime) CardMarked(obj, index uint32) bool {
	byteOfs := ^(index >> (cardPageShift + 3))
	bit := (index >> cardPageShift) & 7
	return gc.mem.Load8(obj+byteOfs)&(1<<bit) != 0
}

// markCard sets the card covering item index of obj
func (gc *GCRuntime) markCard(obj, index uint32) {
	byteOfs := ^(index >> (cardPageShift + 3))
	bit := (index >> cardPageShift) & 7
	gc.mem.Store8(obj+byteOfs, gc.mem.Load8(obj+byteOfs)|1<<bit)
}

// storeBarrier is the barrier an interpreted reference store into obj runs
func (gc *GCRuntime) storeBarrier(obj uint32) {
	if gc.flags(obj)&gcFlagTrackYoung != 0 {
		gc.writeBarrier([]Value{RefValue(obj)})
	}
}

// arrayStoreBarrier is storeBarrier for item index of an array: the
// helper runs once, later stores only mark their card
func (gc *GCRuntime) arrayStoreBarrier(arr, index uint32) {
	if f := gc.flags(arr); f&gcFlagTrackYoung != 0 && f&gcFlagCardsSet == 0 {
		gc.writeBarrierArray([]Value{RefValue(arr)})
	}
	if gc.flags(arr)&gcFlagCardsSet != 0 {
		gc.markCard(arr, index)
	}
}

func (gc *GCRuntime) reallocFrame(args []Value) (Value, error) {
	old := args[0].Ref()
	depth := int(args[1].Int32())
	oldDepth := int(gc.mem.Load32(old + jfDepthOfs))
	depth = max(depth, oldDepth)
	nf, err := gc.AllocFrame(depth)
	if err != nil {
		return Value{}, err
	}
	n := uint32(jitframeSize(oldDepth))
	gc.mem.Write(nf+WORD*2, gc.mem.Read(old+WORD*2, n-WORD*2))
	gc.mem.Store32(old+jfForwardOfs, nf)
	if gc.Desc.Roots == engine.RootsShadowStack {
		top := gc.mem.Load32(gc.Desc.RootStackTop)
		if top > gc.mem.Layout().ShadowBase && gc.mem.Load32(top-WORD) == old {
			gc.mem.Store32(top-WORD, nf)
		}
	}
	runtimeLog.Debugf("frame 0x%x reallocated to 0x%x with depth %d", old, nf, depth)
	return RefValue(nf), nil
}

func (gc *GCRuntime) stackCheck([]Value) (Value, error) {
	return Value{}, newError(CategoryRuntime, ErrStackOverflow, "stack limit 0x%x exceeded",
		gc.mem.Load32(gc.Desc.StackLimit))
}

// reacquireGil takes the GIL back after a releasing call lost the race
func (gc *GCRuntime) reacquireGil(args []Value) (Value, error) {
	gc.mem.Store32(gc.Desc.FastGil, 1)
	if gc.Desc.Roots == engine.RootsShadowStack {
		gc.mem.Store32(gc.Desc.RootStackTop, uint32(args[0].Int32()))
	}
	return Value{Kind: ArgVoid}, nil
}

// Errno returns the C errno cell
func (gc *GCRuntime) Errno() int32 { return int32(gc.mem.Load32(gc.Desc.Errno)) }

// SetErrno writes the C errno cell, as a native function would
func (gc *GCRuntime) SetErrno(v int32) { gc.mem.Store32(gc.Desc.Errno, uint32(v)) }

// SavedErrno returns the errno saved in the thread-local block
func (gc *GCRuntime) SavedErrno() int32 {
	return int32(gc.mem.Load32(gc.Desc.ThreadLocal + threadLocalErrnoOfs))
}

// SetSavedErrno writes the errno saved in the thread-local block
func (gc *GCRuntime) SetSavedErrno(v int32) {
	gc.mem.Store32(gc.Desc.ThreadLocal+threadLocalErrnoOfs, uint32(v))
}

// GilHeld reports whether the fast GIL cell is taken
func (gc *GCRuntime) GilHeld() bool { return gc.mem.Load32(gc.Desc.FastGil) != 0 }

// StealGil simulates another thread taking the GIL during a releasing call
func (gc *GCRuntime) StealGil() { gc.mem.Store32(gc.Desc.FastGil, 2) }

func intFloorDiv(args []Value) (Value, error) {
	a, b := args[0].Int32(), args[1].Int32()
	if b == 0 {
		return IntValue(0), nil
	}
	if b == -1 {
		return IntValue(-a), nil
	}
	return IntValue(a / b), nil
}

func intMod(args []Value) (Value, error) {
	a, b := args[0].Int32(), args[1].Int32()
	if b == 0 || b == -1 {
		return IntValue(0), nil
	}
	return IntValue(a % b), nil
}
