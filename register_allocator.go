// Completion: 100% - Register allocator complete
package tracejit

// Register allocator for trace compilation
//
// Walks a trace once, front to back, keeping every live Var either in a
// physical register, in a JitFrame spill slot, or both:
// - Each register bank (core, VFP) tracks bound Vars and free registers
// - When a bank runs out, the Var whose next use is farthest away is spilled
// - A Var that already owns a frame slot is never stored again
// - Comparisons consumed only by the next guard stay in the condition flags
// - Call sites evict caller-saved registers, or every register when the
//   callee may force the frame or release the GIL
//
// References:
// - Poletto & Sarkar (1999): Linear Scan Register Allocation
// - Belady (1966): farthest-next-use replacement

import (
	"fmt"
	"sort"
	"strings"
)

// regBank is the register manager for one register class
type regBank struct {
	name   string
	order  []Location // allocation preference order
	owner  map[Location]*Var
	reg    map[*Var]Location
	isCall func(Location) bool // clobbered by calls
}

func newRegBank(name string, order []Location, callerSaved func(Location) bool) *regBank {
	return &regBank{
		name:   name,
		order:  order,
		owner:  make(map[Location]*Var),
		reg:    make(map[*Var]Location),
		isCall: callerSaved,
	}
}

func (b *regBank) isFree(r Location) bool { return b.owner[r] == nil }

// free returns the unbound registers in preference order
func (b *regBank) free() []Location {
	var out []Location
	for _, r := range b.order {
		if b.isFree(r) {
			out = append(out, r)
		}
	}
	return out
}

// bound returns the bound Vars in register order
func (b *regBank) bound() []*Var {
	var out []*Var
	for _, r := range b.order {
		if v := b.owner[r]; v != nil {
			out = append(out, v)
		}
	}
	return out
}

func coreOrder() []Location {
	// Callee-saved registers first so values tend to survive calls
	var out []Location
	for _, r := range calleeSavedCore {
		out = append(out, r)
	}
	for _, r := range callerSavedCore {
		out = append(out, r)
	}
	return out
}

func vfpOrder() []Location {
	out := make([]Location, len(allocatableVFP))
	for i, d := range allocatableVFP {
		out[i] = d
	}
	return out
}

// regAlloc is the allocation state of one compilation unit
type regAlloc struct {
	asm   *assembler
	ops   []*Op
	lt    longevity
	fm    *frameManager
	core  *regBank
	vfp   *regBank
	flags map[*Var]Cond
	hints map[*Var]Location
	temps []*Var
	pos   int
	log   *assignmentLog
}

func newRegAlloc(asm *assembler, inputs []*Var, ops []*Op) *regAlloc {
	ra := &regAlloc{
		asm:   asm,
		ops:   ops,
		lt:    computeLongevity(inputs, ops),
		fm:    newFrameManager(),
		core:  newRegBank("core", coreOrder(), func(l Location) bool { return l.(CoreReg) <= R3 }),
		vfp:   newRegBank("vfp", vfpOrder(), func(Location) bool { return true }),
		flags: make(map[*Var]Cond),
		hints: make(map[*Var]Location),
		pos:   -1,
		log:   newAssignmentLog(),
	}
	return ra
}

func (ra *regAlloc) bank(k Kind) *regBank {
	if k == KindFloat {
		return ra.vfp
	}
	return ra.core
}

// loc returns the current location of a box
func (ra *regAlloc) loc(b Box) Location {
	switch c := b.(type) {
	case ConstInt:
		return Imm{Value: c.Value}
	case ConstPtr:
		return Imm{Value: int32(c.Value)}
	case ConstFloat:
		return ImmFloat{Addr: ra.asm.floatConst(c.Value)}
	}
	v := b.(*Var)
	if c, ok := ra.flags[v]; ok {
		return Flags{Cond: c}
	}
	if r, ok := ra.bank(v.Kind()).reg[v]; ok {
		return r
	}
	if s, ok := ra.fm.loc(v); ok {
		return s
	}
	failf("%s has no location at op %d", v, ra.pos)
	return nil
}

// frameLoc returns the frame slot of v, allocating one if needed
func (ra *regAlloc) frameLoc(v *Var) StackSlot {
	return ra.fm.getNewLoc(v)
}

func (ra *regAlloc) bind(v *Var, r Location) {
	b := ra.bank(v.Kind())
	assertf(b.isFree(r), "%s is already bound to %s", r, b.owner[r])
	if _, ok := b.reg[v]; ok {
		ra.unbind(v)
	}
	b.owner[r] = v
	b.reg[v] = r
	ra.log.bind(v, r, ra.pos)
}

func (ra *regAlloc) unbind(v *Var) {
	b := ra.bank(v.Kind())
	r, ok := b.reg[v]
	if !ok {
		return
	}
	delete(b.reg, v)
	delete(b.owner, r)
	ra.log.unbind(v, r, ra.pos)
}

// spill evicts v from its register, storing it unless it already has a slot
func (ra *regAlloc) spill(v *Var) {
	r, ok := ra.bank(v.Kind()).reg[v]
	if !ok {
		return
	}
	if _, has := ra.fm.loc(v); !has {
		s := ra.frameLoc(v)
		ra.asm.regallocMov(r, s)
		if regallocLog.AllowLevel(levelDebug) {
			regallocLog.Debugf("op %d: spill %s from %s to %s", ra.pos, v, r, s)
		}
	}
	ra.unbind(v)
}

func contains(forbidden []*Var, v *Var) bool {
	for _, f := range forbidden {
		if f == v {
			return true
		}
	}
	return false
}

// pickSpill chooses the bound Var with the farthest next use
func (ra *regAlloc) pickSpill(b *regBank, forbidden []*Var) *Var {
	var victim *Var
	best := -1
	for _, v := range b.bound() {
		if contains(forbidden, v) || contains(ra.temps, v) {
			continue
		}
		n := ra.lt[v].nextUse(ra.pos)
		if n > best {
			victim, best = v, n
		}
	}
	assertf(victim != nil, "no %s register can be spilled at op %d", b.name, ra.pos)
	return victim
}

// allocReg binds v to a register. selected forces a particular register,
// relocating its current owner.
func (ra *regAlloc) allocReg(v *Var, forbidden []*Var, selected Location) Location {
	b := ra.bank(v.Kind())
	if selected != nil {
		if owner := b.owner[selected]; owner != nil && owner != v {
			ra.relocate(owner, append(forbidden, v), selected)
		}
		if cur, ok := b.reg[v]; ok && cur != selected {
			ra.unbind(v)
		}
		if b.owner[selected] == nil {
			ra.bind(v, selected)
		}
		return selected
	}
	if r, ok := b.reg[v]; ok {
		return r
	}
	if h, ok := ra.hints[v]; ok && b.isFree(h) {
		ra.bind(v, h)
		return h
	}
	if free := b.free(); len(free) > 0 {
		ra.bind(v, free[0])
		return free[0]
	}
	victim := ra.pickSpill(b, forbidden)
	r := b.reg[victim]
	ra.spill(victim)
	ra.bind(v, r)
	return r
}

// relocate moves owner out of reg, into another free register if there
// is one, otherwise into its frame slot
func (ra *regAlloc) relocate(owner *Var, forbidden []*Var, reg Location) {
	b := ra.bank(owner.Kind())
	if !ra.lt.aliveAfter(owner, ra.pos-1) {
		ra.unbind(owner)
		return
	}
	for _, r := range b.free() {
		if r == reg {
			continue
		}
		ra.unbind(owner)
		ra.asm.regallocMov(reg, r)
		ra.bind(owner, r)
		return
	}
	ra.spill(owner)
}

// newTemp creates a scratch Var that lives only for the current op
func (ra *regAlloc) newTemp(k Kind) *Var {
	v := NewVar(k, fmt.Sprintf("tmp%d", len(ra.temps)))
	ra.lt[v] = &lifetime{def: ra.pos, lastUse: ra.pos, uses: []int{ra.pos}}
	ra.temps = append(ra.temps, v)
	return v
}

// tempReg reserves a scratch register, optionally a specific one
func (ra *regAlloc) tempReg(k Kind, forbidden []*Var, selected Location) Location {
	return ra.allocReg(ra.newTemp(k), forbidden, selected)
}

// inReg makes sure a box is in a register and returns it. Constants are
// loaded into a scratch register.
func (ra *regAlloc) inReg(b Box, forbidden []*Var) Location {
	v, ok := isVar(b)
	if !ok {
		src := ra.loc(b)
		r := ra.tempReg(b.Kind(), forbidden, nil)
		ra.asm.regallocMov(src, r)
		return r
	}
	if c, ok := ra.flags[v]; ok {
		// Materialize a flag result for a consumer other than the next guard
		delete(ra.flags, v)
		r := ra.allocReg(v, forbidden, nil).(CoreReg)
		ra.asm.movImm(r, 0)
		ra.asm.movImmCond(c, r, 1)
		return r
	}
	bk := ra.bank(v.Kind())
	if r, ok := bk.reg[v]; ok {
		return r
	}
	src := ra.loc(v)
	r := ra.allocReg(v, forbidden, nil)
	ra.asm.regallocMov(src, r)
	return r
}

// inRegAt forces a box into a specific register
func (ra *regAlloc) inRegAt(b Box, r Location, forbidden []*Var) Location {
	v, ok := isVar(b)
	if !ok {
		src := ra.loc(b)
		ra.tempReg(b.Kind(), forbidden, r)
		ra.asm.regallocMov(src, r)
		return r
	}
	if cur, ok := ra.bank(v.Kind()).reg[v]; ok && cur == r {
		return r
	}
	src := ra.loc(v)
	ra.allocReg(v, forbidden, r)
	ra.asm.regallocMov(src, r)
	return r
}

// immOrReg returns an immediate location when fits accepts the constant,
// otherwise a register
func (ra *regAlloc) immOrReg(b Box, forbidden []*Var, fits func(int32) bool) Location {
	if c, ok := b.(ConstInt); ok && fits(c.Value) {
		return Imm{Value: c.Value}
	}
	if c, ok := b.(ConstPtr); ok && fits(int32(c.Value)) {
		return Imm{Value: int32(c.Value)}
	}
	return ra.inReg(b, forbidden)
}

// resultReg allocates a register for the op result
func (ra *regAlloc) resultReg(op *Op, forbidden []*Var) Location {
	return ra.allocReg(op.Result, forbidden, nil)
}

// argVars returns the Vars among boxes
func argVars(boxes []Box) []*Var {
	var out []*Var
	for _, b := range boxes {
		if v, ok := isVar(b); ok {
			out = append(out, v)
		}
	}
	return out
}

// freeDyingRegs releases the registers of arguments that are not used
// after the current op. Their frame slots stay reserved until endOp.
func (ra *regAlloc) freeDyingRegs(boxes []Box) {
	for _, v := range argVars(boxes) {
		if !ra.lt.aliveAfter(v, ra.pos) {
			ra.unbind(v)
			delete(ra.flags, v)
		}
	}
}

// endOp releases temps and everything that died at the current op
func (ra *regAlloc) endOp(op *Op) {
	for _, t := range ra.temps {
		ra.unbind(t)
		delete(ra.lt, t)
	}
	ra.temps = ra.temps[:0]
	dead := argVars(op.Args)
	for _, fa := range op.FailArgs {
		if v, ok := isVar(fa); ok {
			dead = append(dead, v)
		}
	}
	if op.Result != nil {
		dead = append(dead, op.Result)
	}
	for _, v := range dead {
		if ra.lt.aliveAfter(v, ra.pos) {
			continue
		}
		ra.unbind(v)
		delete(ra.flags, v)
		ra.fm.free(v)
	}
}

// beforeCall empties the registers a call clobbers. With saveAll every
// register is emptied; with spillRefs every reference goes to the frame
// so the collector can find it through the gcmap.
func (ra *regAlloc) beforeCall(saveAll, spillRefs bool, keep []*Var) {
	for _, v := range ra.core.bound() {
		if contains(ra.temps, v) || contains(keep, v) {
			continue
		}
		r := ra.core.reg[v]
		if !ra.lt.aliveAfter(v, ra.pos) {
			continue
		}
		ref := v.Kind() == KindRef && spillRefs
		if !saveAll && !ref && !ra.core.isCall(r) {
			continue
		}
		if !saveAll && !ref {
			if dst := ra.freeCalleeSaved(); dst != nil {
				ra.unbind(v)
				ra.asm.regallocMov(r, dst)
				ra.bind(v, dst)
				continue
			}
		}
		ra.spill(v)
	}
	for _, v := range ra.vfp.bound() {
		if contains(ra.temps, v) || contains(keep, v) || !ra.lt.aliveAfter(v, ra.pos) {
			continue
		}
		ra.spill(v)
	}
}

func (ra *regAlloc) freeCalleeSaved() Location {
	for _, r := range ra.core.free() {
		if !ra.core.isCall(r) {
			return r
		}
	}
	return nil
}

// gcmapBits returns the frame positions of every live reference, in
// registers and in spill slots. Registers listed in exclude are skipped.
func (ra *regAlloc) gcmapBits(exclude ...CoreReg) []int {
	var bits []int
	alive := func(v *Var) bool { return ra.lt[v] != nil && ra.lt[v].lastUse >= ra.pos }
	for _, v := range ra.core.bound() {
		if v.Kind() != KindRef || !alive(v) || contains(ra.temps, v) {
			continue
		}
		r := ra.core.reg[v].(CoreReg)
		skip := false
		for _, e := range exclude {
			skip = skip || e == r
		}
		if !skip {
			bits = append(bits, coreSavePosition(r))
		}
	}
	for v, s := range ra.fm.bindings {
		if v.Kind() == KindRef && alive(v) {
			bits = append(bits, framePosition(s))
		}
	}
	sort.Ints(bits)
	return bits
}

// boundRegisters lists every bound register, used by paths that store the
// whole register file into the frame
func (ra *regAlloc) boundRegisters(exclude ...Location) []Location {
	var out []Location
	for _, b := range []*regBank{ra.core, ra.vfp} {
		for _, r := range b.order {
			if b.owner[r] == nil {
				continue
			}
			skip := false
			for _, e := range exclude {
				skip = skip || e == r
			}
			if !skip {
				out = append(out, r)
			}
		}
	}
	return out
}

// failLocations resolves the fail arguments of a guard
func (ra *regAlloc) failLocations(op *Op) []Location {
	locs := make([]Location, len(op.FailArgs))
	for i, fa := range op.FailArgs {
		if fa == nil {
			continue
		}
		l := ra.loc(fa)
		_, isFlags := l.(Flags)
		assertf(!isFlags, "fail arg %s lives in the flags", fa)
		locs[i] = l
	}
	return locs
}

// dump renders the allocation state for debug logging
func (ra *regAlloc) dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "op %d:", ra.pos)
	for _, b := range []*regBank{ra.core, ra.vfp} {
		for _, r := range b.order {
			if v := b.owner[r]; v != nil {
				fmt.Fprintf(&sb, " %s=%s", r, v)
			}
		}
	}
	fmt.Fprintf(&sb, " depth=%d", ra.fm.depth)
	return sb.String()
}
