// Completion: 100% - Dead frame decoding complete
package tracejit

import "fmt"

// DeadFrame is a JitFrame that compiled code has left, decoded through the
// descriptor stored in jf_descr
type DeadFrame struct {
	ctx    *JitContext
	frame  uint32
	descr  Descr
	forced bool
}

// Descr returns the guard or finish the frame left through
func (d *DeadFrame) Descr() Descr { return d.descr }

// Frame returns the address of the latest copy of the frame
func (d *DeadFrame) Frame() uint32 { return d.frame }

// FailDescr returns the failed guard, or nil after a finish
func (d *DeadFrame) FailDescr() *FailDescr {
	fd, _ := d.descr.(*FailDescr)
	return fd
}

// Finished reports whether the frame left through a FINISH
func (d *DeadFrame) Finished() bool {
	fd, ok := d.descr.(*FinalDescr)
	return ok && fd != d.ctx.propagateDescr
}

// Propagated reports whether an exception escaped the compiled code
func (d *DeadFrame) Propagated() bool { return d.descr == d.ctx.propagateDescr }

// Exception returns the exception saved into the frame by a guard stub or
// the propagation tail
func (d *DeadFrame) Exception() (cls, value uint32) {
	m := d.ctx.mem
	return m.Load32(d.frame + jfGuardExcOfs), m.Load32(d.frame + jfSavedataOfs)
}

// NumFailArgs returns the number of fail arguments of the failed guard.
// A finish with a result counts as one.
func (d *DeadFrame) NumFailArgs() int {
	if fd := d.FailDescr(); fd != nil {
		return len(fd.failLocs)
	}
	if d.Finished() && d.descr.(*FinalDescr).Result != KindVoid {
		return 1
	}
	return 0
}

// Value returns fail argument i. After a finish, argument 0 is the result.
func (d *DeadFrame) Value(i int) Value {
	if d.Finished() {
		assertf(i == 0 && d.NumFailArgs() == 1, "%s has no argument %d", d.descr, i)
		return d.Result()
	}
	fd := d.FailDescr()
	assertf(fd != nil, "%s has no fail arguments", d.descr)
	assertf(i >= 0 && i < len(fd.failLocs), "fail argument %d out of range", i)
	kind := KindInt
	if b := fd.failArgs[i]; b != nil {
		kind = b.Kind()
	}
	return d.ctx.readLoc(d.frame, fd.failLocs[i], kind)
}

// Int returns integer fail argument i
func (d *DeadFrame) Int(i int) int32 { return d.Value(i).Int32() }

// Ref returns reference fail argument i
func (d *DeadFrame) Ref(i int) uint32 { return d.Value(i).Ref() }

// Float returns float fail argument i
func (d *DeadFrame) Float(i int) float64 { return d.Value(i).Float }

// Values returns every fail argument
func (d *DeadFrame) Values() []Value {
	vals := make([]Value, d.NumFailArgs())
	for i := range vals {
		vals[i] = d.Value(i)
	}
	return vals
}

// Result returns the value passed to FINISH
func (d *DeadFrame) Result() Value {
	fd, ok := d.descr.(*FinalDescr)
	assertf(ok, "%s is not a finish", d.descr)
	if fd.Result == KindVoid {
		return Value{Kind: ArgVoid}
	}
	return d.ctx.readLoc(d.frame, StackSlot{Index: -JitframeFixedSize, Kind: fd.Result}, fd.Result)
}

// boxValue resolves a resume box: a constant, or a Var found among the
// guard's fail arguments
func (d *DeadFrame) boxValue(b Box) (Value, error) {
	switch c := b.(type) {
	case ConstInt:
		return IntValue(c.Value), nil
	case ConstPtr:
		return RefValue(c.Value), nil
	case ConstFloat:
		return FloatValue(c.Value), nil
	}
	fd := d.FailDescr()
	for i, fa := range fd.failArgs {
		if fa == b {
			return d.Value(i), nil
		}
	}
	return Value{}, fmt.Errorf("%s is not a fail argument of %s", b, fd)
}

func (d *DeadFrame) String() string {
	return fmt.Sprintf("<deadframe 0x%x %s>", d.frame, d.descr)
}
