package tracejit

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestFrameManagerSlots(t *testing.T) {
	fm := newFrameManager()
	i0 := NewVar(KindInt, "i0")
	f0 := NewVar(KindFloat, "f0")
	if s := fm.getNewLoc(i0); s.Index != 0 {
		t.Errorf("i0 at slot %d, want 0", s.Index)
	}
	if s := fm.getNewLoc(f0); s.Index != 1 || s.Width() != 2 {
		t.Errorf("f0 at slot %d width %d, want 1 and 2", s.Index, s.Width())
	}
	if s := fm.getNewLoc(i0); s.Index != 0 {
		t.Error("a Var keeps its slot")
	}
	fm.free(i0)
	i1 := NewVar(KindInt, "i1")
	if s := fm.getNewLoc(i1); s.Index != 0 {
		t.Errorf("i1 at slot %d, want the freed slot 0", s.Index)
	}
	f1 := NewVar(KindFloat, "f1")
	if s := fm.getNewLoc(f1); s.Index != 3 {
		t.Errorf("f1 at slot %d, want 3", s.Index)
	}
	if fm.depth != 5 {
		t.Errorf("depth %d, want 5", fm.depth)
	}
	fm.free(f0)
	if fm.depth != 5 {
		t.Error("freeing a slot should not shrink the depth")
	}
	if ae := expectAssertion(t, "bind", func() { fm.bind(NewVar(KindInt, "i2"), StackSlot{Index: 0, Kind: KindInt}) }); ae == nil {
		t.Error("binding an occupied slot should fail")
	}
	fm.bind(NewVar(KindFloat, "f2"), StackSlot{Index: 1, Kind: KindFloat})
}

func TestLongevity(t *testing.T) {
	trace, err := ParseTrace(countingLoop, nil)
	if err != nil {
		t.Fatal(err)
	}
	ops := trace.Ops
	lt := computeLongevity(trace.InputArgs, ops)
	i0 := trace.InputArgs[0]
	i1 := ops[1].Result
	i2 := ops[2].Result
	if l := lt[i0]; l.def != -1 || l.lastUse != 1 {
		t.Errorf("i0 lives %d..%d, want -1..1", l.def, l.lastUse)
	}
	if l := lt[i1]; l.def != 1 || l.lastUse != 4 {
		t.Errorf("i1 lives %d..%d, want 1..4", l.def, l.lastUse)
	}
	if !lt.aliveAfter(i1, 3) || lt.aliveAfter(i1, 4) {
		t.Error("i1 should die at the jump")
	}
	if n := lt[i1].nextUse(2); n != 3 {
		t.Errorf("next use of i1 after 2 is %d, want 3", n)
	}
	if n := lt[i1].nextUse(4); n != math.MaxInt {
		t.Errorf("next use of i1 after its last use is %d", n)
	}
	if !onlyUsedByNextGuard(lt, ops, 2) {
		t.Errorf("%s feeds only the guard", i2)
	}
	if onlyUsedByNextGuard(lt, ops, 1) {
		t.Error("int_add is not followed by a guard")
	}

	kept, err := ParseTrace(`
[i0]
i1 = int_lt(i0, 20)
guard_true(i1, descr=exit) [i1]
finish(i0)
`, nil)
	if err != nil {
		t.Fatal(err)
	}
	klt := computeLongevity(kept.InputArgs, kept.Ops)
	if onlyUsedByNextGuard(klt, kept.Ops, 0) {
		t.Error("a comparison that is also a fail argument must be materialized")
	}
}

// pressureTrace keeps n ints and m floats alive at once and sums them
func pressureTrace(n, m int) string {
	var sb strings.Builder
	sb.WriteString("[i0, f0]\n")
	for k := 1; k <= n; k++ {
		fmt.Fprintf(&sb, "i%d = int_add(i0, %d)\n", k, k)
	}
	for k := 1; k <= m; k++ {
		fmt.Fprintf(&sb, "f%d = float_add(f0, %d.0)\n", k, k)
	}
	fmt.Fprintf(&sb, "i%d = int_add(i1, i2)\n", 100)
	for k := 3; k <= n; k++ {
		fmt.Fprintf(&sb, "i%d = int_add(i%d, i%d)\n", 100+k-2, 100+k-3, k)
	}
	fmt.Fprintf(&sb, "f%d = float_add(f1, f2)\n", 100)
	for k := 3; k <= m; k++ {
		fmt.Fprintf(&sb, "f%d = float_add(f%d, f%d)\n", 100+k-2, 100+k-3, k)
	}
	fmt.Fprintf(&sb, "i200 = cast_float_to_int(f%d)\n", 100+m-2)
	fmt.Fprintf(&sb, "i201 = int_add(i%d, i200)\n", 100+n-2)
	sb.WriteString("finish(i201)\n")
	return sb.String()
}

func TestAllocatorUnderPressure(t *testing.T) {
	const n, m = 16, 20
	c := newTestContext(t)
	trace, err := ParseTrace(pressureTrace(n, m), c.Namespace())
	if err != nil {
		t.Fatal(err)
	}
	trace.nameVars()
	if err := trace.validate(); err != nil {
		t.Fatal(err)
	}
	ops, err := c.rewriteGC(trace.Ops)
	if err != nil {
		t.Fatal(err)
	}
	tok := &CompiledLoopToken{Name: "pressure", Number: 1}
	if tok.frameInfo, err = c.pool.Word(0); err != nil {
		t.Fatal(err)
	}
	c.registerOps(ops)
	a := newAssembler(c, "pressure", tok)
	if _, err := a.assembleLoop(trace.InputArgs, ops); err != nil {
		t.Fatal(err)
	}
	if cs := a.ra.log.conflicts(); len(cs) != 0 {
		t.Errorf("register conflicts:\n%s\n%s", strings.Join(cs, "\n"), a.ra.log)
	}
	core, vfp := a.ra.log.Usage()
	if core > len(coreOrder()) || vfp > len(vfpOrder()) {
		t.Errorf("peak usage %d core and %d vfp exceeds the banks", core, vfp)
	}
	if a.ra.fm.depth == 0 {
		t.Error("this many live values should spill")
	}

	// sum of 1+k for k in 1..16 plus sum of 0.5+k for k in 1..20
	want := int32(n + n*(n+1)/2 + m*(m+1)/2 + m/2)
	c2 := newTestContext(t)
	run := compileTrace(t, c2, nil, pressureTrace(n, m))
	df, err := c2.Execute(run, IntValue(1), FloatValue(0.5))
	if err != nil {
		t.Fatal(err)
	}
	if got := df.Int(0); got != want {
		t.Errorf("result %d, want %d", got, want)
	}
}

func TestAllocatorAcrossCalls(t *testing.T) {
	c := newTestContext(t)
	c.RegisterHelper("add2", []ArgKind{ArgInt, ArgInt}, ArgInt, func(args []Value) (Value, error) {
		return IntValue(args[0].Int32() + args[1].Int32()), nil
	})
	ns := c.Namespace()
	ns.Descrs["addd"] = &CallDescr{Name: "add2", ArgKinds: []ArgKind{ArgInt, ArgInt}, Result: ArgInt}
	tok := compileTrace(t, c, ns, `
[i0, i1, i2]
i3 = int_add(i0, i1)
i4 = call_i(add2, i0, i2, descr=addd)
i5 = call_i(add2, i3, i4, descr=addd)
i6 = int_add(i5, i1)
i7 = int_add(i6, i2)
finish(i7)
`)
	df, err := c.Execute(tok, IntValue(1), IntValue(10), IntValue(100))
	if err != nil {
		t.Fatal(err)
	}
	// (1+10) + (1+100) + 10 + 100
	if got := df.Int(0); got != 222 {
		t.Errorf("result %d, want 222", got)
	}
}
