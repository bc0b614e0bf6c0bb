package tracejit

import (
	"errors"
	"testing"
)

const countingLoop = `
[i0]
label(i0, descr=loop)
i1 = int_add(i0, 1)
i2 = int_lt(i1, 20)
guard_true(i2, descr=exit) [i1]
jump(i1, descr=loop)
`

// compileTrace parses src in the context's namespace and compiles it as a loop
func compileTrace(t *testing.T, c *JitContext, ns *Namespace, src string) *CompiledLoopToken {
	t.Helper()
	if ns == nil {
		ns = c.Namespace()
	}
	trace, err := ParseTrace(src, ns)
	if err != nil {
		t.Fatalf("ParseTrace: %v", err)
	}
	tok, err := c.CompileLoop(trace)
	if err != nil {
		t.Fatalf("CompileLoop: %v", err)
	}
	return tok
}

func parseBridge(t *testing.T, c *JitContext, src string) *Trace {
	t.Helper()
	trace, err := ParseTrace(src, c.Namespace())
	if err != nil {
		t.Fatalf("ParseTrace: %v", err)
	}
	return trace
}

func TestLoopLeavesThroughGuard(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	if len(tok.Guards()) != 1 {
		t.Fatalf("%d guards, want 1", len(tok.Guards()))
	}
	exit := tok.Guards()[0]

	df, err := c.Execute(tok, IntValue(0))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if df.FailDescr() != exit {
		t.Fatalf("left through %s, want %s", df.Descr(), exit)
	}
	if got := df.Int(0); got != 20 {
		t.Errorf("fail arg = %d, want 20", got)
	}
	if exit.Failures != 1 {
		t.Errorf("Failures = %d, want 1", exit.Failures)
	}

	// entering past the bound leaves on the first iteration
	df, err = c.Execute(tok, IntValue(100))
	if err != nil {
		t.Fatal(err)
	}
	if got := df.Int(0); got != 101 {
		t.Errorf("fail arg = %d, want 101", got)
	}
	if exit.Failures != 2 {
		t.Errorf("Failures = %d, want 2", exit.Failures)
	}
}

func TestExecuteArgumentMismatch(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	if _, err := c.Execute(tok); err == nil {
		t.Error("missing argument should fail")
	}
	if _, err := c.Execute(tok, FloatValue(1)); err == nil {
		t.Error("float for an int input should fail")
	}
}

func TestFloatLoop(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, `
[f0, i0]
label(f0, i0, descr=loop)
f1 = float_mul(f0, 1.5)
i1 = int_sub(i0, 1)
i2 = int_gt(i1, 0)
guard_true(i2, descr=done) [f1, i1]
jump(f1, i1, descr=loop)
`)
	df, err := c.Execute(tok, FloatValue(2), IntValue(3))
	if err != nil {
		t.Fatal(err)
	}
	if got := df.Float(0); got != 2*1.5*1.5*1.5 {
		t.Errorf("f1 = %g, want %g", got, 2*1.5*1.5*1.5)
	}
	if got := df.Int(1); got != 0 {
		t.Errorf("i1 = %d, want 0", got)
	}
}

func TestBridgeAttachesToGuard(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	exit := tok.Guards()[0]
	if _, err := c.Execute(tok, IntValue(0)); err != nil {
		t.Fatal(err)
	}

	bridge := "[i5]\ni6 = int_mul(i5, 2)\nfinish(i6)\n"
	if err := c.CompileBridge(exit, parseBridge(t, c, bridge)); err != nil {
		t.Fatalf("CompileBridge: %v", err)
	}
	if !exit.HasBridge() {
		t.Fatal("guard should have a bridge")
	}
	df, err := c.Execute(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	if !df.Finished() {
		t.Fatalf("left through %s, want the bridge's finish", df.Descr())
	}
	if got := df.Result().Int32(); got != 40 {
		t.Errorf("result = %d, want 40", got)
	}
	if exit.Failures != 1 {
		t.Errorf("Failures = %d, the bridged run should not count", exit.Failures)
	}

	ae := expectAssertion(t, "second bridge", func() {
		c.CompileBridge(exit, parseBridge(t, c, bridge))
	})
	if ae != nil && !errors.Is(ae, ErrBridgeAlreadyCompiled) {
		t.Errorf("got %v, want ErrBridgeAlreadyCompiled", ae)
	}
}

func TestBridgeArityMismatch(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	err := c.CompileBridge(tok.Guards()[0], parseBridge(t, c, "[i0, i1]\nfinish(i0)\n"))
	if err == nil {
		t.Error("a bridge with two inputs for one fail argument should be rejected")
	}
}

func TestBridgeGrowsFrameDepth(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	before := c.mem.Load32(tok.frameInfo)

	// more live values than registers forces spills in the bridge
	src := "[i0]\n"
	for i := 1; i <= 24; i++ {
		src += "i" + itoa(i) + " = int_add(i" + itoa(i-1) + ", " + itoa(i) + ")\n"
	}
	sum := "i0"
	for i := 1; i <= 24; i++ {
		src += "i" + itoa(100+i) + " = int_add(" + sum + ", i" + itoa(i) + ")\n"
		sum = "i" + itoa(100+i)
	}
	src += "finish(" + sum + ")\n"
	if err := c.CompileBridge(tok.Guards()[0], parseBridge(t, c, src)); err != nil {
		t.Fatalf("CompileBridge: %v", err)
	}
	if after := c.mem.Load32(tok.frameInfo); after <= before {
		t.Errorf("frame depth %d -> %d, the bridge should need a deeper frame", before, after)
	}

	df, err := c.Execute(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	// i_k = 20 + k(k+1)/2, summed with i0 = 20 over k = 1..24
	want := int32(20)
	for k := int32(1); k <= 24; k++ {
		want += 20 + k*(k+1)/2
	}
	if got := df.Result().Int32(); got != want {
		t.Errorf("result = %d, want %d", got, want)
	}
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return itoa(i/10) + string(rune('0'+i%10))
}

func TestInvalidatedLoopLeaves(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, `
[i0]
label(i0, descr=loop)
guard_not_invalidated(descr=inv) [i0]
i1 = int_add(i0, 1)
i2 = int_lt(i1, 1000)
guard_true(i2, descr=exit) [i1]
jump(i1, descr=loop)
`)
	df, err := c.Execute(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	if df.FailDescr() == nil || df.FailDescr().Name != "exit" {
		t.Fatalf("left through %s before invalidation, want exit", df.Descr())
	}
	if err := c.InvalidateLoop(tok); err != nil {
		t.Fatalf("InvalidateLoop: %v", err)
	}
	df, err = c.Execute(tok, IntValue(5))
	if err != nil {
		t.Fatal(err)
	}
	if fd := df.FailDescr(); fd == nil || fd.Name != "inv" {
		t.Fatalf("left through %s after invalidation, want inv", df.Descr())
	}
	if got := df.Int(0); got != 5 {
		t.Errorf("fail arg = %d, want 5", got)
	}
}

const mallocTrace = `
[]
p0 = call_malloc_nursery(16)
finish(p0)
`

func TestMallocNurseryFastPath(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, mallocTrace)
	slow, ok := c.helpers.Lookup("gc_malloc_slowpath")
	if !ok {
		t.Fatal("gc_malloc_slowpath is not registered")
	}
	desc := c.gc.Desc
	c.mem.Store32(desc.NurseryFree, 100)
	c.mem.Store32(desc.NurseryTop, 200)

	df, err := c.Execute(tok)
	if err != nil {
		t.Fatal(err)
	}
	if got := df.Result().Ref(); got != 100 {
		t.Errorf("object at %d, want 100", got)
	}
	if got := c.gc.NurseryFree(); got != 116 {
		t.Errorf("nursery_free = %d, want 116", got)
	}
	if slow.Calls != 0 {
		t.Errorf("%d slow path calls, want 0", slow.Calls)
	}
}

func TestMallocNurserySlowPath(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, mallocTrace)
	slow, _ := c.helpers.Lookup("gc_malloc_slowpath")
	desc := c.gc.Desc
	c.mem.Store32(desc.NurseryFree, 100)
	c.mem.Store32(desc.NurseryTop, 110)

	df, err := c.Execute(tok)
	if err != nil {
		t.Fatal(err)
	}
	if slow.Calls != 1 {
		t.Errorf("%d slow path calls, want 1", slow.Calls)
	}
	if got := c.gc.NurseryFree(); got != 100 {
		t.Errorf("nursery_free = %d, the slow path owns it", got)
	}
	if got := df.Result().Ref(); got == 0 || got == 100 {
		t.Errorf("object at 0x%x, want an old-space address", got)
	}
}

func TestMallocNurseryMemoryError(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, mallocTrace)
	desc := c.gc.Desc
	c.mem.Store32(desc.NurseryFree, 100)
	c.mem.Store32(desc.NurseryTop, 100)
	c.gc.FailNextMalloc = true

	df, err := c.Execute(tok)
	if err != nil {
		t.Fatal(err)
	}
	if !df.Propagated() {
		t.Fatalf("left through %s, want the exception to propagate", df.Descr())
	}
	if cls, val := df.Exception(); cls == 0 || val == 0 {
		t.Errorf("exception (0x%x, 0x%x) was not saved", cls, val)
	}
}

func TestCompileHook(t *testing.T) {
	c := newTestContext(t)
	var kinds []string
	c.Hooks.OnCompile = func(kind, name string, addr, size uint32) {
		if addr < CodeBase || size == 0 {
			t.Errorf("%s %s installed at 0x%x with %d bytes", kind, name, addr, size)
		}
		kinds = append(kinds, kind)
	}
	var failed []*FailDescr
	c.Hooks.OnGuardFailure = func(fd *FailDescr) { failed = append(failed, fd) }

	tok := compileTrace(t, c, nil, countingLoop)
	if err := c.CompileBridge(tok.Guards()[0], parseBridge(t, c, "[i0]\nfinish(i0)\n")); err != nil {
		t.Fatal(err)
	}
	if len(kinds) != 2 || kinds[0] != "loop" || kinds[1] != "bridge" {
		t.Errorf("compile hook saw %v, want [loop bridge]", kinds)
	}
	if c.CodeSize() == 0 {
		t.Error("no code was installed")
	}
	if len(failed) != 0 {
		t.Errorf("guard failure hook fired %d times before running", len(failed))
	}
}

func TestFinishedFrameValues(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, "[i0]\ni1 = int_add(i0, 2)\nfinish(i1)\n")
	df, err := c.Execute(tok, IntValue(40))
	if err != nil {
		t.Fatal(err)
	}
	if !df.Finished() || df.NumFailArgs() != 1 {
		t.Fatalf("left through %s with %d values", df.Descr(), df.NumFailArgs())
	}
	if got, want := df.Int(0), df.Result().Int32(); got != 42 || want != 42 {
		t.Errorf("Int(0) = %d and Result() = %d, want 42", got, want)
	}
	if vals := df.Values(); len(vals) != 1 || vals[0] != IntValue(42) {
		t.Errorf("Values() = %v", vals)
	}
	expectAssertion(t, "Value(1)", func() { df.Value(1) })

	void := compileTrace(t, c, nil, "[i0]\nfinish()\n")
	df, err = c.Execute(void, IntValue(1))
	if err != nil {
		t.Fatal(err)
	}
	if n := df.NumFailArgs(); n != 0 {
		t.Errorf("a void finish has %d values", n)
	}
	expectAssertion(t, "Value(0)", func() { df.Value(0) })
}

func TestStackOverflowInCompiledCode(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	c.mem.Store32(c.gc.Desc.StackLimit, 0xFFFFFFF0)
	_, err := c.Execute(tok, IntValue(0))
	if !errors.Is(err, ErrStackOverflow) {
		t.Fatalf("got %v, want a stack overflow", err)
	}
	check, _ := c.helpers.Lookup("stack_check_slowpath")
	if check.Calls != 1 {
		t.Errorf("%d stack check slow path calls, want 1", check.Calls)
	}
}

const misplacedOverflowGuard = `
[i0]
i1 = int_add_ovf(i0, 1)
i2 = int_lt(i0, 5)
guard_no_overflow(descr=ovf) [i0]
i3 = int_add(i2, i1)
finish(i3)
`

func TestOverflowGuardMustFollowOverflowOp(t *testing.T) {
	c := newTestContext(t)
	trace, err := ParseTrace(misplacedOverflowGuard, c.Namespace())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CompileLoop(trace); err == nil {
		t.Fatal("a comparison between int_add_ovf and its guard should be rejected")
	}

	// the code generator refuses the pair on its own
	trace, err = ParseTrace(misplacedOverflowGuard, c.Namespace())
	if err != nil {
		t.Fatal(err)
	}
	trace.nameVars()
	tok := &CompiledLoopToken{Name: "ovf", Number: 1}
	if tok.frameInfo, err = c.pool.Word(0); err != nil {
		t.Fatal(err)
	}
	c.registerOps(trace.Ops)
	a := newAssembler(c, "ovf", tok)
	expectAssertion(t, "assembleLoop", func() { a.assembleLoop(trace.InputArgs, trace.Ops) })
}
