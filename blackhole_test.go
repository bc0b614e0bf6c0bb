package tracejit

import (
	"errors"
	"testing"
)

const boomVtable = 0x1234

// bhNamespace returns a namespace with the descriptors the tests below share
func bhNamespace(c *JitContext) *Namespace {
	ns := c.Namespace()
	ns.Descrs["Boom"] = &SizeDescr{Name: "Boom", Size: 8, Vtable: boomVtable}
	ns.Descrs["Point"] = &SizeDescr{Name: "Point", Size: 16}
	ns.Descrs["x"] = &FieldDescr{Name: "x", Offset: 4, Size: 4, Signed: true, Kind: KindInt}
	ns.Descrs["y"] = &FieldDescr{Name: "y", Offset: 8, Size: 8, Kind: KindFloat}
	ns.Descrs["next"] = &FieldDescr{Name: "next", Offset: 4, Size: 4, Kind: KindRef}
	ns.Descrs["refs"] = &ArrayDescr{Name: "refs", BaseSize: 8, ItemSize: 4, LengthOffset: 4, Kind: KindRef}
	return ns
}

func assemble(t *testing.T, c *JitContext, ns *Namespace, src string) map[string]*JitCode {
	t.Helper()
	if ns == nil {
		ns = bhNamespace(c)
	}
	codes, err := AssembleJitCodes(src, ns)
	if err != nil {
		t.Fatalf("AssembleJitCodes: %v", err)
	}
	return codes
}

func TestBlackholeIntAdd(t *testing.T) {
	c := newTestContext(t)
	code, err := AssembleJitCode("add", "int_add %i0, %i1 -> %i2\nint_return %i2\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.RunJitCode(code, IntValue(40), IntValue(2))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != ArgInt || res.Int32() != 42 {
		t.Errorf("result = %s, want 42", res)
	}
}

func TestBlackholePrograms(t *testing.T) {
	tests := []struct {
		name string
		src  string
		args []Value
		want Value
	}{
		{
			"sum loop",
			`.jitcode main
    int_copy $0 -> %i1
loop:
    goto_if_not_int_lt %i0, $5, done
    int_add %i1, %i0 -> %i1
    int_add %i0, $1 -> %i0
    goto loop
done:
    int_return %i1
`,
			[]Value{IntValue(0)}, IntValue(10),
		},
		{
			"inline call",
			`.jitcode add40
    int_add %i0, $40 -> %i1
    int_return %i1

.jitcode main
    inline_call_irf_i <add40>, I[%i0], R[], F[] -> %i1
    int_return %i1
`,
			[]Value{IntValue(2)}, IntValue(42),
		},
		{
			"recursion",
			`.jitcode main
    goto_if_not_int_gt %i0, $1, base
    int_sub %i0, $1 -> %i1
    recursive_call_i I[%i1], R[], F[] -> %i2
    int_mul %i0, %i2 -> %i2
    int_return %i2
base:
    int_return $1
`,
			[]Value{IntValue(6)}, IntValue(720),
		},
		{
			"floats",
			`.jitcode main
    cast_int_to_float %i0 -> %f1
    float_mul %f0, %f1 -> %f2
    float_lt %f2, $10.0 -> %i1
    goto_if_not %i1, big
    float_return %f2
big:
    float_neg %f2 -> %f2
    float_return %f2
`,
			[]Value{IntValue(3), FloatValue(2.5)}, FloatValue(7.5),
		},
		{
			"overflow jump",
			`.jitcode main
    int_add_jump_if_ovf ovf, %i0, $1 -> %i1
    int_return %i1
ovf:
    int_return $-1
`,
			[]Value{IntValue(0x7FFFFFFF)}, IntValue(-1),
		},
		{
			"truncating division",
			`.jitcode main
    int_floordiv %i0, $2 -> %i1
    int_mod %i0, $3 -> %i2
    int_mul %i1, $10 -> %i1
    int_add %i1, %i2 -> %i1
    int_return %i1
`,
			[]Value{IntValue(-7)}, IntValue(-3*10 - 1),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContext(t)
			codes := assemble(t, c, nil, tt.src)
			res, err := c.RunJitCode(codes["main"], tt.args...)
			if err != nil {
				t.Fatal(err)
			}
			if res != tt.want {
				t.Errorf("result = %s, want %s", res, tt.want)
			}
		})
	}
}

func TestBlackholeHeap(t *testing.T) {
	c := newTestContext(t)
	codes := assemble(t, c, nil, `.jitcode main
    new <Point> -> %r0
    setfield_gc_i %r0, %i0, <x>
    setfield_gc_f %r0, $0.5, <y>
    getfield_gc_i %r0, <x> -> %i1
    getfield_gc_f %r0, <y> -> %f0
    cast_int_to_float %i1 -> %f1
    float_add %f0, %f1 -> %f0
    float_return %f0
`)
	res, err := c.RunJitCode(codes["main"], IntValue(41))
	if err != nil {
		t.Fatal(err)
	}
	if res.Float != 41.5 {
		t.Errorf("result = %s, want 41.5", res)
	}
}

func TestBlackholeNullAccessFaults(t *testing.T) {
	c := newTestContext(t)
	codes := assemble(t, c, nil, `.jitcode main
    getfield_gc_i $NULL, <x> -> %i0
    int_return %i0
`)
	if _, err := c.RunJitCode(codes["main"]); !IsFault(err) {
		t.Errorf("got %v, want a machine fault", err)
	}
}

func TestBlackholeWriteBarriers(t *testing.T) {
	c := newTestContext(t)
	codes := assemble(t, c, nil, `.jitcode main
    new <Point> -> %r2
    setfield_gc_r %r0, %r2, <next>
    setfield_gc_r %r0, %r2, <next>
    setarrayitem_gc_r %r1, $3, %r2, <refs>
    setarrayitem_gc_r %r1, $70, %r2, <refs>
    void_return
`)
	ns := bhNamespace(c)
	obj, err := c.gc.NewObject(ns.Descrs["Point"].(*SizeDescr))
	if err != nil {
		t.Fatal(err)
	}
	arr, err := c.gc.NewArray(ns.Descrs["refs"].(*ArrayDescr), 100)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.RunJitCode(codes["main"], RefValue(obj), RefValue(arr)); err != nil {
		t.Fatal(err)
	}
	if len(c.gc.Remembered) != 1 || c.gc.Remembered[0] != obj {
		t.Errorf("remembered set = %x, want only 0x%x once", c.gc.Remembered, obj)
	}
	if len(c.gc.CardObjects) != 1 || c.gc.CardObjects[0] != arr {
		t.Errorf("card objects = %x, want only 0x%x", c.gc.CardObjects, arr)
	}
	for _, idx := range []uint32{3, 70} {
		if !c.gc.CardMarked(arr, idx) {
			t.Errorf("card of item %d is not marked", idx)
		}
	}
	if c.gc.CardMarked(arr, 40) {
		t.Error("card of item 40 should be clear")
	}
}

const thrower = `.jitcode thrower
    new_with_vtable <Boom> -> %r0
    raise %r0
`

func TestBlackholeCatchesException(t *testing.T) {
	c := newTestContext(t)
	codes := assemble(t, c, nil, thrower+`
.jitcode main
    inline_call_irf_v <thrower>, I[], R[], F[]
    catch_exception caught
    int_return $0
caught:
    last_exc_value -> %r0
    ptr_nonzero %r0 -> %i1
    goto_if_not %i1, bad
    last_exception -> %i0
    int_return %i0
bad:
    int_return $-1
`)
	res, err := c.RunJitCode(codes["main"])
	if err != nil {
		t.Fatal(err)
	}
	if res.Int32() != boomVtable {
		t.Errorf("caught class 0x%x, want 0x%x", res.Int32(), boomVtable)
	}
}

func TestBlackholeUncaughtException(t *testing.T) {
	c := newTestContext(t)
	codes := assemble(t, c, nil, thrower+`
.jitcode main
    inline_call_irf_v <thrower>, I[], R[], F[]
    int_return $0
`)
	_, err := c.RunJitCode(codes["main"])
	var exc *GuestException
	if !errors.As(err, &exc) {
		t.Fatalf("got %v, want a *GuestException", err)
	}
	if exc.Class != boomVtable {
		t.Errorf("class = 0x%x, want 0x%x", exc.Class, boomVtable)
	}
	if !errors.Is(err, ErrPendingException) {
		t.Error("GuestException should match ErrPendingException")
	}
}

func TestBlackholeReraise(t *testing.T) {
	c := newTestContext(t)
	codes := assemble(t, c, nil, thrower+`
.jitcode main
    inline_call_irf_v <thrower>, I[], R[], F[]
    catch_exception again
    void_return
again:
    reraise
`)
	_, err := c.RunJitCode(codes["main"])
	var exc *GuestException
	if !errors.As(err, &exc) || exc.Class != boomVtable {
		t.Errorf("got %v, want the original exception", err)
	}
}

func TestBlackholeResidualCall(t *testing.T) {
	c := newTestContext(t)
	c.RegisterHelper("scale", []ArgKind{ArgInt, ArgFloat}, ArgFloat, func(args []Value) (Value, error) {
		return FloatValue(float64(args[0].Int32()) * args[1].Float), nil
	})
	var raised uint32
	c.RegisterHelper("fail", []ArgKind{ArgRef}, ArgVoid, func(args []Value) (Value, error) {
		raised = args[0].Ref()
		c.gc.SetPendingException(boomVtable, raised)
		return Value{Kind: ArgVoid}, nil
	})
	ns := bhNamespace(c)
	ns.Descrs["scale"] = &CallDescr{Name: "scale", ArgKinds: []ArgKind{ArgInt, ArgFloat}, Result: ArgFloat}
	ns.Descrs["fail"] = &CallDescr{Name: "fail", ArgKinds: []ArgKind{ArgRef}, Result: ArgVoid}
	codes := assemble(t, c, ns, `.jitcode scaled
    residual_call_irf_f $scale, I[%i0], R[], F[%f0], <scale> -> %f1
    float_return %f1

.jitcode failing
    new <Point> -> %r0
    residual_call_irf_v $fail, I[], R[%r0], F[], <fail>
    catch_exception caught
    int_return $0
caught:
    int_return $1
`)
	res, err := c.RunJitCode(codes["scaled"], IntValue(3), FloatValue(1.5))
	if err != nil {
		t.Fatal(err)
	}
	if res.Float != 4.5 {
		t.Errorf("scale = %s, want 4.5", res)
	}

	res, err = c.RunJitCode(codes["failing"])
	if err != nil {
		t.Fatal(err)
	}
	if res.Int32() != 1 {
		t.Error("the pending exception of the helper was not caught")
	}
	if cls, _ := c.gc.PendingException(); cls != 0 {
		t.Error("the pending exception should be cleared after the call")
	}
}

func TestBlackholeProfilerHooks(t *testing.T) {
	c := newTestContext(t)
	var events []int32
	c.Hooks.OnEnterCode = func(id int32) { events = append(events, id) }
	c.Hooks.OnLeaveCode = func(id int32) { events = append(events, -id) }
	codes := assemble(t, c, nil, thrower+`
.jitcode main
    rvmprof_code $0, $7
    goto_if_not %i0, quiet
    inline_call_irf_v <thrower>, I[], R[], F[]
    rvmprof_code $1, $7
    void_return
quiet:
    rvmprof_code $1, $7
    void_return
`)
	if _, err := c.RunJitCode(codes["main"], IntValue(0)); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0] != 7 || events[1] != -7 {
		t.Errorf("normal run: events %v, want [7 -7]", events)
	}

	events = nil
	_, err := c.RunJitCode(codes["main"], IntValue(1))
	if !errors.Is(err, ErrPendingException) {
		t.Fatalf("got %v, want the exception to escape", err)
	}
	if len(events) != 2 || events[0] != 7 || events[1] != -7 {
		t.Errorf("raising run: events %v, the leave hook must still fire", events)
	}
}

func TestBlackholeRecursionLimit(t *testing.T) {
	c := newTestContext(t)
	codes := assemble(t, c, nil, `.jitcode main
    recursive_call_v I[], R[], F[]
    void_return
`)
	_, err := c.RunJitCode(codes["main"])
	if !errors.Is(err, ErrStackOverflow) {
		t.Errorf("got %v, want ErrStackOverflow", err)
	}
}

func TestBlackholeArgumentErrors(t *testing.T) {
	c := newTestContext(t)
	code, err := AssembleJitCode("one", "int_return %i0\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.RunJitCode(code, IntValue(1), IntValue(2)); err == nil {
		t.Error("too many int arguments should fail")
	}
	if _, err := c.RunJitCode(code, RefValue(8)); err == nil {
		t.Error("a ref argument without a ref register should fail")
	}
}
