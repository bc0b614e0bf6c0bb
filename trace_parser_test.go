package tracejit

import (
	"errors"
	"strings"
	"testing"
)

func TestParseTrace(t *testing.T) {
	ns := NewNamespace()
	if _, err := AssembleJitCodes(resumeCode, ns); err != nil {
		t.Fatal(err)
	}
	trace, err := ParseTrace(`
# comments and blank lines are ignored
[i0, p1, f2]
label(i0, p1, f2, descr=loop)
i3 = int_add(i0, -4)
f4 = float_add(f2, 0.5)
guard_true(i3, descr=g0) [i3, None, f4] resume(<main>, done, I[i3], R[p1])
jump(i3, p1, f4, descr=loop)
`, ns)
	if err != nil {
		t.Fatal(err)
	}
	if len(trace.InputArgs) != 3 || len(trace.Ops) != 5 {
		t.Fatalf("%d inputs and %d ops", len(trace.InputArgs), len(trace.Ops))
	}
	kinds := []Kind{KindInt, KindRef, KindFloat}
	for i, v := range trace.InputArgs {
		if v.Kind() != kinds[i] {
			t.Errorf("input %d is %s, want %s", i, v.Kind(), kinds[i])
		}
	}
	if c, ok := trace.Ops[1].Args[1].(ConstInt); !ok || c.Value != -4 {
		t.Errorf("second argument of int_add is %v", trace.Ops[1].Args[1])
	}
	if _, ok := trace.Ops[0].Descr.(*TargetToken); !ok {
		t.Errorf("label descr is %T", trace.Ops[0].Descr)
	}
	if trace.Ops[4].Descr != trace.Ops[0].Descr {
		t.Error("jump and label should share their target token")
	}
	guard := trace.Ops[3]
	fd, ok := guard.Descr.(*FailDescr)
	if !ok {
		t.Fatalf("guard descr is %T", guard.Descr)
	}
	if ns.Descrs["g0"] != fd {
		t.Error("the fresh guard descriptor should be added to the namespace")
	}
	if len(guard.FailArgs) != 3 || guard.FailArgs[1] != nil {
		t.Errorf("fail args %v, want a hole in the middle", guard.FailArgs)
	}
	if fd.Snapshot == nil || len(fd.Snapshot.Frames) != 1 {
		t.Fatalf("snapshot %+v", fd.Snapshot)
	}
	rf := fd.Snapshot.Frames[0]
	main := ns.Descrs["main"].(*JitCode)
	if rf.JitCode != main || rf.PC != main.Labels["done"] {
		t.Errorf("resume frame at %s+%d", rf.JitCode, rf.PC)
	}
	if len(rf.Ints) != 1 || rf.Ints[0] != trace.Ops[1].Result || len(rf.Refs) != 1 {
		t.Errorf("resume registers %v %v", rf.Ints, rf.Refs)
	}
}

func TestParseTraceErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown op", "[i0]\ni1 = int_ad(i0, 1)\n", `did you mean "int_add"`},
		{"undefined var", "[i0]\ni1 = int_add(i9, 1)\n", "undefined name"},
		{"redefined", "[i0]\ni1 = int_add(i0, 1)\ni1 = int_add(i0, 2)\n", "defined twice"},
		{"kind prefix", "[x0]\n", "cannot tell the kind"},
		{"duplicate input", "[i0, i0]\n", "listed twice"},
		{"void result", "[i0]\ni1 = jump(i0)\n", "produces no result"},
		{"missing paren", "[i0]\ni1 = int_add i0\n", "expected"},
		{"guard descr kind", "[i0]\nlabel(i0, descr=l)\nguard_true(i0, descr=l) []\n", "is a"},
		{"resume jitcode", "[i0]\nguard_true(i0, descr=g) [i0] resume(<nowhere>, 0)\n", "not a jitcode"},
		{"bad number", "[i0]\ni1 = int_add(i0, 12abc)\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTrace(tt.src, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			var je *JitError
			if !errors.As(err, &je) || je.Category != CategoryParse {
				t.Errorf("got %T %v, want a parse JitError", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestAssembleJitCodes(t *testing.T) {
	ns := NewNamespace()
	ns.Consts["answer"] = ConstInt{Value: 42}
	codes, err := AssembleJitCodes(`
.jitcode a
    int_add %i0, $answer -> %i0
    int_add %i0, $answer -> %i1
    int_return %i1
.jitcode b
    inline_call_irf_i <a>, I[%i3], R[], F[] -> %i0
    int_return %i0
`, ns)
	if err != nil {
		t.Fatal(err)
	}
	a, b := codes["a"], codes["b"]
	if a == nil || b == nil {
		t.Fatalf("codes %v", codes)
	}
	if ns.Descrs["a"] != a || ns.Descrs["b"] != b {
		t.Error("assembled codes should be added to the namespace")
	}
	if a.NumI != 2 || len(a.ConstI) != 1 || a.ConstI[0] != 42 {
		t.Errorf("a: %d int registers, consts %v (a constant is pooled once)", a.NumI, a.ConstI)
	}
	if b.NumI != 4 {
		t.Errorf("b: %d int registers, want 4", b.NumI)
	}
	// int_add %i0, $answer -> %i0 is opcode, two operands and a result
	if n := a.insnLength(0); n != 4 {
		t.Errorf("int_add is %d bytes, want 4", n)
	}
	if got := a.Code[2]; int(got) != a.NumI {
		t.Errorf("constant operand index %d, want %d", got, a.NumI)
	}
}

func TestAssembleJitCodeErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown instruction", ".jitcode x\n    int_addd %i0, %i1 -> %i2\n", "unknown instruction"},
		{"missing result", ".jitcode x\n    int_add %i0, %i1\n", "needs a result"},
		{"wrong bank", ".jitcode x\n    int_add %f0, %i1 -> %i2\n", "register"},
		{"undefined label", ".jitcode x\n    goto nowhere\n", "undefined label"},
		{"duplicate label", ".jitcode x\nl:\nl:\n    void_return\n", "defined twice"},
		{"duplicate code", ".jitcode x\n    void_return\n.jitcode x\n    void_return\n", "defined twice"},
		{"outside section", "    void_return\n.jitcode x\n", "outside"},
		{"unknown descr", ".jitcode x\n    new <Nope> -> %r0\n", "unknown descriptor"},
		{"unknown directive", ".code x\n", "unknown directive"},
		{"float constant", ".jitcode x\n    float_neg $abc -> %f0\n", "bad float"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AssembleJitCodes(tt.src, nil)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
	if _, err := AssembleJitCode("y", ".jitcode x\n    void_return\n", nil); err == nil {
		t.Error("AssembleJitCode should insist on the named code")
	}
}
