package tracejit

import (
	"errors"
	"testing"
)

// newTestContext builds a context with the default configuration
func newTestContext(t *testing.T) *JitContext {
	t.Helper()
	c, err := NewJitContext(DefaultConfig())
	if err != nil {
		t.Fatalf("NewJitContext: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// runBuilder installs b and runs it as a leaf function returning to the host
func runBuilder(t *testing.T, c *JitContext, b *CodeBuilder) (*Machine, error) {
	t.Helper()
	block, err := b.Finalize(c.code)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	m := c.machine
	m.R = [16]uint32{}
	m.R[SP] = c.mem.Layout().StackTop
	m.R[LR] = HostReturn
	return m, m.Run(block.Addr)
}

func emitMov32(b *CodeBuilder, r CoreReg, v uint32) {
	b.Emit(encMOVW(AL, r, v&0xFFFF))
	if v>>16 != 0 {
		b.Emit(encMOVT(AL, r, v>>16))
	}
}

func TestMachineCountdownLoop(t *testing.T) {
	c := newTestContext(t)
	b := NewCodeBuilder("sum")
	b.Emit(encMOVW(AL, R0, 0))
	b.Emit(encMOVW(AL, R1, 10))
	loop := b.NewLabel("loop")
	b.Bind(loop)
	b.Emit(encDPReg(AL, dpADD, false, R0, R0, R1, LSL, 0))
	b.Emit(encDPImm(AL, dpSUB, true, R1, R1, 1))
	b.Branch(NE, loop)
	b.Emit(encBX(AL, LR))

	m, err := runBuilder(t, c, b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.R[R0] != 55 {
		t.Errorf("r0 = %d, want 55", m.R[R0])
	}
	if m.Steps() != 2+3*10+1 {
		t.Errorf("executed %d instructions, want %d", m.Steps(), 2+3*10+1)
	}
}

func TestMachineHelperCall(t *testing.T) {
	c := newTestContext(t)
	var got []Value
	addr := c.RegisterHelper("mix", []ArgKind{ArgInt, ArgFloat, ArgInt}, ArgInt, func(args []Value) (Value, error) {
		got = args
		return IntValue(args[0].Int32() + int32(args[1].Float) + args[2].Int32()), nil
	})

	b := NewCodeBuilder("caller")
	b.Emit(encPUSH(AL, []CoreReg{R4, LR}))
	b.Emit(encMOVW(AL, R4, 1000))
	b.Emit(encMOVW(AL, R0, 1))
	b.Emit(encMOVW(AL, R1, 2))
	// d0 = 2.5 from r2:r3
	emitMov32(b, R2, 0)
	emitMov32(b, R3, 0x40040000)
	b.Emit(encVMOVFromCore(AL, D0, R2, R3))
	emitMov32(b, IP, addr)
	b.Emit(encBLX(AL, IP))
	b.Emit(encDPReg(AL, dpADD, false, R0, R0, R4, LSL, 0))
	b.Emit(encPOP(AL, []CoreReg{R4, PC}))

	m, err := runBuilder(t, c, b)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 3 || got[0].Int32() != 1 || got[1].Float != 2.5 || got[2].Int32() != 2 {
		t.Errorf("helper saw %v", got)
	}
	if m.R[R0] != 1005 {
		t.Errorf("r0 = %d, want 1005", m.R[R0])
	}
	if m.R[R1] != scrambleWord|uint32(R1) {
		t.Errorf("r1 = 0x%x, expected the call to scramble it", m.R[R1])
	}
}

func TestMachineFaults(t *testing.T) {
	c := newTestContext(t)

	b := NewCodeBuilder("nullread")
	b.Emit(encMOVW(AL, R0, 0))
	b.Emit(encLdrStrImm(AL, true, false, R0, R0, 8))
	b.Emit(encBX(AL, LR))
	_, err := runBuilder(t, c, b)
	if !IsFault(err) {
		t.Errorf("load from the guard page: got %v, want a machine fault", err)
	}

	b = NewCodeBuilder("selfmodify")
	emitMov32(b, R0, CodeBase)
	b.Emit(encLdrStrImm(AL, false, false, R0, R0, 0))
	b.Emit(encBX(AL, LR))
	_, err = runBuilder(t, c, b)
	if !IsFault(err) {
		t.Errorf("store into code: got %v, want a machine fault", err)
	}

	b = NewCodeBuilder("bkpt")
	b.Emit(encBKPT(7))
	_, err = runBuilder(t, c, b)
	var f *MachineFault
	if !errors.As(err, &f) || f.Reason != "breakpoint" {
		t.Errorf("bkpt: got %v", err)
	}
}

func TestMachineStepLimit(t *testing.T) {
	c := newTestContext(t)
	c.machine.StepLimit = 100
	b := NewCodeBuilder("spin")
	spin := b.NewLabel("spin")
	b.Bind(spin)
	b.Branch(AL, spin)
	_, err := runBuilder(t, c, b)
	if !errors.Is(err, ErrStepLimit) {
		t.Errorf("got %v, want ErrStepLimit", err)
	}
}

func TestMachineVFPArithmetic(t *testing.T) {
	c := newTestContext(t)
	b := NewCodeBuilder("vfp")
	b.Emit(encVADD(AL, D2, D0, D1))
	b.Emit(encVMUL(AL, D2, D2, D1))
	b.Emit(encVCMP(AL, D2, D0))
	b.Emit(encVMRS(AL))
	b.Emit(encMOVW(AL, R0, 0))
	b.Emit(encMOVW(GT, R0, 1))
	b.Emit(encBX(AL, LR))

	block, err := b.Finalize(c.code)
	if err != nil {
		t.Fatal(err)
	}
	m := c.machine
	m.R = [16]uint32{}
	m.R[SP] = c.mem.Layout().StackTop
	m.R[LR] = HostReturn
	m.SetFloat(D0, 1.5)
	m.SetFloat(D1, 4)
	if err := m.Run(block.Addr); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := m.Float(D2); got != 22 {
		t.Errorf("d2 = %g, want 22", got)
	}
	if m.R[R0] != 1 {
		t.Errorf("r0 = %d, want 1 (22 > 1.5)", m.R[R0])
	}
}

func TestCodeBuilderLifecycle(t *testing.T) {
	c := newTestContext(t)
	b := NewCodeBuilder("unit")
	fwd := b.NewLabel("fwd")
	b.Branch(AL, fwd)
	b.Emit(encNOP(AL))
	b.Bind(fwd)
	b.Emit(encBX(AL, LR))
	block, err := b.Finalize(c.code)
	if err != nil {
		t.Fatal(err)
	}
	if w := c.mem.Load32(block.Addr); w != encB(AL, 8) {
		t.Errorf("forward branch resolved to 0x%08x", w)
	}
	expectAssertion(t, "emit after finalize", func() { b.Emit(encNOP(AL)) })

	pv, err := block.Patch()
	if err != nil {
		t.Fatal(err)
	}
	pv.Branch(block.Addr+4, AL, block.Addr+8)
	expectAssertion(t, "patch outside the block", func() { pv.Write(block.Addr+block.Size, 0) })
	if err := pv.Close(); err != nil {
		t.Fatal(err)
	}
	expectAssertion(t, "write after close", func() { pv.Write(block.Addr, 0) })
	if err := c.mem.Access(func() { c.mem.Store32(block.Addr, 0) }); !IsFault(err) {
		t.Errorf("code should be write protected again, got %v", err)
	}

	unbound := NewCodeBuilder("dangling")
	unbound.Branch(AL, unbound.NewLabel("nowhere"))
	expectAssertion(t, "unbound label", func() { unbound.Finalize(c.code) })
}
