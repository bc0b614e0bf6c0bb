package tracejit

import (
	"errors"
	"testing"
)

const resumeCode = `.jitcode main
loop:
    goto_if_not_int_lt %i0, $20, done
    int_add %i0, $1 -> %i0
    goto loop
done:
    int_mul %i0, $2 -> %i1
    int_return %i1
`

const resumingLoop = `
[i0]
label(i0, descr=loop)
i1 = int_add(i0, 1)
i2 = int_lt(i1, 20)
guard_true(i2, descr=exit) [i1] resume(<main>, done, I[i1])
jump(i1, descr=loop)
`

func TestResumeFromSnapshot(t *testing.T) {
	c := newTestContext(t)
	ns := c.Namespace()
	assemble(t, c, ns, resumeCode)
	tok := compileTrace(t, c, ns, resumingLoop)

	df, err := c.Execute(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Resume(df)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Int32() != 40 {
		t.Errorf("resumed result = %s, want 40", res)
	}
}

func TestResumeWithoutSnapshot(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	df, err := c.Execute(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Resume(df); err == nil {
		t.Error("resuming a guard without a snapshot should fail")
	}
}

func TestResumeNestedFrames(t *testing.T) {
	c := newTestContext(t)
	ns := c.Namespace()
	assemble(t, c, ns, `.jitcode inner
    int_add %i0, $1 -> %i0
ret:
    int_return %i0

.jitcode outer
    inline_call_irf_i <inner>, I[%i0], R[], F[] -> %i1
    int_mul %i1, $100 -> %i1
    int_add %i1, %i2 -> %i1
    int_return %i1
`)
	// the outer frame waits at its call, the inner one resumes at its return
	tok := compileTrace(t, c, ns, `
[i0, i1]
label(i0, i1, descr=loop)
i2 = int_lt(i0, 5)
guard_true(i2, descr=g) [i0, i1] resume(<outer>, 0, I[i1, 0, 7]) resume(<inner>, ret, I[i0])
i3 = int_add(i0, 1)
jump(i3, i1, descr=loop)
`)
	df, err := c.Execute(tok, IntValue(0), IntValue(3))
	if err != nil {
		t.Fatal(err)
	}
	if got := df.Int(0); got != 5 {
		t.Fatalf("i0 = %d, want 5", got)
	}
	res, err := c.Resume(df)
	if err != nil {
		t.Fatal(err)
	}
	if res.Int32() != 5*100+7 {
		t.Errorf("result = %s, want 507", res)
	}
}

func TestDriverResumes(t *testing.T) {
	c := newTestContext(t)
	ns := c.Namespace()
	assemble(t, c, ns, resumeCode)
	tok := compileTrace(t, c, ns, resumingLoop)

	out, err := NewDriver(c, nil).Run(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Resumed || out.Guard == nil || out.Guard.Name != "exit" {
		t.Fatalf("outcome %s, want a resumed exit", out)
	}
	if out.Result.Int32() != 40 {
		t.Errorf("result = %s, want 40", out.Result)
	}
}

func TestDriverCompilesBridge(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	var calls int
	rec := RecorderFunc(func(fd *FailDescr, df *DeadFrame) (*Trace, error) {
		calls++
		return ParseTrace("[i5]\ni6 = int_mul(i5, 2)\nfinish(i6)\n", c.Namespace())
	})
	d := NewDriver(c, rec)

	out, err := d.Run(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	if out.Bridged || calls != 0 {
		t.Fatalf("first failure should not ask for a bridge")
	}
	out, err = d.Run(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Bridged || calls != 1 {
		t.Fatalf("second failure should compile a bridge, outcome %s, %d calls", out, calls)
	}
	out, err = d.Run(tok, IntValue(0))
	if err != nil {
		t.Fatal(err)
	}
	if out.Guard != nil {
		t.Fatalf("outcome %s, want the bridge to finish", out)
	}
	if out.Result.Int32() != 40 {
		t.Errorf("result = %s, want 40", out.Result)
	}
}

func TestDriverGivesUp(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, countingLoop)
	var calls int
	d := NewDriver(c, RecorderFunc(func(*FailDescr, *DeadFrame) (*Trace, error) {
		calls++
		return nil, ErrCompilationAborted
	}))
	for range 5 {
		out, err := d.Run(tok, IntValue(0))
		if err != nil {
			t.Fatal(err)
		}
		if out.Bridged {
			t.Fatal("no bridge should be compiled")
		}
	}
	if calls != 3 {
		t.Errorf("recorder called %d times, want 3", calls)
	}
	if !tok.Guards()[0].GaveUp() {
		t.Error("guard should have given up")
	}
}

func TestDriverPropagatesException(t *testing.T) {
	c := newTestContext(t)
	tok := compileTrace(t, c, nil, mallocTrace)
	c.mem.Store32(c.gc.Desc.NurseryTop, c.gc.NurseryFree())
	c.gc.FailNextMalloc = true

	_, err := NewDriver(c, nil).Run(tok)
	var exc *GuestException
	if !errors.As(err, &exc) {
		t.Fatalf("got %v, want a *GuestException", err)
	}
	if !errors.Is(err, ErrPendingException) {
		t.Error("should match ErrPendingException")
	}
}
