// Completion: 100% - Guard resume complete
package tracejit

import "fmt"

// ResumeFrame describes one interpreter frame to rebuild after a guard
// fails. The registers are boxes of the trace: constants, or Vars that
// are fail arguments of the guard. A nil box leaves the register zero.
//
// PC of the innermost frame is the next instruction to execute. PC of
// every other frame is the call instruction waiting for its callee.
type ResumeFrame struct {
	JitCode *JitCode
	PC      int
	Ints    []Box
	Refs    []Box
	Floats  []Box
}

// Snapshot is the interpreter state at a guard, outermost frame first
type Snapshot struct {
	Frames []ResumeFrame
}

// Resume rebuilds the interpreter frames of a failed guard from the dead
// frame and runs them to completion in the blackhole interpreter. An
// exception saved by the guard is raised in the innermost frame.
func (c *JitContext) Resume(df *DeadFrame) (Value, error) {
	fd := df.FailDescr()
	if fd == nil {
		return Value{}, newError(CategoryRuntime, nil, "%s did not leave through a guard", df)
	}
	if fd.Snapshot == nil || len(fd.Snapshot.Frames) == 0 {
		return Value{}, newError(CategoryRuntime, nil, "%s has no resume snapshot", fd)
	}
	var inner *BlackholeInterp
	for i := range fd.Snapshot.Frames {
		rf := &fd.Snapshot.Frames[i]
		bh, err := c.newBlackhole(rf.JitCode, inner)
		if err != nil {
			return Value{}, err
		}
		if err := bh.restore(df, rf); err != nil {
			return Value{}, newError(CategoryRuntime, err, "resuming %s frame %d", fd, i)
		}
		inner = bh
	}
	var exc *GuestException
	if fd.saveExc {
		if cls, val := df.Exception(); val != 0 {
			exc = &GuestException{Class: cls, Value: val}
		}
	}
	blackholeLog.Debugf("resuming %s in %d frames at %s+%d", fd, len(fd.Snapshot.Frames), inner.code, inner.pos)
	return runChain(inner, exc)
}

// restore loads the registers and position of a frame
func (bh *BlackholeInterp) restore(df *DeadFrame, rf *ResumeFrame) error {
	if rf.PC < 0 || rf.PC >= len(bh.code.Code) {
		return fmt.Errorf("pc %d outside %s", rf.PC, bh.code)
	}
	if len(rf.Ints) > len(bh.regsI) || len(rf.Refs) > len(bh.regsR) || len(rf.Floats) > len(bh.regsF) {
		return fmt.Errorf("snapshot has more registers than %s", bh.code)
	}
	bh.pos = rf.PC
	for i, b := range rf.Ints {
		if b == nil {
			continue
		}
		v, err := df.boxValue(b)
		if err != nil {
			return err
		}
		bh.regsI[i] = v.Int32()
	}
	for i, b := range rf.Refs {
		if b == nil {
			continue
		}
		v, err := df.boxValue(b)
		if err != nil {
			return err
		}
		bh.regsR[i] = v.Ref()
	}
	for i, b := range rf.Floats {
		if b == nil {
			continue
		}
		v, err := df.boxValue(b)
		if err != nil {
			return err
		}
		bh.regsF[i] = v.Float
	}
	return nil
}
