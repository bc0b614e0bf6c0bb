// Completion: 100% - Blackhole interpreter complete
package tracejit

import (
	"errors"
	"fmt"
)

// maxBlackholeDepth bounds nested inline and recursive calls
const maxBlackholeDepth = 1000

// GuestException is an exception of the interpreted program: a class
// (vtable address) and an instance
type GuestException struct {
	Class uint32
	Value uint32
}

func (e *GuestException) Error() string {
	return fmt.Sprintf("exception 0x%x (class 0x%x)", e.Value, e.Class)
}

func (e *GuestException) Unwrap() error { return ErrPendingException }

// BlackholeInterp runs one JitCode frame. Frames of inlined callers are
// linked through parent, outermost last.
type BlackholeInterp struct {
	ctx    *JitContext
	code   *JitCode
	pos    int
	regsI  []int32
	regsR  []uint32
	regsF  []float64
	parent *BlackholeInterp
	depth  int

	lastExc *GuestException
	result  Value
}

func (c *JitContext) newBlackhole(code *JitCode, parent *BlackholeInterp) (*BlackholeInterp, error) {
	bh := &BlackholeInterp{
		ctx:    c,
		code:   code,
		regsI:  make([]int32, code.NumI),
		regsR:  make([]uint32, code.NumR),
		regsF:  make([]float64, code.NumF),
		parent: parent,
	}
	if parent != nil {
		bh.depth = parent.depth + 1
	}
	if bh.depth > maxBlackholeDepth {
		return nil, newError(CategoryRuntime, ErrStackOverflow, "blackhole calls nested deeper than %d", maxBlackholeDepth)
	}
	return bh, nil
}

// setArgs distributes values over the register banks in order
func (bh *BlackholeInterp) setArgs(args []Value) error {
	var ni, nr, nf int
	for _, v := range args {
		switch v.Kind {
		case ArgInt:
			if ni >= len(bh.regsI) {
				return fmt.Errorf("%s: too many int arguments", bh.code)
			}
			bh.regsI[ni] = v.Int32()
			ni++
		case ArgRef:
			if nr >= len(bh.regsR) {
				return fmt.Errorf("%s: too many ref arguments", bh.code)
			}
			bh.regsR[nr] = v.Ref()
			nr++
		case ArgFloat:
			if nf >= len(bh.regsF) {
				return fmt.Errorf("%s: too many float arguments", bh.code)
			}
			bh.regsF[nf] = v.Float
			nf++
		default:
			return fmt.Errorf("%s: cannot pass a %c argument", bh.code, byte(v.Kind))
		}
	}
	return nil
}

// RunJitCode interprets code from its start with the given arguments
func (c *JitContext) RunJitCode(code *JitCode, args ...Value) (Value, error) {
	bh, err := c.newBlackhole(code, nil)
	if err != nil {
		return Value{}, err
	}
	if err := bh.setArgs(args); err != nil {
		return Value{}, newError(CategoryRuntime, err, "entering the blackhole")
	}
	return bh.run()
}

// run interprets until the frame returns. Exceptions not caught in this
// frame are returned as *GuestException.
func (bh *BlackholeInterp) run() (Value, error) {
	for {
		start := bh.pos
		done, err := bh.step()
		if done {
			return bh.result, nil
		}
		if err == nil {
			continue
		}
		var exc *GuestException
		if !errors.As(err, &exc) {
			return Value{}, err
		}
		// a raising call never wrote its result byte
		bh.pos = start + bh.code.insnLength(start)
		if !bh.handleException(exc) {
			return Value{}, exc
		}
	}
}

// handleException looks at the instruction after the one that raised. A
// catch_exception there catches; an rvmprof_code there is the leave side
// of instrumented code, which must fire before the exception moves on to
// the caller.
func (bh *BlackholeInterp) handleException(exc *GuestException) bool {
	code := bh.code.Code
	if bh.pos >= len(code) {
		return false
	}
	switch bhOpcode(code[bh.pos]) {
	case bhCatchException:
		bh.lastExc = exc
		bh.pos = bh.code.u16(bh.pos + 1)
		blackholeLog.Debugf("%s caught %s, continuing at %d", bh.code, exc, bh.pos)
		return true
	case bhRvmprofCode:
		leaving := bh.peekInt(code[bh.pos+1])
		id := bh.peekInt(code[bh.pos+2])
		assertf(leaving == 1, "rvmprof_code after a raising call must be the leave side")
		if h := bh.ctx.Hooks.OnLeaveCode; h != nil {
			h(id)
		}
	}
	return false
}

func (bh *BlackholeInterp) peekInt(idx byte) int32 {
	if int(idx) < len(bh.regsI) {
		return bh.regsI[idx]
	}
	return bh.code.ConstI[int(idx)-len(bh.regsI)]
}

// callee runs a nested frame synchronously and returns its result
func (bh *BlackholeInterp) callee(code *JitCode, args []Value) (Value, error) {
	sub, err := bh.ctx.newBlackhole(code, bh)
	if err != nil {
		return Value{}, err
	}
	if err := sub.setArgs(args); err != nil {
		return Value{}, err
	}
	return sub.run()
}

// portal returns the outermost JitCode of the frame chain
func (bh *BlackholeInterp) portal() *JitCode {
	f := bh
	for f.parent != nil {
		f = f.parent
	}
	return f.code
}

// receiveResult stores the result of the call instruction at bh.pos into
// its destination register and moves past it
func (bh *BlackholeInterp) receiveResult(v Value) error {
	op := bhOpcode(bh.code.Code[bh.pos])
	info := bhOpcodeInfo[op]
	switch op {
	case bhInlineCallI, bhInlineCallR, bhInlineCallF, bhInlineCallV,
		bhRecursiveCallI, bhRecursiveCallR, bhRecursiveCallF, bhRecursiveCallV,
		bhResidualCallI, bhResidualCallR, bhResidualCallF, bhResidualCallV:
	default:
		return fmt.Errorf("%s+%d: resuming after %s, which is not a call", bh.code, bh.pos, op)
	}
	next := bh.pos + bh.code.insnLength(bh.pos)
	if info.result != 0 {
		dst := bh.code.Code[next-1]
		switch info.result {
		case 'i':
			bh.regsI[dst] = v.Int32()
		case 'r':
			bh.regsR[dst] = v.Ref()
		case 'f':
			bh.regsF[dst] = v.Float
		}
	}
	bh.pos = next
	return nil
}

// runChain runs the innermost frame, then every caller in turn with the
// result of its callee. A pending exception starts at the innermost frame.
func runChain(inner *BlackholeInterp, exc *GuestException) (Value, error) {
	f := inner
	var res Value
	var err error
	switch {
	case exc == nil:
		res, err = f.run()
	case f.handleException(exc):
		res, err = f.run()
	default:
		err = exc
	}
	for f.parent != nil {
		f = f.parent
		var e *GuestException
		switch {
		case errors.As(err, &e):
			f.pos += f.code.insnLength(f.pos)
			if !f.handleException(e) {
				continue
			}
		case err != nil:
			return Value{}, err
		default:
			if err = f.receiveResult(res); err != nil {
				return Value{}, err
			}
		}
		res, err = f.run()
	}
	return res, err
}
