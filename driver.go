// Completion: 100% - Loop driver complete
package tracejit

import "fmt"

// Recorder produces the trace of a bridge for a guard that keeps failing.
// Returning ErrCompilationAborted (or any other error) counts as a failed
// attempt.
type Recorder interface {
	RecordBridge(fd *FailDescr, df *DeadFrame) (*Trace, error)
}

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(fd *FailDescr, df *DeadFrame) (*Trace, error)

func (f RecorderFunc) RecordBridge(fd *FailDescr, df *DeadFrame) (*Trace, error) { return f(fd, df) }

// Driver runs compiled loops to completion. Guards that fail often enough
// get a bridge from the Recorder. The failure at hand is always finished
// in the blackhole interpreter when the guard has a snapshot.
type Driver struct {
	ctx      *JitContext
	Recorder Recorder

	threshold  int
	maxRetries int
}

// Outcome is how a run ended
type Outcome struct {
	// Result is the value of the finish, or of the resumed interpreter
	Result Value
	// Frame is the frame compiled code left
	Frame *DeadFrame
	// Guard is the guard the run left through, nil after a finish
	Guard *FailDescr
	// Resumed reports whether the blackhole interpreter produced Result
	Resumed bool
	// Bridged reports whether a bridge was compiled for Guard
	Bridged bool
}

func (o *Outcome) String() string {
	switch {
	case o.Guard == nil:
		return fmt.Sprintf("finished: %s", o.Result)
	case o.Resumed:
		return fmt.Sprintf("left through %s, resumed: %s", o.Guard, o.Result)
	}
	return fmt.Sprintf("left through %s", o.Guard)
}

// NewDriver creates a driver using the context's bridge policy
func NewDriver(c *JitContext, rec Recorder) *Driver {
	return &Driver{
		ctx:        c,
		Recorder:   rec,
		threshold:  c.config.BridgeThreshold,
		maxRetries: c.config.MaxBridgeRetries,
	}
}

// Run executes the loop once. A guard failure without a snapshot ends
// the run with the dead frame in the outcome. An exception escaping the
// compiled code or the interpreter is returned as *GuestException.
func (d *Driver) Run(tok *CompiledLoopToken, args ...Value) (*Outcome, error) {
	df, err := d.ctx.Execute(tok, args...)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Frame: df}
	if df.Propagated() {
		cls, val := df.Exception()
		return out, &GuestException{Class: cls, Value: val}
	}
	fd := df.FailDescr()
	if fd == nil {
		out.Result = df.Result()
		return out, nil
	}
	out.Guard = fd
	out.Bridged = d.maybeBridge(fd, df)
	if fd.Snapshot == nil {
		return out, nil
	}
	res, err := d.ctx.Resume(df)
	if err != nil {
		return out, err
	}
	out.Result = res
	out.Resumed = true
	return out, nil
}

// maybeBridge asks for and compiles a bridge once the guard failed often
// enough. After maxRetries failed attempts the guard gives up for good.
func (d *Driver) maybeBridge(fd *FailDescr, df *DeadFrame) bool {
	if d.Recorder == nil || fd.giveUp || fd.HasBridge() || fd.Failures < d.threshold {
		return false
	}
	trace, err := d.Recorder.RecordBridge(fd, df)
	if err == nil {
		err = d.ctx.CompileBridge(fd, trace)
	}
	if err == nil {
		return true
	}
	fd.retries++
	runtimeLog.Warningf("bridge for %s failed (attempt %d of %d): %s", fd, fd.retries, d.maxRetries, err)
	if fd.retries >= d.maxRetries {
		fd.giveUp = true
		runtimeLog.Noticef("giving up on a bridge for %s", fd)
	}
	return false
}
