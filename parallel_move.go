// Completion: 100% - Parallel move scheduling complete
package tracejit

// Parallel move scheduling
//
// A jump, a call or a bridge entry needs a set of values moved into new
// locations "all at once": every destination must receive the value its
// source held before any move ran. ScheduleMoves orders the moves so no
// source is overwritten while it is still pending, and breaks cycles by
// parking one value in a scratch location (or on the machine stack when no
// scratch of the right class is available).

// MoveStepKind distinguishes the steps a schedule is made of
type MoveStepKind uint8

const (
	StepMove MoveStepKind = iota
	StepPush
	StepPop
)

// MoveStep is one step of a schedule. Push uses Src, Pop uses Dst.
type MoveStep struct {
	Kind MoveStepKind
	Src  Location
	Dst  Location
}

func (s MoveStep) String() string {
	switch s.Kind {
	case StepPush:
		return "push " + s.Src.String()
	case StepPop:
		return "pop " + s.Dst.String()
	}
	return "mov " + s.Dst.String() + ", " + s.Src.String()
}

// pushedValue stands for a value parked on the machine stack
type pushedValue struct{}

func (pushedValue) isLocation()    {}
func (pushedValue) String() string { return "<pushed>" }

// overlaps reports whether writing a may destroy the value read from b
func overlaps(a, b Location) bool {
	switch x := a.(type) {
	case StackSlot:
		y, ok := b.(StackSlot)
		return ok && x.Index < y.Index+y.Width() && y.Index < x.Index+x.Width()
	case RawStackSlot:
		y, ok := b.(RawStackSlot)
		return ok && x.Offset < y.Offset+4*y.Kind.Words() && y.Offset < x.Offset+4*x.Kind.Words()
	case VFPReg:
		switch y := b.(type) {
		case VFPReg:
			return x == y
		case SVFPReg:
			return y.Double() == x
		}
		return false
	case SVFPReg:
		switch y := b.(type) {
		case SVFPReg:
			return x == y
		case VFPReg:
			return x.Double() == y
		}
		return false
	case Imm, ImmFloat, pushedValue:
		return false
	}
	return a == b
}

// ScheduleMoves returns the steps that copy srcs[i] into dsts[i] for all i
// simultaneously. coreTmp and floatTmp are scratch locations used to break
// cycles; either may be nil, in which case the cycle goes through the stack.
func ScheduleMoves(srcs, dsts []Location, coreTmp, floatTmp Location) []MoveStep {
	assertf(len(srcs) == len(dsts), "move lists differ in length: %d vs %d", len(srcs), len(dsts))
	for i, d := range dsts {
		for j := i + 1; j < len(dsts); j++ {
			assertf(!overlaps(d, dsts[j]), "destination %s appears twice", d)
		}
	}
	pending := make([]Location, len(srcs))
	copy(pending, srcs)
	done := make([]bool, len(srcs))
	remaining := 0
	for i := range pending {
		if pending[i] == dsts[i] {
			done[i] = true
		} else {
			remaining++
		}
	}

	blocked := func(i int) bool {
		for j := range pending {
			if j != i && !done[j] && overlaps(dsts[i], pending[j]) {
				return true
			}
		}
		return false
	}

	var steps []MoveStep
	for remaining > 0 {
		progress := false
		for i := range pending {
			if done[i] || blocked(i) {
				continue
			}
			if _, ok := pending[i].(pushedValue); ok {
				steps = append(steps, MoveStep{Kind: StepPop, Dst: dsts[i]})
			} else {
				steps = append(steps, MoveStep{Kind: StepMove, Src: pending[i], Dst: dsts[i]})
			}
			done[i] = true
			remaining--
			progress = true
		}
		if progress {
			continue
		}
		// only cycles remain: park one source so its writer can proceed
		i := 0
		for done[i] {
			i++
		}
		tmp := coreTmp
		if isFloatLocation(pending[i]) {
			tmp = floatTmp
		}
		if tmp == nil || anyPendingUses(pending, done, tmp) {
			steps = append(steps, MoveStep{Kind: StepPush, Src: pending[i]})
			pending[i] = pushedValue{}
		} else {
			steps = append(steps, MoveStep{Kind: StepMove, Src: pending[i], Dst: tmp})
			pending[i] = tmp
		}
	}
	return steps
}

func anyPendingUses(pending []Location, done []bool, loc Location) bool {
	for j, p := range pending {
		if !done[j] && overlaps(loc, p) {
			return true
		}
	}
	return false
}
