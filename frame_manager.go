// Completion: 100% - Frame slot management complete
package tracejit

// frameManager hands out JitFrame spill slots. A Var keeps its slot until
// it dies, so a value spilled once is never stored again.
type frameManager struct {
	bindings map[*Var]StackSlot
	used     []bool
	depth    int // highest slot index used plus one
}

func newFrameManager() *frameManager {
	return &frameManager{bindings: make(map[*Var]StackSlot)}
}

func (fm *frameManager) loc(v *Var) (StackSlot, bool) {
	s, ok := fm.bindings[v]
	return s, ok
}

func (fm *frameManager) isFree(i, width int) bool {
	for j := i; j < i+width; j++ {
		if j < len(fm.used) && fm.used[j] {
			return false
		}
	}
	return true
}

func (fm *frameManager) mark(i, width int, used bool) {
	for len(fm.used) < i+width {
		fm.used = append(fm.used, false)
	}
	for j := i; j < i+width; j++ {
		fm.used[j] = used
	}
	if used {
		fm.depth = max(fm.depth, i+width)
	}
}

// getNewLoc allocates the lowest free slot run for v
func (fm *frameManager) getNewLoc(v *Var) StackSlot {
	assertf(v.Kind() != KindVoid, "void value %s cannot be spilled", v)
	if s, ok := fm.bindings[v]; ok {
		return s
	}
	width := v.Kind().Words()
	i := 0
	for !fm.isFree(i, width) {
		i++
	}
	s := StackSlot{Index: i, Kind: v.Kind()}
	fm.mark(i, width, true)
	fm.bindings[v] = s
	return s
}

// bind attaches v to a specific slot, as for loop and bridge inputs
func (fm *frameManager) bind(v *Var, s StackSlot) {
	assertf(fm.isFree(s.Index, s.Width()), "slot %d already in use", s.Index)
	fm.mark(s.Index, s.Width(), true)
	fm.bindings[v] = s
}

// free releases the slot of a dead Var
func (fm *frameManager) free(v *Var) {
	s, ok := fm.bindings[v]
	if !ok {
		return
	}
	fm.mark(s.Index, s.Width(), false)
	delete(fm.bindings, v)
}
