// Completion: 100% - Liveness analysis complete
package tracejit

import "math"

// lifetime is the live range of one Var in operation indices. Input
// arguments are defined at -1.
type lifetime struct {
	def     int
	lastUse int
	uses    []int // ascending, may repeat
}

// nextUse returns the first use strictly after pos, or math.MaxInt
func (lt *lifetime) nextUse(pos int) int {
	for _, u := range lt.uses {
		if u > pos {
			return u
		}
	}
	return math.MaxInt
}

// longevity maps every Var of a unit to its lifetime
type longevity map[*Var]*lifetime

func computeLongevity(inputs []*Var, ops []*Op) longevity {
	lt := make(longevity)
	for _, a := range inputs {
		lt[a] = &lifetime{def: -1, lastUse: -1}
	}
	use := func(b Box, pos int) {
		v, ok := isVar(b)
		if !ok {
			return
		}
		l := lt[v]
		assertf(l != nil, "%s used before definition", v)
		l.uses = append(l.uses, pos)
		l.lastUse = max(l.lastUse, pos)
	}
	for i, op := range ops {
		for _, a := range op.Args {
			use(a, i)
		}
		for _, a := range op.FailArgs {
			if a != nil {
				use(a, i)
			}
		}
		if op.Result != nil {
			lt[op.Result] = &lifetime{def: i, lastUse: i}
		}
	}
	return lt
}

// aliveAfter reports whether v is still needed after operation pos
func (l longevity) aliveAfter(v *Var, pos int) bool {
	lt := l[v]
	return lt != nil && lt.lastUse > pos
}

// onlyUsedByNextGuard reports whether the result of ops[i] is consumed
// solely as the condition of an immediately following guard_true/false,
// which lets the comparison leave its result in the condition flags
func onlyUsedByNextGuard(lt longevity, ops []*Op, i int) bool {
	op := ops[i]
	if op.Result == nil || i+1 >= len(ops) {
		return false
	}
	next := ops[i+1]
	if next.Opcode != OpGuardTrue && next.Opcode != OpGuardFalse {
		return false
	}
	if next.Args[0] != Box(op.Result) {
		return false
	}
	for _, fa := range next.FailArgs {
		if fa == Box(op.Result) {
			return false
		}
	}
	l := lt[op.Result]
	return l.lastUse == i+1 && len(l.uses) == 1
}
