// Completion: 100% - Register tracking complete
package tracejit

import (
	"fmt"
	"strings"
)

// regInterval is one binding of a Var to a register. Seq numbers order
// bind and unbind events within the same op.
type regInterval struct {
	Var     *Var
	Reg     Location
	FromOp  int
	ToOp    int // -1 while still bound
	fromSeq int
	toSeq   int
}

// assignmentLog records every register binding made while allocating a
// unit. Tests replay it to prove that no register ever holds two live
// values at once.
type assignmentLog struct {
	seq       int
	intervals []*regInterval
	open      map[*Var]*regInterval
	maxCore   int
	maxVFP    int
	liveCore  int
	liveVFP   int
}

func newAssignmentLog() *assignmentLog {
	return &assignmentLog{open: make(map[*Var]*regInterval)}
}

func (l *assignmentLog) bind(v *Var, r Location, pos int) {
	l.seq++
	iv := &regInterval{Var: v, Reg: r, FromOp: pos, ToOp: -1, fromSeq: l.seq, toSeq: -1}
	l.intervals = append(l.intervals, iv)
	l.open[v] = iv
	if isVFPReg(r) {
		l.liveVFP++
		l.maxVFP = max(l.maxVFP, l.liveVFP)
	} else {
		l.liveCore++
		l.maxCore = max(l.maxCore, l.liveCore)
	}
}

func (l *assignmentLog) unbind(v *Var, r Location, pos int) {
	l.seq++
	iv := l.open[v]
	if iv == nil {
		return
	}
	iv.ToOp = pos
	iv.toSeq = l.seq
	delete(l.open, v)
	if isVFPReg(r) {
		l.liveVFP--
	} else {
		l.liveCore--
	}
}

// conflicts returns every pair of intervals that hold the same register
// at the same time
func (l *assignmentLog) conflicts() []string {
	var out []string
	byReg := make(map[Location][]*regInterval)
	for _, iv := range l.intervals {
		byReg[iv.Reg] = append(byReg[iv.Reg], iv)
	}
	end := func(iv *regInterval) int {
		if iv.toSeq < 0 {
			return l.seq + 1
		}
		return iv.toSeq
	}
	for r, ivs := range byReg {
		for i := 0; i < len(ivs); i++ {
			for j := i + 1; j < len(ivs); j++ {
				a, b := ivs[i], ivs[j]
				if a.fromSeq < end(b) && b.fromSeq < end(a) {
					out = append(out, fmt.Sprintf("%s holds %s and %s", r, a.Var, b.Var))
				}
			}
		}
	}
	return out
}

// Usage reports the peak number of simultaneously bound registers
func (l *assignmentLog) Usage() (core, vfp int) {
	return l.maxCore, l.maxVFP
}

func (l *assignmentLog) String() string {
	var sb strings.Builder
	for _, iv := range l.intervals {
		to := "live"
		if iv.ToOp >= 0 {
			to = fmt.Sprint(iv.ToOp)
		}
		fmt.Fprintf(&sb, "%-6s %-6s [%d, %s]\n", iv.Reg, iv.Var, iv.FromOp, to)
	}
	return sb.String()
}
