// Completion: 100% - Trace representation complete
package tracejit

import (
	"fmt"
	"strings"
)

// Op is one trace operation
type Op struct {
	Opcode   Opcode
	Args     []Box
	Result   *Var  // nil for void operations
	Descr    Descr // call/field/array layout, FailDescr for guards, TargetToken for label/jump
	FailArgs []Box // live values a guard hands to its recovery path
}

// NewOp builds an operation, creating its result Var when the opcode has one
func NewOp(opcode Opcode, args []Box, descr Descr) *Op {
	op := &Op{Opcode: opcode, Args: args, Descr: descr}
	if k := opcode.ResultKind(); k != KindVoid {
		op.Result = NewVar(k, "")
	}
	return op
}

// Arg returns the i-th argument
func (op *Op) Arg(i int) Box { return op.Args[i] }

// FailDescr returns the guard's failure descriptor
func (op *Op) FailDescr() *FailDescr {
	fd, _ := op.Descr.(*FailDescr)
	return fd
}

func (op *Op) String() string {
	var sb strings.Builder
	if op.Result != nil {
		sb.WriteString(op.Result.String())
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Opcode.String())
	sb.WriteString("(")
	for i, a := range op.Args {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	if op.Descr != nil {
		if len(op.Args) > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("descr=")
		sb.WriteString(op.Descr.String())
	}
	sb.WriteString(")")
	if op.Opcode.IsGuard() {
		sb.WriteString(" [")
		for i, a := range op.FailArgs {
			if i > 0 {
				sb.WriteString(", ")
			}
			if a == nil {
				sb.WriteString("None")
			} else {
				sb.WriteString(a.String())
			}
		}
		sb.WriteString("]")
	}
	return sb.String()
}

// Trace is a linear compilation unit: input arguments plus operations
type Trace struct {
	Name      string
	InputArgs []*Var
	Ops       []*Op
}

// String renders the trace in the textual trace format
func (t *Trace) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, a := range t.InputArgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	sb.WriteString("]\n")
	for _, op := range t.Ops {
		sb.WriteString(op.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

// nameVars gives every unnamed Var a stable kind-prefixed name
func (t *Trace) nameVars() {
	n := 0
	name := func(v *Var) {
		if v != nil && v.Name == "" {
			v.Name = fmt.Sprintf("%s%d", v.kind.Prefix(), n)
		}
		n++
	}
	for _, a := range t.InputArgs {
		name(a)
	}
	for _, op := range t.Ops {
		if op.Result != nil {
			name(op.Result)
		}
	}
}

// validate checks structural properties the backend relies on
func (t *Trace) validate() error {
	defined := make(map[*Var]bool)
	for _, a := range t.InputArgs {
		defined[a] = true
	}
	check := func(i int, b Box) error {
		if v, ok := isVar(b); ok && !defined[v] {
			return newError(CategoryCodegen, nil, "op %d uses %s before its definition", i, v)
		}
		return nil
	}
	for i, op := range t.Ops {
		info := opcodeInfo[op.Opcode]
		if info.arity >= 0 && len(op.Args) != info.arity {
			return newError(CategoryCodegen, nil, "op %d (%s) expects %d args, got %d",
				i, op.Opcode, info.arity, len(op.Args))
		}
		for _, a := range op.Args {
			if err := check(i, a); err != nil {
				return err
			}
		}
		for _, a := range op.FailArgs {
			if a == nil {
				continue
			}
			if err := check(i, a); err != nil {
				return err
			}
		}
		if op.Opcode.IsGuard() && op.FailDescr() == nil {
			return newError(CategoryCodegen, nil, "guard at op %d has no FailDescr", i)
		}
		if (op.Opcode == OpGuardNoOverflow || op.Opcode == OpGuardOverflow) &&
			(i == 0 || opcodeInfo[t.Ops[i-1].Opcode].class != classOverflow) {
			return newError(CategoryCodegen, nil, "%s at op %d does not directly follow an overflow operation",
				op.Opcode, i)
		}
		if op.Result != nil {
			if defined[op.Result] {
				return newError(CategoryCodegen, nil, "op %d redefines %s", i, op.Result)
			}
			defined[op.Result] = true
		}
	}
	if len(t.Ops) == 0 {
		return newError(CategoryCodegen, nil, "empty trace")
	}
	last := t.Ops[len(t.Ops)-1].Opcode
	if last != OpJump && last != OpFinish {
		return newError(CategoryCodegen, nil, "trace must end in jump or finish, got %s", last)
	}
	return nil
}
