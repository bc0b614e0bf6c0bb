// Completion: 100% - GC rewrite pass complete
package tracejit

// gcRewriter lowers the object-level operations of a trace into the
// primitives the code generator knows: nursery allocation, raw gc loads
// and stores, and conditional write barriers. Barriers are skipped for
// objects allocated or already barriered since the last operation that
// can collect.
type gcRewriter struct {
	ctx  *JitContext
	out  []*Op
	wbOK map[*Var]bool
}

func (c *JitContext) rewriteGC(ops []*Op) ([]*Op, error) {
	r := &gcRewriter{ctx: c, out: make([]*Op, 0, len(ops)), wbOK: make(map[*Var]bool)}
	for i, op := range ops {
		if err := r.rewrite(op); err != nil {
			return nil, newError(CategoryCodegen, err, "rewriting op %d (%s)", i, op.Opcode)
		}
	}
	return r.out, nil
}

func (r *gcRewriter) emit(opc Opcode, args []Box, descr Descr, res *Var) *Op {
	op := &Op{Opcode: opc, Args: args, Descr: descr, Result: res}
	r.out = append(r.out, op)
	return op
}

func ci(v int) ConstInt { return ConstInt{Value: int32(v)} }

// collecting clears the barrier bookkeeping after an operation that can
// move objects out of the nursery
func (r *gcRewriter) collecting() {
	clear(r.wbOK)
}

func (r *gcRewriter) rewrite(op *Op) error {
	switch op.Opcode {
	case OpGetfieldGcI, OpGetfieldGcR, OpGetfieldGcF:
		d, err := fieldDescr(op)
		if err != nil {
			return err
		}
		r.emit(gcLoadFor(op.Opcode), []Box{op.Args[0], ci(d.Offset), ConstInt{Value: d.loadSize()}}, nil, op.Result)
	case OpSetfieldGc:
		d, err := fieldDescr(op)
		if err != nil {
			return err
		}
		obj, val := op.Args[0], op.Args[1]
		r.barrier(obj, val, nil)
		r.emit(OpGcStore, []Box{obj, ci(d.Offset), val, ci(d.Size)}, nil, nil)
	case OpGetarrayitemGcI, OpGetarrayitemGcR, OpGetarrayitemGcF:
		d, err := arrayDescr(op)
		if err != nil {
			return err
		}
		r.emit(gcLoadIndexedFor(op.Opcode), []Box{op.Args[0], op.Args[1], ci(d.ItemSize), ci(d.BaseSize),
			ConstInt{Value: d.loadSize()}}, nil, op.Result)
	case OpSetarrayitemGc:
		d, err := arrayDescr(op)
		if err != nil {
			return err
		}
		arr, idx, val := op.Args[0], op.Args[1], op.Args[2]
		r.barrier(arr, val, idx)
		r.emit(OpGcStoreIndexed, []Box{arr, idx, val, ci(d.ItemSize), ci(d.BaseSize), ci(d.ItemSize)}, nil, nil)
	case OpArraylenGc:
		d, err := arrayDescr(op)
		if err != nil {
			return err
		}
		r.emit(OpGcLoadI, []Box{op.Args[0], ci(d.LengthOffset), ci(WORD)}, nil, op.Result)
	case OpNew, OpNewWithVtable:
		d, ok := op.Descr.(*SizeDescr)
		if !ok {
			return newError(CategoryCodegen, nil, "%s needs a SizeDescr", op.Opcode)
		}
		r.newObject(op, d)
	case OpNewArray:
		d, err := arrayDescr(op)
		if err != nil {
			return err
		}
		r.newArray(op, d)
	default:
		if op.Opcode.IsCall() {
			r.collecting()
		}
		r.out = append(r.out, op)
	}
	return nil
}

// barrier emits the write barrier a reference store into obj needs
func (r *gcRewriter) barrier(obj, val, idx Box) {
	if val.Kind() != KindRef {
		return
	}
	if c, ok := val.(ConstPtr); ok && c.Value == 0 {
		return
	}
	v, isV := isVar(obj)
	if isV && r.wbOK[v] {
		return
	}
	if idx == nil {
		r.emit(OpCondCallGcWb, []Box{obj}, nil, nil)
		if isV {
			r.wbOK[v] = true
		}
		return
	}
	// array barriers mark a card per index, so they are never merged
	r.emit(OpCondCallGcWbArray, []Box{obj, idx}, nil, nil)
}

func roundWord(n int) int { return (n + WORD - 1) &^ (WORD - 1) }

// newObject allocates a fixed-size object and initializes every word
func (r *gcRewriter) newObject(op *Op, d *SizeDescr) {
	size := max(roundWord(d.Size), 2*WORD)
	r.collecting()
	r.emit(OpCallMallocNursery, []Box{ci(size)}, nil, op.Result)
	obj := Box(op.Result)
	r.emit(OpGcStore, []Box{obj, ci(0), ci(int(d.TypeID)), ci(WORD)}, nil, nil)
	start := WORD
	if op.Opcode == OpNewWithVtable {
		r.emit(OpGcStore, []Box{obj, ci(vtableOfs), ConstInt{Value: int32(d.Vtable)}, ci(WORD)}, nil, nil)
		start = vtableOfs + WORD
	}
	for ofs := start; ofs < size; ofs += WORD {
		r.emit(OpGcStore, []Box{obj, ci(ofs), ci(0), ci(WORD)}, nil, nil)
	}
	r.wbOK[op.Result] = true
}

// newArray allocates an array. Constant lengths become a fixed-size
// allocation with the header stamped by stores.
func (r *gcRewriter) newArray(op *Op, d *ArrayDescr) {
	r.collecting()
	if n, ok := op.Args[0].(ConstInt); ok && n.Value >= 0 &&
		uint32(n.Value) <= r.ctx.gc.Desc.MaxVarsizeLength {
		size := roundWord(d.BaseSize + int(n.Value)*d.ItemSize)
		r.emit(OpCallMallocNursery, []Box{ci(max(size, 2*WORD))}, nil, op.Result)
		r.emit(OpGcStore, []Box{op.Result, ci(0), ci(int(d.TypeID)), ci(WORD)}, nil, nil)
		r.emit(OpGcStore, []Box{op.Result, ci(d.LengthOffset), n, ci(WORD)}, nil, nil)
	} else {
		r.emit(OpCallMallocNurseryVarsize, []Box{ci(d.ItemSize), op.Args[0]}, d, op.Result)
	}
	r.wbOK[op.Result] = true
}

func fieldDescr(op *Op) (*FieldDescr, error) {
	d, ok := op.Descr.(*FieldDescr)
	if !ok {
		return nil, newError(CategoryCodegen, nil, "%s needs a FieldDescr", op.Opcode)
	}
	return d, nil
}

func arrayDescr(op *Op) (*ArrayDescr, error) {
	d, ok := op.Descr.(*ArrayDescr)
	if !ok {
		return nil, newError(CategoryCodegen, nil, "%s needs an ArrayDescr", op.Opcode)
	}
	return d, nil
}

func gcLoadFor(opc Opcode) Opcode {
	switch opc {
	case OpGetfieldGcR:
		return OpGcLoadR
	case OpGetfieldGcF:
		return OpGcLoadF
	}
	return OpGcLoadI
}

func gcLoadIndexedFor(opc Opcode) Opcode {
	switch opc {
	case OpGetarrayitemGcR:
		return OpGcLoadIndexedR
	case OpGetarrayitemGcF:
		return OpGcLoadIndexedF
	}
	return OpGcLoadIndexedI
}
