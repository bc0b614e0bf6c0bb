// Completion: 100% - Machine simulator complete
package tracejit

import (
	"errors"
	"fmt"
	"math"

	"github.com/xyproto/tracejit/internal/engine"
)

// Machine executes A32/VFP instruction words out of a Memory. It is the
// execution substrate for compiled traces: registers, flags, an exclusive
// monitor, and an instruction cache that must be flushed after code is
// written.
type Machine struct {
	mem     *Memory
	helpers *HelperTable
	cc      CallingConvention

	R          [16]uint32
	N, Z, C, V bool
	D          [16]uint64
	fpN, fpZ   bool
	fpC, fpV   bool

	icache    map[uint32]uint32
	exclAddr  uint32
	exclValid bool
	branched  bool

	// StepLimit bounds the number of instructions per Run; zero means none
	StepLimit uint64
	steps     uint64

	// Trace is called before each instruction when set
	Trace func(pc, word uint32)
}

// NewMachine creates a machine over mem calling helpers with the given ABI
func NewMachine(mem *Memory, helpers *HelperTable, abi engine.FloatABI) *Machine {
	return &Machine{
		mem:     mem,
		helpers: helpers,
		cc:      GetCallingConvention(abi),
		icache:  make(map[uint32]uint32),
	}
}

// FlushICache drops cached instruction words in [addr, addr+size)
func (m *Machine) FlushICache(addr, size uint32) {
	if uint32(len(m.icache)) < size/WORD {
		for a := range m.icache {
			if a >= addr && a < addr+size {
				delete(m.icache, a)
			}
		}
		return
	}
	for a := addr &^ 3; a < addr+size; a += WORD {
		delete(m.icache, a)
	}
}

// Steps returns the number of instructions executed by the last Run
func (m *Machine) Steps() uint64 { return m.steps }

func (m *Machine) fetch(pc uint32) uint32 {
	if w, ok := m.icache[pc]; ok {
		return w
	}
	if pc < CodeBase || pc >= CodeEnd {
		m.mem.fault(pc, "instruction fetch outside code region")
	}
	w := m.mem.Load32(pc)
	m.icache[pc] = w
	return w
}

// Run executes from entry until control reaches HostReturn
func (m *Machine) Run(entry uint32) (err error) {
	m.R[PC] = entry
	m.steps = 0
	defer func() {
		if r := recover(); r != nil {
			switch f := r.(type) {
			case *MachineFault:
				if f.PC == 0 {
					f.PC = m.R[PC]
				}
				err = f
			case helperPanic:
				err = f.err
			default:
				panic(r)
			}
		}
	}()
	for {
		pc := m.R[PC]
		if pc == HostReturn {
			return nil
		}
		if pc >= HelperBase && pc < HelperEnd {
			m.callHelper(pc)
			continue
		}
		if m.StepLimit > 0 && m.steps >= m.StepLimit {
			return fmt.Errorf("after %d instructions at pc=0x%08x: %w", m.steps, pc, ErrStepLimit)
		}
		m.steps++
		w := m.fetch(pc)
		if m.Trace != nil {
			m.Trace(pc, w)
		}
		m.branched = false
		m.exec(pc, w)
		if !m.branched {
			m.R[PC] = pc + 4
		}
	}
}

// helperPanic carries a helper error out of the run loop
type helperPanic struct{ err error }

// reg reads a core register with the pc+8 convention
func (m *Machine) reg(r uint32) uint32 {
	if r == uint32(PC) {
		return m.R[PC] + 8
	}
	return m.R[r]
}

func (m *Machine) setReg(r uint32, v uint32) {
	if r == uint32(PC) {
		m.branchTo(v)
		return
	}
	m.R[r] = v
}

func (m *Machine) branchTo(target uint32) {
	m.R[PC] = target &^ 1
	m.branched = true
}

// S returns the bits of single precision register n
func (m *Machine) S(n uint32) uint32 {
	d := m.D[n/2]
	if n%2 == 1 {
		return uint32(d >> 32)
	}
	return uint32(d)
}

// SetS writes the bits of single precision register n
func (m *Machine) SetS(n uint32, v uint32) {
	d := &m.D[n/2]
	if n%2 == 1 {
		*d = *d&0xFFFFFFFF | uint64(v)<<32
	} else {
		*d = *d&^0xFFFFFFFF | uint64(v)
	}
}

// Float reads d register n as a double
func (m *Machine) Float(n VFPReg) float64 { return math.Float64frombits(m.D[n]) }

// SetFloat writes d register n
func (m *Machine) SetFloat(n VFPReg, f float64) { m.D[n] = math.Float64bits(f) }

// callHelper marshals arguments out of registers and the stack, runs the
// Go function and returns to lr. Everything a call may clobber is
// scrambled so code that relies on caller-saved state fails loudly.
func (m *Machine) callHelper(pc uint32) {
	nf, ok := m.helpers.At(pc)
	if !ok {
		panic(&MachineFault{PC: pc, Addr: pc, Reason: "call to unmapped helper"})
	}
	places, _ := m.cc.Classify(nf.Args)
	args := make([]Value, len(nf.Args))
	sp := m.R[SP]
	for i, k := range nf.Args {
		args[i] = m.readArg(k, places[i], sp)
	}
	m.exclValid = false
	nf.Calls++
	res, err := nf.Fn(args)
	if err != nil {
		panic(helperPanic{err: fmt.Errorf("in %s: %w", nf.Name, err)})
	}
	ret := m.R[LR]
	m.scramble()
	m.writeResult(nf.Result, res)
	m.branchTo(ret)
}

func (m *Machine) readArg(k ArgKind, p ArgPlace, sp uint32) Value {
	var lo, hi uint32
	switch {
	case p.OnStack:
		lo = m.mem.Load32(sp + uint32(p.Offset))
		if k.words() == 2 {
			hi = m.mem.Load32(sp + uint32(p.Offset) + 4)
		}
	case p.VFP != nil:
		switch v := p.VFP.(type) {
		case VFPReg:
			lo, hi = uint32(m.D[v]), uint32(m.D[v]>>32)
		case SVFPReg:
			lo = m.S(uint32(v))
		}
	default:
		lo = m.R[p.Core[0]]
		if len(p.Core) == 2 {
			hi = m.R[p.Core[1]]
		}
	}
	return valueFromWords(k, lo, hi)
}

func (m *Machine) writeResult(k ArgKind, v Value) {
	if k == ArgVoid {
		return
	}
	v.Kind = k
	lo, hi := v.words()
	p := m.cc.ResultPlace(k)
	switch r := p.VFP.(type) {
	case VFPReg:
		m.D[r] = uint64(hi)<<32 | uint64(lo)
		return
	case SVFPReg:
		m.SetS(uint32(r), lo)
		return
	}
	m.R[p.Core[0]] = lo
	if len(p.Core) == 2 {
		m.R[p.Core[1]] = hi
	}
}

const scrambleWord = 0xDEAD0000

func (m *Machine) scramble() {
	for r := R0; r <= R3; r++ {
		m.R[r] = scrambleWord | uint32(r)
	}
	m.R[IP] = scrambleWord | uint32(IP)
	m.R[LR] = scrambleWord | uint32(LR)
	for d := range m.D {
		m.D[d] = 0x7FF8DEAD00000000 | uint64(d)
	}
}

// IsFault reports whether err is a machine fault
func IsFault(err error) bool {
	var f *MachineFault
	return errors.As(err, &f)
}

func (m *Machine) undefined(pc, w uint32) {
	panic(&MachineFault{PC: pc, Addr: pc, Reason: fmt.Sprintf("undefined instruction 0x%08x", w)})
}

func (m *Machine) conditionPassed(c Cond) bool {
	switch c {
	case EQ:
		return m.Z
	case NE:
		return !m.Z
	case HS:
		return m.C
	case LO:
		return !m.C
	case MI:
		return m.N
	case PL:
		return !m.N
	case VS:
		return m.V
	case VC:
		return !m.V
	case HI:
		return m.C && !m.Z
	case LS:
		return !m.C || m.Z
	case GE:
		return m.N == m.V
	case LT:
		return m.N != m.V
	case GT:
		return !m.Z && m.N == m.V
	case LE:
		return m.Z || m.N != m.V
	}
	return true
}
