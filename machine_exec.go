// Completion: 100% - Integer instruction execution complete
package tracejit

import (
	"math/bits"
)

func bit(w uint32, n uint) bool { return w>>n&1 == 1 }

func (m *Machine) exec(pc, w uint32) {
	cond := w >> 28
	if cond == 0xF {
		if w == encDMB() {
			return
		}
		m.undefined(pc, w)
	}
	if !m.conditionPassed(Cond(cond)) {
		return
	}
	switch {
	case w&0x0FFFFFD0 == 0x012FFF10:
		target := m.reg(w & 0xF)
		if bit(w, 5) {
			m.R[LR] = pc + 4
		}
		m.branchTo(target)
	case w&0x0FF000F0 == 0x01200070:
		panic(&MachineFault{PC: pc, Addr: pc, Reason: "breakpoint"})
	case w&0x0FFFFFFF == 0x0320F000:
		// nop
	case w&0x0FB00000 == 0x03000000:
		imm := (w>>16&0xF)<<12 | w&0xFFF
		rd := w >> 12 & 0xF
		if bit(w, 22) {
			m.R[rd] = m.R[rd]&0xFFFF | imm<<16
		} else {
			m.R[rd] = imm
		}
	case w&0x0FF0F0F0 == 0x0710F010, w&0x0FF0F0F0 == 0x0730F010:
		m.execDivide(w)
	case w&0x0FF00FFF == 0x01900F9F:
		addr := m.reg(w >> 16 & 0xF)
		m.R[w>>12&0xF] = m.mem.Load32(addr)
		m.exclAddr, m.exclValid = addr, true
	case w&0x0FF00FF0 == 0x01800F90:
		addr := m.reg(w >> 16 & 0xF)
		if m.exclValid && m.exclAddr == addr {
			m.mem.Store32(addr, m.reg(w&0xF))
			m.R[w>>12&0xF] = 0
		} else {
			m.R[w>>12&0xF] = 1
		}
		m.exclValid = false
	case w&0x0F0000F0 == 0x00000090:
		m.execMultiply(pc, w)
	case w&0x0E000090 == 0x00000090 && w&0x60 != 0:
		m.execHalfword(pc, w)
	case w&0x0C000000 == 0:
		m.execDataProcessing(w)
	case w&0x0C000000 == 0x04000000:
		m.execLoadStore(w)
	case w&0x0E000000 == 0x08000000:
		m.execBlockTransfer(w)
	case w&0x0E000000 == 0x0A000000:
		offset := int32(w<<8) >> 6
		if bit(w, 24) {
			m.R[LR] = pc + 4
		}
		m.branchTo(uint32(int32(pc) + 8 + offset))
	case w&0x0E000E00 == 0x0C000A00, w&0x0F000E00 == 0x0E000A00:
		m.execVFP(pc, w)
	default:
		m.undefined(pc, w)
	}
}

// shift applies the barrel shifter and returns the shifter carry out
func (m *Machine) shift(v uint32, typ ShiftType, amount uint32, immediate bool) (uint32, bool) {
	carry := m.C
	if immediate {
		switch {
		case amount == 0 && typ == LSL:
			return v, carry
		case amount == 0 && (typ == LSR || typ == ASR):
			amount = 32
		case amount == 0 && typ == ROR:
			// RRX
			out := v&1 == 1
			r := v >> 1
			if m.C {
				r |= 1 << 31
			}
			return r, out
		}
	}
	if amount == 0 {
		return v, carry
	}
	switch typ {
	case LSL:
		if amount > 32 {
			return 0, false
		}
		if amount == 32 {
			return 0, v&1 == 1
		}
		return v << amount, v>>(32-amount)&1 == 1
	case LSR:
		if amount > 32 {
			return 0, false
		}
		if amount == 32 {
			return 0, v>>31 == 1
		}
		return v >> amount, v>>(amount-1)&1 == 1
	case ASR:
		if amount >= 32 {
			if int32(v) < 0 {
				return 0xFFFFFFFF, true
			}
			return 0, false
		}
		return uint32(int32(v) >> amount), v>>(amount-1)&1 == 1
	default:
		r := bits.RotateLeft32(v, -int(amount&31))
		return r, r>>31 == 1
	}
}

func addWithCarry(x, y uint32, carry bool) (uint32, bool, bool) {
	var cin uint32
	if carry {
		cin = 1
	}
	sum, c := bits.Add32(x, y, cin)
	v := (x^sum)&(y^sum)&0x80000000 != 0
	return sum, c == 1, v
}

func (m *Machine) operand2(w uint32) (uint32, bool) {
	if bit(w, 25) {
		field := w & 0xFFF
		v := decodeImm12(field)
		if field>>8 == 0 {
			return v, m.C
		}
		return v, v>>31 == 1
	}
	rm := m.reg(w & 0xF)
	typ := ShiftType(w >> 5 & 3)
	if bit(w, 4) {
		return m.shift(rm, typ, m.R[w>>8&0xF]&0xFF, false)
	}
	return m.shift(rm, typ, w>>7&0x1F, true)
}

func (m *Machine) execDataProcessing(w uint32) {
	opc := dpOp(w >> 21 & 0xF)
	setFlags := bit(w, 20)
	rn := m.reg(w >> 16 & 0xF)
	rd := w >> 12 & 0xF
	op2, shiftCarry := m.operand2(w)

	var res uint32
	carry, overflow := m.C, m.V
	logical := false
	switch opc {
	case dpAND, dpTST:
		res, logical = rn&op2, true
	case dpEOR, dpTEQ:
		res, logical = rn^op2, true
	case dpORR:
		res, logical = rn|op2, true
	case dpBIC:
		res, logical = rn&^op2, true
	case dpMOV:
		res, logical = op2, true
	case dpMVN:
		res, logical = ^op2, true
	case dpSUB, dpCMP:
		res, carry, overflow = addWithCarry(rn, ^op2, true)
	case dpRSB:
		res, carry, overflow = addWithCarry(op2, ^rn, true)
	case dpADD, dpCMN:
		res, carry, overflow = addWithCarry(rn, op2, false)
	case dpADC:
		res, carry, overflow = addWithCarry(rn, op2, m.C)
	case dpSBC:
		res, carry, overflow = addWithCarry(rn, ^op2, m.C)
	case dpRSC:
		res, carry, overflow = addWithCarry(op2, ^rn, m.C)
	}
	if setFlags {
		m.N = res>>31 == 1
		m.Z = res == 0
		if logical {
			m.C = shiftCarry
		} else {
			m.C, m.V = carry, overflow
		}
	}
	switch opc {
	case dpTST, dpTEQ, dpCMP, dpCMN:
		return
	}
	m.setReg(rd, res)
}

func (m *Machine) execMultiply(pc, w uint32) {
	rn := m.R[w&0xF]
	rm := m.R[w>>8&0xF]
	switch w >> 21 & 7 {
	case 0, 1: // MUL, MLA
		res := rn * rm
		if w>>21&1 == 1 {
			res += m.R[w>>12&0xF]
		}
		m.R[w>>16&0xF] = res
		if bit(w, 20) {
			m.N, m.Z = res>>31 == 1, res == 0
		}
	case 4: // UMULL
		hi, lo := bits.Mul32(rn, rm)
		m.R[w>>12&0xF], m.R[w>>16&0xF] = lo, hi
	case 6: // SMULL
		p := int64(int32(rn)) * int64(int32(rm))
		m.R[w>>12&0xF], m.R[w>>16&0xF] = uint32(p), uint32(uint64(p)>>32)
	default:
		m.undefined(pc, w)
	}
}

func (m *Machine) execDivide(w uint32) {
	n := m.R[w&0xF]
	d := m.R[w>>8&0xF]
	var res uint32
	switch {
	case d == 0:
		res = 0
	case w&0x00F00000 == 0x00300000:
		res = n / d
	case int32(n) == -1<<31 && int32(d) == -1:
		res = n
	default:
		res = uint32(int32(n) / int32(d))
	}
	m.R[w>>16&0xF] = res
}

// address computes the effective address and the writeback value of a
// single load/store
func (m *Machine) address(w, offset uint32) (addr, wb uint32) {
	base := m.reg(w >> 16 & 0xF)
	target := base + offset
	if !bit(w, 23) {
		target = base - offset
	}
	if bit(w, 24) {
		return target, target
	}
	return base, target
}

func (m *Machine) execLoadStore(w uint32) {
	var offset uint32
	if bit(w, 25) {
		offset, _ = m.shift(m.reg(w&0xF), ShiftType(w>>5&3), w>>7&0x1F, true)
	} else {
		offset = w & 0xFFF
	}
	addr, wb := m.address(w, offset)
	rt := w >> 12 & 0xF
	load, byteSize := bit(w, 20), bit(w, 22)
	if load {
		var v uint32
		if byteSize {
			v = uint32(m.mem.Load8(addr))
		} else {
			v = m.mem.Load32(addr)
		}
		m.writeback(w, wb)
		m.setReg(rt, v)
		return
	}
	v := m.reg(rt)
	if byteSize {
		m.mem.Store8(addr, uint8(v))
	} else {
		m.mem.Store32(addr, v)
	}
	m.writeback(w, wb)
}

func (m *Machine) writeback(w, wb uint32) {
	if !bit(w, 24) || bit(w, 21) {
		m.R[w>>16&0xF] = wb
	}
}

func (m *Machine) execHalfword(pc, w uint32) {
	var offset uint32
	if bit(w, 22) {
		offset = (w>>8&0xF)<<4 | w&0xF
	} else {
		offset = m.reg(w & 0xF)
	}
	addr, wb := m.address(w, offset)
	rt := w >> 12 & 0xF
	sh := w >> 5 & 3
	if !bit(w, 20) {
		if sh != 1 {
			m.undefined(pc, w)
		}
		m.mem.Store16(addr, uint16(m.reg(rt)))
		m.writeback(w, wb)
		return
	}
	var v uint32
	switch sh {
	case 1:
		v = uint32(m.mem.Load16(addr))
	case 2:
		v = uint32(int32(int8(m.mem.Load8(addr))))
	case 3:
		v = uint32(int32(int16(m.mem.Load16(addr))))
	}
	m.writeback(w, wb)
	m.setReg(rt, v)
}

func (m *Machine) execBlockTransfer(w uint32) {
	rn := w >> 16 & 0xF
	list := w & 0xFFFF
	count := uint32(bits.OnesCount32(list))
	base := m.R[rn]
	var start uint32
	if bit(w, 23) {
		start = base
		if bit(w, 24) {
			start += 4
		}
	} else {
		start = base - 4*count
		if !bit(w, 24) {
			start += 4
		}
	}
	final := base + 4*count
	if !bit(w, 23) {
		final = base - 4*count
	}
	addr := start
	if bit(w, 20) {
		var newPC uint32
		loadPC := false
		for r := uint32(0); r < 16; r++ {
			if list&(1<<r) == 0 {
				continue
			}
			v := m.mem.Load32(addr)
			if r == uint32(PC) {
				newPC, loadPC = v, true
			} else {
				m.R[r] = v
			}
			addr += 4
		}
		if bit(w, 21) && list&(1<<rn) == 0 {
			m.R[rn] = final
		}
		if loadPC {
			m.branchTo(newPC)
		}
		return
	}
	for r := uint32(0); r < 16; r++ {
		if list&(1<<r) == 0 {
			continue
		}
		m.mem.Store32(addr, m.reg(r))
		addr += 4
	}
	if bit(w, 21) {
		m.R[rn] = final
	}
}
