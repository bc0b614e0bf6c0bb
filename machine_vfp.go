// Completion: 100% - VFP instruction execution complete
package tracejit

import (
	"math"
)

func vfpD(w uint32, shift uint) uint32 { return w >> shift & 0xF }

// vfpS decodes a single register number from a Vx field and its extra bit
func vfpS(w uint32, shift, extra uint) uint32 {
	return (w>>shift&0xF)<<1 | w>>extra&1
}

func (m *Machine) execVFP(pc, w uint32) {
	switch {
	case w&0x0FE00FD0 == 0x0C400B10:
		// VMOV between a d register and two core registers
		dm := w & 0xF
		rt, rt2 := w>>12&0xF, w>>16&0xF
		if bit(w, 20) {
			m.R[rt], m.R[rt2] = uint32(m.D[dm]), uint32(m.D[dm]>>32)
		} else {
			m.D[dm] = uint64(m.R[rt2])<<32 | uint64(m.R[rt])
		}
	case w&0x0F200E00 == 0x0D000A00:
		m.execVFPLoadStore(w)
	case w&0x0E000E00 == 0x0C000A00:
		m.execVFPMultiple(pc, w)
	case w&0x0FFFFFFF == 0x0EF1FA10:
		m.N, m.Z, m.C, m.V = m.fpN, m.fpZ, m.fpC, m.fpV
	case w&0x0FE00F7F == 0x0E000A10:
		s := vfpS(w, 16, 7)
		rt := w >> 12 & 0xF
		if bit(w, 20) {
			m.R[rt] = m.S(s)
		} else {
			m.SetS(s, m.R[rt])
		}
	case w&0x0F000E10 == 0x0E000A00:
		m.execVFPData(pc, w)
	default:
		m.undefined(pc, w)
	}
}

func (m *Machine) execVFPLoadStore(w uint32) {
	offset := (w & 0xFF) << 2
	base := m.reg(w >> 16 & 0xF)
	if w>>16&0xF == uint32(PC) {
		base &^= 3
	}
	addr := base + offset
	if !bit(w, 23) {
		addr = base - offset
	}
	double := bit(w, 8)
	load := bit(w, 20)
	switch {
	case double && load:
		m.D[vfpD(w, 12)] = m.mem.Load64(addr)
	case double:
		m.mem.Store64(addr, m.D[vfpD(w, 12)])
	case load:
		m.SetS(vfpS(w, 12, 22), m.mem.Load32(addr))
	default:
		m.mem.Store32(addr, m.S(vfpS(w, 12, 22)))
	}
}

// execVFPMultiple handles VLDM/VSTM with writeback, which covers VPUSH and VPOP
func (m *Machine) execVFPMultiple(pc, w uint32) {
	if !bit(w, 8) || !bit(w, 21) {
		m.undefined(pc, w)
	}
	rn := w >> 16 & 0xF
	n := (w & 0xFF) / 2
	first := vfpD(w, 12)
	base := m.R[rn]
	var addr uint32
	if bit(w, 24) {
		// decrement before
		addr = base - 8*n
		m.R[rn] = addr
	} else {
		addr = base
		m.R[rn] = base + 8*n
	}
	for i := uint32(0); i < n; i++ {
		if bit(w, 20) {
			m.D[first+i] = m.mem.Load64(addr)
		} else {
			m.mem.Store64(addr, m.D[first+i])
		}
		addr += 8
	}
}

func (m *Machine) setFPFlags(a, b float64) {
	switch {
	case math.IsNaN(a) || math.IsNaN(b):
		m.fpN, m.fpZ, m.fpC, m.fpV = false, false, true, true
	case a == b:
		m.fpN, m.fpZ, m.fpC, m.fpV = false, true, true, false
	case a < b:
		m.fpN, m.fpZ, m.fpC, m.fpV = true, false, false, false
	default:
		m.fpN, m.fpZ, m.fpC, m.fpV = false, false, true, false
	}
}

// toInt32 converts with round-toward-zero and saturation like VCVT
func toInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int32(f)
}

func (m *Machine) execVFPData(pc, w uint32) {
	double := bit(w, 8)
	d, n, mm := vfpD(w, 12), vfpD(w, 16), vfpD(w, 0)
	opc1 := (w>>23&1)<<2 | w>>20&3 // bits 23, 21:20
	neg := bit(w, 6)

	if opc1 != 0x7 {
		if !double {
			m.undefined(pc, w)
		}
		a, b := m.Float(VFPReg(n)), m.Float(VFPReg(mm))
		var r float64
		switch {
		case opc1 == 0x2 && !neg:
			r = a * b
		case opc1 == 0x3 && !neg:
			r = a + b
		case opc1 == 0x3 && neg:
			r = a - b
		case opc1 == 0x4 && !neg:
			r = a / b
		default:
			m.undefined(pc, w)
		}
		m.SetFloat(VFPReg(d), r)
		return
	}

	opc2 := w >> 16 & 0xF
	op3 := w >> 6 & 3
	switch {
	case opc2 == 0x0 && op3 == 1 && double:
		m.D[d] = m.D[mm]
	case opc2 == 0x0 && op3 == 3 && double:
		m.D[d] = m.D[mm] &^ (1 << 63)
	case opc2 == 0x1 && op3 == 1 && double:
		m.D[d] = m.D[mm] ^ (1 << 63)
	case opc2 == 0x1 && op3 == 3 && double:
		m.SetFloat(VFPReg(d), math.Sqrt(m.Float(VFPReg(mm))))
	case opc2 == 0x4 && double:
		m.setFPFlags(m.Float(VFPReg(d)), m.Float(VFPReg(mm)))
	case opc2 == 0x7 && op3 == 3 && double:
		// double to single
		f := float32(m.Float(VFPReg(mm)))
		m.SetS(vfpS(w, 12, 22), math.Float32bits(f))
	case opc2 == 0x7 && op3 == 3:
		// single to double
		f := math.Float32frombits(m.S(vfpS(w, 0, 5)))
		m.SetFloat(VFPReg(d), float64(f))
	case opc2 == 0x8 && double:
		v := int32(m.S(vfpS(w, 0, 5)))
		if bit(w, 7) {
			m.SetFloat(VFPReg(d), float64(v))
		} else {
			m.SetFloat(VFPReg(d), float64(uint32(v)))
		}
	case opc2 == 0xD && double:
		m.SetS(vfpS(w, 12, 22), uint32(toInt32(m.Float(VFPReg(mm)))))
	default:
		m.undefined(pc, w)
	}
}
