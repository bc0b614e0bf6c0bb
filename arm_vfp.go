// Completion: 100% - VFPv3-D16 encodings complete
package tracejit

// VFP instruction encodings (double precision unless noted). Only d0-d15
// exist on the target, so the D/N/M extension bits are always zero for
// double operands.

func vreg(d VFPReg) uint32 {
	assertf(d <= D15, "vfp register d%d out of range", d)
	return uint32(d)
}

func sreg(s SVFPReg) uint32 {
	assertf(s <= 31, "vfp register s%d out of range", s)
	return uint32(s)
}

func encVFPBinary(base uint32, cond Cond, dd, dn, dm VFPReg) uint32 {
	return uint32(cond)<<28 | base | vreg(dn)<<16 | vreg(dd)<<12 | vreg(dm)
}

func encVADD(cond Cond, dd, dn, dm VFPReg) uint32 { return encVFPBinary(0x0E300B00, cond, dd, dn, dm) }
func encVSUB(cond Cond, dd, dn, dm VFPReg) uint32 { return encVFPBinary(0x0E300B40, cond, dd, dn, dm) }
func encVMUL(cond Cond, dd, dn, dm VFPReg) uint32 { return encVFPBinary(0x0E200B00, cond, dd, dn, dm) }
func encVDIV(cond Cond, dd, dn, dm VFPReg) uint32 { return encVFPBinary(0x0E800B00, cond, dd, dn, dm) }

func encVFPUnary(base uint32, cond Cond, dd, dm VFPReg) uint32 {
	return uint32(cond)<<28 | base | vreg(dd)<<12 | vreg(dm)
}

func encVMOVD(cond Cond, dd, dm VFPReg) uint32  { return encVFPUnary(0x0EB00B40, cond, dd, dm) }
func encVABS(cond Cond, dd, dm VFPReg) uint32   { return encVFPUnary(0x0EB00BC0, cond, dd, dm) }
func encVNEG(cond Cond, dd, dm VFPReg) uint32   { return encVFPUnary(0x0EB10B40, cond, dd, dm) }
func encVSQRT(cond Cond, dd, dm VFPReg) uint32  { return encVFPUnary(0x0EB10BC0, cond, dd, dm) }
func encVCMP(cond Cond, dd, dm VFPReg) uint32   { return encVFPUnary(0x0EB40B40, cond, dd, dm) }

// encVMRS copies the FPSCR condition flags into APSR
func encVMRS(cond Cond) uint32 {
	return uint32(cond)<<28 | 0x0EF1FA10
}

func vfpOffset(offset int) (uint32, uint32) {
	up := offset >= 0
	if !up {
		offset = -offset
	}
	assertf(offset&3 == 0, "vfp offset %d not word aligned", offset)
	assertf(offset <= 1020, "vfp offset %d out of range", offset)
	return b2u(up), uint32(offset >> 2)
}

func encVLDR(cond Cond, dd VFPReg, rn CoreReg, offset int) uint32 {
	u, imm8 := vfpOffset(offset)
	return uint32(cond)<<28 | 0x0D100B00 | u<<23 | reg4(rn)<<16 | vreg(dd)<<12 | imm8
}

func encVSTR(cond Cond, dd VFPReg, rn CoreReg, offset int) uint32 {
	u, imm8 := vfpOffset(offset)
	return uint32(cond)<<28 | 0x0D000B00 | u<<23 | reg4(rn)<<16 | vreg(dd)<<12 | imm8
}

// encVLDRS loads a single precision register
func encVLDRS(cond Cond, sd SVFPReg, rn CoreReg, offset int) uint32 {
	u, imm8 := vfpOffset(offset)
	s := sreg(sd)
	return uint32(cond)<<28 | 0x0D100A00 | u<<23 | (s&1)<<22 | reg4(rn)<<16 | (s>>1)<<12 | imm8
}

// encVSTRS stores a single precision register
func encVSTRS(cond Cond, sd SVFPReg, rn CoreReg, offset int) uint32 {
	u, imm8 := vfpOffset(offset)
	s := sreg(sd)
	return uint32(cond)<<28 | 0x0D000A00 | u<<23 | (s&1)<<22 | reg4(rn)<<16 | (s>>1)<<12 | imm8
}

// encVMOVToCore encodes VMOV rt, rt2, dm
func encVMOVToCore(cond Cond, rt, rt2 CoreReg, dm VFPReg) uint32 {
	return uint32(cond)<<28 | 0x0C500B10 | reg4(rt2)<<16 | reg4(rt)<<12 | vreg(dm)
}

// encVMOVFromCore encodes VMOV dm, rt, rt2
func encVMOVFromCore(cond Cond, dm VFPReg, rt, rt2 CoreReg) uint32 {
	return uint32(cond)<<28 | 0x0C400B10 | reg4(rt2)<<16 | reg4(rt)<<12 | vreg(dm)
}

// encVMOVSToCore encodes VMOV rt, sn
func encVMOVSToCore(cond Cond, rt CoreReg, sn SVFPReg) uint32 {
	s := sreg(sn)
	return uint32(cond)<<28 | 0x0E100A10 | (s>>1)<<16 | reg4(rt)<<12 | (s&1)<<7
}

// encVMOVCoreToS encodes VMOV sn, rt
func encVMOVCoreToS(cond Cond, sn SVFPReg, rt CoreReg) uint32 {
	s := sreg(sn)
	return uint32(cond)<<28 | 0x0E000A10 | (s>>1)<<16 | reg4(rt)<<12 | (s&1)<<7
}

// encVCVTF64S32 converts the signed integer in sm to a double in dd
func encVCVTF64S32(cond Cond, dd VFPReg, sm SVFPReg) uint32 {
	s := sreg(sm)
	return uint32(cond)<<28 | 0x0EB80BC0 | vreg(dd)<<12 | (s&1)<<5 | s>>1
}

// encVCVTS32F64 converts dm to a signed integer in sd, rounding toward zero
func encVCVTS32F64(cond Cond, sd SVFPReg, dm VFPReg) uint32 {
	s := sreg(sd)
	return uint32(cond)<<28 | 0x0EBD0BC0 | (s&1)<<22 | (s>>1)<<12 | vreg(dm)
}

// encVCVTF32F64 narrows dm to single precision in sd
func encVCVTF32F64(cond Cond, sd SVFPReg, dm VFPReg) uint32 {
	s := sreg(sd)
	return uint32(cond)<<28 | 0x0EB70BC0 | (s&1)<<22 | (s>>1)<<12 | vreg(dm)
}

// encVCVTF64F32 widens sm to double precision in dd
func encVCVTF64F32(cond Cond, dd VFPReg, sm SVFPReg) uint32 {
	s := sreg(sm)
	return uint32(cond)<<28 | 0x0EB70AC0 | vreg(dd)<<12 | (s&1)<<5 | s>>1
}

// encVPUSH encodes VSTMDB sp!, {first..first+count-1}
func encVPUSH(cond Cond, first VFPReg, count int) uint32 {
	assertf(count > 0 && int(first)+count <= 16, "bad vpush range d%d x%d", first, count)
	return uint32(cond)<<28 | 0x0D2D0B00 | vreg(first)<<12 | uint32(2*count)
}

// encVPOP encodes VLDMIA sp!, {first..first+count-1}
func encVPOP(cond Cond, first VFPReg, count int) uint32 {
	assertf(count > 0 && int(first)+count <= 16, "bad vpop range d%d x%d", first, count)
	return uint32(cond)<<28 | 0x0CBD0B00 | vreg(first)<<12 | uint32(2*count)
}
