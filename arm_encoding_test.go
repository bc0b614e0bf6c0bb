package tracejit

import (
	"errors"
	"testing"
)

// expectAssertion runs fn and fails the test unless it panics with an
// *AssertionError
func expectAssertion(t *testing.T, name string, fn func()) *AssertionError {
	t.Helper()
	var got *AssertionError
	func() {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			ae, ok := r.(*AssertionError)
			if !ok {
				panic(r)
			}
			got = ae
		}()
		fn()
	}()
	if got == nil {
		t.Errorf("%s: expected an assertion failure", name)
	}
	return got
}

func TestIntegerEncodings(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"add r0, r1, #1", encDPImm(AL, dpADD, false, R0, R1, 1), 0xE2810001},
		{"subs r2, r2, #0xff000000", encDPImm(AL, dpSUB, true, R2, R2, 0xFF000000), 0xE25224FF},
		{"mov r0, r1", encDPReg(AL, dpMOV, false, R0, R0, R1, LSL, 0), 0xE1A00001},
		{"cmp r3, r4", encDPReg(AL, dpCMP, true, R0, R3, R4, LSL, 0), 0xE1530004},
		{"lsl r0, r1, r2", encDPRegShift(AL, dpMOV, false, R0, R0, R1, LSL, R2), 0xE1A00211},
		{"mul r0, r1, r2", encMUL(AL, false, R0, R1, R2), 0xE0000291},
		{"smull r0, r1, r2, r3", encSMULL(AL, R0, R1, R2, R3), 0xE0C10392},
		{"sdiv r0, r1, r2", encSDIV(AL, R0, R1, R2), 0xE710F211},
		{"movw r0, #0x1234", encMOVW(AL, R0, 0x1234), 0xE3010234},
		{"movt r0, #0xffff", encMOVT(AL, R0, 0xFFFF), 0xE34F0FFF},
		{"ldr r0, [r1, #4]", encLdrStrImm(AL, true, false, R0, R1, 4), 0xE5910004},
		{"str r0, [r1, #-4]", encLdrStrImm(AL, false, false, R0, R1, -4), 0xE5010004},
		{"ldrb r2, [fp, #32]", encLdrStrImm(AL, true, true, R2, FP, 32), 0xE5DB2020},
		{"ldr r0, [r1, r2, lsl #2]", encLdrStrReg(AL, true, false, R0, R1, R2, 2), 0xE7910102},
		{"push {r4, lr}", encPUSH(AL, []CoreReg{R4, LR}), 0xE92D4010},
		{"pop {r4, pc}", encPOP(AL, []CoreReg{R4, PC}), 0xE8BD8010},
		{"b .", encB(AL, 0), 0xEAFFFFFE},
		{"bne .+16", encB(NE, 16), 0x1A000002},
		{"bl .-8", encBL(AL, -8), 0xEBFFFFFC},
		{"bx lr", encBX(AL, LR), 0xE12FFF1E},
		{"blx ip", encBLX(AL, IP), 0xE12FFF3C},
		{"nop", encNOP(AL), 0xE320F000},
		{"bkpt #0x1234", encBKPT(0x1234), 0xE1212374},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got 0x%08X, want 0x%08X", tt.name, tt.got, tt.want)
		}
	}
}

func TestVFPEncodings(t *testing.T) {
	tests := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"vadd.f64 d0, d1, d2", encVADD(AL, D0, D1, D2), 0xEE310B02},
		{"vsub.f64 d3, d4, d5", encVSUB(AL, D3, D4, D5), 0xEE343B45},
		{"vmul.f64 d0, d0, d1", encVMUL(AL, D0, D0, D1), 0xEE200B01},
		{"vdiv.f64 d1, d2, d3", encVDIV(AL, D1, D2, D3), 0xEE821B03},
		{"vmov.f64 d0, d1", encVMOVD(AL, D0, D1), 0xEEB00B41},
		{"vcmp.f64 d0, d1", encVCMP(AL, D0, D1), 0xEEB40B41},
		{"vmrs APSR_nzcv, fpscr", encVMRS(AL), 0xEEF1FA10},
		{"vldr d0, [fp, #8]", encVLDR(AL, D0, FP, 8), 0xED9B0B02},
		{"vstr d1, [r0, #-8]", encVSTR(AL, D1, R0, -8), 0xED001B02},
		{"vmov r0, r1, d2", encVMOVToCore(AL, R0, R1, D2), 0xEC510B12},
		{"vmov d2, r0, r1", encVMOVFromCore(AL, D2, R0, R1), 0xEC410B12},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got 0x%08X, want 0x%08X", tt.name, tt.got, tt.want)
		}
	}
}

func TestImm12RoundTrip(t *testing.T) {
	encodable := []uint32{0, 1, 0xFF, 0x100, 0x3FC, 0xFF000000, 0xF000000F, 0x00AB0000}
	for _, v := range encodable {
		field, ok := encodeImm12(v)
		if !ok {
			t.Errorf("0x%x should be encodable", v)
			continue
		}
		if got := decodeImm12(field); got != v {
			t.Errorf("decodeImm12(encodeImm12(0x%x)) = 0x%x", v, got)
		}
	}
	for _, v := range []uint32{0x101, 0x1FE00001, 0xFFFF, 0x12345678} {
		if isImm12(v) {
			t.Errorf("0x%x should not be encodable", v)
		}
	}
}

func TestEncodingAssertions(t *testing.T) {
	expectAssertion(t, "unencodable immediate", func() { encDPImm(AL, dpADD, false, R0, R0, 0x101) })
	expectAssertion(t, "movw range", func() { encMOVW(AL, R0, 0x10000) })
	expectAssertion(t, "ldr offset", func() { encLdrStrImm(AL, true, false, R0, R1, 4096) })
	expectAssertion(t, "misaligned branch", func() { encB(AL, 6) })
	expectAssertion(t, "far branch", func() { encB(AL, 1<<26) })
	expectAssertion(t, "empty push", func() { encPUSH(AL, nil) })
	expectAssertion(t, "smull overlap", func() { encSMULL(AL, R0, R0, R1, R2) })
	expectAssertion(t, "opposite of al", func() { AL.Opposite() })
}

func TestCondOppositeAndSwapped(t *testing.T) {
	pairs := [][2]Cond{{EQ, NE}, {LT, GE}, {GT, LE}, {LO, HS}, {HI, LS}, {VS, VC}}
	for _, p := range pairs {
		if p[0].Opposite() != p[1] || p[1].Opposite() != p[0] {
			t.Errorf("%s and %s should be opposites", p[0], p[1])
		}
	}
	if LT.Swapped() != GT || HS.Swapped() != LS || EQ.Swapped() != EQ {
		t.Error("Swapped is wrong")
	}
}

func TestAssertionErrorUnwrap(t *testing.T) {
	e := &AssertionError{Message: "guard g0", Err: ErrBridgeAlreadyCompiled}
	if !errors.Is(e, ErrBridgeAlreadyCompiled) {
		t.Error("AssertionError should unwrap to its cause")
	}
}
