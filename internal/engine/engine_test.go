package engine

import "testing"

func TestParseFloatABI(t *testing.T) {
	tests := []struct {
		in   string
		want FloatABI
	}{
		{"softfp", SoftFloat},
		{"armel", SoftFloat},
		{"hard", HardFloat},
		{"ARMHF", HardFloat},
	}
	for _, tt := range tests {
		got, err := ParseFloatABI(tt.in)
		if err != nil {
			t.Fatalf("ParseFloatABI(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFloatABI(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseFloatABI("x87"); err == nil {
		t.Error("Expected error for unknown float ABI")
	}
}

func TestParseRootMode(t *testing.T) {
	if m, err := ParseRootMode("shadowstack"); err != nil || m != RootsShadowStack {
		t.Errorf("ParseRootMode(shadowstack) = %v, %v", m, err)
	}
	if m, err := ParseRootMode(""); err != nil || m != RootsFramePointer {
		t.Errorf("ParseRootMode(\"\") = %v, %v", m, err)
	}
}

func TestSuggestSimilar(t *testing.T) {
	got := SuggestSimilar("int_ad", []string{"int_add", "int_and", "float_add", "jump"}, 2)
	if len(got) != 2 || got[0] != "int_add" || got[1] != "int_and" {
		t.Errorf("SuggestSimilar = %v", got)
	}
}

func TestMachineString(t *testing.T) {
	m := ARMv7(HardFloat, RootsShadowStack)
	if m.String() != "armv7-hardfp" {
		t.Errorf("Machine.String() = %q", m.String())
	}
	if !m.Is32Bit() {
		t.Error("ARMv7 should be 32-bit")
	}
}

func TestEditDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "abc", 3},
		{"abc", "", 3},
		{"int_add", "int_add", 0},
		{"int_ad", "int_add", 1},
		{"kitten", "sitting", 3},
		{"bridge_treshold", "bridge_threshold", 1},
	}
	for _, tt := range tests {
		if got := editDistance(tt.a, tt.b); got != tt.want {
			t.Errorf("editDistance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
	if got := SuggestSimilar("int_add", []string{"int_add"}, 3); len(got) != 0 {
		t.Errorf("an exact match is not a suggestion: %v", got)
	}
}
