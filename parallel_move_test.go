package tracejit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xyproto/tracejit/internal/engine"
)

// runMoves interprets a schedule over a location -> value map
func runMoves(t *testing.T, state map[Location]int, steps []MoveStep) {
	t.Helper()
	var stack []int
	read := func(l Location) int {
		if imm, ok := l.(Imm); ok {
			return int(imm.Value)
		}
		v, ok := state[l]
		if !ok {
			t.Fatalf("read of uninitialized %s", l)
		}
		return v
	}
	for _, s := range steps {
		switch s.Kind {
		case StepMove:
			state[s.Dst] = read(s.Src)
		case StepPush:
			stack = append(stack, read(s.Src))
		case StepPop:
			if len(stack) == 0 {
				t.Fatalf("pop from an empty stack")
			}
			state[s.Dst] = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) != 0 {
		t.Errorf("%d values left on the stack", len(stack))
	}
}

func TestScheduleMoves(t *testing.T) {
	tests := []struct {
		name     string
		srcs     []Location
		dsts     []Location
		coreTmp  Location
		floatTmp Location
		maxSteps int
	}{
		{"chain", []Location{R1, R2, R3}, []Location{R0, R1, R2}, IP, VFPScratch, 3},
		{"swap through ip", []Location{R0, R1}, []Location{R1, R0}, IP, VFPScratch, 3},
		{"rotate through the stack", []Location{R0, R1, R2}, []Location{R1, R2, R0}, nil, nil, 4},
		{"identity", []Location{R4, R5}, []Location{R4, R5}, IP, VFPScratch, 0},
		{"fan out", []Location{R0, R0, R0}, []Location{R1, R2, StackSlot{Index: 3, Kind: KindInt}}, IP, VFPScratch, 3},
		{"immediates last", []Location{Imm{Value: 7}, R0}, []Location{R0, R1}, IP, VFPScratch, 2},
		{"float swap", []Location{D0, D1}, []Location{D1, D0}, IP, VFPScratch, 3},
		{"spill cycle", []Location{StackSlot{Index: 0, Kind: KindInt}, R0}, []Location{R0, StackSlot{Index: 0, Kind: KindInt}}, IP, VFPScratch, 3},
		{"two cycles", []Location{R0, R1, R2, R3}, []Location{R1, R0, R3, R2}, IP, VFPScratch, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := make(map[Location]int)
			want := make(map[Location]int)
			next := 100
			for _, s := range tt.srcs {
				if _, ok := s.(Imm); ok {
					continue
				}
				if _, seen := state[s]; !seen {
					state[s] = next
					next++
				}
			}
			for i, d := range tt.dsts {
				if imm, ok := tt.srcs[i].(Imm); ok {
					want[d] = int(imm.Value)
				} else {
					want[d] = state[tt.srcs[i]]
				}
			}
			steps := ScheduleMoves(tt.srcs, tt.dsts, tt.coreTmp, tt.floatTmp)
			if len(steps) > tt.maxSteps {
				t.Errorf("%d steps, want at most %d: %v", len(steps), tt.maxSteps, steps)
			}
			runMoves(t, state, steps)
			for d, v := range want {
				if state[d] != v {
					t.Errorf("%s = %d, want %d (steps %v)", d, state[d], v, steps)
				}
			}
		})
	}
}

func TestScheduleMovesDuplicateDestination(t *testing.T) {
	expectAssertion(t, "duplicate destination", func() {
		ScheduleMoves([]Location{R0, R1}, []Location{R2, R2}, IP, nil)
	})
	expectAssertion(t, "length mismatch", func() {
		ScheduleMoves([]Location{R0}, []Location{R1, R2}, IP, nil)
	})
}

func TestOverlaps(t *testing.T) {
	f0 := StackSlot{Index: 0, Kind: KindFloat}
	tests := []struct {
		a, b Location
		want bool
	}{
		{R0, R0, true},
		{R0, R1, false},
		{f0, StackSlot{Index: 1, Kind: KindInt}, true},
		{f0, StackSlot{Index: 2, Kind: KindInt}, false},
		{D1, SVFPReg(3), true},
		{SVFPReg(4), D1, false},
		{Imm{Value: 1}, R0, false},
	}
	for _, tt := range tests {
		if got := overlaps(tt.a, tt.b); got != tt.want {
			t.Errorf("overlaps(%s, %s) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCallingConventionHardFloat(t *testing.T) {
	cc := GetCallingConvention(engine.HardFloat)
	places, stack := cc.Classify([]ArgKind{ArgFloat, ArgSingle, ArgFloat, ArgSingle, ArgInt, ArgLongLong})
	want := []ArgPlace{
		{VFP: D0},
		{VFP: SVFPReg(2)},
		{VFP: D2},
		{VFP: SVFPReg(3)},
		{Core: []CoreReg{R0}},
		{Core: []CoreReg{R2, R3}},
	}
	if diff := cmp.Diff(want, places); diff != "" {
		t.Errorf("Classify mismatch (-want +got):\n%s", diff)
	}
	if stack != 0 {
		t.Errorf("stack bytes = %d, want 0", stack)
	}
	if p := cc.ResultPlace(ArgFloat); p.VFP != D0 {
		t.Errorf("float result in %v", p.VFP)
	}
}

func TestCallingConventionHardFloatSpill(t *testing.T) {
	cc := GetCallingConvention(engine.HardFloat)
	kinds := make([]ArgKind, 9)
	for i := range kinds {
		kinds[i] = ArgFloat
	}
	kinds = append(kinds, ArgSingle)
	places, stack := cc.Classify(kinds)
	if !places[8].OnStack || places[8].Offset != 0 {
		t.Errorf("ninth double at %+v, want stack offset 0", places[8])
	}
	// no back-filling after a VFP argument went to the stack
	if !places[9].OnStack || places[9].Offset != 8 {
		t.Errorf("trailing single at %+v, want stack offset 8", places[9])
	}
	if stack != 16 {
		t.Errorf("stack bytes = %d, want 16", stack)
	}
}

func TestCallingConventionSoftFloat(t *testing.T) {
	cc := GetCallingConvention(engine.SoftFloat)
	tests := []struct {
		kinds []ArgKind
		want  []ArgPlace
		stack int
	}{
		{
			[]ArgKind{ArgInt, ArgFloat, ArgInt},
			[]ArgPlace{{Core: []CoreReg{R0}}, {Core: []CoreReg{R2, R3}}, {OnStack: true}},
			8,
		},
		{
			[]ArgKind{ArgLongLong, ArgInt, ArgLongLong},
			[]ArgPlace{{Core: []CoreReg{R0, R1}}, {Core: []CoreReg{R2}}, {OnStack: true}},
			8,
		},
		{
			[]ArgKind{ArgInt, ArgInt, ArgInt, ArgInt, ArgInt, ArgFloat},
			[]ArgPlace{{Core: []CoreReg{R0}}, {Core: []CoreReg{R1}}, {Core: []CoreReg{R2}},
				{Core: []CoreReg{R3}}, {OnStack: true}, {OnStack: true, Offset: 8}},
			16,
		},
	}
	for _, tt := range tests {
		places, stack := cc.Classify(tt.kinds)
		if diff := cmp.Diff(tt.want, places); diff != "" {
			t.Errorf("Classify(%c) mismatch (-want +got):\n%s", tt.kinds, diff)
		}
		if stack != tt.stack {
			t.Errorf("Classify(%c) stack = %d, want %d", tt.kinds, stack, tt.stack)
		}
	}
	if p := cc.ResultPlace(ArgFloat); len(p.Core) != 2 {
		t.Errorf("soft-float double result should come back in r0:r1, got %+v", p)
	}
}
