package tracejit

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/xyproto/tracejit/internal/engine"
)

func recordTexts(recs []JitlogRecord, mark byte) []string {
	var out []string
	for _, r := range recs {
		if r.Mark == mark {
			out = append(out, r.Text)
		}
	}
	return out
}

func TestJitlogOfLoopAndBridge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JitlogPath = filepath.Join(t.TempDir(), "run.jitlog")
	c, err := NewJitContext(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tok := compileTrace(t, c, nil, countingLoop)
	if err := c.CompileBridge(tok.Guards()[0], parseBridge(t, c, "[i0]\nfinish(i0)\n")); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(cfg.JitlogPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	h, recs, err := ReadJitlog(f)
	if err != nil {
		t.Fatalf("ReadJitlog: %v", err)
	}
	if h.Version != JitlogVersion || !h.Is32Bit || !strings.HasPrefix(h.Machine, "armv7") {
		t.Errorf("header %+v", h)
	}
	if h.Opcodes[uint16(OpIntAdd)] != "int_add" {
		t.Errorf("opcode table maps int_add to %q", h.Opcodes[uint16(OpIntAdd)])
	}

	starts := recordTexts(recs, markStartTrace)
	if len(starts) != 2 || !strings.HasPrefix(starts[0], "start loop") || !strings.HasPrefix(starts[1], "start bridge") {
		t.Errorf("start records %q", starts)
	}
	if n := len(recordTexts(recs, markStitchBridge)); n != 1 {
		t.Errorf("%d stitch records, want 1", n)
	}
	if n := len(recordTexts(recs, markAsmAddr)); n != 2 {
		t.Errorf("%d code ranges, want 2", n)
	}
	var adds int
	for _, s := range append(recordTexts(recs, markResop), recordTexts(recs, markResopDescr)...) {
		if strings.HasPrefix(s, "int_add(") {
			adds++
		}
	}
	if adds != 1 {
		t.Errorf("%d int_add records, want 1", adds)
	}
	if last := recs[len(recs)-1]; last.Mark != markJitlogEnd {
		t.Errorf("log ends with %q, want the end mark", last.Text)
	}
}

func TestJitlogMergePointPrefixes(t *testing.T) {
	var buf bytes.Buffer
	l := NewJitLogger(&buf, engine.ARMv7(engine.HardFloat, engine.RootsFramePointer))
	mp := func(a, b int32) *Op {
		return NewOp(OpDebugMergePoint, []Box{ConstInt{Value: a}, ConstInt{Value: b}}, nil)
	}
	ops := []*Op{mp(123456789, 1), mp(123456789, 2), mp(7, 3)}
	if err := l.LogTrace(jitlogLoop, "mp", nil, ops, nil, CodeBase, 16); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	_, recs, err := ReadJitlog(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got := recordTexts(recs, markMergePoint)
	want := []string{"merge point 123456789 1", "merge point 123456789 2", "merge point 7 3"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("merge points %q, want %q", got, want)
	}
	if p := recordTexts(recs, markCommonPrefix); len(p) != 1 {
		t.Errorf("prefix records %q, want exactly one", p)
	}
	if n := len(recordTexts(recs, markInitMergePoint)); n != 1 {
		t.Errorf("%d merge point headers, want 1", n)
	}
}

func TestJitlogNilLoggerAndBadInput(t *testing.T) {
	var l *JitLogger
	if err := l.LogTrace(jitlogLoop, "x", nil, nil, nil, 0, 0); err != nil {
		t.Error(err)
	}
	l.LogAbort("x", "nothing")
	if err := l.Close(); err != nil {
		t.Error(err)
	}

	if _, _, err := ReadJitlog(bytes.NewReader([]byte{0x42})); err == nil {
		t.Error("a stream without a header mark should be rejected")
	}
	hdr := JitlogHeaderBytes(engine.ARMv7(engine.SoftFloat, engine.RootsFramePointer))
	if _, _, err := ReadJitlog(bytes.NewReader(append(hdr, 0x7f))); err == nil {
		t.Error("an unknown record mark should be rejected")
	}
	if _, _, err := ReadJitlog(bytes.NewReader(hdr[:len(hdr)-3])); err == nil {
		t.Error("a truncated header should be rejected")
	}
}

func TestJitlogHeaderRoundTrip(t *testing.T) {
	for _, m := range []engine.Machine{
		engine.ARMv7(engine.HardFloat, engine.RootsFramePointer),
		engine.ARMv7(engine.SoftFloat, engine.RootsShadowStack),
	} {
		t.Run(m.String(), func(t *testing.T) {
			want := &JitlogHeader{
				Version: JitlogVersion,
				Is32Bit: true,
				Machine: m.String(),
				Opcodes: make(map[uint16]string),
			}
			for _, op := range AllOpcodes() {
				want.Opcodes[uint16(op)] = op.String()
			}
			got, err := ParseJitlogHeader(bytes.NewReader(JitlogHeaderBytes(m)))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("header mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
