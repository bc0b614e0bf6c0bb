package tracejit

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestTraceCacheRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	session := uuid.New()
	tc, err := OpenTraceCache(dir, session)
	if err != nil {
		t.Fatal(err)
	}
	var key [32]byte
	key[0] = 1
	rec := UnitRecord{Kind: "loop", Name: "l1", FrameDepth: 3, CodeSize: 96, OpOffsets: []int{0, 8, 20}}
	if err := tc.RecordUnit(key, rec); err != nil {
		t.Fatal(err)
	}
	if err := tc.RecordGuardFailure(key, "<guard exit>"); err != nil {
		t.Fatal(err)
	}
	if err := tc.RecordGuardFailure(key, "<guard exit>"); err != nil {
		t.Fatal(err)
	}
	// recompiling keeps the failure counts
	if err := tc.RecordUnit(key, rec); err != nil {
		t.Fatal(err)
	}
	var other [32]byte
	if err := tc.RecordGuardFailure(other, "<guard g>"); err == nil {
		t.Error("a failure for an unknown unit should be an error")
	}
	if err := tc.Close(); err != nil {
		t.Fatal(err)
	}

	tc, err = OpenTraceCache(dir, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer tc.Close()
	got, found, err := tc.Lookup(key)
	if err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}
	want := rec
	want.Session = session.String()
	want.Compilations = 2
	want.GuardFailures = map[string]int{"<guard exit>": 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	units, err := tc.Units()
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[key].Name != "l1" {
		t.Errorf("Units() = %v", units)
	}
}

func TestTraceCacheFromContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "cache")
	c, err := NewJitContext(cfg)
	if err != nil {
		t.Fatal(err)
	}
	trace, err := ParseTrace(countingLoop, c.Namespace())
	if err != nil {
		t.Fatal(err)
	}
	key := TraceKey(trace)
	tok, err := c.CompileLoop(trace)
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if _, err := c.Execute(tok, IntValue(0)); err != nil {
			t.Fatal(err)
		}
	}
	session := c.Session().String()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	tc, err := OpenTraceCache(cfg.CachePath, uuid.New())
	if err != nil {
		t.Fatal(err)
	}
	defer tc.Close()
	rec, found, err := tc.Lookup(key)
	if err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}
	if rec.Kind != "loop" || rec.Session != session || rec.CodeSize == 0 {
		t.Errorf("record %+v", rec)
	}
	if n := rec.GuardFailures["<guard exit>"]; n != 3 {
		t.Errorf("exit failed %d times, want 3", n)
	}
}

func TestTraceKeyIgnoresNamespace(t *testing.T) {
	a, err := ParseTrace(countingLoop, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseTrace(countingLoop, nil)
	if err != nil {
		t.Fatal(err)
	}
	if TraceKey(a) != TraceKey(b) {
		t.Error("the same listing should give the same key")
	}
	c, err := ParseTrace(countingLoop[:len(countingLoop)-len("jump(i1, descr=loop)\n")]+"jump(i1, descr=loop)\n\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if TraceKey(a) != TraceKey(c) {
		t.Error("blank lines should not change the key")
	}
	d, err := ParseTrace(countingLoop[:len(countingLoop)-len("i2 = int_lt(i1, 20)\nguard_true(i2, descr=exit) [i1]\njump(i1, descr=loop)\n")]+
		"i2 = int_lt(i1, 21)\nguard_true(i2, descr=exit) [i1]\njump(i1, descr=loop)\n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if TraceKey(a) == TraceKey(d) {
		t.Error("a different bound should give a different key")
	}
}
