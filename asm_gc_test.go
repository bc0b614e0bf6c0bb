package tracejit

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRewriteElidesBarriers(t *testing.T) {
	c := newTestContext(t)
	trace, err := ParseTrace(`
[p0, p1]
p2 = new(descr=Point)
setfield_gc(p2, p1, descr=next)
setfield_gc(p0, p1, descr=next)
setfield_gc(p0, p2, descr=next)
i3 = getfield_gc_i(p0, descr=x)
finish(p2)
`, bhNamespace(c))
	if err != nil {
		t.Fatal(err)
	}
	ops, err := c.rewriteGC(trace.Ops)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, op := range ops {
		got = append(got, op.Opcode.String())
	}
	want := []string{
		"call_malloc_nursery",
		"gc_store", "gc_store", "gc_store", "gc_store", // header and zeroed fields
		"gc_store",
		"cond_call_gc_wb", "gc_store",
		"gc_store",
		"gc_load_i",
		"finish",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rewritten ops (-want +got):\n%s", diff)
	}
}

func TestCompiledWriteBarrierRunsOnce(t *testing.T) {
	c := newTestContext(t)
	ns := bhNamespace(c)
	tok := compileTrace(t, c, ns, `
[p0, p1]
setfield_gc(p0, p1, descr=next)
finish(p0)
`)
	obj, err := c.gc.NewObject(ns.Descrs["Point"].(*SizeDescr))
	if err != nil {
		t.Fatal(err)
	}
	val, err := c.gc.NewObject(ns.Descrs["Point"].(*SizeDescr))
	if err != nil {
		t.Fatal(err)
	}
	wb, _ := c.helpers.Lookup("gc_write_barrier")
	for range 2 {
		if _, err := c.Execute(tok, RefValue(obj), RefValue(val)); err != nil {
			t.Fatal(err)
		}
	}
	if wb.Calls != 1 {
		t.Errorf("%d barrier calls, want 1", wb.Calls)
	}
	if diff := cmp.Diff([]uint32{obj}, c.gc.Remembered); diff != "" {
		t.Errorf("remembered set (-want +got):\n%s", diff)
	}
	if got := c.mem.Load32(obj + 4); got != val {
		t.Errorf("field holds 0x%x, want 0x%x", got, val)
	}
}

func TestCompiledCardMarking(t *testing.T) {
	c := newTestContext(t)
	ns := bhNamespace(c)
	tok := compileTrace(t, c, ns, `
[p0, i1, p2]
setarrayitem_gc(p0, i1, p2, descr=refs)
finish(p0)
`)
	arr, err := c.gc.NewArray(ns.Descrs["refs"].(*ArrayDescr), 100)
	if err != nil {
		t.Fatal(err)
	}
	val, err := c.gc.NewObject(ns.Descrs["Point"].(*SizeDescr))
	if err != nil {
		t.Fatal(err)
	}
	wba, _ := c.helpers.Lookup("gc_write_barrier_array")
	for _, idx := range []int32{3, 70} {
		if _, err := c.Execute(tok, RefValue(arr), IntValue(idx), RefValue(val)); err != nil {
			t.Fatal(err)
		}
	}
	if wba.Calls != 1 {
		t.Errorf("%d array barrier calls, want 1", wba.Calls)
	}
	if len(c.gc.CardObjects) != 1 || c.gc.CardObjects[0] != arr {
		t.Errorf("card objects %v", c.gc.CardObjects)
	}
	for _, tt := range []struct {
		idx    uint32
		marked bool
	}{{3, true}, {70, true}, {40, false}} {
		if got := c.gc.CardMarked(arr, tt.idx); got != tt.marked {
			t.Errorf("card for %d marked = %v", tt.idx, got)
		}
	}
	if got := c.mem.Load32(arr + 8 + 70*4); got != val {
		t.Errorf("item 70 holds 0x%x", got)
	}
}

func TestCompiledNewObject(t *testing.T) {
	c := newTestContext(t)
	ns := bhNamespace(c)
	tok := compileTrace(t, c, ns, `
[i0]
p1 = new_with_vtable(descr=Boom)
p2 = new(descr=Point)
setfield_gc(p2, i0, descr=x)
i3 = getfield_gc_i(p2, descr=x)
setfield_gc(p2, p1, descr=next)
i4 = int_add(i3, 1)
finish(i4)
`)
	df, err := c.Execute(tok, IntValue(41))
	if err != nil {
		t.Fatal(err)
	}
	if got := df.Int(0); got != 42 {
		t.Errorf("result %d, want 42", got)
	}
	if wb, _ := c.helpers.Lookup("gc_write_barrier"); wb.Calls != 0 {
		t.Errorf("stores into fresh objects called the barrier %d times", wb.Calls)
	}
}
