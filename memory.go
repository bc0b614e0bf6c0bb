// Completion: 100% - Simulated address space complete
package tracejit

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Fixed parts of the 32-bit address window. Everything below CodeBase is
// the guard page range; helper trap addresses and the host return address
// live above the mapping and are intercepted by the machine.
const (
	GuardEnd    = 0x00001000
	CodeBase    = 0x00010000
	CodeEnd     = 0x00200000
	GlobalsBase = 0x00200000
	GlobalsEnd  = 0x00300000
	HeapBase    = 0x00300000

	HelperBase = 0xFFFF0000
	HelperEnd  = 0xFFFFF000
	HostReturn = 0xFFFFFFF0
)

// Layout describes where each region of the simulated address space lives
type Layout struct {
	HeapEnd     uint32
	StackLimit  uint32 // lowest usable stack address
	StackTop    uint32 // initial sp, 8-byte aligned
	ShadowBase  uint32
	ShadowEnd   uint32
	Size        uint32 // total mapped bytes starting at address 0
	NurserySize uint32
}

// NewLayout places the machine stack and the shadow root stack after a heap
// of heapSize bytes
func NewLayout(heapSize, stackSize, nurserySize uint32) Layout {
	const align = 0x10000
	round := func(v uint32) uint32 { return (v + align - 1) &^ (align - 1) }
	l := Layout{NurserySize: nurserySize}
	l.HeapEnd = HeapBase + round(heapSize)
	l.StackLimit = l.HeapEnd
	l.StackTop = l.StackLimit + round(stackSize)
	l.ShadowBase = l.StackTop
	l.ShadowEnd = l.ShadowBase + align
	l.Size = l.ShadowEnd
	return l
}

// MachineFault is raised for accesses the simulated machine cannot perform:
// the guard page, addresses outside the mapping, writes to protected code,
// undefined instructions and breakpoints
type MachineFault struct {
	PC     uint32
	Addr   uint32
	Reason string
}

func (f *MachineFault) Error() string {
	return fmt.Sprintf("machine fault at pc=0x%08x addr=0x%08x: %s", f.PC, f.Addr, f.Reason)
}

// Memory is the simulated address space. Accessors panic with a
// *MachineFault, which the machine converts into an error at the Run
// boundary.
type Memory struct {
	data         []byte
	layout       Layout
	codeWritable bool
	release      func() error
}

// NewMemory maps a fresh zeroed address space
func NewMemory(layout Layout) (*Memory, error) {
	data, release, err := mapRegion(int(layout.Size))
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes: %w", layout.Size, err)
	}
	m := &Memory{data: data, layout: layout, release: release}
	if err := m.SetCodeWritable(false); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Close releases the mapping
func (m *Memory) Close() error {
	if m.release == nil {
		return nil
	}
	err := m.release()
	m.release = nil
	m.data = nil
	return err
}

// Layout returns the region layout
func (m *Memory) Layout() Layout { return m.layout }

// SetCodeWritable toggles write access to the code region
func (m *Memory) SetCodeWritable(writable bool) error {
	if err := protectRegion(m.data[CodeBase:CodeEnd], writable); err != nil {
		return fmt.Errorf("protecting code region: %w", err)
	}
	m.codeWritable = writable
	return nil
}

func (m *Memory) fault(addr uint32, format string, args ...any) {
	panic(&MachineFault{Addr: addr, Reason: fmt.Sprintf(format, args...)})
}

func (m *Memory) check(addr, n uint32, write bool) []byte {
	if addr < GuardEnd {
		m.fault(addr, "access to guard page")
	}
	end := uint64(addr) + uint64(n)
	if end > uint64(len(m.data)) {
		m.fault(addr, "access outside mapped memory")
	}
	if write && !m.codeWritable && addr < CodeEnd && end > CodeBase {
		m.fault(addr, "write to protected code")
	}
	return m.data[addr:end]
}

func (m *Memory) Load8(addr uint32) uint8 { return m.check(addr, 1, false)[0] }

func (m *Memory) Load16(addr uint32) uint16 {
	return binary.LittleEndian.Uint16(m.check(addr, 2, false))
}

func (m *Memory) Load32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(m.check(addr, 4, false))
}

func (m *Memory) Load64(addr uint32) uint64 {
	return binary.LittleEndian.Uint64(m.check(addr, 8, false))
}

func (m *Memory) LoadFloat(addr uint32) float64 {
	return math.Float64frombits(m.Load64(addr))
}

func (m *Memory) Store8(addr uint32, v uint8) { m.check(addr, 1, true)[0] = v }

func (m *Memory) Store16(addr uint32, v uint16) {
	binary.LittleEndian.PutUint16(m.check(addr, 2, true), v)
}

func (m *Memory) Store32(addr uint32, v uint32) {
	binary.LittleEndian.PutUint32(m.check(addr, 4, true), v)
}

func (m *Memory) Store64(addr uint32, v uint64) {
	binary.LittleEndian.PutUint64(m.check(addr, 8, true), v)
}

func (m *Memory) StoreFloat(addr uint32, v float64) {
	m.Store64(addr, math.Float64bits(v))
}

// Read copies n bytes starting at addr
func (m *Memory) Read(addr, n uint32) []byte {
	out := make([]byte, n)
	copy(out, m.check(addr, n, false))
	return out
}

// Write copies b to addr
func (m *Memory) Write(addr uint32, b []byte) {
	copy(m.check(addr, uint32(len(b)), true), b)
}

// Zero clears n bytes starting at addr
func (m *Memory) Zero(addr, n uint32) {
	clear(m.check(addr, n, true))
}

// Access runs fn and converts a memory fault into an error. Host code that
// pokes at simulated memory outside Machine.Run uses it.
func (m *Memory) Access(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(*MachineFault); ok {
				err = f
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

// DataPool is a bump allocator over the globals region. It holds runtime
// cells, float constants, gcmaps and frame-info words; nothing is freed.
type DataPool struct {
	mem  *Memory
	next uint32
	end  uint32
}

func newDataPool(mem *Memory) *DataPool {
	return &DataPool{mem: mem, next: GlobalsBase, end: GlobalsEnd}
}

// Alloc reserves n zeroed bytes aligned to align
func (p *DataPool) Alloc(n, align uint32) (uint32, error) {
	addr := (p.next + align - 1) &^ (align - 1)
	if addr+n > p.end {
		return 0, fmt.Errorf("data pool exhausted allocating %d bytes", n)
	}
	p.next = addr + n
	p.mem.Zero(addr, n)
	return addr, nil
}

// Word allocates one word initialized to v
func (p *DataPool) Word(v uint32) (uint32, error) {
	addr, err := p.Alloc(WORD, WORD)
	if err != nil {
		return 0, err
	}
	p.mem.Store32(addr, v)
	return addr, nil
}

// Float allocates an 8-byte aligned double constant
func (p *DataPool) Float(v float64) (uint32, error) {
	addr, err := p.Alloc(8, 8)
	if err != nil {
		return 0, err
	}
	p.mem.StoreFloat(addr, v)
	return addr, nil
}

// Words allocates and fills a word array
func (p *DataPool) Words(ws []uint32) (uint32, error) {
	addr, err := p.Alloc(uint32(len(ws))*WORD, WORD)
	if err != nil {
		return 0, err
	}
	for i, w := range ws {
		p.mem.Store32(addr+uint32(i)*WORD, w)
	}
	return addr, nil
}
