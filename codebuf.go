// Completion: 100% - Code buffers complete
package tracejit

import (
	"fmt"
)

// Code emission happens in two phases. A CodeBuilder is append-only and
// resolves its own labels when it is finalized. Finalizing installs the
// words into code memory and yields a CodeBlock; only a CodeBlock hands out
// a PatchView, so installed code can never be patched through a builder and
// a builder can never be patched after it was installed.

// Label is a position inside a CodeBuilder
type Label struct {
	name  string
	pos   int
	bound bool
}

func (l *Label) String() string {
	if l.bound {
		return fmt.Sprintf("%s@%d", l.name, l.pos)
	}
	return l.name + "@?"
}

type fixupKind uint8

const (
	fixBranch fixupKind = iota
	fixBranchLink
)

type fixup struct {
	pos   int
	kind  fixupKind
	cond  Cond
	label *Label
}

type reloc struct {
	pos    int
	cond   Cond
	target uint32
}

// CodeBuilder collects instruction words for one compilation unit
type CodeBuilder struct {
	name      string
	words     []uint32
	fixups    []fixup
	relocs    []reloc
	finalized bool
}

// NewCodeBuilder creates a builder with a name for debugging
func NewCodeBuilder(name string) *CodeBuilder {
	return &CodeBuilder{name: name}
}

func (b *CodeBuilder) mustNotBeFinalized() {
	if b.finalized {
		panic(&AssertionError{Message: fmt.Sprintf("CodeBuilder(%s): write after finalize", b.name)})
	}
}

// Emit appends one instruction word
func (b *CodeBuilder) Emit(w uint32) {
	b.mustNotBeFinalized()
	b.words = append(b.words, w)
}

// Pos returns the current byte offset
func (b *CodeBuilder) Pos() int { return len(b.words) * WORD }

// NewLabel creates an unbound label
func (b *CodeBuilder) NewLabel(name string) *Label {
	return &Label{name: name}
}

// Bind attaches a label to the current position
func (b *CodeBuilder) Bind(l *Label) {
	b.mustNotBeFinalized()
	assertf(!l.bound, "label %s bound twice", l.name)
	l.pos = b.Pos()
	l.bound = true
}

// Branch emits a conditional branch to a label
func (b *CodeBuilder) Branch(cond Cond, l *Label) {
	b.mustNotBeFinalized()
	b.fixups = append(b.fixups, fixup{pos: b.Pos(), kind: fixBranch, cond: cond, label: l})
	b.words = append(b.words, encBKPT(0))
}

// BranchLink emits a conditional branch-with-link to a label
func (b *CodeBuilder) BranchLink(cond Cond, l *Label) {
	b.mustNotBeFinalized()
	b.fixups = append(b.fixups, fixup{pos: b.Pos(), kind: fixBranchLink, cond: cond, label: l})
	b.words = append(b.words, encBKPT(0))
}

// BranchAbs emits a branch to an absolute address outside this unit
func (b *CodeBuilder) BranchAbs(cond Cond, target uint32) {
	b.mustNotBeFinalized()
	b.relocs = append(b.relocs, reloc{pos: b.Pos(), cond: cond, target: target})
	b.words = append(b.words, encBKPT(0))
}

// Overwrite replaces an already emitted word
func (b *CodeBuilder) Overwrite(pos int, w uint32) {
	b.mustNotBeFinalized()
	assertf(pos%WORD == 0 && pos < b.Pos(), "overwrite at bad position %d", pos)
	b.words[pos/WORD] = w
}

// OverwriteBranch turns the word at pos into a branch to a label
func (b *CodeBuilder) OverwriteBranch(pos int, cond Cond, l *Label) {
	b.mustNotBeFinalized()
	assertf(pos%WORD == 0 && pos < b.Pos(), "overwrite at bad position %d", pos)
	b.fixups = append(b.fixups, fixup{pos: pos, kind: fixBranch, cond: cond, label: l})
}

// Word returns the word at a byte offset
func (b *CodeBuilder) Word(pos int) uint32 { return b.words[pos/WORD] }

// Finalize resolves labels and relocations, installs the code and returns
// the installed block. The builder cannot be used afterwards.
func (b *CodeBuilder) Finalize(cm *CodeMemory) (*CodeBlock, error) {
	b.mustNotBeFinalized()
	addr, err := cm.reserve(uint32(b.Pos()))
	if err != nil {
		return nil, fmt.Errorf("installing %s: %w", b.name, err)
	}
	for _, f := range b.fixups {
		assertf(f.label.bound, "CodeBuilder(%s): label %s never bound", b.name, f.label.name)
		offset := f.label.pos - f.pos
		if f.kind == fixBranchLink {
			b.words[f.pos/WORD] = encBL(f.cond, offset)
		} else {
			b.words[f.pos/WORD] = encB(f.cond, offset)
		}
	}
	for _, r := range b.relocs {
		from := addr + uint32(r.pos)
		b.words[r.pos/WORD] = encB(r.cond, int(int64(r.target)-int64(from)))
	}
	if err := cm.install(addr, b.words); err != nil {
		return nil, err
	}
	b.finalized = true
	block := &CodeBlock{Name: b.name, Addr: addr, Size: uint32(b.Pos()), cm: cm}
	if asmLog.AllowLevel(levelDebug) {
		asmLog.Debugf("installed %s at 0x%08x (%d bytes)", b.name, addr, block.Size)
	}
	return block, nil
}

// CodeBlock is an installed, immutable-by-default unit of code
type CodeBlock struct {
	Name string
	Addr uint32
	Size uint32
	cm   *CodeMemory
}

// At returns the absolute address of a byte offset inside the block
func (c *CodeBlock) At(pos int) uint32 {
	assertf(pos >= 0 && uint32(pos) <= c.Size, "offset %d outside block %s", pos, c.Name)
	return c.Addr + uint32(pos)
}

// Contains reports whether addr is inside the block
func (c *CodeBlock) Contains(addr uint32) bool {
	return addr >= c.Addr && addr < c.Addr+c.Size
}

// Patch opens a write window on the installed block
func (c *CodeBlock) Patch() (*PatchView, error) {
	if err := c.cm.openWindow(); err != nil {
		return nil, err
	}
	return &PatchView{block: c, lo: ^uint32(0)}, nil
}

// PatchView allows overwriting words of an installed block. Close flushes
// the instruction cache for the touched range and write-protects the code
// again.
type PatchView struct {
	block  *CodeBlock
	lo, hi uint32
	closed bool
}

// Write stores one word at an absolute address inside the block
func (p *PatchView) Write(addr, w uint32) {
	assertf(!p.closed, "PatchView(%s): write after close", p.block.Name)
	assertf(addr%WORD == 0 && p.block.Contains(addr), "patch address 0x%x outside %s", addr, p.block.Name)
	p.block.cm.mem.Store32(addr, w)
	p.lo = min(p.lo, addr)
	p.hi = max(p.hi, addr+WORD)
}

// Branch rewrites the word at addr into a branch to target
func (p *PatchView) Branch(addr uint32, cond Cond, target uint32) {
	p.Write(addr, encB(cond, int(int64(target)-int64(addr))))
}

// Word reads the current word at addr
func (p *PatchView) Word(addr uint32) uint32 {
	return p.block.cm.mem.Load32(addr)
}

// Close ends the patch window
func (p *PatchView) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if p.hi > p.lo {
		p.block.cm.icache.FlushICache(p.lo, p.hi-p.lo)
	}
	return p.block.cm.closeWindow()
}

// ICache is implemented by anything that caches decoded instructions
type ICache interface {
	FlushICache(addr, size uint32)
}

// CodeMemory hands out space in the code region
type CodeMemory struct {
	mem     *Memory
	icache  ICache
	next    uint32
	windows int
	blocks  int
}

func newCodeMemory(mem *Memory, icache ICache) *CodeMemory {
	return &CodeMemory{mem: mem, icache: icache, next: CodeBase}
}

func (cm *CodeMemory) reserve(size uint32) (uint32, error) {
	addr := (cm.next + 7) &^ 7
	if addr+size > CodeEnd {
		return 0, fmt.Errorf("code memory exhausted (%d bytes requested)", size)
	}
	cm.next = addr + size
	return addr, nil
}

func (cm *CodeMemory) install(addr uint32, words []uint32) error {
	if err := cm.openWindow(); err != nil {
		return err
	}
	for i, w := range words {
		cm.mem.Store32(addr+uint32(i)*WORD, w)
	}
	cm.icache.FlushICache(addr, uint32(len(words))*WORD)
	cm.blocks++
	return cm.closeWindow()
}

func (cm *CodeMemory) openWindow() error {
	if cm.windows == 0 {
		if err := cm.mem.SetCodeWritable(true); err != nil {
			return err
		}
	}
	cm.windows++
	return nil
}

func (cm *CodeMemory) closeWindow() error {
	assertf(cm.windows > 0, "unbalanced code window")
	cm.windows--
	if cm.windows == 0 {
		return cm.mem.SetCodeWritable(false)
	}
	return nil
}

// Used returns the number of code bytes handed out
func (cm *CodeMemory) Used() uint32 { return cm.next - CodeBase }
