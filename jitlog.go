// Completion: 100% - Binary jitlog writer and reader complete
package tracejit

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xyproto/tracejit/internal/engine"
)

// Record marks of the jitlog stream
const (
	markInputArgs      byte = 0x10
	markResop          byte = 0x12
	markResopDescr     byte = 0x13
	markAsmAddr        byte = 0x14
	markAsm            byte = 0x15
	markStitchBridge   byte = 0x19
	markStartTrace     byte = 0x1a
	markInitMergePoint byte = 0x1c
	markJitlogHeader   byte = 0x1d
	markMergePoint     byte = 0x1e
	markCommonPrefix   byte = 0x1f
	markAbortTrace     byte = 0x20
	markJitlogEnd      byte = 0x24
)

// JitlogVersion is written into every header
const JitlogVersion uint16 = 4

const (
	jitlogLoop   byte = 'l'
	jitlogBridge byte = 'b'
)

// minCommonPrefix is the shortest shared prefix worth a prefix record
const minCommonPrefix = 8

func unitKindName(kind byte) string {
	if kind == jitlogBridge {
		return "bridge"
	}
	return "loop"
}

// JitLogger writes the binary jitlog. A nil *JitLogger discards
// everything, so callers never check whether logging is enabled.
type JitLogger struct {
	w      *bufio.Writer
	f      io.Closer
	err    error
	traces uint64

	descrs    map[Descr]uint64
	prefixes  []string
	lastMerge string
	mergeInit bool
}

// OpenJitlog creates the file at path and writes the header
func OpenJitlog(path string, m engine.Machine) (*JitLogger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("opening jitlog: %w", err)
	}
	l := NewJitLogger(f, m)
	l.f = f
	if l.err != nil {
		f.Close()
		return nil, l.err
	}
	return l, nil
}

// NewJitLogger writes a header to w and returns a logger appending to it
func NewJitLogger(w io.Writer, m engine.Machine) *JitLogger {
	l := &JitLogger{w: bufio.NewWriter(w), descrs: make(map[Descr]uint64)}
	l.write(JitlogHeaderBytes(m))
	return l
}

// JitlogHeaderBytes assembles the header: version, word size, machine
// name and the opcode table
func JitlogHeaderBytes(m engine.Machine) []byte {
	var b []byte
	b = append(b, markJitlogHeader)
	b = binary.LittleEndian.AppendUint16(b, JitlogVersion)
	is32 := byte(0)
	if m.Is32Bit() {
		is32 = 1
	}
	b = append(b, is32)
	b = appendString(b, m.String())
	ops := AllOpcodes()
	b = binary.LittleEndian.AppendUint16(b, uint16(len(ops)))
	for _, op := range ops {
		b = binary.LittleEndian.AppendUint16(b, uint16(op))
		b = appendString(b, op.String())
	}
	return b
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func (l *JitLogger) write(b []byte) {
	if l.err == nil {
		_, l.err = l.w.Write(b)
	}
}

func (l *JitLogger) descrID(d Descr) uint64 {
	switch d := d.(type) {
	case *FailDescr:
		return uint64(d.handle)
	case *FinalDescr:
		return uint64(d.handle)
	}
	id, ok := l.descrs[d]
	if !ok {
		id = uint64(1<<32 + len(l.descrs))
		l.descrs[d] = id
	}
	return id
}

// LogTrace writes a compiled unit: its inputs, operations, merge points
// and code range
func (l *JitLogger) LogTrace(kind byte, name string, inputs []*Var, ops []*Op, offsets []int, addr, size uint32) error {
	if l == nil {
		return nil
	}
	l.traces++
	b := []byte{markStartTrace}
	b = binary.LittleEndian.AppendUint64(b, l.traces)
	b = appendString(b, unitKindName(kind))
	b = appendString(b, name)

	names := make([]string, len(inputs))
	for i, v := range inputs {
		names[i] = v.String()
	}
	b = append(b, markInputArgs)
	b = appendString(b, strings.Join(names, ","))
	l.write(b)

	for _, op := range ops {
		if op.Opcode == OpDebugMergePoint {
			l.logMergePoint(op)
		}
		l.logResop(op)
	}

	b = []byte{markAsmAddr}
	b = binary.LittleEndian.AppendUint64(b, uint64(addr))
	b = binary.LittleEndian.AppendUint64(b, uint64(addr+size))
	for i, ofs := range offsets {
		b = append(b, markAsm)
		b = binary.LittleEndian.AppendUint16(b, uint16(i))
		b = binary.LittleEndian.AppendUint32(b, uint32(ofs))
	}
	l.write(b)
	return l.flush()
}

func (l *JitLogger) logResop(op *Op) {
	parts := make([]string, 0, len(op.Args)+1)
	if op.Result != nil {
		parts = append(parts, op.Result.String())
	} else {
		parts = append(parts, "?")
	}
	for _, a := range op.Args {
		parts = append(parts, a.String())
	}
	var b []byte
	if op.Descr != nil {
		b = append(b, markResopDescr)
	} else {
		b = append(b, markResop)
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(op.Opcode))
	b = appendString(b, strings.Join(parts, ","))
	if op.Descr != nil {
		b = binary.LittleEndian.AppendUint64(b, l.descrID(op.Descr))
	}
	l.write(b)
}

// logMergePoint writes the location of a merge point. Locations sharing a
// long prefix with an earlier one refer to a common prefix record.
func (l *JitLogger) logMergePoint(op *Op) {
	var b []byte
	if !l.mergeInit {
		l.mergeInit = true
		b = append(b, markInitMergePoint)
		b = binary.LittleEndian.AppendUint16(b, 1)
		b = append(b, 's')
	}
	parts := make([]string, len(op.Args))
	for i, a := range op.Args {
		parts[i] = a.String()
	}
	loc := strings.Join(parts, " ")

	index := -1
	for i, p := range l.prefixes {
		if strings.HasPrefix(loc, p) && (index < 0 || len(p) > len(l.prefixes[index])) {
			index = i
		}
	}
	if index < 0 {
		if n := commonPrefixLen(l.lastMerge, loc); n >= minCommonPrefix {
			index = len(l.prefixes)
			l.prefixes = append(l.prefixes, loc[:n])
			b = append(b, markCommonPrefix)
			b = binary.LittleEndian.AppendUint16(b, uint16(index))
			b = appendString(b, loc[:n])
		}
	}
	l.lastMerge = loc

	b = append(b, markMergePoint)
	if index < 0 {
		b = binary.LittleEndian.AppendUint16(b, 0)
		b = appendString(b, loc)
	} else {
		b = binary.LittleEndian.AppendUint16(b, uint16(index+1))
		b = appendString(b, loc[len(l.prefixes[index]):])
	}
	l.write(b)
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// LogStitch records a bridge attached to a guard
func (l *JitLogger) LogStitch(fd *FailDescr, addr uint32) error {
	if l == nil {
		return nil
	}
	b := []byte{markStitchBridge}
	b = binary.LittleEndian.AppendUint64(b, uint64(fd.handle))
	b = binary.LittleEndian.AppendUint64(b, uint64(addr))
	l.write(b)
	return l.flush()
}

// LogAbort records a unit whose compilation failed
func (l *JitLogger) LogAbort(name, reason string) {
	if l == nil {
		return
	}
	b := []byte{markAbortTrace}
	b = appendString(b, name)
	b = appendString(b, reason)
	l.write(b)
	if err := l.flush(); err != nil {
		runtimeLog.Warningf("jitlog: %s", err)
	}
}

func (l *JitLogger) flush() error {
	if l.err == nil {
		l.err = l.w.Flush()
	}
	return l.err
}

// Close writes the end mark and closes the file
func (l *JitLogger) Close() error {
	if l == nil {
		return nil
	}
	l.write([]byte{markJitlogEnd})
	err := l.flush()
	if l.f != nil {
		err = errors.Join(err, l.f.Close())
	}
	return err
}

// JitlogHeader is a parsed jitlog header
type JitlogHeader struct {
	Version uint16
	Is32Bit bool
	Machine string
	Opcodes map[uint16]string
}

type jitlogReader struct {
	r *bufio.Reader
}

func (jr *jitlogReader) u8() (byte, error) { return jr.r.ReadByte() }

func (jr *jitlogReader) u16() (uint16, error) {
	var b [2]byte
	_, err := io.ReadFull(jr.r, b[:])
	return binary.LittleEndian.Uint16(b[:]), err
}

func (jr *jitlogReader) u32() (uint32, error) {
	var b [4]byte
	_, err := io.ReadFull(jr.r, b[:])
	return binary.LittleEndian.Uint32(b[:]), err
}

func (jr *jitlogReader) u64() (uint64, error) {
	var b [8]byte
	_, err := io.ReadFull(jr.r, b[:])
	return binary.LittleEndian.Uint64(b[:]), err
}

func (jr *jitlogReader) str() (string, error) {
	n, err := jr.u32()
	if err != nil {
		return "", err
	}
	if n > 1<<24 {
		return "", fmt.Errorf("string of %d bytes", n)
	}
	b := make([]byte, n)
	_, err = io.ReadFull(jr.r, b)
	return string(b), err
}

// ParseJitlogHeader reads the header at the start of a jitlog
func ParseJitlogHeader(r io.Reader) (*JitlogHeader, error) {
	return parseHeader(&jitlogReader{r: bufio.NewReader(r)})
}

func parseHeader(jr *jitlogReader) (*JitlogHeader, error) {
	mark, err := jr.u8()
	if err != nil {
		return nil, fmt.Errorf("reading jitlog header: %w", err)
	}
	if mark != markJitlogHeader {
		return nil, fmt.Errorf("not a jitlog: mark 0x%02x", mark)
	}
	h := &JitlogHeader{Opcodes: make(map[uint16]string)}
	if h.Version, err = jr.u16(); err != nil {
		return nil, fmt.Errorf("reading jitlog version: %w", err)
	}
	is32, err := jr.u8()
	if err != nil {
		return nil, fmt.Errorf("reading jitlog word size: %w", err)
	}
	h.Is32Bit = is32 != 0
	if h.Machine, err = jr.str(); err != nil {
		return nil, fmt.Errorf("reading jitlog machine: %w", err)
	}
	n, err := jr.u16()
	if err != nil {
		return nil, fmt.Errorf("reading jitlog opcode count: %w", err)
	}
	for range int(n) {
		id, err := jr.u16()
		if err != nil {
			return nil, fmt.Errorf("reading jitlog opcode table: %w", err)
		}
		name, err := jr.str()
		if err != nil {
			return nil, fmt.Errorf("reading jitlog opcode table: %w", err)
		}
		h.Opcodes[id] = name
	}
	return h, nil
}

// JitlogRecord is one decoded record after the header
type JitlogRecord struct {
	Mark byte
	Text string
}

// ReadJitlog decodes a whole jitlog into its header and a readable form of
// every record. Merge point locations come back with their common prefix
// expanded.
func ReadJitlog(r io.Reader) (*JitlogHeader, []JitlogRecord, error) {
	jr := &jitlogReader{r: bufio.NewReader(r)}
	h, err := parseHeader(jr)
	if err != nil {
		return nil, nil, err
	}
	var recs []JitlogRecord
	var prefixes []string
	for {
		mark, err := jr.u8()
		if err == io.EOF {
			return h, recs, nil
		}
		if err != nil {
			return h, recs, err
		}
		text, err := readRecord(jr, h, mark, &prefixes)
		if err != nil {
			return h, recs, fmt.Errorf("record %d (mark 0x%02x): %w", len(recs), mark, err)
		}
		recs = append(recs, JitlogRecord{Mark: mark, Text: text})
		if mark == markJitlogEnd {
			return h, recs, nil
		}
	}
}

func readRecord(jr *jitlogReader, h *JitlogHeader, mark byte, prefixes *[]string) (string, error) {
	switch mark {
	case markStartTrace:
		id, err := jr.u64()
		if err != nil {
			return "", err
		}
		kind, err := jr.str()
		if err != nil {
			return "", err
		}
		name, err := jr.str()
		return fmt.Sprintf("start %s %s #%d", kind, name, id), err
	case markInputArgs:
		s, err := jr.str()
		return "inputs [" + s + "]", err
	case markResop, markResopDescr:
		op, err := jr.u16()
		if err != nil {
			return "", err
		}
		args, err := jr.str()
		if err != nil {
			return "", err
		}
		text := fmt.Sprintf("%s(%s)", h.Opcodes[op], args)
		if mark == markResopDescr {
			d, err := jr.u64()
			if err != nil {
				return "", err
			}
			text += fmt.Sprintf(" descr=%d", d)
		}
		return text, nil
	case markInitMergePoint:
		n, err := jr.u16()
		if err != nil {
			return "", err
		}
		types := make([]byte, n)
		_, err = io.ReadFull(jr.r, types)
		return fmt.Sprintf("merge point fields %q", types), err
	case markCommonPrefix:
		idx, err := jr.u16()
		if err != nil {
			return "", err
		}
		p, err := jr.str()
		if err != nil {
			return "", err
		}
		if int(idx) != len(*prefixes) {
			return "", fmt.Errorf("prefix %d out of order", idx)
		}
		*prefixes = append(*prefixes, p)
		return fmt.Sprintf("prefix %d %q", idx, p), nil
	case markMergePoint:
		idx, err := jr.u16()
		if err != nil {
			return "", err
		}
		s, err := jr.str()
		if err != nil {
			return "", err
		}
		if idx > 0 {
			if int(idx) > len(*prefixes) {
				return "", fmt.Errorf("unknown prefix %d", idx-1)
			}
			s = (*prefixes)[idx-1] + s
		}
		return "merge point " + s, nil
	case markAsmAddr:
		start, err := jr.u64()
		if err != nil {
			return "", err
		}
		end, err := jr.u64()
		return fmt.Sprintf("code 0x%x-0x%x", start, end), err
	case markAsm:
		i, err := jr.u16()
		if err != nil {
			return "", err
		}
		ofs, err := jr.u32()
		return fmt.Sprintf("op %d at +%d", i, ofs), err
	case markStitchBridge:
		d, err := jr.u64()
		if err != nil {
			return "", err
		}
		addr, err := jr.u64()
		return fmt.Sprintf("stitch guard %d to 0x%x", d, addr), err
	case markAbortTrace:
		name, err := jr.str()
		if err != nil {
			return "", err
		}
		reason, err := jr.str()
		return fmt.Sprintf("abort %s: %s", name, reason), err
	case markJitlogEnd:
		return "end", nil
	}
	return "", fmt.Errorf("unknown mark")
}
