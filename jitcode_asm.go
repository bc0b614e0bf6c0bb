// Completion: 100% - Jitcode assembler complete
package tracejit

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// AssembleJitCodes assembles a source holding one or more jitcodes:
//
//	.jitcode add40
//	    int_add %i0, $40 -> %i1
//	    int_return %i1
//
//	.jitcode main
//	loop:
//	    goto_if_not_int_lt %i0, $10, done
//	    inline_call_irf_i <add40>, I[%i0], R[], F[] -> %i0
//	    goto loop
//	done:
//	    int_return %i0
//
// Registers are %i, %r and %f followed by an index. Constants start with
// $ and are numbers or names from ns.Consts. Descriptors are written
// <name> and resolve to jitcodes of the same source before ns.Descrs.
// Every assembled jitcode is added to ns.Descrs.
func AssembleJitCodes(src string, ns *Namespace) (map[string]*JitCode, error) {
	if ns == nil {
		ns = NewNamespace()
	}
	a := &jitcodeAsm{lex: NewLexer(src), ns: ns, codes: make(map[string]*JitCode)}
	if err := a.parse(); err != nil {
		return nil, newError(CategoryParse, err, "assembling jitcode")
	}
	for _, s := range a.sections {
		if err := a.encode(s); err != nil {
			return nil, newError(CategoryParse, err, "assembling %s", s.code)
		}
	}
	for name, code := range a.codes {
		ns.Descrs[name] = code
	}
	return a.codes, nil
}

// AssembleJitCode assembles a single jitcode. The .jitcode line may be
// left out, the code is then called name.
func AssembleJitCode(name, src string, ns *Namespace) (*JitCode, error) {
	if !strings.HasPrefix(strings.TrimSpace(src), ".jitcode") {
		src = ".jitcode " + name + "\n" + src
	}
	codes, err := AssembleJitCodes(src, ns)
	if err != nil {
		return nil, err
	}
	code, ok := codes[name]
	if !ok || len(codes) != 1 {
		return nil, newError(CategoryParse, nil, "expected exactly the jitcode %q", name)
	}
	return code, nil
}

type asmOperand struct {
	tok  Token
	list []Token // items of an I, R or F list
}

type asmInsn struct {
	at     Token
	op     bhOpcode
	args   []asmOperand
	result Token
}

type asmSection struct {
	code   *JitCode
	insns  []asmInsn
	regs   [3]int // register counts of the i, r and f banks
	consts map[string]int
}

type jitcodeAsm struct {
	lex      *Lexer
	ns       *Namespace
	codes    map[string]*JitCode
	sections []*asmSection
}

func bankIndex(bank byte) int { return strings.IndexByte("irf", bank) }

func (a *jitcodeAsm) parse() error {
	var cur *asmSection
	pos := 0
	for {
		tok := a.lex.NextToken()
		switch tok.Type {
		case TOKEN_EOF:
			return nil
		case TOKEN_NEWLINE:
			continue
		case TOKEN_DIRECTIVE:
			if tok.Value != "jitcode" {
				return errorAt(tok, "unknown directive .%s", tok.Value)
			}
			nt := a.lex.NextToken()
			if nt.Type != TOKEN_IDENT {
				return errorAt(nt, "expected a jitcode name, got %s", nt)
			}
			if _, dup := a.codes[nt.Value]; dup {
				return errorAt(nt, "jitcode %q defined twice", nt.Value)
			}
			code := &JitCode{Name: nt.Value, Labels: make(map[string]int)}
			a.codes[nt.Value] = code
			cur = &asmSection{code: code, consts: make(map[string]int)}
			a.sections = append(a.sections, cur)
			pos = 0
			continue
		case TOKEN_IDENT:
		default:
			return errorAt(tok, "expected an instruction, got %s", tok)
		}
		if cur == nil {
			return errorAt(tok, "instruction outside a .jitcode section")
		}
		if a.lex.Peek().Type == TOKEN_COLON {
			a.lex.NextToken()
			if _, dup := cur.code.Labels[tok.Value]; dup {
				return errorAt(tok, "label %q defined twice", tok.Value)
			}
			cur.code.Labels[tok.Value] = pos
			continue
		}
		insn, err := a.parseInsn(tok, cur)
		if err != nil {
			return err
		}
		cur.insns = append(cur.insns, insn)
		pos += insnSize(insn)
	}
}

func insnSize(insn asmInsn) int {
	info := bhOpcodeInfo[insn.op]
	n := 1
	for i, c := range []byte(info.args) {
		switch c {
		case 'i', 'r', 'f':
			n++
		case 'L', 'd':
			n += 2
		case 'I', 'R', 'F':
			n += 1 + len(insn.args[i].list)
		}
	}
	if info.result != 0 {
		n++
	}
	return n
}

func (a *jitcodeAsm) parseInsn(name Token, s *asmSection) (asmInsn, error) {
	op, ok := bhOpcodesByName[name.Value]
	if !ok {
		return asmInsn{}, errorAt(name, "unknown instruction %q", name.Value)
	}
	insn := asmInsn{at: name, op: op}
	info := bhOpcodeInfo[op]
	for i := 0; i < len(info.args); i++ {
		if i > 0 {
			if t := a.lex.NextToken(); t.Type != TOKEN_COMMA {
				return insn, errorAt(t, "%s takes %d operands", op, len(info.args))
			}
		}
		c := info.args[i]
		tok := a.lex.NextToken()
		operand := asmOperand{tok: tok}
		switch c {
		case 'i', 'r', 'f':
			if err := s.checkValue(tok, c); err != nil {
				return insn, err
			}
		case 'L':
			if tok.Type != TOKEN_IDENT {
				return insn, errorAt(tok, "expected a label, got %s", tok)
			}
		case 'd':
			if tok.Type != TOKEN_DESCR {
				return insn, errorAt(tok, "expected a <descriptor>, got %s", tok)
			}
		case 'I', 'R', 'F':
			if tok.Type != TOKEN_IDENT || tok.Value != string(c) {
				return insn, errorAt(tok, "expected a %c[...] list, got %s", c, tok)
			}
			if t := a.lex.NextToken(); t.Type != TOKEN_LBRACKET {
				return insn, errorAt(t, "expected '[' after %c", c)
			}
			bank := c + 'a' - 'A'
			for {
				it := a.lex.NextToken()
				if it.Type == TOKEN_RBRACKET {
					break
				}
				if it.Type == TOKEN_COMMA {
					continue
				}
				if err := s.checkValue(it, bank); err != nil {
					return insn, err
				}
				operand.list = append(operand.list, it)
			}
			if len(operand.list) > 255 {
				return insn, errorAt(tok, "more than 255 items in a list")
			}
		}
		insn.args = append(insn.args, operand)
	}
	if info.result != 0 {
		if t := a.lex.NextToken(); t.Type != TOKEN_ARROW {
			return insn, errorAt(t, "%s needs a result: -> %%%c<n>", op, info.result)
		}
		insn.result = a.lex.NextToken()
		if insn.result.Type != TOKEN_REGISTER {
			return insn, errorAt(insn.result, "expected a result register, got %s", insn.result)
		}
		if err := s.checkValue(insn.result, info.result); err != nil {
			return insn, err
		}
	}
	if t := a.lex.NextToken(); t.Type != TOKEN_NEWLINE && t.Type != TOKEN_EOF {
		return insn, errorAt(t, "unexpected %s after %s", t, op)
	}
	return insn, nil
}

// checkValue validates a register or constant of the given bank and
// grows the register count
func (s *asmSection) checkValue(tok Token, bank byte) error {
	switch tok.Type {
	case TOKEN_CONST:
		return nil
	case TOKEN_REGISTER:
		if len(tok.Value) < 2 || tok.Value[0] != bank {
			return errorAt(tok, "expected a %%%c register, got %%%s", bank, tok.Value)
		}
		n, err := strconv.Atoi(tok.Value[1:])
		if err != nil || n < 0 || n > 255 {
			return errorAt(tok, "bad register %%%s", tok.Value)
		}
		b := bankIndex(bank)
		s.regs[b] = max(s.regs[b], n+1)
		return nil
	}
	return errorAt(tok, "expected a %%%c register or a constant, got %s", bank, tok)
}

func (a *jitcodeAsm) encode(s *asmSection) error {
	code := s.code
	code.NumI, code.NumR, code.NumF = s.regs[0], s.regs[1], s.regs[2]
	descrs := make(map[Descr]int)
	var buf []byte
	u16 := func(v int) { buf = binary.LittleEndian.AppendUint16(buf, uint16(v)) }
	for _, insn := range s.insns {
		buf = append(buf, byte(insn.op))
		info := bhOpcodeInfo[insn.op]
		for i, c := range []byte(info.args) {
			arg := insn.args[i]
			switch c {
			case 'i', 'r', 'f':
				idx, err := a.operand(s, arg.tok, c)
				if err != nil {
					return err
				}
				buf = append(buf, idx)
			case 'L':
				target, ok := code.Labels[arg.tok.Value]
				if !ok {
					return errorAt(arg.tok, "undefined label %q", arg.tok.Value)
				}
				if target > math.MaxUint16 {
					return errorAt(arg.tok, "label %q is out of range", arg.tok.Value)
				}
				u16(target)
			case 'd':
				d, err := a.descr(arg.tok)
				if err != nil {
					return err
				}
				idx, ok := descrs[d]
				if !ok {
					idx = len(code.Descrs)
					code.Descrs = append(code.Descrs, d)
					descrs[d] = idx
				}
				u16(idx)
			case 'I', 'R', 'F':
				buf = append(buf, byte(len(arg.list)))
				for _, it := range arg.list {
					idx, err := a.operand(s, it, c+'a'-'A')
					if err != nil {
						return err
					}
					buf = append(buf, idx)
				}
			}
		}
		if info.result != 0 {
			idx, err := a.operand(s, insn.result, info.result)
			if err != nil {
				return err
			}
			buf = append(buf, idx)
		}
	}
	code.Code = buf
	return nil
}

// operand encodes a register, or a constant as its pool index past the
// registers of the bank
func (a *jitcodeAsm) operand(s *asmSection, tok Token, bank byte) (byte, error) {
	if tok.Type == TOKEN_REGISTER {
		n, _ := strconv.Atoi(tok.Value[1:])
		return byte(n), nil
	}
	key := string(bank) + tok.Value
	if idx, ok := s.consts[key]; ok {
		return byte(idx), nil
	}
	code := s.code
	var idx int
	switch bank {
	case 'i':
		v, err := a.constWord(tok)
		if err != nil {
			return 0, err
		}
		idx = code.NumI + len(code.ConstI)
		code.ConstI = append(code.ConstI, int32(v))
	case 'r':
		v, err := a.constWord(tok)
		if err != nil {
			return 0, err
		}
		idx = code.NumR + len(code.ConstR)
		code.ConstR = append(code.ConstR, v)
	case 'f':
		v, err := a.constFloat(tok)
		if err != nil {
			return 0, err
		}
		idx = code.NumF + len(code.ConstF)
		code.ConstF = append(code.ConstF, v)
	}
	if idx > 255 {
		return 0, errorAt(tok, "too many registers and constants in the %c bank", bank)
	}
	s.consts[key] = idx
	return byte(idx), nil
}

func (a *jitcodeAsm) constWord(tok Token) (uint32, error) {
	if b, ok := a.ns.Consts[tok.Value]; ok {
		switch c := b.(type) {
		case ConstInt, ConstPtr:
			return constWord(c), nil
		}
		return 0, errorAt(tok, "$%s is not a word constant", tok.Value)
	}
	if tok.Value == "NULL" {
		return 0, nil
	}
	b, err := parseNumber(Token{Type: TOKEN_NUMBER, Value: tok.Value, Line: tok.Line, Column: tok.Column})
	if err != nil {
		return 0, err
	}
	if _, ok := b.(ConstInt); !ok {
		return 0, errorAt(tok, "$%s is not an integer", tok.Value)
	}
	return constWord(b), nil
}

func (a *jitcodeAsm) constFloat(tok Token) (float64, error) {
	if b, ok := a.ns.Consts[tok.Value]; ok {
		if c, ok := b.(ConstFloat); ok {
			return c.Value, nil
		}
		return 0, errorAt(tok, "$%s is not a float constant", tok.Value)
	}
	f, err := strconv.ParseFloat(tok.Value, 64)
	if err != nil {
		return 0, errorAt(tok, "bad float $%s", tok.Value)
	}
	return f, nil
}

func (a *jitcodeAsm) descr(tok Token) (Descr, error) {
	if code, ok := a.codes[tok.Value]; ok {
		return code, nil
	}
	if d, ok := a.ns.Descrs[tok.Value]; ok {
		return d, nil
	}
	return nil, errorAt(tok, "unknown descriptor <%s>", tok.Value)
}
