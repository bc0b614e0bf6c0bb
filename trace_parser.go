// Completion: 100% - Trace listing parser complete
package tracejit

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/xyproto/tracejit/internal/engine"
)

// Namespace resolves the names a trace listing or jitcode source refers
// to: descriptors by name and named constants such as helper addresses.
type Namespace struct {
	Descrs map[string]Descr
	Consts map[string]Box
}

func NewNamespace() *Namespace {
	return &Namespace{Descrs: make(map[string]Descr), Consts: make(map[string]Box)}
}

// ParseTrace reads a trace in the listing format Trace.String writes:
//
//	[i0, p1]
//	label(i0, p1, descr=loop)
//	i2 = int_add(i0, 1)
//	i3 = int_lt(i2, 10)
//	guard_true(i3, descr=g0) [i2, p1] resume(<main>, body, I[i2], R[p1])
//	jump(i2, p1, descr=loop)
//
// Variable kinds come from their prefix: i for int, p or r for ref and f
// for float. Guards, labels and finishes without a known descriptor get a
// fresh one, which is added to ns so later operations share it. The
// optional resume clauses after the fail arguments form the guard's
// snapshot, outermost frame first.
func ParseTrace(src string, ns *Namespace) (*Trace, error) {
	if ns == nil {
		ns = NewNamespace()
	}
	p := &traceParser{lex: NewLexer(src), ns: ns, vars: make(map[string]*Var)}
	t, err := p.parse()
	if err != nil {
		return nil, newError(CategoryParse, err, "parsing trace")
	}
	return t, nil
}

type traceParser struct {
	lex     *Lexer
	ns      *Namespace
	vars    map[string]*Var
	nguards int
}

type parseError struct {
	tok Token
	msg string
}

func (e *parseError) Error() string {
	return fmt.Sprintf("line %d, column %d: %s", e.tok.Line, e.tok.Column, e.msg)
}

func errorAt(tok Token, format string, args ...any) error {
	return &parseError{tok: tok, msg: fmt.Sprintf(format, args...)}
}

func (p *traceParser) expect(t TokenType) (Token, error) {
	tok := p.lex.NextToken()
	if tok.Type != t {
		return tok, errorAt(tok, "expected %s, got %s", t, tok)
	}
	return tok, nil
}

func (p *traceParser) skipNewlines() Token {
	for {
		tok := p.lex.Peek()
		if tok.Type != TOKEN_NEWLINE {
			return tok
		}
		p.lex.NextToken()
	}
}

func varKind(name string) (Kind, bool) {
	if name == "" {
		return KindVoid, false
	}
	switch name[0] {
	case 'i':
		return KindInt, true
	case 'p', 'r':
		return KindRef, true
	case 'f':
		return KindFloat, true
	}
	return KindVoid, false
}

func (p *traceParser) parse() (*Trace, error) {
	t := &Trace{}
	if tok := p.skipNewlines(); tok.Type == TOKEN_LBRACKET {
		p.lex.NextToken()
		for {
			tok := p.lex.NextToken()
			if tok.Type == TOKEN_RBRACKET {
				break
			}
			if tok.Type == TOKEN_COMMA {
				continue
			}
			if tok.Type != TOKEN_IDENT {
				return nil, errorAt(tok, "expected an input argument, got %s", tok)
			}
			kind, ok := varKind(tok.Value)
			if !ok {
				return nil, errorAt(tok, "cannot tell the kind of %q", tok.Value)
			}
			if _, dup := p.vars[tok.Value]; dup {
				return nil, errorAt(tok, "input %s listed twice", tok.Value)
			}
			v := NewVar(kind, tok.Value)
			p.vars[tok.Value] = v
			t.InputArgs = append(t.InputArgs, v)
		}
	}
	for {
		tok := p.skipNewlines()
		if tok.Type == TOKEN_EOF {
			break
		}
		op, err := p.parseOp()
		if err != nil {
			return nil, err
		}
		t.Ops = append(t.Ops, op)
	}
	return t, nil
}

func (p *traceParser) parseOp() (*Op, error) {
	first := p.lex.NextToken()
	if first.Type != TOKEN_IDENT {
		return nil, errorAt(first, "expected an operation, got %s", first)
	}
	resName := ""
	name := first
	if p.lex.Peek().Type == TOKEN_EQUALS {
		p.lex.NextToken()
		resName = first.Value
		var err error
		if name, err = p.expect(TOKEN_IDENT); err != nil {
			return nil, err
		}
	}
	opc, ok := OpcodeByName(name.Value)
	if !ok {
		msg := fmt.Sprintf("unknown operation %q", name.Value)
		if s := suggestOpcode(name.Value); s != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", s)
		}
		return nil, errorAt(name, "%s", msg)
	}
	if _, err := p.expect(TOKEN_LPAREN); err != nil {
		return nil, err
	}
	op := &Op{Opcode: opc}
	descrName := ""
	var descrTok Token
	for {
		tok := p.lex.Peek()
		if tok.Type == TOKEN_RPAREN {
			p.lex.NextToken()
			break
		}
		if tok.Type == TOKEN_COMMA {
			p.lex.NextToken()
			continue
		}
		if tok.Type == TOKEN_IDENT && tok.Value == "descr" {
			s := p.lex.save()
			p.lex.NextToken()
			if p.lex.Peek().Type == TOKEN_EQUALS {
				p.lex.NextToken()
				dt := p.lex.NextToken()
				if dt.Type != TOKEN_IDENT && dt.Type != TOKEN_DESCR {
					return nil, errorAt(dt, "expected a descriptor name, got %s", dt)
				}
				descrName, descrTok = dt.Value, dt
				continue
			}
			p.lex.restore(s)
		}
		b, err := p.parseBox()
		if err != nil {
			return nil, err
		}
		op.Args = append(op.Args, b)
	}

	if err := p.bindDescr(op, descrName, descrTok); err != nil {
		return nil, err
	}

	if opc.IsGuard() {
		if p.lex.Peek().Type == TOKEN_LBRACKET {
			p.lex.NextToken()
			fa, err := p.parseBoxList(TOKEN_RBRACKET, true)
			if err != nil {
				return nil, err
			}
			op.FailArgs = fa
		}
		for {
			tok := p.lex.Peek()
			if tok.Type != TOKEN_IDENT || tok.Value != "resume" {
				break
			}
			p.lex.NextToken()
			if err := p.parseResume(op.FailDescr()); err != nil {
				return nil, err
			}
		}
	}

	if k := opc.ResultKind(); k != KindVoid {
		if resName == "" {
			resName = fmt.Sprintf("_%s%d", k.Prefix(), len(p.vars))
		}
		if _, dup := p.vars[resName]; dup {
			return nil, errorAt(first, "%s is defined twice", resName)
		}
		op.Result = NewVar(k, resName)
		p.vars[resName] = op.Result
	} else if resName != "" {
		return nil, errorAt(first, "%s produces no result", opc)
	}

	if tok := p.lex.NextToken(); tok.Type != TOKEN_NEWLINE && tok.Type != TOKEN_EOF {
		return nil, errorAt(tok, "unexpected %s after %s", tok, opc)
	}
	return op, nil
}

// bindDescr attaches the named descriptor, creating guard, label and
// finish descriptors on first use
func (p *traceParser) bindDescr(op *Op, name string, tok Token) error {
	if name == "" {
		if !op.Opcode.IsGuard() {
			if op.Opcode == OpFinish {
				op.Descr = NewFinalDescr("", finishKind(op))
			}
			return nil
		}
		name = fmt.Sprintf("g%d", p.nguards)
		for p.ns.Descrs[name] != nil {
			p.nguards++
			name = fmt.Sprintf("g%d", p.nguards)
		}
	}
	if op.Opcode.IsGuard() {
		p.nguards++
	}
	if d, ok := p.ns.Descrs[name]; ok {
		if _, isFail := d.(*FailDescr); op.Opcode.IsGuard() && !isFail {
			return errorAt(tok, "guard descriptor %q is a %T", name, d)
		}
		op.Descr = d
		return nil
	}
	switch {
	case op.Opcode.IsGuard():
		op.Descr = NewFailDescr(name)
	case op.Opcode == OpLabel || op.Opcode == OpJump:
		op.Descr = NewTargetToken(name)
	case op.Opcode == OpFinish:
		op.Descr = NewFinalDescr(name, finishKind(op))
	default:
		return errorAt(tok, "unknown descriptor %q", name)
	}
	p.ns.Descrs[name] = op.Descr
	return nil
}

func finishKind(op *Op) Kind {
	if len(op.Args) == 0 {
		return KindVoid
	}
	return op.Args[0].Kind()
}

func (p *traceParser) parseBoxList(end TokenType, holes bool) ([]Box, error) {
	var out []Box
	for {
		tok := p.lex.Peek()
		if tok.Type == end {
			p.lex.NextToken()
			return out, nil
		}
		if tok.Type == TOKEN_COMMA {
			p.lex.NextToken()
			continue
		}
		if holes && tok.Type == TOKEN_IDENT && tok.Value == "None" {
			p.lex.NextToken()
			out = append(out, nil)
			continue
		}
		b, err := p.parseBox()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
}

// parseBox reads a variable or a constant
func (p *traceParser) parseBox() (Box, error) {
	tok := p.lex.NextToken()
	switch tok.Type {
	case TOKEN_NUMBER:
		return parseNumber(tok)
	case TOKEN_IDENT:
		if v, ok := p.vars[tok.Value]; ok {
			return v, nil
		}
		if c, ok := p.ns.Consts[tok.Value]; ok {
			return c, nil
		}
		switch tok.Value {
		case "NULL":
			return ConstPtr{}, nil
		case "ConstPtr", "ConstClass", "ConstInt", "ConstFloat":
			if _, err := p.expect(TOKEN_LPAREN); err != nil {
				return nil, err
			}
			inner, err := p.expect(TOKEN_NUMBER)
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TOKEN_RPAREN); err != nil {
				return nil, err
			}
			n, err := parseNumber(inner)
			if err != nil {
				return nil, err
			}
			switch tok.Value {
			case "ConstPtr", "ConstClass":
				return ConstPtr{Value: constWord(n)}, nil
			case "ConstFloat":
				if f, ok := n.(ConstFloat); ok {
					return f, nil
				}
				return ConstFloat{Value: float64(n.(ConstInt).Value)}, nil
			}
			return n, nil
		}
		return nil, errorAt(tok, "undefined name %q", tok.Value)
	}
	return nil, errorAt(tok, "expected a value, got %s", tok)
}

// parseNumber turns a literal into an int or float constant. Hex
// literals may use all 32 bits.
func parseNumber(tok Token) (Box, error) {
	s := tok.Value
	if strings.ContainsAny(s, ".eE") && !strings.HasPrefix(strings.TrimPrefix(s, "-"), "0x") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, errorAt(tok, "bad number %q", s)
		}
		return ConstFloat{Value: f}, nil
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil || n < math.MinInt32 || n > math.MaxUint32 {
		return nil, errorAt(tok, "bad number %q", s)
	}
	return ConstInt{Value: int32(n)}, nil
}

// parseResume reads resume(<jitcode>, pc, I[...], R[...], F[...]) and
// appends the frame to the guard's snapshot
func (p *traceParser) parseResume(fd *FailDescr) error {
	if _, err := p.expect(TOKEN_LPAREN); err != nil {
		return err
	}
	ct, err := p.expect(TOKEN_DESCR)
	if err != nil {
		return err
	}
	code, ok := p.ns.Descrs[ct.Value].(*JitCode)
	if !ok {
		return errorAt(ct, "%q is not a jitcode", ct.Value)
	}
	if _, err := p.expect(TOKEN_COMMA); err != nil {
		return err
	}
	pcTok := p.lex.NextToken()
	rf := ResumeFrame{JitCode: code}
	switch pcTok.Type {
	case TOKEN_NUMBER:
		pc, err := strconv.Atoi(pcTok.Value)
		if err != nil {
			return errorAt(pcTok, "bad code offset %q", pcTok.Value)
		}
		rf.PC = pc
	case TOKEN_IDENT:
		pc, ok := code.Labels[pcTok.Value]
		if !ok {
			return errorAt(pcTok, "%s has no label %q", code, pcTok.Value)
		}
		rf.PC = pc
	default:
		return errorAt(pcTok, "expected a code offset or label, got %s", pcTok)
	}
	for {
		tok := p.lex.NextToken()
		switch tok.Type {
		case TOKEN_RPAREN:
			if fd.Snapshot == nil {
				fd.Snapshot = &Snapshot{}
			}
			fd.Snapshot.Frames = append(fd.Snapshot.Frames, rf)
			return nil
		case TOKEN_COMMA:
			continue
		case TOKEN_IDENT:
			if _, err := p.expect(TOKEN_LBRACKET); err != nil {
				return err
			}
			boxes, err := p.parseBoxList(TOKEN_RBRACKET, true)
			if err != nil {
				return err
			}
			switch tok.Value {
			case "I":
				rf.Ints = boxes
			case "R":
				rf.Refs = boxes
			case "F":
				rf.Floats = boxes
			default:
				return errorAt(tok, "register bank must be I, R or F, got %q", tok.Value)
			}
		default:
			return errorAt(tok, "unexpected %s in resume", tok)
		}
	}
}

// suggestOpcode returns the closest opcode name for a typo
func suggestOpcode(name string) string {
	names := make([]string, 0, numOpcodes)
	for _, op := range AllOpcodes() {
		names = append(names, op.String())
	}
	if s := engine.SuggestSimilar(name, names, 1); len(s) > 0 {
		return s[0]
	}
	return ""
}
