// Completion: 100% - Lexer for trace listings and jitcode assembly complete
package tracejit

import (
	"fmt"
	"unicode"
)

// TokenType is the class of a lexed token
type TokenType int

const (
	TOKEN_EOF TokenType = iota
	TOKEN_IDENT
	TOKEN_NUMBER
	TOKEN_NEWLINE
	TOKEN_LPAREN   // (
	TOKEN_RPAREN   // )
	TOKEN_LBRACKET // [
	TOKEN_RBRACKET // ]
	TOKEN_COMMA
	TOKEN_COLON
	TOKEN_EQUALS
	TOKEN_ARROW     // ->
	TOKEN_DESCR     // <name>
	TOKEN_REGISTER  // %i0, %r1, %f2
	TOKEN_CONST     // $5, $0x10, $1.5, $name
	TOKEN_DIRECTIVE // .jitcode
	TOKEN_ILLEGAL
)

var tokenNames = map[TokenType]string{
	TOKEN_EOF:       "end of input",
	TOKEN_IDENT:     "identifier",
	TOKEN_NUMBER:    "number",
	TOKEN_NEWLINE:   "newline",
	TOKEN_LPAREN:    "'('",
	TOKEN_RPAREN:    "')'",
	TOKEN_LBRACKET:  "'['",
	TOKEN_RBRACKET:  "']'",
	TOKEN_COMMA:     "','",
	TOKEN_COLON:     "':'",
	TOKEN_EQUALS:    "'='",
	TOKEN_ARROW:     "'->'",
	TOKEN_DESCR:     "descriptor",
	TOKEN_REGISTER:  "register",
	TOKEN_CONST:     "constant",
	TOKEN_DIRECTIVE: "directive",
	TOKEN_ILLEGAL:   "illegal character",
}

func (t TokenType) String() string { return tokenNames[t] }

type Token struct {
	Type   TokenType
	Value  string
	Line   int
	Column int // 1-indexed
}

func (t Token) String() string {
	if t.Value == "" {
		return t.Type.String()
	}
	return fmt.Sprintf("%s %q", t.Type, t.Value)
}

// isHexDigit checks if a byte is a valid hexadecimal digit
func isHexDigit(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

func isIdentByte(ch byte) bool {
	return ch == '_' || unicode.IsLetter(rune(ch)) || unicode.IsDigit(rune(ch))
}

// Lexer splits trace listings and jitcode assembly into tokens. Comments
// run from '#' to the end of the line.
type Lexer struct {
	input     string
	pos       int
	line      int
	lineStart int // position where the current line starts
}

func NewLexer(input string) *Lexer {
	return &Lexer{input: input, line: 1}
}

func (l *Lexer) at(n int) byte {
	if l.pos+n < len(l.input) {
		return l.input[l.pos+n]
	}
	return 0
}

// LexerState is a saved position for lookahead
type LexerState struct {
	pos       int
	line      int
	lineStart int
}

func (l *Lexer) save() LexerState { return LexerState{l.pos, l.line, l.lineStart} }

func (l *Lexer) restore(s LexerState) { l.pos, l.line, l.lineStart = s.pos, s.line, s.lineStart }

// Peek returns the next token without consuming it
func (l *Lexer) Peek() Token {
	s := l.save()
	tok := l.NextToken()
	l.restore(s)
	return tok
}

func (l *Lexer) NextToken() Token {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t' || l.input[l.pos] == '\r') {
		l.pos++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '#' {
		for l.pos < len(l.input) && l.input[l.pos] != '\n' {
			l.pos++
		}
	}
	col := l.pos - l.lineStart + 1
	tok := func(t TokenType, v string) Token { return Token{Type: t, Value: v, Line: l.line, Column: col} }
	if l.pos >= len(l.input) {
		return tok(TOKEN_EOF, "")
	}
	ch := l.input[l.pos]

	switch ch {
	case '\n':
		t := tok(TOKEN_NEWLINE, "")
		l.pos++
		l.line++
		l.lineStart = l.pos
		return t
	case '(', ')', '[', ']', ',', ':', '=':
		l.pos++
		return tok(map[byte]TokenType{
			'(': TOKEN_LPAREN, ')': TOKEN_RPAREN, '[': TOKEN_LBRACKET, ']': TOKEN_RBRACKET,
			',': TOKEN_COMMA, ':': TOKEN_COLON, '=': TOKEN_EQUALS,
		}[ch], string(ch))
	case '<':
		start := l.pos + 1
		end := start
		for end < len(l.input) && l.input[end] != '>' && l.input[end] != '\n' {
			end++
		}
		if end >= len(l.input) || l.input[end] != '>' {
			l.pos = end
			return tok(TOKEN_ILLEGAL, "<")
		}
		l.pos = end + 1
		return tok(TOKEN_DESCR, l.input[start:end])
	case '%':
		l.pos++
		start := l.pos
		for l.pos < len(l.input) && isIdentByte(l.input[l.pos]) {
			l.pos++
		}
		return tok(TOKEN_REGISTER, l.input[start:l.pos])
	case '$':
		l.pos++
		start := l.pos
		if l.at(0) == '-' {
			l.pos++
		}
		for l.pos < len(l.input) && (isIdentByte(l.input[l.pos]) || l.input[l.pos] == '.') {
			l.pos++
		}
		return tok(TOKEN_CONST, l.input[start:l.pos])
	case '.':
		l.pos++
		start := l.pos
		for l.pos < len(l.input) && isIdentByte(l.input[l.pos]) {
			l.pos++
		}
		return tok(TOKEN_DIRECTIVE, l.input[start:l.pos])
	case '-':
		if l.at(1) == '>' {
			l.pos += 2
			return tok(TOKEN_ARROW, "->")
		}
		if unicode.IsDigit(rune(l.at(1))) {
			return tok(TOKEN_NUMBER, l.number())
		}
	}

	if unicode.IsDigit(rune(ch)) {
		return tok(TOKEN_NUMBER, l.number())
	}
	if ch == '_' || unicode.IsLetter(rune(ch)) {
		start := l.pos
		for l.pos < len(l.input) && isIdentByte(l.input[l.pos]) {
			l.pos++
		}
		return tok(TOKEN_IDENT, l.input[start:l.pos])
	}
	l.pos++
	return tok(TOKEN_ILLEGAL, string(ch))
}

// number scans a decimal, hexadecimal or floating point literal with an
// optional leading minus
func (l *Lexer) number() string {
	start := l.pos
	if l.at(0) == '-' {
		l.pos++
	}
	if l.at(0) == '0' && (l.at(1) == 'x' || l.at(1) == 'X') {
		l.pos += 2
		for l.pos < len(l.input) && isHexDigit(l.input[l.pos]) {
			l.pos++
		}
		return l.input[start:l.pos]
	}
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case unicode.IsDigit(rune(c)) || c == '.':
			l.pos++
		case (c == 'e' || c == 'E') && l.pos > start:
			l.pos++
			if l.at(0) == '-' || l.at(0) == '+' {
				l.pos++
			}
		default:
			return l.input[start:l.pos]
		}
	}
	return l.input[start:l.pos]
}
