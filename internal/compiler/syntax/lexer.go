// SPDX-License-Identifier: MPL-2.0

package syntax

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrSyntax is the sentinel wrapped by every *Error.
var ErrSyntax = errors.New("syntax error")

// Error is a lexical or grammatical error at a source position.
type Error struct {
	File string
	Pos  Pos
	Msg  string
}

func (e *Error) Error() string {
	if e.File == "" {
		return fmt.Sprintf("%s: %s", e.Pos, e.Msg)
	}
	return fmt.Sprintf("%s:%s: %s", e.File, e.Pos, e.Msg)
}

func (e *Error) Unwrap() error { return ErrSyntax }

type lexer struct {
	file string
	src  []byte
	off  int
	line int
	col  int
}

// Lex splits src into tokens. The last token is always EOF.
func Lex(file string, src []byte) ([]Token, error) {
	lx := &lexer{file: file, src: src, line: 1, col: 1}
	var toks []Token
	for {
		tok, err := lx.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.Kind == EOF {
			return toks, nil
		}
	}
}

func (lx *lexer) errorf(pos Pos, format string, args ...any) error {
	return &Error{File: lx.file, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (lx *lexer) peek(n int) byte {
	if lx.off+n < len(lx.src) {
		return lx.src[lx.off+n]
	}
	return 0
}

func (lx *lexer) advance() byte {
	c := lx.src[lx.off]
	lx.off++
	if c == '\n' {
		lx.line++
		lx.col = 1
	} else {
		lx.col++
	}
	return c
}

func (lx *lexer) skipSpaceAndComments() {
	for lx.off < len(lx.src) {
		switch c := lx.peek(0); {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			lx.advance()
		case c == '/' && lx.peek(1) == '/':
			for lx.off < len(lx.src) && lx.peek(0) != '\n' {
				lx.advance()
			}
		default:
			return
		}
	}
}

func (lx *lexer) next() (Token, error) {
	lx.skipSpaceAndComments()
	pos := Pos{Line: lx.line, Col: lx.col}
	if lx.off >= len(lx.src) {
		return Token{Kind: EOF, Pos: pos}, nil
	}

	c := lx.peek(0)
	switch {
	case isLetter(c):
		start := lx.off
		for lx.off < len(lx.src) && (isLetter(lx.peek(0)) || isDigit(lx.peek(0))) {
			lx.advance()
		}
		text := string(lx.src[start:lx.off])
		if kw, ok := keywords[text]; ok {
			return Token{Kind: kw, Text: text, Pos: pos}, nil
		}
		return Token{Kind: IdentTok, Text: text, Pos: pos}, nil
	case isDigit(c):
		start := lx.off
		for lx.off < len(lx.src) && (isDigit(lx.peek(0)) || lx.peek(0) == '_') {
			lx.advance()
		}
		if isLetter(lx.peek(0)) {
			return Token{}, lx.errorf(pos, "invalid digit %q in integer literal", lx.peek(0))
		}
		return Token{Kind: Int, Text: strings.ReplaceAll(string(lx.src[start:lx.off]), "_", ""), Pos: pos}, nil
	case c == '"':
		return lx.lexString(pos)
	}

	two := string(lx.src[lx.off:min(lx.off+2, len(lx.src))])
	if k, ok := twoCharOps[two]; ok {
		lx.advance()
		lx.advance()
		return Token{Kind: k, Text: two, Pos: pos}, nil
	}
	if k, ok := oneCharOps[c]; ok {
		lx.advance()
		return Token{Kind: k, Text: string(c), Pos: pos}, nil
	}
	r, _ := utf8.DecodeRune(lx.src[lx.off:])
	return Token{}, lx.errorf(pos, "unexpected character %q", r)
}

var twoCharOps = map[string]Kind{
	"->": Arrow,
	"&&": AndAnd,
	"||": OrOr,
	"==": Eq,
	"!=": NotEq,
	"<=": LessEq,
	">=": GreaterEq,
}

var oneCharOps = map[byte]Kind{
	'(': LParen,
	')': RParen,
	'{': LBrace,
	'}': RBrace,
	',': Comma,
	':': Colon,
	';': Semicolon,
	'=': Assign,
	'+': Plus,
	'-': Minus,
	'*': Star,
	'/': Slash,
	'%': Percent,
	'!': Bang,
	'<': Less,
	'>': Greater,
}

// lexString reads a double-quoted literal and resolves its escapes:
// \n \t \r \0 \\ \" and \xHH.
func (lx *lexer) lexString(pos Pos) (Token, error) {
	lx.advance()
	var sb strings.Builder
	for {
		if lx.off >= len(lx.src) || lx.peek(0) == '\n' {
			return Token{}, lx.errorf(pos, "unterminated string literal")
		}
		c := lx.advance()
		if c == '"' {
			return Token{Kind: String, Text: sb.String(), Pos: pos}, nil
		}
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}

		escPos := Pos{Line: lx.line, Col: lx.col - 1}
		if lx.off >= len(lx.src) {
			return Token{}, lx.errorf(pos, "unterminated string literal")
		}
		switch e := lx.advance(); e {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '0':
			sb.WriteByte(0)
		case '\\', '"':
			sb.WriteByte(e)
		case 'x':
			hi, lo := hexVal(lx.peek(0)), hexVal(lx.peek(1))
			if hi < 0 || lo < 0 {
				return Token{}, lx.errorf(escPos, "invalid hex escape")
			}
			lx.advance()
			lx.advance()
			sb.WriteByte(byte(hi<<4 | lo))
		default:
			return Token{}, lx.errorf(escPos, "unknown escape sequence \\%c", e)
		}
	}
}

func isLetter(c byte) bool {
	return c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}

func hexVal(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}
