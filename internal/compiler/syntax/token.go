// SPDX-License-Identifier: MPL-2.0

package syntax

import "fmt"

// Kind classifies a token.
type Kind int

const (
	EOF Kind = iota
	IdentTok
	Int
	String

	// keywords
	Fun
	Let
	If
	Else
	While
	Return
	True
	False

	// punctuation and operators
	LParen
	RParen
	LBrace
	RBrace
	Comma
	Colon
	Semicolon
	Arrow
	Assign
	Plus
	Minus
	Star
	Slash
	Percent
	Bang
	AndAnd
	OrOr
	Eq
	NotEq
	Less
	LessEq
	Greater
	GreaterEq
)

var kindNames = [...]string{
	EOF:       "end of file",
	IdentTok:  "identifier",
	Int:       "integer",
	String:    "string",
	Fun:       "fun",
	Let:       "let",
	If:        "if",
	Else:      "else",
	While:     "while",
	Return:    "return",
	True:      "true",
	False:     "false",
	LParen:    "(",
	RParen:    ")",
	LBrace:    "{",
	RBrace:    "}",
	Comma:     ",",
	Colon:     ":",
	Semicolon: ";",
	Arrow:     "->",
	Assign:    "=",
	Plus:      "+",
	Minus:     "-",
	Star:      "*",
	Slash:     "/",
	Percent:   "%",
	Bang:      "!",
	AndAnd:    "&&",
	OrOr:      "||",
	Eq:        "==",
	NotEq:     "!=",
	Less:      "<",
	LessEq:    "<=",
	Greater:   ">",
	GreaterEq: ">=",
}

var keywords = map[string]Kind{
	"fun":    Fun,
	"let":    Let,
	"if":     If,
	"else":   Else,
	"while":  While,
	"return": Return,
	"true":   True,
	"false":  False,
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Pos is a 1-based source position.
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// Token is one lexical unit. Text holds the identifier name, the integer
// digits or the unescaped string contents.
type Token struct {
	Kind Kind
	Text string
	Pos  Pos
}
