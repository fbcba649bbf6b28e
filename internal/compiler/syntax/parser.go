// SPDX-License-Identifier: MPL-2.0

// Package syntax reads AFML source into an abstract syntax tree.
//
// The grammar is small: functions with typed parameters, let bindings,
// assignment, if/else, while, return and expression statements over
// integer, boolean and string literals.
package syntax

import (
	"fmt"
	"math"
	"strconv"
)

type parser struct {
	file string
	toks []Token
	pos  int
}

// Parse lexes and parses src. file is used in error messages only.
func Parse(file string, src []byte) (*File, error) {
	toks, err := Lex(file, src)
	if err != nil {
		return nil, err
	}
	p := &parser{file: file, toks: toks}

	f := &File{Name: file}
	for p.peek().Kind != EOF {
		fn, err := p.funcDecl()
		if err != nil {
			return nil, err
		}
		f.Funcs = append(f.Funcs, fn)
	}
	return f, nil
}

func (p *parser) peek() Token { return p.toks[p.pos] }

func (p *parser) next() Token {
	t := p.toks[p.pos]
	if t.Kind != EOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(k Kind) bool {
	if p.peek().Kind == k {
		p.next()
		return true
	}
	return false
}

func (p *parser) expect(k Kind) (Token, error) {
	t := p.peek()
	if t.Kind != k {
		return t, p.errorf(t.Pos, "expected %s, found %s", k, describe(t))
	}
	return p.next(), nil
}

func (p *parser) errorf(pos Pos, format string, args ...any) error {
	return &Error{File: p.file, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func describe(t Token) string {
	switch t.Kind {
	case IdentTok, Int:
		return fmt.Sprintf("%s %s", t.Kind, t.Text)
	case String:
		return "string literal"
	}
	return fmt.Sprintf("%q", t.Kind.String())
}

func (p *parser) funcDecl() (*FuncDecl, error) {
	kw, err := p.expect(Fun)
	if err != nil {
		return nil, err
	}
	name, err := p.expect(IdentTok)
	if err != nil {
		return nil, err
	}
	fn := &FuncDecl{Name: name.Text, Pos: kw.Pos}

	if _, err := p.expect(LParen); err != nil {
		return nil, err
	}
	for p.peek().Kind != RParen {
		if len(fn.Params) > 0 {
			if _, err := p.expect(Comma); err != nil {
				return nil, err
			}
		}
		pname, err := p.expect(IdentTok)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(Colon); err != nil {
			return nil, err
		}
		ptype, err := p.expect(IdentTok)
		if err != nil {
			return nil, err
		}
		fn.Params = append(fn.Params, Param{Name: pname.Text, Type: ptype.Text, Pos: pname.Pos})
	}
	p.next()

	if p.accept(Arrow) {
		result, err := p.expect(IdentTok)
		if err != nil {
			return nil, err
		}
		fn.Result = result.Text
	}

	if fn.Body, err = p.block(); err != nil {
		return nil, err
	}
	return fn, nil
}

func (p *parser) block() (*Block, error) {
	lb, err := p.expect(LBrace)
	if err != nil {
		return nil, err
	}
	b := &Block{Pos: lb.Pos}
	for !p.accept(RBrace) {
		if p.peek().Kind == EOF {
			return nil, p.errorf(p.peek().Pos, "expected }, found end of file")
		}
		s, err := p.stmt()
		if err != nil {
			return nil, err
		}
		b.Stmts = append(b.Stmts, s)
	}
	return b, nil
}

func (p *parser) stmt() (Stmt, error) {
	t := p.peek()
	switch t.Kind {
	case LBrace:
		return p.block()
	case Let:
		p.next()
		name, err := p.expect(IdentTok)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(Assign); err != nil {
			return nil, err
		}
		value, err := p.expr()
		if err != nil {
			return nil, err
		}
		return &LetStmt{Name: name.Text, Value: value, Pos: t.Pos}, p.semi()
	case If:
		return p.ifStmt()
	case While:
		p.next()
		cond, err := p.expr()
		if err != nil {
			return nil, err
		}
		body, err := p.block()
		if err != nil {
			return nil, err
		}
		return &WhileStmt{Cond: cond, Body: body, Pos: t.Pos}, nil
	case Return:
		p.next()
		rs := &ReturnStmt{Pos: t.Pos}
		if p.peek().Kind != Semicolon {
			value, err := p.expr()
			if err != nil {
				return nil, err
			}
			rs.Value = value
		}
		return rs, p.semi()
	case IdentTok:
		if p.toks[p.pos+1].Kind == Assign {
			p.next()
			p.next()
			value, err := p.expr()
			if err != nil {
				return nil, err
			}
			return &AssignStmt{Name: t.Text, Value: value, Pos: t.Pos}, p.semi()
		}
	}

	x, err := p.expr()
	if err != nil {
		return nil, err
	}
	return &ExprStmt{X: x, Pos: t.Pos}, p.semi()
}

func (p *parser) semi() error {
	_, err := p.expect(Semicolon)
	return err
}

func (p *parser) ifStmt() (Stmt, error) {
	t := p.next()
	cond, err := p.expr()
	if err != nil {
		return nil, err
	}
	then, err := p.block()
	if err != nil {
		return nil, err
	}
	is := &IfStmt{Cond: cond, Then: then, Pos: t.Pos}
	if !p.accept(Else) {
		return is, nil
	}
	if p.peek().Kind == If {
		nested, err := p.ifStmt()
		if err != nil {
			return nil, err
		}
		is.Else = &Block{Stmts: []Stmt{nested}, Pos: nested.Position()}
		return is, nil
	}
	if is.Else, err = p.block(); err != nil {
		return nil, err
	}
	return is, nil
}

// Binary operator precedence, loosest first.
var precedence = map[Kind]int{
	OrOr:      1,
	AndAnd:    2,
	Eq:        3,
	NotEq:     3,
	Less:      4,
	LessEq:    4,
	Greater:   4,
	GreaterEq: 4,
	Plus:      5,
	Minus:     5,
	Star:      6,
	Slash:     6,
	Percent:   6,
}

func (p *parser) expr() (Expr, error) {
	return p.binary(1)
}

func (p *parser) binary(minPrec int) (Expr, error) {
	x, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		prec, ok := precedence[op.Kind]
		if !ok || prec < minPrec {
			return x, nil
		}
		p.next()
		y, err := p.binary(prec + 1)
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: op.Kind, X: x, Y: y, Pos: op.Pos}
	}
}

func (p *parser) unary() (Expr, error) {
	t := p.peek()
	if t.Kind == Minus || t.Kind == Bang {
		p.next()
		// Fold negative literals so the minimum i64 is representable.
		if t.Kind == Minus && p.peek().Kind == Int {
			lit := p.next()
			v, err := strconv.ParseUint(lit.Text, 10, 64)
			if err != nil || v > uint64(math.MaxInt64)+1 {
				return nil, p.errorf(lit.Pos, "integer literal %s out of range", lit.Text)
			}
			return &IntLit{Value: int64(-v), Pos: t.Pos}, nil
		}
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: t.Kind, X: x, Pos: t.Pos}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	t := p.next()
	switch t.Kind {
	case Int:
		v, err := strconv.ParseInt(t.Text, 10, 64)
		if err != nil {
			return nil, p.errorf(t.Pos, "integer literal %s out of range", t.Text)
		}
		return &IntLit{Value: v, Pos: t.Pos}, nil
	case True, False:
		return &BoolLit{Value: t.Kind == True, Pos: t.Pos}, nil
	case String:
		return &StringLit{Value: t.Text, Pos: t.Pos}, nil
	case LParen:
		x, err := p.expr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(RParen); err != nil {
			return nil, err
		}
		return x, nil
	case IdentTok:
		if !p.accept(LParen) {
			return &Ident{Name: t.Text, Pos: t.Pos}, nil
		}
		call := &CallExpr{Func: t.Text, Pos: t.Pos}
		for !p.accept(RParen) {
			if len(call.Args) > 0 {
				if _, err := p.expect(Comma); err != nil {
					return nil, err
				}
			}
			arg, err := p.expr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
		}
		return call, nil
	}
	return nil, p.errorf(t.Pos, "expected expression, found %s", describe(t))
}
