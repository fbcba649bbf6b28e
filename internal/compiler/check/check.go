// SPDX-License-Identifier: MPL-2.0

// Package check validates a parsed AFML file and records the type of every
// expression for IR construction.
package check

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/apex-lang/apex/internal/compiler/syntax"
)

// EntryName is the function a program starts in.
const EntryName = "apex"

// ErrInvalidProgram is the sentinel wrapped by Diagnostics.
var ErrInvalidProgram = errors.New("program is invalid")

// Type is the static type of an expression or variable.
type Type int

const (
	Invalid Type = iota
	Void
	Bool
	I32
	I64
	Str
)

var typeNames = map[string]Type{
	"bool": Bool,
	"i32":  I32,
	"i64":  I64,
}

func (t Type) String() string {
	switch t {
	case Void:
		return "void"
	case Bool:
		return "bool"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case Str:
		return "string"
	}
	return "invalid"
}

// IsInteger reports whether t is i32 or i64.
func (t Type) IsInteger() bool { return t == I32 || t == I64 }

type (
	// Diagnostic is one validation finding.
	Diagnostic struct {
		File string
		Pos  syntax.Pos
		Msg  string
	}

	// Diagnostics is a non-empty list of findings, sorted by position.
	Diagnostics []Diagnostic

	// Signature is a function's parameter and result types.
	Signature struct {
		Params []Type
		Result Type
	}

	// Info is what validation learned about a program.
	Info struct {
		// Types maps every expression to its type. Integer literals carry
		// the type their context gave them, i32 by default.
		Types map[syntax.Expr]Type
		Funcs map[string]*Signature
	}
)

func (d Diagnostic) String() string {
	if d.File == "" {
		return fmt.Sprintf("%s: %s", d.Pos, d.Msg)
	}
	return fmt.Sprintf("%s:%s: %s", d.File, d.Pos, d.Msg)
}

func (ds Diagnostics) Error() string {
	lines := make([]string, len(ds))
	for i, d := range ds {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

func (ds Diagnostics) Unwrap() error { return ErrInvalidProgram }

// builtins take fixed arguments and return nothing.
var builtins = map[string]struct {
	arity int
	arg   string
}{
	"print": {1, "a string literal"},
	"exit":  {1, "an integer"},
}

type checker struct {
	file   string
	info   *Info
	diags  Diagnostics
	result Type
	scopes []map[string]Type
}

// Check validates f. On failure the error is a Diagnostics value listing
// every finding.
func Check(f *syntax.File) (*Info, error) {
	c := &checker{
		file: f.Name,
		info: &Info{
			Types: make(map[syntax.Expr]Type),
			Funcs: make(map[string]*Signature),
		},
	}

	for _, fn := range f.Funcs {
		c.declare(fn)
	}
	if entry := f.Func(EntryName); entry == nil {
		c.errorf(syntax.Pos{Line: 1, Col: 1}, "missing entry function %s()", EntryName)
	} else {
		if len(entry.Params) > 0 {
			c.errorf(entry.Pos, "entry function %s must not take parameters", EntryName)
		}
		if sig := c.info.Funcs[EntryName]; sig != nil && sig.Result != Void && sig.Result != I32 && sig.Result != Invalid {
			c.errorf(entry.Pos, "entry function %s must return nothing or i32", EntryName)
		}
	}
	for _, fn := range f.Funcs {
		c.funcBody(fn)
	}

	if len(c.diags) > 0 {
		slices.SortStableFunc(c.diags, func(a, b Diagnostic) int {
			return cmp.Or(cmp.Compare(a.Pos.Line, b.Pos.Line), cmp.Compare(a.Pos.Col, b.Pos.Col))
		})
		return nil, c.diags
	}
	return c.info, nil
}

func (c *checker) errorf(pos syntax.Pos, format string, args ...any) {
	c.diags = append(c.diags, Diagnostic{File: c.file, Pos: pos, Msg: fmt.Sprintf(format, args...)})
}

func (c *checker) parseType(name string, pos syntax.Pos) Type {
	if name == "" {
		return Void
	}
	t, ok := typeNames[name]
	if !ok {
		c.errorf(pos, "unknown type %s", name)
		return Invalid
	}
	return t
}

func (c *checker) declare(fn *syntax.FuncDecl) {
	if _, ok := builtins[fn.Name]; ok {
		c.errorf(fn.Pos, "%s is a builtin and cannot be redefined", fn.Name)
		return
	}
	if _, ok := c.info.Funcs[fn.Name]; ok {
		c.errorf(fn.Pos, "function %s redeclared", fn.Name)
		return
	}
	sig := &Signature{Result: c.parseType(fn.Result, fn.Pos)}
	for _, p := range fn.Params {
		sig.Params = append(sig.Params, c.parseType(p.Type, p.Pos))
	}
	c.info.Funcs[fn.Name] = sig
}

func (c *checker) funcBody(fn *syntax.FuncDecl) {
	sig := c.info.Funcs[fn.Name]
	if sig == nil {
		return
	}
	c.result = sig.Result
	c.scopes = []map[string]Type{{}}
	for i, p := range fn.Params {
		if _, dup := c.scopes[0][p.Name]; dup {
			c.errorf(p.Pos, "duplicate parameter %s", p.Name)
		}
		c.scopes[0][p.Name] = sig.Params[i]
	}
	c.block(fn.Body, false)
	if sig.Result != Void && !terminates(fn.Body) {
		c.errorf(fn.Pos, "missing return at end of %s", fn.Name)
	}
}

func (c *checker) lookup(name string) (Type, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if t, ok := c.scopes[i][name]; ok {
			return t, true
		}
	}
	return Invalid, false
}

func (c *checker) block(b *syntax.Block, scoped bool) {
	if scoped {
		c.scopes = append(c.scopes, map[string]Type{})
		defer func() { c.scopes = c.scopes[:len(c.scopes)-1] }()
	}
	for _, s := range b.Stmts {
		c.stmt(s)
	}
}

func (c *checker) stmt(s syntax.Stmt) {
	switch s := s.(type) {
	case *syntax.Block:
		c.block(s, true)
	case *syntax.LetStmt:
		t := c.expr(s.Value, Invalid)
		if t == Void {
			c.errorf(s.Pos, "%s has no value to bind to %s", describe(s.Value), s.Name)
			t = Invalid
		}
		scope := c.scopes[len(c.scopes)-1]
		if _, dup := scope[s.Name]; dup {
			c.errorf(s.Pos, "%s redeclared in this block", s.Name)
		}
		scope[s.Name] = t
	case *syntax.AssignStmt:
		want, ok := c.lookup(s.Name)
		if !ok {
			c.errorf(s.Pos, "undefined: %s", s.Name)
			c.expr(s.Value, Invalid)
			return
		}
		c.expect(s.Value, want, "assignment to "+s.Name)
	case *syntax.IfStmt:
		c.expect(s.Cond, Bool, "if condition")
		c.block(s.Then, true)
		if s.Else != nil {
			c.block(s.Else, true)
		}
	case *syntax.WhileStmt:
		c.expect(s.Cond, Bool, "while condition")
		c.block(s.Body, true)
	case *syntax.ReturnStmt:
		switch {
		case s.Value == nil && c.result != Void && c.result != Invalid:
			c.errorf(s.Pos, "missing return value, want %s", c.result)
		case s.Value != nil && c.result == Void:
			c.errorf(s.Pos, "unexpected return value in function returning nothing")
			c.expr(s.Value, Invalid)
		case s.Value != nil:
			c.expect(s.Value, c.result, "return")
		}
	case *syntax.ExprStmt:
		c.expr(s.X, Invalid)
	}
}

// expect checks that x has type want.
func (c *checker) expect(x syntax.Expr, want Type, context string) {
	got := c.expr(x, want)
	if got != want && got != Invalid && want != Invalid {
		c.errorf(x.Position(), "cannot use %s (%s) in %s, want %s", describe(x), got, context, want)
	}
}

// expr returns the type of x. hint types integer literals.
func (c *checker) expr(x syntax.Expr, hint Type) Type {
	t := c.infer(x, hint)
	c.info.Types[x] = t
	return t
}

func (c *checker) infer(x syntax.Expr, hint Type) Type {
	switch x := x.(type) {
	case *syntax.IntLit:
		t := I32
		if hint.IsInteger() {
			t = hint
		}
		if t == I32 && (x.Value > 1<<31-1 || x.Value < -1<<31) {
			c.errorf(x.Pos, "integer literal %d overflows i32", x.Value)
		}
		return t
	case *syntax.BoolLit:
		return Bool
	case *syntax.StringLit:
		c.errorf(x.Pos, "string literals can only be passed to print")
		return Invalid
	case *syntax.Ident:
		t, ok := c.lookup(x.Name)
		if !ok {
			c.errorf(x.Pos, "undefined: %s", x.Name)
			return Invalid
		}
		return t
	case *syntax.UnaryExpr:
		if x.Op == syntax.Bang {
			c.expect(x.X, Bool, "operand of !")
			return Bool
		}
		t := c.expr(x.X, hint)
		if t != Invalid && !t.IsInteger() {
			c.errorf(x.Pos, "operator - needs an integer operand, have %s", t)
			return Invalid
		}
		return t
	case *syntax.BinaryExpr:
		return c.binary(x, hint)
	case *syntax.CallExpr:
		return c.call(x)
	}
	return Invalid
}

func (c *checker) binary(x *syntax.BinaryExpr, hint Type) Type {
	switch x.Op {
	case syntax.AndAnd, syntax.OrOr:
		c.expect(x.X, Bool, "operand of "+x.Op.String())
		c.expect(x.Y, Bool, "operand of "+x.Op.String())
		return Bool
	case syntax.Eq, syntax.NotEq, syntax.Less, syntax.LessEq, syntax.Greater, syntax.GreaterEq:
		t := c.operands(x, Invalid)
		if t == Bool && x.Op != syntax.Eq && x.Op != syntax.NotEq {
			c.errorf(x.Pos, "operator %s is not defined on bool", x.Op)
		}
		return Bool
	}

	t := c.operands(x, hint)
	if t != Invalid && !t.IsInteger() {
		c.errorf(x.Pos, "operator %s needs integer operands, have %s", x.Op, t)
		return Invalid
	}
	return t
}

// operands types both sides of x alike and returns their common type. A
// literal side takes the type of the other side.
func (c *checker) operands(x *syntax.BinaryExpr, hint Type) Type {
	var tx, ty Type
	if _, lit := x.X.(*syntax.IntLit); lit {
		ty = c.expr(x.Y, hint)
		tx = c.expr(x.X, ty)
	} else {
		tx = c.expr(x.X, hint)
		ty = c.expr(x.Y, tx)
	}
	if tx == Invalid || ty == Invalid {
		return Invalid
	}
	if tx != ty {
		c.errorf(x.Pos, "mismatched types %s and %s for operator %s", tx, ty, x.Op)
		return Invalid
	}
	return tx
}

func (c *checker) call(x *syntax.CallExpr) Type {
	if b, ok := builtins[x.Func]; ok {
		if len(x.Args) != b.arity {
			c.errorf(x.Pos, "%s takes %d argument, have %d", x.Func, b.arity, len(x.Args))
			for _, a := range x.Args {
				c.expr(a, Invalid)
			}
			return Void
		}
		switch x.Func {
		case "print":
			lit, ok := x.Args[0].(*syntax.StringLit)
			if !ok {
				c.errorf(x.Args[0].Position(), "print takes %s", b.arg)
				c.expr(x.Args[0], Invalid)
				return Void
			}
			c.info.Types[lit] = Str
		case "exit":
			if t := c.expr(x.Args[0], I32); t != Invalid && !t.IsInteger() {
				c.errorf(x.Args[0].Position(), "exit takes %s, have %s", b.arg, t)
			}
		}
		return Void
	}

	sig, ok := c.info.Funcs[x.Func]
	if !ok {
		c.errorf(x.Pos, "undefined function: %s", x.Func)
		for _, a := range x.Args {
			c.expr(a, Invalid)
		}
		return Invalid
	}
	if len(x.Args) != len(sig.Params) {
		c.errorf(x.Pos, "%s takes %d arguments, have %d", x.Func, len(sig.Params), len(x.Args))
	}
	for i, a := range x.Args {
		if i < len(sig.Params) {
			c.expect(a, sig.Params[i], "argument to "+x.Func)
		} else {
			c.expr(a, Invalid)
		}
	}
	return sig.Result
}

// terminates reports whether every path through b ends in a return or an
// exit call.
func terminates(b *syntax.Block) bool {
	if len(b.Stmts) == 0 {
		return false
	}
	switch s := b.Stmts[len(b.Stmts)-1].(type) {
	case *syntax.ReturnStmt:
		return true
	case *syntax.Block:
		return terminates(s)
	case *syntax.IfStmt:
		return s.Else != nil && terminates(s.Then) && terminates(s.Else)
	case *syntax.ExprStmt:
		call, ok := s.X.(*syntax.CallExpr)
		return ok && call.Func == "exit"
	}
	return false
}

func describe(x syntax.Expr) string {
	switch x := x.(type) {
	case *syntax.Ident:
		return x.Name
	case *syntax.IntLit:
		return fmt.Sprint(x.Value)
	case *syntax.BoolLit:
		return fmt.Sprint(x.Value)
	case *syntax.CallExpr:
		return x.Func + "(...)"
	}
	return "expression"
}
