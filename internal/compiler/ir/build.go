// SPDX-License-Identifier: MPL-2.0

package ir

import (
	"fmt"

	"github.com/apex-lang/apex/internal/compiler/check"
	"github.com/apex-lang/apex/internal/compiler/syntax"
)

// Build translates a checked file into a module. Locals live in allocas;
// only short-circuit operators produce phis.
func Build(f *syntax.File, info *check.Info) (*Module, error) {
	m := &Module{}
	for _, decl := range f.Funcs {
		fn, err := buildFunc(m, decl, info)
		if err != nil {
			return nil, err
		}
		m.Funcs = append(m.Funcs, fn)
	}
	return m, nil
}

type builder struct {
	m      *Module
	fn     *Func
	info   *check.Info
	cur    *Block
	scopes []map[string]Value
}

func buildFunc(m *Module, decl *syntax.FuncDecl, info *check.Info) (*Func, error) {
	sig := info.Funcs[decl.Name]
	if sig == nil {
		return nil, fmt.Errorf("function %s was not checked", decl.Name)
	}
	b := &builder{
		m:    m,
		info: info,
		fn: &Func{
			Name:   decl.Name,
			Result: typeOf(sig.Result),
		},
		scopes: []map[string]Value{{}},
	}
	b.cur = b.newBlock()

	for i, p := range decl.Params {
		t := typeOf(sig.Params[i])
		b.fn.Params = append(b.fn.Params, Param{Name: p.Name, Type: t})
		arg := b.emit(Inst{Op: OpParam, Type: t, Imm: int64(i)})
		slot := b.emit(Inst{Op: OpAlloca, Type: PtrTo(t)})
		b.store(slot, arg)
		b.scopes[0][p.Name] = slot
	}

	if err := b.block(decl.Body); err != nil {
		return nil, err
	}
	if b.cur.Term == nil && b.fn.Result.Kind == KindVoid {
		b.terminate(Terminator{Op: TermRet, Value: NoValue})
	}
	return b.fn, nil
}

func typeOf(t check.Type) Type {
	switch t {
	case check.Bool:
		return Bool
	case check.I32:
		return I32
	case check.I64:
		return I64
	}
	return Void
}

func (b *builder) newBlock() *Block {
	blk := &Block{ID: BlockID(len(b.fn.Blocks))}
	b.fn.Blocks = append(b.fn.Blocks, blk)
	return blk
}

// emit appends inst to the current block, assigning a result for non-void
// instructions.
func (b *builder) emit(inst Inst) Value {
	inst.Result = NoValue
	if inst.Type.Kind != KindVoid {
		inst.Result = Value(b.fn.NumValues)
		b.fn.NumValues++
	}
	b.cur.Body = append(b.cur.Body, inst)
	return inst.Result
}

func (b *builder) store(addr, v Value) {
	b.emit(Inst{Op: OpStore, Type: Void, Args: []Value{addr, v}})
}

// terminate ends the current block. Code following a terminator lands in
// a fresh block with no predecessors.
func (b *builder) terminate(t Terminator) {
	if b.cur.Term != nil {
		return
	}
	b.cur.Term = &t
}

func (b *builder) br(target *Block) {
	b.terminate(Terminator{Op: TermBr, Then: target.ID, Value: NoValue, Cond: NoValue})
}

func (b *builder) condBr(cond Value, then, els *Block) {
	b.terminate(Terminator{Op: TermCondBr, Cond: cond, Then: then.ID, Else: els.ID, Value: NoValue})
}

func (b *builder) lookup(name string) (Value, error) {
	for i := len(b.scopes) - 1; i >= 0; i-- {
		if v, ok := b.scopes[i][name]; ok {
			return v, nil
		}
	}
	return NoValue, fmt.Errorf("undefined variable %s", name)
}

func (b *builder) block(blk *syntax.Block) error {
	b.scopes = append(b.scopes, map[string]Value{})
	defer func() { b.scopes = b.scopes[:len(b.scopes)-1] }()
	for _, s := range blk.Stmts {
		if err := b.stmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) stmt(s syntax.Stmt) error {
	switch s := s.(type) {
	case *syntax.Block:
		return b.block(s)
	case *syntax.LetStmt:
		v, err := b.expr(s.Value)
		if err != nil {
			return err
		}
		slot := b.emit(Inst{Op: OpAlloca, Type: PtrTo(typeOf(b.info.Types[s.Value]))})
		b.store(slot, v)
		b.scopes[len(b.scopes)-1][s.Name] = slot
	case *syntax.AssignStmt:
		slot, err := b.lookup(s.Name)
		if err != nil {
			return err
		}
		v, err := b.expr(s.Value)
		if err != nil {
			return err
		}
		b.store(slot, v)
	case *syntax.IfStmt:
		return b.ifStmt(s)
	case *syntax.WhileStmt:
		return b.whileStmt(s)
	case *syntax.ReturnStmt:
		ret := Terminator{Op: TermRet, Value: NoValue, Cond: NoValue}
		if s.Value != nil {
			v, err := b.expr(s.Value)
			if err != nil {
				return err
			}
			ret.Value = v
		}
		b.terminate(ret)
		b.cur = b.newBlock()
	case *syntax.ExprStmt:
		_, err := b.expr(s.X)
		return err
	default:
		return fmt.Errorf("unsupported statement %T", s)
	}
	return nil
}

func (b *builder) ifStmt(s *syntax.IfStmt) error {
	cond, err := b.expr(s.Cond)
	if err != nil {
		return err
	}
	then := b.newBlock()
	join := b.newBlock()
	els := join
	if s.Else != nil {
		els = b.newBlock()
	}
	b.condBr(cond, then, els)

	b.cur = then
	if err := b.block(s.Then); err != nil {
		return err
	}
	b.br(join)

	if s.Else != nil {
		b.cur = els
		if err := b.block(s.Else); err != nil {
			return err
		}
		b.br(join)
	}
	b.cur = join
	return nil
}

func (b *builder) whileStmt(s *syntax.WhileStmt) error {
	head := b.newBlock()
	body := b.newBlock()
	exit := b.newBlock()
	b.br(head)

	b.cur = head
	cond, err := b.expr(s.Cond)
	if err != nil {
		return err
	}
	b.condBr(cond, body, exit)

	b.cur = body
	if err := b.block(s.Body); err != nil {
		return err
	}
	b.br(head)
	b.cur = exit
	return nil
}

var binaryOps = map[syntax.Kind]Op{
	syntax.Plus:      OpAdd,
	syntax.Minus:     OpSub,
	syntax.Star:      OpMul,
	syntax.Slash:     OpDiv,
	syntax.Percent:   OpRem,
	syntax.Eq:        OpEq,
	syntax.NotEq:     OpNe,
	syntax.Less:      OpLt,
	syntax.LessEq:    OpLe,
	syntax.Greater:   OpGt,
	syntax.GreaterEq: OpGe,
}

func (b *builder) expr(x syntax.Expr) (Value, error) {
	t := typeOf(b.info.Types[x])
	switch x := x.(type) {
	case *syntax.IntLit:
		return b.emit(Inst{Op: OpConst, Type: t, Imm: x.Value}), nil
	case *syntax.BoolLit:
		var imm int64
		if x.Value {
			imm = 1
		}
		return b.emit(Inst{Op: OpConst, Type: Bool, Imm: imm}), nil
	case *syntax.Ident:
		slot, err := b.lookup(x.Name)
		if err != nil {
			return NoValue, err
		}
		return b.emit(Inst{Op: OpLoad, Type: t, Args: []Value{slot}}), nil
	case *syntax.UnaryExpr:
		v, err := b.expr(x.X)
		if err != nil {
			return NoValue, err
		}
		op := OpNeg
		if x.Op == syntax.Bang {
			op = OpNot
		}
		return b.emit(Inst{Op: op, Type: t, Args: []Value{v}}), nil
	case *syntax.BinaryExpr:
		if x.Op == syntax.AndAnd || x.Op == syntax.OrOr {
			return b.shortCircuit(x)
		}
		l, err := b.expr(x.X)
		if err != nil {
			return NoValue, err
		}
		r, err := b.expr(x.Y)
		if err != nil {
			return NoValue, err
		}
		op, ok := binaryOps[x.Op]
		if !ok {
			return NoValue, fmt.Errorf("unsupported operator %s", x.Op)
		}
		return b.emit(Inst{Op: op, Type: t, Args: []Value{l, r}}), nil
	case *syntax.CallExpr:
		return b.call(x, t)
	}
	return NoValue, fmt.Errorf("unsupported expression %T", x)
}

// shortCircuit lowers && and || to a branch and a phi joining the left
// operand (when it decides the result) with the right operand.
func (b *builder) shortCircuit(x *syntax.BinaryExpr) (Value, error) {
	l, err := b.expr(x.X)
	if err != nil {
		return NoValue, err
	}
	left := b.cur
	rhs := b.newBlock()
	join := b.newBlock()
	if x.Op == syntax.AndAnd {
		b.condBr(l, rhs, join)
	} else {
		b.condBr(l, join, rhs)
	}

	b.cur = rhs
	r, err := b.expr(x.Y)
	if err != nil {
		return NoValue, err
	}
	right := b.cur
	b.br(join)

	b.cur = join
	return b.emit(Inst{Op: OpPhi, Type: Bool, Incoming: []Incoming{
		{Block: left.ID, Value: l},
		{Block: right.ID, Value: r},
	}}), nil
}

func (b *builder) call(x *syntax.CallExpr, t Type) (Value, error) {
	switch x.Func {
	case "print":
		lit, ok := x.Args[0].(*syntax.StringLit)
		if !ok {
			return NoValue, fmt.Errorf("print needs a string literal")
		}
		b.emit(Inst{Op: OpPrint, Type: Void, Str: b.m.Intern(lit.Value)})
		return NoValue, nil
	case "exit":
		v, err := b.expr(x.Args[0])
		if err != nil {
			return NoValue, err
		}
		b.emit(Inst{Op: OpExit, Type: Void, Args: []Value{v}})
		return NoValue, nil
	}

	args := make([]Value, 0, len(x.Args))
	for _, a := range x.Args {
		v, err := b.expr(a)
		if err != nil {
			return NoValue, err
		}
		args = append(args, v)
	}
	return b.emit(Inst{Op: OpCall, Type: t, Callee: x.Func, Args: args}), nil
}
