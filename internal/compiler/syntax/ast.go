// SPDX-License-Identifier: MPL-2.0

package syntax

type (
	// File is a parsed source file.
	File struct {
		Name  string
		Funcs []*FuncDecl
	}

	// FuncDecl is `fun name(params) -> Result { body }`. Result is empty for
	// functions returning nothing.
	FuncDecl struct {
		Name   string
		Params []Param
		Result string
		Body   *Block
		Pos    Pos
	}

	Param struct {
		Name string
		Type string
		Pos  Pos
	}

	// Stmt is one of *Block, *LetStmt, *AssignStmt, *IfStmt, *WhileStmt,
	// *ReturnStmt or *ExprStmt.
	Stmt interface {
		stmtNode()
		Position() Pos
	}

	// Expr is one of *IntLit, *BoolLit, *StringLit, *Ident, *UnaryExpr,
	// *BinaryExpr or *CallExpr.
	Expr interface {
		exprNode()
		Position() Pos
	}

	Block struct {
		Stmts []Stmt
		Pos   Pos
	}

	LetStmt struct {
		Name  string
		Value Expr
		Pos   Pos
	}

	AssignStmt struct {
		Name  string
		Value Expr
		Pos   Pos
	}

	// IfStmt has a nil Else when there is no else branch. An `else if`
	// chain nests as a Block holding a single IfStmt.
	IfStmt struct {
		Cond Expr
		Then *Block
		Else *Block
		Pos  Pos
	}

	WhileStmt struct {
		Cond Expr
		Body *Block
		Pos  Pos
	}

	// ReturnStmt has a nil Value for a bare `return;`.
	ReturnStmt struct {
		Value Expr
		Pos   Pos
	}

	ExprStmt struct {
		X   Expr
		Pos Pos
	}

	IntLit struct {
		Value int64
		Pos   Pos
	}

	BoolLit struct {
		Value bool
		Pos   Pos
	}

	// StringLit holds the unescaped literal bytes.
	StringLit struct {
		Value string
		Pos   Pos
	}

	Ident struct {
		Name string
		Pos  Pos
	}

	UnaryExpr struct {
		Op  Kind
		X   Expr
		Pos Pos
	}

	BinaryExpr struct {
		Op  Kind
		X   Expr
		Y   Expr
		Pos Pos
	}

	CallExpr struct {
		Func string
		Args []Expr
		Pos  Pos
	}
)

func (*Block) stmtNode()      {}
func (*LetStmt) stmtNode()    {}
func (*AssignStmt) stmtNode() {}
func (*IfStmt) stmtNode()     {}
func (*WhileStmt) stmtNode()  {}
func (*ReturnStmt) stmtNode() {}
func (*ExprStmt) stmtNode()   {}

func (*IntLit) exprNode()     {}
func (*BoolLit) exprNode()    {}
func (*StringLit) exprNode()  {}
func (*Ident) exprNode()      {}
func (*UnaryExpr) exprNode()  {}
func (*BinaryExpr) exprNode() {}
func (*CallExpr) exprNode()   {}

func (s *Block) Position() Pos      { return s.Pos }
func (s *LetStmt) Position() Pos    { return s.Pos }
func (s *AssignStmt) Position() Pos { return s.Pos }
func (s *IfStmt) Position() Pos     { return s.Pos }
func (s *WhileStmt) Position() Pos  { return s.Pos }
func (s *ReturnStmt) Position() Pos { return s.Pos }
func (s *ExprStmt) Position() Pos   { return s.Pos }

func (e *IntLit) Position() Pos     { return e.Pos }
func (e *BoolLit) Position() Pos    { return e.Pos }
func (e *StringLit) Position() Pos  { return e.Pos }
func (e *Ident) Position() Pos      { return e.Pos }
func (e *UnaryExpr) Position() Pos  { return e.Pos }
func (e *BinaryExpr) Position() Pos { return e.Pos }
func (e *CallExpr) Position() Pos   { return e.Pos }

// Func returns the declaration named name, or nil.
func (f *File) Func(name string) *FuncDecl {
	for _, fn := range f.Funcs {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}
