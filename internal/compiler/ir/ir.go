// SPDX-License-Identifier: MPL-2.0

// Package ir defines the block-structured SSA intermediate representation,
// its construction from checked syntax, a verifier, a text printer and the
// per-target lowering consumed by the code generators.
//
// Functions own their blocks and instructions by value. Instructions refer
// to earlier results by Value, a small integer unique within the function.
package ir

import (
	"fmt"
	"slices"
)

// Kind is the shape of a Type.
type Kind int

const (
	KindVoid Kind = iota
	KindBool
	KindI32
	KindI64
	KindPtr
)

// Type is an IR type. Elem is set for pointers only.
type Type struct {
	Kind Kind
	Elem *Type
}

var (
	Void = Type{Kind: KindVoid}
	Bool = Type{Kind: KindBool}
	I32  = Type{Kind: KindI32}
	I64  = Type{Kind: KindI64}
)

// PtrTo returns the pointer-to-t type.
func PtrTo(t Type) Type {
	return Type{Kind: KindPtr, Elem: &t}
}

// Equal reports structural equality.
func (t Type) Equal(u Type) bool {
	if t.Kind != u.Kind {
		return false
	}
	if t.Kind != KindPtr {
		return true
	}
	return t.Elem.Equal(*u.Elem)
}

func (t Type) String() string {
	switch t.Kind {
	case KindVoid:
		return "void"
	case KindBool:
		return "bool"
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	case KindPtr:
		return "*" + t.Elem.String()
	}
	return fmt.Sprintf("Kind(%d)", int(t.Kind))
}

// IsInteger reports whether t is i32 or i64.
func (t Type) IsInteger() bool { return t.Kind == KindI32 || t.Kind == KindI64 }

type (
	// Value names an instruction result within a function.
	Value int

	// BlockID is a block's stable identifier, equal to its index in
	// Func.Blocks.
	BlockID int
)

// NoValue marks an absent operand or result.
const NoValue Value = -1

func (v Value) String() string {
	if v == NoValue {
		return "_"
	}
	return fmt.Sprintf("v%d", int(v))
}

func (b BlockID) String() string { return fmt.Sprintf("b%d", int(b)) }

// Op is an instruction opcode.
type Op int

const (
	OpConst Op = iota // Imm
	OpParam           // Imm is the parameter index
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg
	OpNot
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpAlloca // Type is the pointer type
	OpLoad   // Args[0] is the address
	OpStore  // Args[0] is the address, Args[1] the value; no result
	OpCall   // Callee, Args
	OpPrint  // Str; no result
	OpExit   // Args[0] is the status; no result
	OpPhi    // Incoming
)

var opNames = [...]string{
	OpConst:  "const",
	OpParam:  "param",
	OpAdd:    "add",
	OpSub:    "sub",
	OpMul:    "mul",
	OpDiv:    "div",
	OpRem:    "rem",
	OpNeg:    "neg",
	OpNot:    "not",
	OpEq:     "eq",
	OpNe:     "ne",
	OpLt:     "lt",
	OpLe:     "le",
	OpGt:     "gt",
	OpGe:     "ge",
	OpAlloca: "alloca",
	OpLoad:   "load",
	OpStore:  "store",
	OpCall:   "call",
	OpPrint:  "print",
	OpExit:   "exit",
	OpPhi:    "phi",
}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// IsCompare reports whether o yields a bool from two operands.
func (o Op) IsCompare() bool { return o >= OpEq && o <= OpGe }

// IsBinary reports whether o takes two operands of the result type.
func (o Op) IsBinary() bool { return o >= OpAdd && o <= OpRem }

type (
	// Incoming is one phi operand: the value flowing in from Block.
	Incoming struct {
		Block BlockID
		Value Value
	}

	// Inst is one instruction. Fields beyond Op, Result and Type are used
	// as the opcode requires.
	Inst struct {
		Op Op
		// Result is NoValue for instructions that produce nothing.
		Result   Value
		Type     Type
		Args     []Value
		Imm      int64
		Str      int
		Callee   string
		Incoming []Incoming
	}

	// TermOp is a terminator opcode.
	TermOp int

	// Terminator ends a block.
	Terminator struct {
		Op TermOp
		// Value is the returned value for TermRet, NoValue for a bare ret.
		Value Value
		Cond  Value
		// Then is the target of TermBr and the true target of TermCondBr.
		Then BlockID
		Else BlockID
	}

	Block struct {
		ID   BlockID
		Body []Inst
		// Term is nil only while the block is under construction or
		// unreachable.
		Term *Terminator
	}

	Param struct {
		Name string
		Type Type
	}

	Func struct {
		Name   string
		Params []Param
		Result Type
		Blocks []*Block
		// NumValues is one more than the highest Value defined.
		NumValues int
	}

	Module struct {
		// Strings is the interned literal table, referenced by index.
		Strings []string
		Funcs   []*Func
	}
)

const (
	TermRet TermOp = iota
	TermBr
	TermCondBr
)

// Uses returns the values inst reads.
func (inst *Inst) Uses() []Value {
	if inst.Op == OpPhi {
		vals := make([]Value, len(inst.Incoming))
		for i, in := range inst.Incoming {
			vals[i] = in.Value
		}
		return vals
	}
	return inst.Args
}

// Uses returns the values t reads.
func (t *Terminator) Uses() []Value {
	switch {
	case t.Op == TermCondBr:
		return []Value{t.Cond}
	case t.Op == TermRet && t.Value != NoValue:
		return []Value{t.Value}
	}
	return nil
}

// Successors returns the blocks t may transfer control to.
func (t *Terminator) Successors() []BlockID {
	switch t.Op {
	case TermBr:
		return []BlockID{t.Then}
	case TermCondBr:
		if t.Then == t.Else {
			return []BlockID{t.Then}
		}
		return []BlockID{t.Then, t.Else}
	}
	return nil
}

// Block returns the block with id, or nil.
func (f *Func) Block(id BlockID) *Block {
	if id < 0 || int(id) >= len(f.Blocks) || f.Blocks[id].ID != id {
		return nil
	}
	return f.Blocks[id]
}

// Predecessors maps every block to the blocks branching to it, in block
// order.
func (f *Func) Predecessors() map[BlockID][]BlockID {
	preds := make(map[BlockID][]BlockID, len(f.Blocks))
	for _, b := range f.Blocks {
		if b.Term == nil {
			continue
		}
		for _, s := range b.Term.Successors() {
			preds[s] = append(preds[s], b.ID)
		}
	}
	return preds
}

// Reachable returns the ids of blocks reachable from the entry block in
// reverse postorder.
func (f *Func) Reachable() []BlockID {
	if len(f.Blocks) == 0 {
		return nil
	}
	seen := make(map[BlockID]bool, len(f.Blocks))
	var post []BlockID
	var visit func(BlockID)
	visit = func(id BlockID) {
		seen[id] = true
		b := f.Block(id)
		if b != nil && b.Term != nil {
			for _, s := range b.Term.Successors() {
				if !seen[s] && f.Block(s) != nil {
					visit(s)
				}
			}
		}
		post = append(post, id)
	}
	visit(0)
	slices.Reverse(post)
	return post
}

// Func returns the function named name, or nil.
func (m *Module) Func(name string) *Func {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Intern returns the index of s in the string table, adding it if new.
func (m *Module) Intern(s string) int {
	if i := slices.Index(m.Strings, s); i >= 0 {
		return i
	}
	m.Strings = append(m.Strings, s)
	return len(m.Strings) - 1
}
