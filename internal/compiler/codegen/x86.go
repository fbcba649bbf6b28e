// SPDX-License-Identifier: MPL-2.0

package codegen

import (
	"fmt"

	"github.com/apex-lang/apex/internal/compiler/ir"
)

// i386 registers.
const (
	eax = 0
	ecx = 1
	edx = 2
	ebx = 3
)

// Linux i386 system call numbers.
const (
	sysExit32  = 1
	sysWrite32 = 4
)

// setcc opcodes (second byte after 0x0F) per comparison.
var setcc = map[ir.Op]byte{
	ir.OpEq: 0x94,
	ir.OpNe: 0x95,
	ir.OpLt: 0x9C,
	ir.OpGe: 0x9D,
	ir.OpLe: 0x9E,
	ir.OpGt: 0x9F,
}

type fixup struct {
	at     int
	target ir.BlockID
}

type callFixup struct {
	at     int
	callee string
}

type x86Emitter struct {
	asm
	lm    *ir.LoweredModule
	out   []Patch
	funcs map[string]int
	calls []callFixup
}

// EmitX86 encodes lm for 32-bit Linux. Every SSA value owns a 4-byte stack
// slot; constants read at most once are inlined as immediates. Execution
// starts at offset 0, which calls the entry function and passes its
// result (or 0) to exit.
func EmitX86(lm *ir.LoweredModule) (*MachineCode, error) {
	e := &x86Emitter{lm: lm, funcs: make(map[string]int)}

	entry := lm.Entry()
	e.emit(0xE8)
	e.calls = append(e.calls, callFixup{at: e.pos(), callee: entry.Name})
	e.emitU32(0)
	if entry.Result.Kind == ir.KindVoid {
		e.emit(0x31, 0xDB) // xor ebx, ebx
	} else {
		e.emit(0x89, 0xC3) // mov ebx, eax
	}
	e.movImm(eax, sysExit32)
	e.emit(0xCD, 0x80)

	for _, f := range lm.Funcs {
		if err := e.function(f); err != nil {
			return nil, err
		}
	}
	for _, c := range e.calls {
		target, ok := e.funcs[c.callee]
		if !ok {
			return nil, fmt.Errorf("%w: call to unknown function %s", ErrUnsupported, c.callee)
		}
		e.putRel32(c.at, target)
	}

	return &MachineCode{Code: e.buf, Strings: literals(lm.Strings), Patches: e.out}, nil
}

// frame maps values to ebp-relative slots for one function.
type frame struct {
	f       *ir.LoweredFunc
	consts  map[ir.Value]int64 // inlined constants
	allocas map[ir.Value]int32 // storage displacement per alloca result
	phis    map[ir.BlockID][]*ir.Inst
	size    int32
}

func newFrame(f *ir.LoweredFunc) (*frame, error) {
	fr := &frame{
		f:       f,
		consts:  make(map[ir.Value]int64),
		allocas: make(map[ir.Value]int32),
		phis:    make(map[ir.BlockID][]*ir.Inst),
	}
	for _, p := range f.Params {
		if p.Type.Kind == ir.KindI64 {
			return nil, fmt.Errorf("%w: i64 parameter %s in %s", ErrUnsupported, p.Name, f.Name)
		}
	}
	if f.Result.Kind == ir.KindI64 {
		return nil, fmt.Errorf("%w: i64 result of %s", ErrUnsupported, f.Name)
	}

	next := int32(f.ValueCount)
	for _, b := range f.Blocks {
		for i := range b.Body {
			inst := &b.Body[i]
			if inst.Type.Kind == ir.KindI64 || inst.Type.Kind == ir.KindPtr && inst.Type.Elem.Kind == ir.KindI64 {
				return nil, fmt.Errorf("%w: i64 value in %s", ErrUnsupported, f.Name)
			}
			switch inst.Op {
			case ir.OpConst:
				if f.Uses[inst.Result] <= 1 {
					fr.consts[inst.Result] = inst.Imm
				}
			case ir.OpAlloca:
				next++
				fr.allocas[inst.Result] = -4 * next
			case ir.OpPhi:
				fr.phis[b.ID] = append(fr.phis[b.ID], inst)
			}
		}
	}
	fr.size = 4 * next
	return fr, nil
}

// slot returns the ebp displacement of v's slot.
func (fr *frame) slot(v ir.Value) int32 {
	return -4 * (int32(v) + 1)
}

func (e *x86Emitter) function(f *ir.LoweredFunc) error {
	fr, err := newFrame(f)
	if err != nil {
		return err
	}
	e.funcs[f.Name] = e.pos()

	e.emit(0x55)       // push ebp
	e.emit(0x89, 0xE5) // mov ebp, esp
	e.emit(0x81, 0xEC) // sub esp, imm32
	e.emitI32(fr.size)

	blocks := make(map[ir.BlockID]int, len(f.Blocks))
	var jumps []fixup
	for _, b := range f.Blocks {
		blocks[b.ID] = e.pos()
		for i := range b.Body {
			if err := e.inst(fr, &b.Body[i]); err != nil {
				return err
			}
		}
		jumps = append(jumps, e.term(fr, b)...)
	}
	for _, j := range jumps {
		target, ok := blocks[j.target]
		if !ok {
			return fmt.Errorf("%w: branch to unknown block %s in %s", ErrUnsupported, j.target, f.Name)
		}
		e.putRel32(j.at, target)
	}
	return nil
}

func (e *x86Emitter) movImm(reg byte, v int32) {
	e.emit(0xB8 + reg)
	e.emitI32(v)
}

// load puts v in reg, as an immediate when v is an inlined constant.
func (e *x86Emitter) load(fr *frame, reg byte, v ir.Value) {
	if imm, ok := fr.consts[v]; ok {
		e.movImm(reg, int32(imm))
		return
	}
	e.emit(0x8B, 0x85|reg<<3) // mov reg, [ebp+disp32]
	e.emitI32(fr.slot(v))
}

func (e *x86Emitter) store(fr *frame, v ir.Value, reg byte) {
	e.emit(0x89, 0x85|reg<<3) // mov [ebp+disp32], reg
	e.emitI32(fr.slot(v))
}

func (e *x86Emitter) inst(fr *frame, inst *ir.Inst) error {
	switch op := inst.Op; {
	case op == ir.OpConst:
		if _, inlined := fr.consts[inst.Result]; inlined {
			return nil
		}
		e.movImm(eax, int32(inst.Imm))
	case op == ir.OpParam:
		e.emit(0x8B, 0x85) // mov eax, [ebp+8+4i]
		e.emitI32(8 + 4*int32(inst.Imm))
	case op.IsBinary():
		e.load(fr, eax, inst.Args[0])
		e.load(fr, ecx, inst.Args[1])
		switch op {
		case ir.OpAdd:
			e.emit(0x01, 0xC8)
		case ir.OpSub:
			e.emit(0x29, 0xC8)
		case ir.OpMul:
			e.emit(0x0F, 0xAF, 0xC1)
		case ir.OpDiv, ir.OpRem:
			e.emit(0x99, 0xF7, 0xF9) // cdq; idiv ecx
			if op == ir.OpRem {
				e.emit(0x89, 0xD0) // mov eax, edx
			}
		}
	case op.IsCompare():
		e.load(fr, eax, inst.Args[0])
		e.load(fr, ecx, inst.Args[1])
		e.emit(0x39, 0xC8)            // cmp eax, ecx
		e.emit(0x0F, setcc[op], 0xC0) // setcc al
		e.emit(0x0F, 0xB6, 0xC0)      // movzx eax, al
	case op == ir.OpNeg:
		e.load(fr, eax, inst.Args[0])
		e.emit(0xF7, 0xD8)
	case op == ir.OpNot:
		e.load(fr, eax, inst.Args[0])
		e.emit(0x83, 0xF0, 0x01)
	case op == ir.OpAlloca:
		e.emit(0x8D, 0x85) // lea eax, [ebp+disp32]
		e.emitI32(fr.allocas[inst.Result])
	case op == ir.OpLoad:
		e.load(fr, ecx, inst.Args[0])
		e.emit(0x8B, 0x01) // mov eax, [ecx]
	case op == ir.OpStore:
		e.load(fr, eax, inst.Args[1])
		e.load(fr, ecx, inst.Args[0])
		e.emit(0x89, 0x01) // mov [ecx], eax
		return nil
	case op == ir.OpCall:
		for i := len(inst.Args) - 1; i >= 0; i-- {
			e.load(fr, eax, inst.Args[i])
			e.emit(0x50) // push eax
		}
		e.emit(0xE8)
		e.calls = append(e.calls, callFixup{at: e.pos(), callee: inst.Callee})
		e.emitU32(0)
		if n := len(inst.Args); n > 0 {
			e.emit(0x81, 0xC4) // add esp, imm32
			e.emitI32(4 * int32(n))
		}
	case op == ir.OpPrint:
		if inst.Str < 0 || inst.Str >= len(e.lm.Strings) {
			return fmt.Errorf("%w: string id %d", ErrUnsupported, inst.Str)
		}
		e.movImm(eax, sysWrite32)
		e.movImm(ebx, 1)
		e.emit(0xB8 + ecx)
		e.out = append(e.out, Patch{Offset: e.pos(), StringID: inst.Str})
		e.emitU32(0)
		e.movImm(edx, int32(len(e.lm.Strings[inst.Str])))
		e.emit(0xCD, 0x80)
		return nil
	case op == ir.OpExit:
		e.load(fr, ebx, inst.Args[0])
		e.movImm(eax, sysExit32)
		e.emit(0xCD, 0x80)
		return nil
	case op == ir.OpPhi:
		// Filled by the predecessors' edge copies.
		return nil
	default:
		return fmt.Errorf("%w: instruction %s", ErrUnsupported, op)
	}

	if inst.Result != ir.NoValue {
		e.store(fr, inst.Result, eax)
	}
	return nil
}

// term encodes b's terminator and returns the branch slots to resolve.
func (e *x86Emitter) term(fr *frame, b *ir.Block) []fixup {
	t := b.Term
	switch t.Op {
	case ir.TermBr:
		e.edgeCopies(fr, b.ID, t.Then)
		return []fixup{e.jmp(t.Then)}
	case ir.TermCondBr:
		e.load(fr, eax, t.Cond)
		e.emit(0x85, 0xC0) // test eax, eax
		e.emit(0x0F, 0x84) // je rel32
		elseEdge := e.pos()
		e.emitU32(0)
		e.edgeCopies(fr, b.ID, t.Then)
		fixups := []fixup{e.jmp(t.Then)}
		e.putRel32(elseEdge, e.pos())
		e.edgeCopies(fr, b.ID, t.Else)
		return append(fixups, e.jmp(t.Else))
	}

	if t.Value != ir.NoValue {
		e.load(fr, eax, t.Value)
	}
	e.emit(0x89, 0xEC) // mov esp, ebp
	e.emit(0x5D)       // pop ebp
	e.emit(0xC3)       // ret
	return nil
}

func (e *x86Emitter) jmp(target ir.BlockID) fixup {
	e.emit(0xE9)
	f := fixup{at: e.pos(), target: target}
	e.emitU32(0)
	return f
}

// edgeCopies moves the values flowing along from -> to into the phi slots
// of to. Copies go through the stack so they behave as one parallel
// assignment.
func (e *x86Emitter) edgeCopies(fr *frame, from, to ir.BlockID) {
	var dsts []ir.Value
	for _, phi := range fr.phis[to] {
		for _, in := range phi.Incoming {
			if in.Block == from {
				e.load(fr, eax, in.Value)
				e.emit(0x50) // push eax
				dsts = append(dsts, phi.Result)
				break
			}
		}
	}
	for i := len(dsts) - 1; i >= 0; i-- {
		e.emit(0x58) // pop eax
		e.store(fr, dsts[i], eax)
	}
}
