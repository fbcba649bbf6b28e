// SPDX-License-Identifier: MPL-2.0

package ir

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidIR is the sentinel wrapped by every *VerifyError.
var ErrInvalidIR = errors.New("invalid IR")

// VerifyError is one broken invariant.
type VerifyError struct {
	Func  string
	Block BlockID
	Msg   string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Func, e.Block, e.Msg)
}

func (e *VerifyError) Unwrap() error { return ErrInvalidIR }

// Verify checks the structural invariants of m: every reachable block is
// terminated, every value is defined once in a position dominating its
// uses, phi operands match the predecessors exactly, and string and block
// references resolve. Unreachable blocks are not checked.
func Verify(m *Module) error {
	var errs []error
	seen := make(map[string]bool, len(m.Funcs))
	for _, f := range m.Funcs {
		if seen[f.Name] {
			errs = append(errs, &VerifyError{Func: f.Name, Msg: "duplicate function"})
		}
		seen[f.Name] = true
		errs = append(errs, verifyFunc(m, f)...)
	}
	return errors.Join(errs...)
}

// defSite locates a definition.
type defSite struct {
	block BlockID
	index int // -1 for none
}

type funcVerifier struct {
	m     *Module
	f     *Func
	errs  []error
	defs  map[Value]defSite
	idom  map[BlockID]BlockID
	order map[BlockID]int
	preds map[BlockID][]BlockID
}

func verifyFunc(m *Module, f *Func) []error {
	v := &funcVerifier{m: m, f: f, defs: make(map[Value]defSite)}
	if len(f.Blocks) == 0 {
		v.errorf(0, "function has no blocks")
		return v.errs
	}
	for i, b := range f.Blocks {
		if b.ID != BlockID(i) {
			v.errorf(b.ID, "block id does not match its position %d", i)
			return v.errs
		}
	}

	reach := f.Reachable()
	v.order = make(map[BlockID]int, len(reach))
	for i, id := range reach {
		v.order[id] = i
	}
	v.preds = make(map[BlockID][]BlockID)
	for id, ps := range f.Predecessors() {
		for _, p := range ps {
			if _, live := v.order[p]; live {
				v.preds[id] = append(v.preds[id], p)
			}
		}
	}
	v.idom = v.dominators(reach)

	for _, id := range reach {
		b := f.Blocks[id]
		for i := range b.Body {
			inst := &b.Body[i]
			if inst.Result == NoValue {
				continue
			}
			if prev, dup := v.defs[inst.Result]; dup {
				v.errorf(id, "%s defined twice (first in %s)", inst.Result, prev.block)
				continue
			}
			if int(inst.Result) >= f.NumValues {
				v.errorf(id, "%s is outside the function's value range", inst.Result)
			}
			v.defs[inst.Result] = defSite{block: id, index: i}
		}
	}
	for _, id := range reach {
		v.block(f.Blocks[id])
	}
	return v.errs
}

func (v *funcVerifier) errorf(b BlockID, format string, args ...any) {
	v.errs = append(v.errs, &VerifyError{Func: v.f.Name, Block: b, Msg: fmt.Sprintf(format, args...)})
}

func (v *funcVerifier) block(b *Block) {
	for i := range b.Body {
		inst := &b.Body[i]
		if inst.Op == OpPhi {
			v.phi(b, i, inst)
			continue
		}
		for _, u := range inst.Uses() {
			v.use(b.ID, i, u)
		}
		v.inst(b.ID, inst)
	}

	if b.Term == nil {
		v.errorf(b.ID, "reachable block has no terminator")
		return
	}
	for _, u := range b.Term.Uses() {
		v.use(b.ID, len(b.Body), u)
	}
	for _, s := range b.Term.Successors() {
		if v.f.Block(s) == nil {
			v.errorf(b.ID, "branch to unknown block %s", s)
		}
	}
	switch t := b.Term; t.Op {
	case TermRet:
		switch {
		case t.Value == NoValue && v.f.Result.Kind != KindVoid:
			v.errorf(b.ID, "ret without a value in function returning %s", v.f.Result)
		case t.Value != NoValue && v.f.Result.Kind == KindVoid:
			v.errorf(b.ID, "ret with a value in function returning void")
		}
	case TermCondBr:
		if typ, ok := v.typeOf(t.Cond); ok && typ.Kind != KindBool {
			v.errorf(b.ID, "branch condition %s has type %s", t.Cond, typ)
		}
	}
}

func (v *funcVerifier) inst(id BlockID, inst *Inst) {
	switch {
	case inst.Op == OpPrint:
		if inst.Str < 0 || inst.Str >= len(v.m.Strings) {
			v.errorf(id, "string id %d out of range (table has %d)", inst.Str, len(v.m.Strings))
		}
	case inst.Op == OpCall:
		callee := v.m.Func(inst.Callee)
		if callee == nil {
			v.errorf(id, "call to unknown function %s", inst.Callee)
		} else if len(callee.Params) != len(inst.Args) {
			v.errorf(id, "call to %s passes %d arguments, want %d", inst.Callee, len(inst.Args), len(callee.Params))
		}
	case inst.Op == OpParam:
		if inst.Imm < 0 || int(inst.Imm) >= len(v.f.Params) {
			v.errorf(id, "parameter index %d out of range", inst.Imm)
		}
	case inst.Op == OpLoad || inst.Op == OpStore:
		if want := map[Op]int{OpLoad: 1, OpStore: 2}[inst.Op]; len(inst.Args) != want {
			v.errorf(id, "%s takes %d operands, has %d", inst.Op, want, len(inst.Args))
			return
		}
		if typ, ok := v.typeOf(inst.Args[0]); ok && typ.Kind != KindPtr {
			v.errorf(id, "%s through non-pointer %s", inst.Op, inst.Args[0])
		}
	case inst.Op.IsBinary() || inst.Op.IsCompare():
		if len(inst.Args) != 2 {
			v.errorf(id, "%s takes 2 operands, has %d", inst.Op, len(inst.Args))
			return
		}
		l, lok := v.typeOf(inst.Args[0])
		r, rok := v.typeOf(inst.Args[1])
		if lok && rok && !l.Equal(r) {
			v.errorf(id, "%s operands have types %s and %s", inst.Op, l, r)
		}
	}
}

// use checks that value u is defined and dominates position index of block
// id. index is len(Body) for the terminator.
func (v *funcVerifier) use(id BlockID, index int, u Value) {
	def, ok := v.defs[u]
	if !ok {
		v.errorf(id, "use of undefined value %s", u)
		return
	}
	if def.block == id {
		if def.index >= index {
			v.errorf(id, "%s used before its definition", u)
		}
		return
	}
	if !v.dominates(def.block, id) {
		v.errorf(id, "definition of %s in %s does not dominate its use", u, def.block)
	}
}

func (v *funcVerifier) phi(b *Block, index int, inst *Inst) {
	for _, prior := range b.Body[:index] {
		if prior.Op != OpPhi {
			v.errorf(b.ID, "phi %s follows a non-phi instruction", inst.Result)
			break
		}
	}

	preds := slices.Clone(v.preds[b.ID])
	var from []BlockID
	for _, in := range inst.Incoming {
		from = append(from, in.Block)
		def, ok := v.defs[in.Value]
		switch {
		case !ok:
			v.errorf(b.ID, "phi %s reads undefined value %s", inst.Result, in.Value)
		case !v.dominates(def.block, in.Block):
			v.errorf(b.ID, "phi %s operand %s does not dominate the edge from %s", inst.Result, in.Value, in.Block)
		}
	}
	slices.Sort(preds)
	slices.Sort(from)
	if !slices.Equal(preds, from) {
		v.errorf(b.ID, "phi %s incoming blocks %v do not match predecessors %v", inst.Result, from, preds)
	}
}

func (v *funcVerifier) typeOf(val Value) (Type, bool) {
	def, ok := v.defs[val]
	if !ok {
		return Type{}, false
	}
	return v.f.Blocks[def.block].Body[def.index].Type, true
}

// dominators computes immediate dominators over the reachable blocks with
// the iterative algorithm of Cooper, Harvey and Kennedy. reach is in
// reverse postorder.
func (v *funcVerifier) dominators(reach []BlockID) map[BlockID]BlockID {
	idom := map[BlockID]BlockID{reach[0]: reach[0]}
	intersect := func(a, b BlockID) BlockID {
		for a != b {
			for v.order[a] > v.order[b] {
				a = idom[a]
			}
			for v.order[b] > v.order[a] {
				b = idom[b]
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for _, id := range reach[1:] {
			newIdom, have := BlockID(0), false
			for _, p := range v.preds[id] {
				if _, done := idom[p]; !done {
					continue
				}
				if !have {
					newIdom, have = p, true
					continue
				}
				newIdom = intersect(p, newIdom)
			}
			if have && (idom[id] != newIdom || !hasKey(idom, id)) {
				idom[id] = newIdom
				changed = true
			}
		}
	}
	return idom
}

func hasKey(m map[BlockID]BlockID, k BlockID) bool {
	_, ok := m[k]
	return ok
}

// dominates reports whether a dominates b. Unreachable blocks dominate
// nothing.
func (v *funcVerifier) dominates(a, b BlockID) bool {
	if _, ok := v.order[a]; !ok {
		return false
	}
	for {
		if a == b {
			return true
		}
		next, ok := v.idom[b]
		if !ok || next == b {
			return false
		}
		b = next
	}
}
