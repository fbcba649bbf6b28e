// SPDX-License-Identifier: MPL-2.0

package ir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-lang/apex/internal/compiler/check"
	"github.com/apex-lang/apex/internal/compiler/ir"
	"github.com/apex-lang/apex/internal/compiler/syntax"
)

func build(t *testing.T, src string) *ir.Module {
	t.Helper()
	f, err := syntax.Parse("main.afml", []byte(src))
	require.NoError(t, err)
	info, err := check.Check(f)
	require.NoError(t, err)
	m, err := ir.Build(f, info)
	require.NoError(t, err)
	return m
}

const sample = `
fun apex() -> i32 {
    print("hi\n");
    print("hi\n");
    print("bye\n");
    let n = 0;
    while n < 3 || false {
        n = inc(n);
    }
    return n;
}

fun inc(x: i32) -> i32 {
    return x + 1;
}
`

func TestBuildAndVerify(t *testing.T) {
	t.Parallel()

	m := build(t, sample)
	require.NoError(t, ir.Verify(m))

	assert.Equal(t, []string{"hi\n", "bye\n"}, m.Strings, "literals are interned")
	require.Len(t, m.Funcs, 2)

	apex := m.Func("apex")
	require.NotNil(t, apex)
	assert.Equal(t, ir.I32, apex.Result)

	var phis, prints int
	for _, b := range apex.Blocks {
		for _, inst := range b.Body {
			switch inst.Op {
			case ir.OpPhi:
				phis++
				assert.Len(t, inst.Incoming, 2)
				assert.Equal(t, ir.Bool, inst.Type)
			case ir.OpPrint:
				prints++
			}
		}
	}
	assert.Equal(t, 1, phis, "|| joins through one phi")
	assert.Equal(t, 3, prints)

	inc := m.Func("inc")
	require.NotNil(t, inc)
	assert.Equal(t, []ir.Param{{Name: "x", Type: ir.I32}}, inc.Params)
}

func TestPrint(t *testing.T) {
	t.Parallel()

	m := build(t, "fun apex() { print(\"a\\n\"); }\n")
	assert.Equal(t, `strings:
  s0 = "a\n"

fun apex() -> void {
b0:
  print s0
  ret
}
`, m.String())

	m = build(t, "fun apex() -> i32 { let a = 2; return a * 3; }\n")
	assert.Equal(t, `fun apex() -> i32 {
b0:
  v0 = const i32 2
  v1 = alloca i32
  store v1, v0
  v2 = load i32 v1
  v3 = const i32 3
  v4 = mul i32 v2, v3
  ret v4
b1:
}
`, m.String())
}

func TestLowerX86(t *testing.T) {
	t.Parallel()

	m := build(t, sample)
	lm, err := ir.LowerX86(m)
	require.NoError(t, err)

	require.Len(t, lm.Funcs, 2)
	entry := lm.Entry()
	assert.Equal(t, "apex", entry.Name)
	assert.Equal(t, "inc", lm.Funcs[1].Name)
	assert.Equal(t, m.Strings, lm.Strings)

	src := m.Func("apex")
	assert.Equal(t, src.NumValues, entry.ValueCount)
	require.Len(t, entry.Blocks, len(src.Blocks))
	for i, b := range entry.Blocks {
		assert.Equal(t, src.Blocks[i].ID, b.ID, "block ids are preserved")
		assert.Equal(t, src.Blocks[i].Body, b.Body, "instruction order is preserved")
		assert.NotNil(t, b.Term, "every lowered block is terminated")
	}

	// The trailing block after "return n;" had no terminator.
	last := entry.Blocks[len(entry.Blocks)-1]
	assert.Nil(t, src.Blocks[len(src.Blocks)-1].Term)
	assert.Equal(t, ir.TermRet, last.Term.Op)
	assert.Equal(t, ir.NoValue, last.Term.Value)

	// The n slot is stored once by let and once per loop iteration body.
	var slot ir.Value = ir.NoValue
	for _, inst := range src.Blocks[0].Body {
		if inst.Op == ir.OpAlloca {
			slot = inst.Result
		}
	}
	require.NotEqual(t, ir.NoValue, slot)
	// let store, loop store, two loads (condition, inc argument) and the
	// load feeding return.
	assert.Equal(t, 5, entry.Uses[slot])
}

func TestLowerUnusedFunctionsDropped(t *testing.T) {
	t.Parallel()

	m := build(t, "fun unused() {}\nfun apex() { helper(); }\nfun helper() {}\n")
	lm, err := ir.LowerX86(m)
	require.NoError(t, err)
	require.Len(t, lm.Funcs, 2)
	assert.Equal(t, "apex", lm.Funcs[0].Name)
	assert.Equal(t, "helper", lm.Funcs[1].Name)

	em, err := ir.LowerX86_64(m)
	require.NoError(t, err)
	assert.Equal(t, &ir.EntryModule{Entry: "apex"}, em)
}

func TestLowerWithoutEntry(t *testing.T) {
	t.Parallel()

	m := &ir.Module{Funcs: []*ir.Func{{Name: "main", Blocks: []*ir.Block{{ID: 0}}}}}
	_, err := ir.LowerX86(m)
	assert.ErrorIs(t, err, ir.ErrNoEntry)
	_, err = ir.LowerX86_64(m)
	assert.ErrorIs(t, err, ir.ErrNoEntry)
}

func ret(v ir.Value) *ir.Terminator {
	return &ir.Terminator{Op: ir.TermRet, Value: v, Cond: ir.NoValue}
}

func br(to ir.BlockID) *ir.Terminator {
	return &ir.Terminator{Op: ir.TermBr, Then: to, Value: ir.NoValue, Cond: ir.NoValue}
}

func condBr(c ir.Value, then, els ir.BlockID) *ir.Terminator {
	return &ir.Terminator{Op: ir.TermCondBr, Cond: c, Then: then, Else: els, Value: ir.NoValue}
}

func constInst(v ir.Value, t ir.Type, imm int64) ir.Inst {
	return ir.Inst{Op: ir.OpConst, Result: v, Type: t, Imm: imm}
}

func TestVerifyRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   *ir.Func
		strs []string
		want string
	}{
		{
			name: "missing terminator",
			fn:   &ir.Func{Name: "apex", Blocks: []*ir.Block{{ID: 0}}},
			want: "apex/b0: reachable block has no terminator",
		},
		{
			name: "undefined value",
			fn: &ir.Func{Name: "apex", Result: ir.I32, NumValues: 1, Blocks: []*ir.Block{
				{ID: 0, Term: ret(0)},
			}},
			want: "apex/b0: use of undefined value v0",
		},
		{
			name: "duplicate definition",
			fn: &ir.Func{Name: "apex", Result: ir.I32, NumValues: 1, Blocks: []*ir.Block{
				{ID: 0, Body: []ir.Inst{constInst(0, ir.I32, 1), constInst(0, ir.I32, 2)}, Term: ret(0)},
			}},
			want: "apex/b0: v0 defined twice (first in b0)",
		},
		{
			name: "use before definition",
			fn: &ir.Func{Name: "apex", Result: ir.I32, NumValues: 2, Blocks: []*ir.Block{
				{ID: 0, Body: []ir.Inst{
					{Op: ir.OpNeg, Result: 0, Type: ir.I32, Args: []ir.Value{1}},
					constInst(1, ir.I32, 1),
				}, Term: ret(0)},
			}},
			want: "apex/b0: v1 used before its definition",
		},
		{
			name: "no dominance",
			fn: &ir.Func{Name: "apex", Result: ir.I32, NumValues: 2, Blocks: []*ir.Block{
				{ID: 0, Body: []ir.Inst{constInst(0, ir.Bool, 1)}, Term: condBr(0, 1, 2)},
				{ID: 1, Body: []ir.Inst{constInst(1, ir.I32, 7)}, Term: br(2)},
				{ID: 2, Term: ret(1)},
			}},
			want: "apex/b2: definition of v1 in b1 does not dominate its use",
		},
		{
			name: "phi misses a predecessor",
			fn: &ir.Func{Name: "apex", Result: ir.Bool, NumValues: 3, Blocks: []*ir.Block{
				{ID: 0, Body: []ir.Inst{constInst(0, ir.Bool, 1)}, Term: condBr(0, 1, 2)},
				{ID: 1, Body: []ir.Inst{constInst(1, ir.Bool, 0)}, Term: br(2)},
				{ID: 2, Body: []ir.Inst{{Op: ir.OpPhi, Result: 2, Type: ir.Bool, Incoming: []ir.Incoming{{Block: 1, Value: 1}}}}, Term: ret(2)},
			}},
			want: "apex/b2: phi v2 incoming blocks [b1] do not match predecessors [b0 b1]",
		},
		{
			name: "bad string id",
			fn: &ir.Func{Name: "apex", Blocks: []*ir.Block{
				{ID: 0, Body: []ir.Inst{{Op: ir.OpPrint, Result: ir.NoValue, Str: 1}}, Term: ret(ir.NoValue)},
			}},
			strs: []string{"only"},
			want: "apex/b0: string id 1 out of range (table has 1)",
		},
		{
			name: "unknown branch target",
			fn:   &ir.Func{Name: "apex", Blocks: []*ir.Block{{ID: 0, Term: br(4)}}},
			want: "apex/b0: branch to unknown block b4",
		},
		{
			name: "non-bool condition",
			fn: &ir.Func{Name: "apex", NumValues: 1, Blocks: []*ir.Block{
				{ID: 0, Body: []ir.Inst{constInst(0, ir.I32, 1)}, Term: condBr(0, 1, 1)},
				{ID: 1, Term: ret(ir.NoValue)},
			}},
			want: "apex/b0: branch condition v0 has type i32",
		},
		{
			name: "ret without value",
			fn:   &ir.Func{Name: "apex", Result: ir.I32, Blocks: []*ir.Block{{ID: 0, Term: ret(ir.NoValue)}}},
			want: "apex/b0: ret without a value in function returning i32",
		},
		{
			name: "mixed operand types",
			fn: &ir.Func{Name: "apex", Result: ir.I32, NumValues: 3, Blocks: []*ir.Block{
				{ID: 0, Body: []ir.Inst{
					constInst(0, ir.I32, 1),
					constInst(1, ir.I64, 1),
					{Op: ir.OpAdd, Result: 2, Type: ir.I32, Args: []ir.Value{0, 1}},
				}, Term: ret(2)},
			}},
			want: "apex/b0: add operands have types i32 and i64",
		},
		{
			name: "call to unknown function",
			fn: &ir.Func{Name: "apex", Blocks: []*ir.Block{
				{ID: 0, Body: []ir.Inst{{Op: ir.OpCall, Result: ir.NoValue, Callee: "nope"}}, Term: ret(ir.NoValue)},
			}},
			want: "apex/b0: call to unknown function nope",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ir.Verify(&ir.Module{Strings: tt.strs, Funcs: []*ir.Func{tt.fn}})
			require.Error(t, err)
			assert.ErrorIs(t, err, ir.ErrInvalidIR)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestVerifyIgnoresUnreachableBlocks(t *testing.T) {
	t.Parallel()

	m := &ir.Module{Funcs: []*ir.Func{{Name: "apex", Blocks: []*ir.Block{
		{ID: 0, Term: ret(ir.NoValue)},
		{ID: 1, Body: []ir.Inst{{Op: ir.OpNeg, Result: 0, Type: ir.I32, Args: []ir.Value{9}}}},
	}, NumValues: 1}}}
	assert.NoError(t, ir.Verify(m))
}
