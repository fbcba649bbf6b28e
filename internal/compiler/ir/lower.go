// SPDX-License-Identifier: MPL-2.0

package ir

import (
	"errors"
	"fmt"
	"slices"

	"github.com/apex-lang/apex/internal/compiler/check"
)

// ErrNoEntry is returned when a module lacks the entry function.
var ErrNoEntry = errors.New("entry function not found")

type (
	// LoweredFunc is a function prepared for the x86 emitter: its blocks in
	// id order, the number of value slots and how often each value is read.
	LoweredFunc struct {
		Name   string
		Params []Param
		Result Type
		Blocks []*Block
		// ValueCount is one more than the highest value id seen.
		ValueCount int
		// Uses[v] counts the reads of value v, phi operands and
		// terminators included.
		Uses []int
	}

	// LoweredModule is the x86 view of a module. Funcs[0] is the entry
	// function; the rest are its callees, transitively, in module order.
	LoweredModule struct {
		Funcs   []*LoweredFunc
		Strings []string
	}

	// EntryModule is the x86_64 view of a module: the entry function name
	// only.
	EntryModule struct {
		Entry string
	}
)

// Entry returns the entry function.
func (lm *LoweredModule) Entry() *LoweredFunc { return lm.Funcs[0] }

// LowerX86 prepares m for the x86 emitter. Block ids and instruction order
// are preserved; a block without a terminator gets a bare ret.
func LowerX86(m *Module) (*LoweredModule, error) {
	entry := m.Func(check.EntryName)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEntry, check.EntryName)
	}

	lm := &LoweredModule{Strings: slices.Clone(m.Strings)}
	for _, f := range reachableFuncs(m, entry) {
		lm.Funcs = append(lm.Funcs, lowerFunc(f))
	}
	return lm, nil
}

// LowerX86_64 records the entry function of m.
func LowerX86_64(m *Module) (*EntryModule, error) {
	if m.Func(check.EntryName) == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEntry, check.EntryName)
	}
	return &EntryModule{Entry: check.EntryName}, nil
}

func lowerFunc(f *Func) *LoweredFunc {
	lf := &LoweredFunc{Name: f.Name, Params: f.Params, Result: f.Result}
	maxID := Value(-1)
	track := func(v Value) {
		if v > maxID {
			maxID = v
		}
	}
	var reads []Value

	for _, b := range f.Blocks {
		lb := &Block{ID: b.ID, Body: slices.Clone(b.Body), Term: b.Term}
		if lb.Term == nil {
			lb.Term = &Terminator{Op: TermRet, Value: NoValue, Cond: NoValue}
		}
		for i := range lb.Body {
			track(lb.Body[i].Result)
			for _, u := range lb.Body[i].Uses() {
				track(u)
				reads = append(reads, u)
			}
		}
		for _, u := range lb.Term.Uses() {
			track(u)
			reads = append(reads, u)
		}
		lf.Blocks = append(lf.Blocks, lb)
	}

	lf.ValueCount = int(maxID) + 1
	lf.Uses = make([]int, lf.ValueCount)
	for _, u := range reads {
		if u >= 0 {
			lf.Uses[u]++
		}
	}
	return lf
}

// reachableFuncs returns entry followed by every function it calls,
// directly or not, in module order.
func reachableFuncs(m *Module, entry *Func) []*Func {
	want := map[string]bool{entry.Name: true}
	work := []*Func{entry}
	for len(work) > 0 {
		f := work[len(work)-1]
		work = work[:len(work)-1]
		for _, b := range f.Blocks {
			for _, inst := range b.Body {
				if inst.Op != OpCall || want[inst.Callee] {
					continue
				}
				if callee := m.Func(inst.Callee); callee != nil {
					want[inst.Callee] = true
					work = append(work, callee)
				}
			}
		}
	}

	out := []*Func{entry}
	for _, f := range m.Funcs {
		if f != entry && want[f.Name] {
			out = append(out, f)
		}
	}
	return out
}
