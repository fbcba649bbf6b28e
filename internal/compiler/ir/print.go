// SPDX-License-Identifier: MPL-2.0

package ir

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// String renders m in the textual form written by --emit-ir.
func (m *Module) String() string {
	var sb strings.Builder
	_, _ = m.WriteTo(&sb)
	return sb.String()
}

// WriteTo writes the textual form of m to w.
func (m *Module) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if len(m.Strings) > 0 {
		fmt.Fprintln(cw, "strings:")
		for i, s := range m.Strings {
			fmt.Fprintf(cw, "  s%d = %s\n", i, strconv.Quote(s))
		}
		fmt.Fprintln(cw)
	}
	for i, f := range m.Funcs {
		if i > 0 {
			fmt.Fprintln(cw)
		}
		writeFunc(cw, f)
	}
	return cw.n, cw.err
}

func writeFunc(w io.Writer, f *Func) {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = p.Name + ": " + p.Type.String()
	}
	fmt.Fprintf(w, "fun %s(%s) -> %s {\n", f.Name, strings.Join(params, ", "), f.Result)
	for _, b := range f.Blocks {
		fmt.Fprintf(w, "%s:\n", b.ID)
		for i := range b.Body {
			fmt.Fprintf(w, "  %s\n", formatInst(&b.Body[i]))
		}
		if b.Term != nil {
			fmt.Fprintf(w, "  %s\n", formatTerm(b.Term))
		}
	}
	fmt.Fprintln(w, "}")
}

func formatInst(inst *Inst) string {
	var rhs string
	switch inst.Op {
	case OpConst, OpParam:
		rhs = fmt.Sprintf("%s %s %d", inst.Op, inst.Type, inst.Imm)
	case OpAlloca:
		rhs = fmt.Sprintf("alloca %s", inst.Type.Elem)
	case OpPrint:
		rhs = fmt.Sprintf("print s%d", inst.Str)
	case OpCall:
		rhs = fmt.Sprintf("call %s %s(%s)", inst.Type, inst.Callee, joinValues(inst.Args))
	case OpPhi:
		parts := make([]string, len(inst.Incoming))
		for i, in := range inst.Incoming {
			parts[i] = fmt.Sprintf("[%s, %s]", in.Block, in.Value)
		}
		rhs = fmt.Sprintf("phi %s %s", inst.Type, strings.Join(parts, ", "))
	case OpStore, OpExit:
		rhs = fmt.Sprintf("%s %s", inst.Op, joinValues(inst.Args))
	default:
		rhs = fmt.Sprintf("%s %s %s", inst.Op, inst.Type, joinValues(inst.Args))
	}
	if inst.Result == NoValue {
		return rhs
	}
	return inst.Result.String() + " = " + rhs
}

func formatTerm(t *Terminator) string {
	switch t.Op {
	case TermBr:
		return "br " + t.Then.String()
	case TermCondBr:
		return fmt.Sprintf("br %s, %s, %s", t.Cond, t.Then, t.Else)
	}
	if t.Value == NoValue {
		return "ret"
	}
	return "ret " + t.Value.String()
}

func joinValues(vals []Value) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = v.String()
	}
	return strings.Join(parts, ", ")
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
	return n, err
}
