// SPDX-License-Identifier: MPL-2.0

// Package codegen turns lowered IR into machine code for x86 and x86_64
// Linux. String literals are not placed by the emitter: each absolute
// reference is left as a zeroed slot and recorded as a Patch for the ELF
// writer to fill once the layout is known.
package codegen

import (
	"encoding/binary"
	"errors"
)

// ErrUnsupported is returned for IR the backend cannot encode.
var ErrUnsupported = errors.New("unsupported by backend")

type (
	// Patch marks a pointer-sized slot at Offset in the code that must hold
	// the absolute address of literal StringID.
	Patch struct {
		Offset   int
		StringID int
	}

	// MachineCode is the emitter's output.
	MachineCode struct {
		Code    []byte
		Strings [][]byte
		Patches []Patch
	}
)

// asm accumulates encoded instructions.
type asm struct {
	buf []byte
}

func (a *asm) pos() int { return len(a.buf) }

func (a *asm) emit(bs ...byte) {
	a.buf = append(a.buf, bs...)
}

func (a *asm) emitU32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *asm) emitI32(v int32) {
	a.emitU32(uint32(v))
}

// putRel32 writes the displacement from the end of the 4-byte slot at off
// to target.
func (a *asm) putRel32(off, target int) {
	binary.LittleEndian.PutUint32(a.buf[off:], uint32(int32(target-(off+4))))
}

func literals(strs []string) [][]byte {
	out := make([][]byte, len(strs))
	for i, s := range strs {
		out[i] = []byte(s)
	}
	return out
}
