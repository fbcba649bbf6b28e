// SPDX-License-Identifier: MPL-2.0

package codegen

import (
	"fmt"

	"github.com/apex-lang/apex/internal/compiler/ir"
)

const sysExit64 = 60

// EmitX86_64 encodes the x86_64 entry point: a _start that exits with
// status 0 through the syscall instruction.
func EmitX86_64(em *ir.EntryModule) (*MachineCode, error) {
	if em == nil || em.Entry == "" {
		return nil, fmt.Errorf("%w: no entry function", ErrUnsupported)
	}
	var a asm
	a.emit(0x31, 0xFF) // xor edi, edi
	a.emit(0xB8)       // mov eax, imm32
	a.emitU32(sysExit64)
	a.emit(0x0F, 0x05) // syscall
	return &MachineCode{Code: a.buf}, nil
}
