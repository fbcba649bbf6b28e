// SPDX-License-Identifier: MPL-2.0

package codegen_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-lang/apex/internal/compiler/check"
	"github.com/apex-lang/apex/internal/compiler/codegen"
	"github.com/apex-lang/apex/internal/compiler/ir"
	"github.com/apex-lang/apex/internal/compiler/syntax"
)

func lower(t *testing.T, src string) *ir.LoweredModule {
	t.Helper()
	f, err := syntax.Parse("main.afml", []byte(src))
	require.NoError(t, err)
	info, err := check.Check(f)
	require.NoError(t, err)
	m, err := ir.Build(f, info)
	require.NoError(t, err)
	require.NoError(t, ir.Verify(m))
	lm, err := ir.LowerX86(m)
	require.NoError(t, err)
	return lm
}

// startLen is the size of the x86 _start sequence: call, status move,
// mov eax and int 0x80.
const startLen = 5 + 2 + 5 + 2

func TestEmitX86Start(t *testing.T) {
	t.Parallel()

	mc, err := codegen.EmitX86(lower(t, "fun apex() {}\n"))
	require.NoError(t, err)

	code := mc.Code
	require.Greater(t, len(code), startLen)
	assert.Equal(t, byte(0xE8), code[0])
	rel := int32(binary.LittleEndian.Uint32(code[1:5]))
	assert.Equal(t, int32(startLen-5), rel, "call lands on the entry function")
	assert.Equal(t, []byte{0x31, 0xDB}, code[5:7], "void entry exits with 0")
	assert.Equal(t, []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xCD, 0x80}, code[7:startLen])
	assert.Equal(t, []byte{0x55, 0x89, 0xE5}, code[startLen:startLen+3], "entry prologue")
	assert.Empty(t, mc.Patches)
	assert.Empty(t, mc.Strings)
}

func TestEmitX86ExitStatusFromResult(t *testing.T) {
	t.Parallel()

	mc, err := codegen.EmitX86(lower(t, "fun apex() -> i32 { return 7; }\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0xC3}, mc.Code[5:7], "mov ebx, eax")
	// The returned constant is inlined as mov eax, 7.
	assert.Contains(t, string(mc.Code), string([]byte{0xB8, 0x07, 0x00, 0x00, 0x00}))
}

func TestEmitX86PrintPatch(t *testing.T) {
	t.Parallel()

	mc, err := codegen.EmitX86(lower(t, "fun apex() {\n    print(\"hi\\n\");\n    print(\"hi\\n\");\n}\n"))
	require.NoError(t, err)

	require.Equal(t, [][]byte{[]byte("hi\n")}, mc.Strings)
	require.Len(t, mc.Patches, 2)
	for _, p := range mc.Patches {
		assert.Equal(t, 0, p.StringID)
		require.GreaterOrEqual(t, p.Offset, 1)
		require.LessOrEqual(t, p.Offset+4, len(mc.Code))
		assert.Equal(t, byte(0xB9), mc.Code[p.Offset-1], "slot follows mov ecx, imm32")
		assert.Equal(t, []byte{0, 0, 0, 0}, mc.Code[p.Offset:p.Offset+4], "slot is left for the writer")
		// mov edx, len follows the slot.
		assert.Equal(t, []byte{0xBA, 0x03, 0x00, 0x00, 0x00}, mc.Code[p.Offset+4:p.Offset+9])
	}
	assert.Less(t, mc.Patches[0].Offset, mc.Patches[1].Offset)
}

func TestEmitX86Program(t *testing.T) {
	t.Parallel()

	lm := lower(t, `
fun apex() -> i32 {
    let n = 0;
    while n < 10 && n != 5 {
        n = step(n, 2);
    }
    if n > 4 || false {
        exit(n % 3);
    }
    return -n;
}

fun step(x: i32, by: i32) -> i32 {
    return x + by * 1 - 0 / 1;
}
`)
	mc, err := codegen.EmitX86(lm)
	require.NoError(t, err)
	assert.NotEmpty(t, mc.Code)
	assert.Empty(t, mc.Patches)
}

func TestEmitX86RejectsI64(t *testing.T) {
	t.Parallel()

	lm := lower(t, "fun apex() { let a = wide(1); }\nfun wide(x: i64) -> i64 { return x; }\n")
	_, err := codegen.EmitX86(lm)
	assert.ErrorIs(t, err, codegen.ErrUnsupported)
}

func TestEmitX86_64(t *testing.T) {
	t.Parallel()

	mc, err := codegen.EmitX86_64(&ir.EntryModule{Entry: "apex"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x31, 0xFF, 0xB8, 0x3C, 0x00, 0x00, 0x00, 0x0F, 0x05}, mc.Code)
	assert.Empty(t, mc.Patches)

	_, err = codegen.EmitX86_64(&ir.EntryModule{})
	assert.ErrorIs(t, err, codegen.ErrUnsupported)
}
