// SPDX-License-Identifier: MPL-2.0

package compiler_test

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-lang/apex/internal/compiler"
	"github.com/apex-lang/apex/internal/compiler/check"
	"github.com/apex-lang/apex/internal/compiler/elf"
	"github.com/apex-lang/apex/internal/compiler/syntax"
	"github.com/apex-lang/apex/pkg/manifest"
)

func project(t *testing.T, name, src string) *manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	m := manifest.New(name, "0.1.0")
	m.SetPath(filepath.Join(dir, manifest.FileName))
	require.NoError(t, m.Save())
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.afml"), []byte(src), 0o644))
	return m
}

type ensurer struct {
	calls int
	err   error
}

func (e *ensurer) EnsureDependencies(context.Context) error {
	e.calls++
	return e.err
}

func TestBuildEmptyEntryX86_64(t *testing.T) {
	t.Parallel()

	m := project(t, "hello", "fun apex() {}\n")
	res, err := compiler.Build(t.Context(), m, compiler.Options{})
	require.NoError(t, err)

	assert.Equal(t, compiler.ArchX86_64, res.Arch)
	assert.Equal(t, compiler.ProfileDebug, res.Profile)
	assert.Equal(t, filepath.Join(m.Dir(), "target", "x86_64", "debug", "hello"), res.Output)
	assert.Empty(t, res.IRPath)

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 120)
	assert.Equal(t, []byte{0x7F, 0x45, 0x4C, 0x46, 0x02, 0x01, 0x01, 0x00}, data[:8])
	assert.Equal(t, []byte{0x3E, 0x00}, data[18:20])
	assert.Equal(t, uint64(0x4000_0000+120), binary.LittleEndian.Uint64(data[24:32]))

	info, err := os.Stat(res.Output)
	require.NoError(t, err)
	assert.Equal(t, elf.ExecutableMode, info.Mode().Perm())
}

func TestBuildX86WithIR(t *testing.T) {
	t.Parallel()

	m := project(t, "greet", `
fun apex() -> i32 {
    print("hello\n");
    return twice(2);
}

fun twice(x: i32) -> i32 {
    return x * 2;
}
`)
	res, err := compiler.Build(t.Context(), m, compiler.Options{
		Arch:    compiler.ArchX86,
		Profile: compiler.ProfileRelease,
		EmitIR:  true,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(m.Dir(), "target", "x86", "release", "greet"), res.Output)
	require.NoError(t, elf.Validate(res.Output, elf.X86))

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), data[4], "32-bit class")
	assert.Equal(t, []byte{0x03, 0x00}, data[18:20])
	assert.Contains(t, string(data), "hello\n", "literal is appended to the text")

	assert.Equal(t, res.Output+".ir", res.IRPath)
	dump, err := os.ReadFile(res.IRPath)
	require.NoError(t, err)
	assert.Equal(t, res.Module.String(), string(dump))
	assert.Contains(t, string(dump), "fun twice(x: i32) -> i32 {")
}

func TestBuildUsesManifestTarget(t *testing.T) {
	t.Parallel()

	m := project(t, "tgt", "fun apex() {}\n")
	m.Targets = map[string]map[string]any{"i386": {}}
	res, err := compiler.Build(t.Context(), m, compiler.Options{})
	require.NoError(t, err)
	assert.Equal(t, compiler.ArchX86, res.Arch)
	assert.NoError(t, elf.Validate(res.Output, elf.X86))
}

func TestBuildFailuresNameTheStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		src    string
		opts   compiler.Options
		stage  string
		target error
	}{
		{
			name:   "syntax error",
			src:    "fun apex( {}\n",
			stage:  compiler.StageParse,
			target: syntax.ErrSyntax,
		},
		{
			name:   "invalid program",
			src:    "fun main() {}\n",
			stage:  compiler.StageValidate,
			target: check.ErrInvalidProgram,
		},
		{
			name:   "dependencies",
			src:    "fun apex() {}\n",
			opts:   compiler.Options{Dependencies: &ensurer{err: errors.New("registry down")}},
			stage:  compiler.StageDependencies,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := project(t, "broken", tt.src)
			_, err := compiler.Build(t.Context(), m, tt.opts)
			require.Error(t, err)
			assert.Equal(t, tt.stage, compiler.StageOf(err))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
			_, statErr := os.Stat(filepath.Join(m.Dir(), compiler.TargetDir))
			assert.ErrorIs(t, statErr, os.ErrNotExist, "nothing is written on failure")
		})
	}
}

func TestBuildMissingSource(t *testing.T) {
	t.Parallel()

	m := project(t, "nosrc", "")
	require.NoError(t, os.Remove(compiler.SourcePath(m)))
	_, err := compiler.Build(t.Context(), m, compiler.Options{})
	require.Error(t, err)
	assert.Equal(t, compiler.StageReadSource, compiler.StageOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildEnsuresDependencies(t *testing.T) {
	t.Parallel()

	m := project(t, "deps", "fun apex() {}\n")
	deps := &ensurer{}
	_, err := compiler.Build(t.Context(), m, compiler.Options{Dependencies: deps})
	require.NoError(t, err)
	assert.Equal(t, 1, deps.calls)
}

func TestBuildCanceled(t *testing.T) {
	t.Parallel()

	m := project(t, "cancel", "fun apex() {}\n")
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := compiler.Build(ctx, m, compiler.Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCheck(t *testing.T) {
	t.Parallel()

	m := project(t, "chk", "fun apex() -> i32 { return true; }\n")
	err := compiler.Check(t.Context(), m, compiler.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, check.ErrInvalidProgram)
	assert.Contains(t, err.Error(), "src/main.afml:1:28: cannot use true (bool) in return, want i32")

	_, statErr := os.Stat(filepath.Join(m.Dir(), compiler.TargetDir))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestClean(t *testing.T) {
	t.Parallel()

	m := project(t, "cln", "fun apex() {}\n")
	removed, err := compiler.Clean(m)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = compiler.Build(t.Context(), m, compiler.Options{})
	require.NoError(t, err)
	removed, err = compiler.Clean(m)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(filepath.Join(m.Dir(), compiler.TargetDir))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseArch(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]compiler.Arch{
		"x86":    compiler.ArchX86,
		"i686":   compiler.ArchX86,
		"X86_64": compiler.ArchX86_64,
		"amd64":  compiler.ArchX86_64,
	} {
		got, err := compiler.ParseArch(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := compiler.ParseArch("arm64")
	assert.Error(t, err)

	p, err := compiler.ParseProfile("")
	require.NoError(t, err)
	assert.Equal(t, compiler.ProfileDebug, p)
	_, err = compiler.ParseProfile("fast")
	assert.Error(t, err)
}

func TestManifestArch(t *testing.T) {
	t.Parallel()

	m := manifest.New("a", "0.1.0")
	assert.Equal(t, compiler.DefaultArch, compiler.ManifestArch(m))

	m.Targets = map[string]map[string]any{"wasm": {}, "x86": {"opt": 1}, "x86_64": {}}
	assert.Equal(t, compiler.ArchX86, compiler.ManifestArch(m), "first known name in order")

	m.Targets = map[string]map[string]any{"wasm": {}}
	assert.Equal(t, compiler.DefaultArch, compiler.ManifestArch(m))
}
