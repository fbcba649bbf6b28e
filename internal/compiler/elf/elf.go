// SPDX-License-Identifier: MPL-2.0

// Package elf writes and checks the static executables produced by the
// compiler: one ELF header, one PT_LOAD program header covering the whole
// file, then the code followed by the string literals. There are no
// sections.
package elf

import (
	"bytes"
	stdelf "debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex-lang/apex/internal/compiler/codegen"
)

// ExecutableMode is the permission set on written executables.
const ExecutableMode os.FileMode = 0o755

var (
	// ErrBadPatch is the sentinel wrapped by BadPatchError.
	ErrBadPatch = errors.New("bad string patch")
	// ErrInvalidElf is the sentinel wrapped by InvalidElfError.
	ErrInvalidElf = errors.New("invalid ELF output")
)

type (
	// Layout describes one ELF dialect.
	Layout struct {
		Name    string
		Class   stdelf.Class
		Machine stdelf.Machine
		// Base is the virtual load address of file offset 0.
		Base uint64
	}

	// BadPatchError reports a patch that cannot be applied.
	BadPatchError struct {
		Offset   int
		StringID int
		Reason   string
	}

	// InvalidElfError reports an output file that failed validation.
	InvalidElfError struct {
		Path   string
		Reason string
	}
)

var (
	// X86 is 32-bit i386 Linux.
	X86 = Layout{Name: "x86", Class: stdelf.ELFCLASS32, Machine: stdelf.EM_386, Base: 0x0804_8000}
	// X86_64 is 64-bit x86_64 Linux.
	X86_64 = Layout{Name: "x86_64", Class: stdelf.ELFCLASS64, Machine: stdelf.EM_X86_64, Base: 0x4000_0000}
)

func (e *BadPatchError) Error() string {
	return fmt.Sprintf("bad string patch at offset %d for string %d: %s", e.Offset, e.StringID, e.Reason)
}

func (e *BadPatchError) Unwrap() error { return ErrBadPatch }

func (e *InvalidElfError) Error() string {
	return fmt.Sprintf("invalid ELF output %s: %s", e.Path, e.Reason)
}

func (e *InvalidElfError) Unwrap() error { return ErrInvalidElf }

func (l Layout) is64() bool { return l.Class == stdelf.ELFCLASS64 }

// HeaderSize is the size of the ELF header.
func (l Layout) HeaderSize() int {
	if l.is64() {
		return 64
	}
	return 52
}

// ProgHeaderSize is the size of one program header.
func (l Layout) ProgHeaderSize() int {
	if l.is64() {
		return 56
	}
	return 32
}

// TextBase is the file offset of the first code byte.
func (l Layout) TextBase() int { return l.HeaderSize() + l.ProgHeaderSize() }

// PtrSize is the width of a patched address.
func (l Layout) PtrSize() int {
	if l.is64() {
		return 8
	}
	return 4
}

// Entry is the virtual address execution starts at.
func (l Layout) Entry() uint64 { return l.Base + uint64(l.TextBase()) }

// Build lays out mc as an executable image. Each patch slot receives the
// absolute address of its literal.
func Build(l Layout, mc *codegen.MachineCode) ([]byte, error) {
	text := bytes.Clone(mc.Code)
	offsets := make([]int, len(mc.Strings))
	for i, s := range mc.Strings {
		offsets[i] = len(text)
		text = append(text, s...)
	}

	ptr := l.PtrSize()
	for _, p := range mc.Patches {
		if p.StringID < 0 || p.StringID >= len(offsets) {
			return nil, &BadPatchError{Offset: p.Offset, StringID: p.StringID, Reason: fmt.Sprintf("unknown string (have %d)", len(offsets))}
		}
		if p.Offset < 0 || p.Offset+ptr > len(text) {
			return nil, &BadPatchError{Offset: p.Offset, StringID: p.StringID, Reason: fmt.Sprintf("slot exceeds text of %d bytes", len(text))}
		}
		addr := l.Base + uint64(l.TextBase()+offsets[p.StringID])
		if l.is64() {
			binary.LittleEndian.PutUint64(text[p.Offset:], addr)
		} else {
			binary.LittleEndian.PutUint32(text[p.Offset:], uint32(addr))
		}
	}

	size := l.TextBase() + len(text)
	out := make([]byte, 0, size)
	out = l.appendHeader(out)
	out = l.appendProgHeader(out, uint64(size))
	out = append(out, make([]byte, l.TextBase()-len(out))...)
	return append(out, text...), nil
}

func (l Layout) appendHeader(b []byte) []byte {
	le := binary.LittleEndian
	b = append(b, stdelf.ELFMAG...)
	b = append(b, byte(l.Class), byte(stdelf.ELFDATA2LSB), byte(stdelf.EV_CURRENT), byte(stdelf.ELFOSABI_NONE))
	b = append(b, make([]byte, stdelf.EI_NIDENT-8)...)
	b = le.AppendUint16(b, uint16(stdelf.ET_EXEC))
	b = le.AppendUint16(b, uint16(l.Machine))
	b = le.AppendUint32(b, uint32(stdelf.EV_CURRENT))
	if l.is64() {
		b = le.AppendUint64(b, l.Entry())
		b = le.AppendUint64(b, uint64(l.HeaderSize())) // e_phoff
		b = le.AppendUint64(b, 0)                      // e_shoff
	} else {
		b = le.AppendUint32(b, uint32(l.Entry()))
		b = le.AppendUint32(b, uint32(l.HeaderSize()))
		b = le.AppendUint32(b, 0)
	}
	b = le.AppendUint32(b, 0) // e_flags
	b = le.AppendUint16(b, uint16(l.HeaderSize()))
	b = le.AppendUint16(b, uint16(l.ProgHeaderSize()))
	b = le.AppendUint16(b, 1) // e_phnum
	b = le.AppendUint16(b, 0) // e_shentsize
	b = le.AppendUint16(b, 0) // e_shnum
	return le.AppendUint16(b, 0)
}

const segmentAlign = 0x1000

func (l Layout) appendProgHeader(b []byte, fileSize uint64) []byte {
	le := binary.LittleEndian
	flags := uint32(stdelf.PF_R | stdelf.PF_X)
	b = le.AppendUint32(b, uint32(stdelf.PT_LOAD))
	if l.is64() {
		b = le.AppendUint32(b, flags)
		b = le.AppendUint64(b, 0) // p_offset
		b = le.AppendUint64(b, l.Base)
		b = le.AppendUint64(b, l.Base)
		b = le.AppendUint64(b, fileSize)
		b = le.AppendUint64(b, fileSize)
		return le.AppendUint64(b, segmentAlign)
	}
	b = le.AppendUint32(b, 0)
	b = le.AppendUint32(b, uint32(l.Base))
	b = le.AppendUint32(b, uint32(l.Base))
	b = le.AppendUint32(b, uint32(fileSize))
	b = le.AppendUint32(b, uint32(fileSize))
	b = le.AppendUint32(b, flags)
	return le.AppendUint32(b, segmentAlign)
}

// Write builds the image and writes it to path with ExecutableMode. The
// file is replaced atomically.
func Write(path string, l Layout, mc *codegen.MachineCode) error {
	image, err := Build(l, mc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(image); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write executable: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close executable: %w", err)
	}
	// CreateTemp uses 0600 and the umask could narrow a create mode, so
	// set the bits explicitly.
	if err := os.Chmod(tmpPath, ExecutableMode); err != nil {
		return fmt.Errorf("failed to mark executable: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move executable into place: %w", err)
	}
	return nil
}

// Validate reopens path and checks the magic, class and machine against l,
// then that the entry point and the single loadable segment match the
// layout Build produces.
func Validate(path string, l Layout) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	invalid := func(format string, args ...any) error {
		return &InvalidElfError{Path: path, Reason: fmt.Sprintf(format, args...)}
	}

	if len(data) < l.HeaderSize() {
		return invalid("file is %d bytes, shorter than an ELF header", len(data))
	}
	if !bytes.Equal(data[:4], []byte(stdelf.ELFMAG)) {
		return invalid("bad magic % x", data[:4])
	}
	if got := stdelf.Class(data[stdelf.EI_CLASS]); got != l.Class {
		return invalid("class is %s, want %s", got, l.Class)
	}
	if got := stdelf.Machine(binary.LittleEndian.Uint16(data[18:20])); got != l.Machine {
		return invalid("machine is %s, want %s", got, l.Machine)
	}

	f, err := stdelf.NewFile(bytes.NewReader(data))
	if err != nil {
		return invalid("%v", err)
	}
	if f.Entry != l.Entry() {
		return invalid("entry is %#x, want %#x", f.Entry, l.Entry())
	}
	if len(f.Progs) != 1 {
		return invalid("%d program headers, want 1", len(f.Progs))
	}
	if p := f.Progs[0]; p.Type != stdelf.PT_LOAD || p.Off != 0 || p.Filesz != uint64(len(data)) {
		return invalid("program header does not load the whole file")
	}
	return nil
}
