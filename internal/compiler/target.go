// SPDX-License-Identifier: MPL-2.0

package compiler

import (
	"fmt"
	"slices"
	"strings"

	"github.com/apex-lang/apex/internal/compiler/elf"
	"github.com/apex-lang/apex/pkg/manifest"
)

type (
	// Arch is a compilation target.
	Arch string

	// Profile selects the output directory; both profiles produce the same
	// code.
	Profile string
)

const (
	ArchX86    Arch = "x86"
	ArchX86_64 Arch = "x86_64"

	DefaultArch = ArchX86_64

	ProfileDebug   Profile = "debug"
	ProfileRelease Profile = "release"
)

var archAliases = map[string]Arch{
	"x86":    ArchX86,
	"i386":   ArchX86,
	"i686":   ArchX86,
	"x86_64": ArchX86_64,
	"amd64":  ArchX86_64,
}

// ParseArch accepts the canonical names and the usual aliases.
func ParseArch(s string) (Arch, error) {
	if a, ok := archAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return a, nil
	}
	return "", fmt.Errorf("unknown target %q (want x86 or x86_64)", s)
}

// Layout returns the ELF dialect of a.
func (a Arch) Layout() elf.Layout {
	if a == ArchX86 {
		return elf.X86
	}
	return elf.X86_64
}

// ParseProfile accepts "debug" and "release"; empty means debug.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case "", ProfileDebug:
		return ProfileDebug, nil
	case ProfileRelease:
		return ProfileRelease, nil
	}
	return "", fmt.Errorf("unknown profile %q (want debug or release)", s)
}

// ManifestArch picks the target for a manifest: the first declared
// [targets.<arch>] naming a known architecture, in name order, or
// DefaultArch.
func ManifestArch(m *manifest.Manifest) Arch {
	names := make([]string, 0, len(m.Targets))
	for name := range m.Targets {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if a, err := ParseArch(name); err == nil {
			return a
		}
	}
	return DefaultArch
}
