// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/pelletier/go-toml/v2"
)

// LockFileName is the canonical lockfile name.
const LockFileName = "Apex.lock"

const lockHeader = "# This file is generated by apex. Do not edit it by hand.\n\n"

type (
	// LockFile is the pinned, fully resolved dependency graph of a project.
	LockFile struct {
		Name         string             `toml:"name"`
		Dependencies []LockedDependency `toml:"dependencies"`
		Edges        []Edge             `toml:"edges"`
	}

	// LockedDependency pins one package to an exact version and archive digest.
	LockedDependency struct {
		Name     string `toml:"name"`
		Version  string `toml:"version"`
		Checksum string `toml:"checksum"`
		// Dependencies lists the names of the package's direct dependencies.
		Dependencies []string `toml:"dependencies"`
	}

	// Edge records which requirement text produced a dependency edge.
	// From is the project name for root dependencies.
	Edge struct {
		From        string `toml:"from"`
		To          string `toml:"to"`
		Requirement string `toml:"requirement"`
	}
)

// NewLockFile creates an empty lockfile owned by project.
func NewLockFile(project string) *LockFile {
	return &LockFile{
		Name:         project,
		Dependencies: []LockedDependency{},
		Edges:        []Edge{},
	}
}

// LoadLockFile reads the lockfile at path. A missing file yields an empty lockfile.
func LoadLockFile(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewLockFile(""), nil
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	return ParseLockFile(data)
}

// ParseLockFile decodes lockfile TOML.
func ParseLockFile(data []byte) (*LockFile, error) {
	var l LockFile
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	l.Sort()
	return &l, nil
}

// Sort puts dependencies in (name, version) order, edges in
// (from, to, requirement) order and every child list in name order.
func (l *LockFile) Sort() {
	if l.Dependencies == nil {
		l.Dependencies = []LockedDependency{}
	}
	if l.Edges == nil {
		l.Edges = []Edge{}
	}
	for i := range l.Dependencies {
		if l.Dependencies[i].Dependencies == nil {
			l.Dependencies[i].Dependencies = []string{}
		}
		slices.Sort(l.Dependencies[i].Dependencies)
		l.Dependencies[i].Dependencies = slices.Compact(l.Dependencies[i].Dependencies)
	}
	slices.SortFunc(l.Dependencies, func(a, b LockedDependency) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Version, b.Version))
	})
	slices.SortFunc(l.Edges, func(a, b Edge) int {
		return cmp.Or(cmp.Compare(a.From, b.From), cmp.Compare(a.To, b.To), cmp.Compare(a.Requirement, b.Requirement))
	})
	l.Edges = slices.Compact(l.Edges)
}

// Upsert replaces the entry with the same name or appends dep, then re-sorts.
func (l *LockFile) Upsert(dep LockedDependency) {
	if i := l.index(dep.Name); i >= 0 {
		l.Dependencies[i] = dep
	} else {
		l.Dependencies = append(l.Dependencies, dep)
	}
	l.Sort()
}

// Remove drops the entry for name along with every edge touching it.
// It reports whether an entry was removed.
func (l *LockFile) Remove(name string) bool {
	i := l.index(name)
	if i < 0 {
		return false
	}
	l.Dependencies = slices.Delete(l.Dependencies, i, i+1)
	l.Edges = slices.DeleteFunc(l.Edges, func(e Edge) bool { return e.From == name || e.To == name })
	return true
}

// Find returns the entry for name.
func (l *LockFile) Find(name string) (LockedDependency, bool) {
	if i := l.index(name); i >= 0 {
		return l.Dependencies[i], true
	}
	return LockedDependency{}, false
}

func (l *LockFile) index(name string) int {
	return slices.IndexFunc(l.Dependencies, func(d LockedDependency) bool { return d.Name == name })
}

// Pins returns the locked version of every package.
func (l *LockFile) Pins() map[string]string {
	pins := make(map[string]string, len(l.Dependencies))
	for _, d := range l.Dependencies {
		pins[d.Name] = d.Version
	}
	return pins
}

// Equal reports whether both lockfiles describe the same graph.
func (l *LockFile) Equal(other *LockFile) bool {
	a, errA := l.Marshal()
	b, errB := other.Marshal()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

// Marshal sorts the lockfile and serializes it.
func (l *LockFile) Marshal() ([]byte, error) {
	l.Sort()
	b, err := toml.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("failed to encode lock file: %w", err)
	}
	return append([]byte(lockHeader), b...), nil
}

// Save sorts and writes the lockfile atomically.
func (l *LockFile) Save(path string) error {
	data, err := l.Marshal()
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
