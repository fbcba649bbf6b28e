// SPDX-License-Identifier: MPL-2.0

package resolver

import (
	"maps"
	"slices"

	"github.com/apex-lang/apex/pkg/manifest"
)

// Names returns the selected package names, sorted.
func (g *Graph) Names() []string {
	return slices.Sorted(maps.Keys(g.Nodes))
}

// LockFile converts the graph into a sorted lockfile owned by project. Root
// requirements become edges from the project name.
func (g *Graph) LockFile(project string) *manifest.LockFile {
	lock := manifest.NewLockFile(project)
	for _, name := range g.Names() {
		n := g.Nodes[name]
		lock.Dependencies = append(lock.Dependencies, manifest.LockedDependency{
			Name:         n.Name,
			Version:      n.Version,
			Checksum:     n.Checksum,
			Dependencies: slices.Clone(n.Dependencies),
		})
		for _, dep := range n.Dependencies {
			lock.Edges = append(lock.Edges, manifest.Edge{From: n.Name, To: dep, Requirement: n.Requirements[dep]})
		}
	}
	for _, name := range slices.Sorted(maps.Keys(g.Root)) {
		lock.Edges = append(lock.Edges, manifest.Edge{From: project, To: name, Requirement: g.Root[name]})
	}
	lock.Sort()
	return lock
}
