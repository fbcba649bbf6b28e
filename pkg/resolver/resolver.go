// SPDX-License-Identifier: MPL-2.0

// Package resolver selects exact versions for a project's dependency graph
// with a depth-first backtracking search over registry metadata.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/apex-lang/apex/pkg/semver"
)

const (
	// SourceManifest marks constraints taken from the project manifest.
	SourceManifest = "manifest"
	// SourceLockfile marks the exact-version pins taken from the lockfile.
	SourceLockfile = "lockfile"
)

// ErrResolutionFailure is the sentinel error wrapped by ResolutionFailure.
var ErrResolutionFailure = errors.New("dependency resolution failed")

type (
	// Request is the input of one solve.
	Request struct {
		// Root maps the project's direct dependencies to requirement strings.
		Root map[string]string
		// Pinned maps package names to exact versions from the lockfile.
		Pinned map[string]string
		// Update names packages to re-solve even when pinned.
		Update map[string]bool
	}

	// Constraint is a requirement on a package together with where it came from:
	// "manifest", "lockfile" or the "<name>@<version>" of the dependent.
	Constraint struct {
		Requirement semver.Requirement
		Source      string
	}

	// Node is one selected package.
	Node struct {
		Name     string
		Version  string
		Checksum string
		// Dependencies lists the direct dependency names, sorted.
		Dependencies []string
		// Requirements maps each direct dependency to its requirement text.
		Requirements map[string]string
	}

	// Graph is a complete, conflict-free selection.
	Graph struct {
		Nodes map[string]*Node
		// Root repeats the request's root requirements.
		Root map[string]string
	}

	// ResolutionFailure explains why no version of Package could be selected.
	ResolutionFailure struct {
		Package     string
		Constraints []Constraint
		// Selected is set when a new constraint conflicts with a version
		// already chosen for Package.
		Selected string
		// Candidates is the number of published versions that were considered.
		Candidates int
	}

	// Resolver runs solves against a Provider.
	Resolver struct {
		provider Provider
	}

	// state is the solver's search state. It is cloned per candidate trial.
	state struct {
		constraints map[string][]Constraint
		order       []string
		resolved    map[string]*Node
	}

	// solve holds what is fixed for the lifetime of one Resolve call,
	// including the metadata cache, which must not outlive it.
	solve struct {
		provider Provider
		req      Request
		metadata map[string]*PackageMetadata
	}
)

// Error implements the error interface.
func (e *ResolutionFailure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "failed to select a version for %s", e.Package)
	switch {
	case e.Selected != "":
		fmt.Fprintf(&sb, ": selected version %s does not satisfy every requirement", e.Selected)
	case e.Candidates == 0:
		sb.WriteString(": no versions are published")
	default:
		sb.WriteString(": no version satisfies every requirement")
	}
	for _, c := range e.Constraints {
		fmt.Fprintf(&sb, "\n  %s %s (from %s)", e.Package, c.Requirement, c.Source)
	}
	return sb.String()
}

// Unwrap returns ErrResolutionFailure so callers can use errors.Is for programmatic detection.
func (e *ResolutionFailure) Unwrap() error { return ErrResolutionFailure }

// New creates a resolver that reads metadata from provider.
func New(provider Provider) *Resolver {
	return &Resolver{provider: provider}
}

// Resolve returns the highest-versioned feasible graph for req.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Graph, error) {
	s := &solve{
		provider: r.provider,
		req:      req,
		metadata: make(map[string]*PackageMetadata),
	}

	initial := &state{
		constraints: make(map[string][]Constraint),
		resolved:    make(map[string]*Node),
	}
	for _, name := range slices.Sorted(maps.Keys(req.Root)) {
		requirement, err := semver.ParseRequirement(req.Root[name])
		if err != nil {
			return nil, fmt.Errorf("dependency %s: %w", name, err)
		}
		initial.constraints[name] = append(initial.constraints[name], Constraint{Requirement: requirement, Source: SourceManifest})
		initial.order = append(initial.order, name)
	}
	for _, name := range slices.Sorted(maps.Keys(req.Pinned)) {
		if req.Update[name] {
			continue
		}
		v, err := semver.Parse(req.Pinned[name])
		if err != nil {
			return nil, fmt.Errorf("lockfile pin for %s: %w", name, err)
		}
		initial.constraints[name] = append(initial.constraints[name], Constraint{Requirement: semver.Exact(v), Source: SourceLockfile})
	}

	final, err := s.search(ctx, initial)
	if err != nil {
		return nil, err
	}
	return &Graph{Nodes: final.resolved, Root: maps.Clone(req.Root)}, nil
}

func (s *solve) search(ctx context.Context, st *state) (*state, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name, ok := st.next()
	if !ok {
		return st, nil
	}

	meta, err := s.fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	candidates := s.candidates(name, meta, st.constraints[name])
	if len(candidates) == 0 {
		return nil, &ResolutionFailure{
			Package:     name,
			Constraints: slices.Clone(st.constraints[name]),
			Candidates:  len(meta.Versions),
		}
	}

	var firstErr error
	for _, cand := range candidates {
		trial := st.clone()
		if err := s.apply(trial, name, cand); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		final, err := s.search(ctx, trial)
		if err == nil {
			return final, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var failure *ResolutionFailure
		if !errors.As(err, &failure) {
			// Provider and input errors are not resolvable by backtracking.
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

type candidate struct {
	version semver.Version
	info    VersionInfo
}

// candidates returns the versions of name allowed by constraints, highest first.
func (s *solve) candidates(name string, meta *PackageMetadata, constraints []Constraint) []candidate {
	var out []candidate
	for _, info := range meta.Versions {
		v, err := semver.Parse(info.Version)
		if err != nil {
			slog.Debug("skipping unparsable version", "package", name, "version", info.Version)
			continue
		}
		if info.Yanked && !s.pinnedTo(name, v) {
			continue
		}
		if !satisfiesAll(v, constraints) {
			continue
		}
		out = append(out, candidate{version: v, info: info})
	}
	slices.SortStableFunc(out, func(a, b candidate) int {
		return b.version.Compare(a.version)
	})
	return out
}

// pinnedTo reports whether the lockfile pins name to exactly v and name is
// not being updated. Only such versions may be selected while yanked.
func (s *solve) pinnedTo(name string, v semver.Version) bool {
	if s.req.Update[name] {
		return false
	}
	pinned, ok := s.req.Pinned[name]
	if !ok {
		return false
	}
	pv, err := semver.Parse(pinned)
	return err == nil && pv.Equal(v)
}

// apply records cand as the selection for name and adds its dependency
// constraints to st.
func (s *solve) apply(st *state, name string, cand candidate) error {
	source := name + "@" + cand.version.String()
	node := &Node{
		Name:         name,
		Version:      cand.version.String(),
		Checksum:     cand.info.Checksum,
		Dependencies: slices.Sorted(maps.Keys(cand.info.Dependencies)),
		Requirements: maps.Clone(cand.info.Dependencies),
	}
	if node.Requirements == nil {
		node.Requirements = map[string]string{}
	}
	st.resolved[name] = node

	for _, dep := range node.Dependencies {
		requirement, err := semver.ParseRequirement(node.Requirements[dep])
		if err != nil {
			return fmt.Errorf("%s depends on %s with %w", source, dep, err)
		}
		st.constraints[dep] = append(st.constraints[dep], Constraint{Requirement: requirement, Source: source})

		if selected, ok := st.resolved[dep]; ok {
			v, err := semver.Parse(selected.Version)
			if err != nil || !requirement.Matches(v) {
				return &ResolutionFailure{
					Package:     dep,
					Constraints: slices.Clone(st.constraints[dep]),
					Selected:    selected.Version,
				}
			}
			continue
		}
		st.enqueue(dep)
	}
	return nil
}

func (s *solve) fetch(ctx context.Context, name string) (*PackageMetadata, error) {
	if meta, ok := s.metadata[name]; ok {
		return meta, nil
	}
	meta, err := s.provider.Metadata(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metadata for %s: %w", name, err)
	}
	if meta == nil {
		meta = &PackageMetadata{Name: name}
	}
	s.metadata[name] = meta
	return meta, nil
}

func satisfiesAll(v semver.Version, constraints []Constraint) bool {
	for _, c := range constraints {
		if !c.Requirement.Matches(v) {
			return false
		}
	}
	return true
}

// next returns the first name in order that has not been resolved.
func (st *state) next() (string, bool) {
	for _, name := range st.order {
		if _, ok := st.resolved[name]; !ok {
			return name, true
		}
	}
	return "", false
}

// enqueue inserts name into order, keeping it sorted and unique.
func (st *state) enqueue(name string) {
	i, found := slices.BinarySearch(st.order, name)
	if found {
		return
	}
	st.order = slices.Insert(st.order, i, name)
}

// clone copies the state deeply enough that a trial never mutates its parent.
// Nodes are never modified after creation, so they are shared.
func (st *state) clone() *state {
	c := &state{
		constraints: make(map[string][]Constraint, len(st.constraints)),
		order:       slices.Clone(st.order),
		resolved:    maps.Clone(st.resolved),
	}
	for name, cs := range st.constraints {
		c.constraints[name] = slices.Clip(cs)
	}
	return c
}
