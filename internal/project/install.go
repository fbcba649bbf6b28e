// SPDX-License-Identifier: MPL-2.0

package project

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/apex-lang/apex/internal/issue"
	"github.com/apex-lang/apex/pkg/manifest"
	"github.com/apex-lang/apex/pkg/pkgcache"
	"github.com/apex-lang/apex/pkg/resolver"
	"github.com/apex-lang/apex/pkg/semver"
)

type (
	// InstallOptions controls how far the lockfile constrains a solve.
	InstallOptions struct {
		// Locked pins every locked package and fails when the result would
		// differ from the existing lockfile.
		Locked bool
		// Update names packages to re-solve even when pinned.
		Update []string
		// UpdateAll re-solves every package.
		UpdateAll bool
	}

	// InstallResult summarizes an install.
	InstallResult struct {
		Graph *resolver.Graph
		// Vendored lists "<name>@<version>" of every vendored package, sorted.
		Vendored []string
		// Pruned lists vendored packages removed because the graph dropped them.
		Pruned []string
		// LockChanged reports whether Apex.lock was rewritten with new content.
		LockChanged bool
	}
)

// Install resolves the manifest's dependencies, fetches and vendors every
// selected package and writes Apex.lock.
func (p *Project) Install(ctx context.Context, opts InstallOptions) (*InstallResult, error) {
	if err := p.requireRegistry(); err != nil {
		return nil, err
	}

	req := resolver.Request{
		Root:   maps.Clone(p.Manifest.Dependencies),
		Pinned: p.Lock.Pins(),
	}
	switch {
	case opts.Locked:
	case opts.UpdateAll:
		req.Pinned = nil
	case len(opts.Update) > 0:
		req.Update = make(map[string]bool, len(opts.Update))
		for _, name := range opts.Update {
			req.Update[name] = true
		}
	}
	// Pins of packages the manifest no longer reaches are harmless: the
	// resolver only consults constraints of names it visits. A pin that
	// contradicts an edited manifest requirement is released instead.
	for name := range stalePins(req.Root, req.Pinned) {
		delete(req.Pinned, name)
	}

	p.log.Debug("resolving", "project", p.Manifest.Package.Name, "roots", len(req.Root), "pins", len(req.Pinned))
	graph, err := resolver.New(p.registry).Resolve(ctx, req)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("resolve dependencies").
			WithKind(resolveKind(err)).
			Wrap(err).
			BuildError()
	}

	lock := graph.LockFile(p.Manifest.Package.Name)
	changed := !sameGraph(lock, p.Lock)
	if opts.Locked && changed {
		return nil, issue.NewErrorContext().
			WithOperation("install with --locked").
			WithResource(p.LockPath()).
			WithKind(issue.LockfileOutdatedId).
			WithSuggestion("Run 'apex install' without --locked to update Apex.lock").
			Wrap(ErrLockfileOutdated).
			BuildError()
	}

	res := &InstallResult{Graph: graph, LockChanged: changed}
	keep := make(map[string]bool, len(graph.Nodes))
	for _, name := range graph.Names() {
		n := graph.Nodes[name]
		if err := p.fetch(ctx, n.Name, n.Version, n.Checksum); err != nil {
			return nil, err
		}
		id := n.Name + "@" + n.Version
		keep[id] = true
		res.Vendored = append(res.Vendored, id)
	}

	res.Pruned, err = pkgcache.PruneVendor(p.Root(), keep)
	if err != nil {
		return nil, err
	}
	for _, id := range res.Pruned {
		p.log.Debug("pruned", "package", id)
	}

	if err := lock.Save(p.LockPath()); err != nil {
		return nil, issue.WrapWithResource(err, "write lockfile", p.LockPath())
	}
	p.Lock = lock
	return res, nil
}

func (p *Project) fetch(ctx context.Context, name, version, checksum string) error {
	p.log.Debug("fetching", "package", name, "version", version)
	if _, err := p.cache.Fetch(ctx, name, version, checksum); err != nil {
		b := issue.NewErrorContext().
			WithOperation("fetch package").
			WithResource(name + "@" + version).
			Wrap(err)
		if errors.Is(err, pkgcache.ErrChecksumMismatch) {
			b.WithKind(issue.ChecksumMismatchId)
		}
		return b.BuildError()
	}
	dst, err := p.cache.VendorInto(p.Root(), name, version)
	if err != nil {
		return issue.WrapWithResource(err, "vendor package", name+"@"+version)
	}
	p.log.Debug("vendored", "package", name, "version", version, "path", dst)
	return nil
}

// sameGraph compares two lockfiles ignoring the owning project name, which
// is empty when no lockfile existed.
func sameGraph(a, b *manifest.LockFile) bool {
	x, y := *a, *b
	x.Name, y.Name = "", ""
	return x.Equal(&y)
}

// stalePins yields the pinned root dependencies whose locked version no
// longer satisfies the manifest.
func stalePins(root, pinned map[string]string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for name, version := range pinned {
			constraint, ok := root[name]
			if !ok {
				continue
			}
			r, err := semver.ParseRequirement(constraint)
			if err != nil {
				continue
			}
			v, err := semver.Parse(version)
			if err == nil && r.Matches(v) {
				continue
			}
			if !yield(name) {
				return
			}
		}
	}
}

func resolveKind(err error) issue.Id {
	if errors.Is(err, resolver.ErrResolutionFailure) {
		return issue.ResolutionFailedId
	}
	return 0
}

// EnsureDependencies installs only when Apex.lock does not satisfy the
// manifest or a locked package is missing from the vendor directory. A
// satisfied project needs no registry.
func (p *Project) EnsureDependencies(ctx context.Context) error {
	if p.satisfied() {
		return nil
	}
	_, err := p.Install(ctx, InstallOptions{})
	return err
}

func (p *Project) satisfied() bool {
	for name, constraint := range p.Manifest.Dependencies {
		dep, ok := p.Lock.Find(name)
		if !ok {
			return false
		}
		req, err := semver.ParseRequirement(constraint)
		if err != nil {
			return false
		}
		v, err := semver.Parse(dep.Version)
		if err != nil || !req.Matches(v) {
			return false
		}
	}
	for _, dep := range p.Lock.Dependencies {
		if _, err := os.Stat(pkgcache.VendorPath(p.Root(), dep.Name, dep.Version)); err != nil {
			return false
		}
	}
	return true
}

// Add declares a dependency and installs it. spec is "name" or
// "name@requirement"; without a requirement the newest published, non-yanked
// release is taken as a caret requirement.
func (p *Project) Add(ctx context.Context, spec string) (string, *InstallResult, error) {
	if err := p.requireRegistry(); err != nil {
		return "", nil, err
	}
	name, req := ParsePackageSpec(spec)
	if req == "" {
		latest, err := p.latest(ctx, name)
		if err != nil {
			return "", nil, err
		}
		req = "^" + latest
	}
	if err := p.Manifest.AddDependency(name, req); err != nil {
		return "", nil, issue.WrapWithResource(err, "add dependency", spec)
	}

	res, err := p.Install(ctx, InstallOptions{Update: []string{name}})
	if err != nil {
		return "", nil, err
	}
	if err := p.Manifest.Save(); err != nil {
		return "", nil, issue.WrapWithResource(err, "write manifest", p.Manifest.Path())
	}
	return req, res, nil
}

func (p *Project) latest(ctx context.Context, name string) (string, error) {
	meta, err := p.registry.Metadata(ctx, name)
	if err != nil {
		return "", issue.WrapWithResource(err, "look up package", name)
	}
	var best *semver.Version
	for _, info := range meta.Versions {
		v, err := semver.Parse(info.Version)
		if err != nil || info.Yanked || v.IsPrerelease() {
			continue
		}
		if best == nil || best.Less(v) {
			best = &v
		}
	}
	if best == nil {
		return "", fmt.Errorf("package %s has no installable release", name)
	}
	return best.String(), nil
}

// Remove drops a dependency from the manifest and re-installs, pruning
// packages nothing depends on anymore.
func (p *Project) Remove(ctx context.Context, name string) (*InstallResult, error) {
	if err := p.Manifest.RemoveDependency(name); err != nil {
		return nil, issue.WrapWithResource(err, "remove dependency", name)
	}
	p.Lock.Remove(name)
	res, err := p.Install(ctx, InstallOptions{})
	if err != nil {
		return nil, err
	}
	if err := p.Manifest.Save(); err != nil {
		return nil, issue.WrapWithResource(err, "write manifest", p.Manifest.Path())
	}
	return res, nil
}

// Update re-solves the named packages, or every package when none are named,
// keeping the other pins.
func (p *Project) Update(ctx context.Context, names ...string) (*InstallResult, error) {
	for _, name := range names {
		if _, ok := p.Lock.Find(name); !ok {
			if _, ok := p.Manifest.Dependencies[name]; !ok {
				return nil, fmt.Errorf("package %s is not a dependency of %s", name, p.Manifest.Package.Name)
			}
		}
	}
	return p.Install(ctx, InstallOptions{Update: names, UpdateAll: len(names) == 0})
}

// Uninstall removes name from the global package cache: one version when spec
// carries "@version", every cached version otherwise. It returns the removed
// versions.
func Uninstall(cache *pkgcache.Cache, spec string) ([]string, error) {
	name, version := ParsePackageSpec(spec)
	if err := manifest.PackageName(name).Validate(); err != nil {
		return nil, err
	}
	versions := []string{version}
	if version == "" {
		var err error
		if versions, err = cache.Versions(name); err != nil {
			return nil, err
		}
	} else if !cache.Has(name, version) {
		versions = nil
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%s is not in the package cache", spec)
	}

	slices.SortFunc(versions, func(a, b string) int {
		va, errA := semver.Parse(a)
		vb, errB := semver.Parse(b)
		if errA != nil || errB != nil {
			return cmp.Compare(a, b)
		}
		return va.Compare(vb)
	})
	for _, v := range versions {
		if err := cache.Remove(name, v); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

// ParsePackageSpec splits "name@version" at the last '@'.
func ParsePackageSpec(spec string) (name, version string) {
	spec = strings.TrimSpace(spec)
	if i := strings.LastIndex(spec, "@"); i > 0 {
		return spec[:i], spec[i+1:]
	}
	return spec, ""
}
