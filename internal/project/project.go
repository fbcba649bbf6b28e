// SPDX-License-Identifier: MPL-2.0

// Package project implements the project-level package workflows: install,
// add, remove, update, uninstall and publish. It ties the manifest and
// lockfile to the resolver, the package cache and a registry.
package project

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/apex-lang/apex/internal/issue"
	"github.com/apex-lang/apex/pkg/manifest"
	"github.com/apex-lang/apex/pkg/pkgcache"
	"github.com/apex-lang/apex/pkg/resolver"
)

// ErrLockfileOutdated is returned by a locked install whose solve would
// change Apex.lock.
var ErrLockfileOutdated = errors.New("lockfile needs update")

type (
	// Registry is the registry surface the install flows need. The registry
	// client implements it.
	Registry interface {
		resolver.Provider
		pkgcache.Downloader
	}

	// Options configures a Project.
	Options struct {
		// Cache stores fetched packages. Required for installs.
		Cache *pkgcache.Cache
		// Registry serves metadata and archives. Required for installs.
		Registry Registry
		Logger   *log.Logger
	}

	// Project is a loaded manifest together with its lockfile.
	Project struct {
		Manifest *manifest.Manifest
		Lock     *manifest.LockFile

		cache    *pkgcache.Cache
		registry Registry
		log      *log.Logger
	}
)

// Open loads the manifest at manifestPath and the lockfile beside it.
// manifestPath may name the manifest file or the project directory.
func Open(manifestPath string, opts Options) (*Project, error) {
	path, err := ManifestPath(manifestPath)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Load(path)
	if err != nil {
		kind := issue.ManifestInvalidId
		if errors.Is(err, os.ErrNotExist) {
			kind = issue.ManifestNotFoundId
		}
		return nil, issue.NewErrorContext().
			WithOperation("load manifest").
			WithKind(kind).
			Wrap(err).
			BuildError()
	}

	lock, err := manifest.LoadLockFile(filepath.Join(m.Dir(), manifest.LockFileName))
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("load lockfile").
			WithResource(filepath.Join(m.Dir(), manifest.LockFileName)).
			WithSuggestion("Delete Apex.lock and run 'apex install' to regenerate it").
			Wrap(err).
			BuildError()
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Project{
		Manifest: m,
		Lock:     lock,
		cache:    opts.Cache,
		registry: opts.Registry,
		log:      logger,
	}, nil
}

// ManifestPath resolves a --manifest-path value: empty means ./Apex.toml and
// a directory means <dir>/Apex.toml.
func ManifestPath(p string) (string, error) {
	if p == "" {
		p = "."
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return filepath.Join(abs, manifest.FileName), nil
	}
	return abs, nil
}

// Root returns the project directory.
func (p *Project) Root() string {
	return p.Manifest.Dir()
}

// LockPath returns the lockfile location.
func (p *Project) LockPath() string {
	return filepath.Join(p.Root(), manifest.LockFileName)
}

// Connect attaches the package cache and registry used by installs. The CLI
// calls it after Open because the registry URL can come from the manifest.
func (p *Project) Connect(cache *pkgcache.Cache, reg Registry) {
	p.cache = cache
	p.registry = reg
}

func (p *Project) requireRegistry() error {
	if p.cache == nil || p.registry == nil {
		return fmt.Errorf("project %s has no package cache or registry configured", p.Manifest.Package.Name)
	}
	return nil
}
