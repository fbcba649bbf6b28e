// SPDX-License-Identifier: MPL-2.0

package project

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/apex-lang/apex/internal/issue"
	"github.com/apex-lang/apex/pkg/archive"
	"github.com/apex-lang/apex/pkg/manifest"
	"github.com/apex-lang/apex/pkg/pkgcache"
	"github.com/apex-lang/apex/pkg/resolver"
)

type (
	fakeVersion struct {
		info resolver.VersionInfo
		data []byte
	}

	// fakeRegistry serves metadata and archives from memory.
	fakeRegistry struct {
		mu        sync.Mutex
		pkgs      map[string][]fakeVersion
		tamper    map[string]bool
		downloads int
	}
)

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{pkgs: make(map[string][]fakeVersion), tamper: make(map[string]bool)}
}

func (f *fakeRegistry) publish(t *testing.T, name, version string, deps map[string]string) {
	t.Helper()
	dir := t.TempDir()
	m := manifest.New(name, version)
	for dep, req := range deps {
		if err := m.AddDependency(dep, req); err != nil {
			t.Fatal(err)
		}
	}
	m.SetPath(filepath.Join(dir, manifest.FileName))
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	src := fmt.Sprintf("fun %s_version() -> i32 { return %d; }\n", strings.ReplaceAll(name, "-", "_"), len(version))
	if err := os.WriteFile(filepath.Join(dir, "src", "lib.afml"), []byte(src+"// "+version+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, err := archive.Create(dir)
	if err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pkgs[name] = append(f.pkgs[name], fakeVersion{
		info: resolver.VersionInfo{Version: version, Checksum: archive.Checksum(data), Dependencies: deps},
		data: data,
	})
}

func (f *fakeRegistry) yank(name, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.pkgs[name] {
		if f.pkgs[name][i].info.Version == version {
			f.pkgs[name][i].info.Yanked = true
		}
	}
}

func (f *fakeRegistry) Metadata(_ context.Context, name string) (*resolver.PackageMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	versions, ok := f.pkgs[name]
	if !ok {
		return nil, fmt.Errorf("package %s not found", name)
	}
	meta := &resolver.PackageMetadata{Name: name}
	for _, v := range versions {
		meta.Versions = append(meta.Versions, v.info)
	}
	return meta, nil
}

func (f *fakeRegistry) Download(_ context.Context, name, version string) (*pkgcache.Download, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	for _, v := range f.pkgs[name] {
		if v.info.Version != version {
			continue
		}
		data := v.data
		if f.tamper[name] {
			data = append(slices.Clone(data), 0)
		}
		return &pkgcache.Download{Data: data, Checksum: archive.Checksum(data)}, nil
	}
	return nil, fmt.Errorf("%s@%s not found", name, version)
}

func (f *fakeRegistry) downloadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloads
}

// newProject scaffolds a project depending on deps and opens it against reg.
func newProject(t *testing.T, reg *fakeRegistry, deps map[string]string) *Project {
	t.Helper()
	dir := t.TempDir()
	m, err := Scaffold(dir, "app")
	if err != nil {
		t.Fatal(err)
	}
	for name, req := range deps {
		if err := m.AddDependency(name, req); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	return reopen(t, dir, reg)
}

func reopen(t *testing.T, dir string, reg *fakeRegistry) *Project {
	t.Helper()
	p, err := Open(dir, Options{Cache: pkgcache.New(filepath.Join(dir, ".home"), reg), Registry: reg})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func lockedVersion(t *testing.T, p *Project, name string) string {
	t.Helper()
	dep, ok := p.Lock.Find(name)
	if !ok {
		t.Fatalf("%s is not in the lockfile", name)
	}
	return dep.Version
}

func standardRegistry(t *testing.T) *fakeRegistry {
	reg := newFakeRegistry()
	reg.publish(t, "gamma", "0.3.0", nil)
	reg.publish(t, "gamma", "0.3.4", nil)
	reg.publish(t, "alpha", "1.0.0", map[string]string{"gamma": "^0.3"})
	reg.publish(t, "alpha", "1.1.0", map[string]string{"gamma": "~0.3.0"})
	reg.publish(t, "beta", "2.0.1", nil)
	return reg
}

func TestInstall_LockfileDeterminism(t *testing.T) {
	t.Parallel()

	reg := standardRegistry(t)
	p := newProject(t, reg, map[string]string{"alpha": "^1.0", "beta": "^2.0", "gamma": "*"})

	res, err := p.Install(context.Background(), InstallOptions{})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if !res.LockChanged {
		t.Error("first install should write a new lockfile")
	}
	want := []string{"alpha@1.1.0", "beta@2.0.1", "gamma@0.3.4"}
	if !slices.Equal(res.Vendored, want) {
		t.Errorf("Vendored = %v, want %v", res.Vendored, want)
	}
	for _, id := range want {
		name, version := ParsePackageSpec(id)
		if _, err := os.Stat(filepath.Join(pkgcache.VendorPath(p.Root(), name, version), "src", "lib.afml")); err != nil {
			t.Errorf("%s not vendored: %v", id, err)
		}
	}

	written, err := os.ReadFile(p.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := manifest.ParseLockFile(written)
	if err != nil {
		t.Fatal(err)
	}
	again, err := parsed.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, again) {
		t.Errorf("lockfile is not a fixed point:\n--- written\n%s\n--- re-serialized\n%s", written, again)
	}

	// A second install changes nothing and downloads nothing.
	downloads := reg.downloadCount()
	res, err = reopen(t, p.Root(), reg).Install(context.Background(), InstallOptions{})
	if err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if res.LockChanged {
		t.Error("second install should not change the lockfile")
	}
	if reg.downloadCount() != downloads {
		t.Errorf("second install downloaded %d archives", reg.downloadCount()-downloads)
	}
	rewritten, err := os.ReadFile(p.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, rewritten) {
		t.Error("second install rewrote the lockfile with different bytes")
	}
}

func TestInstall_LockedKeepsYankedPin(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	reg.publish(t, "util", "1.0.0", nil)
	p := newProject(t, reg, map[string]string{"util": "^1.0"})
	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatal(err)
	}

	reg.publish(t, "util", "1.2.0", nil)
	reg.yank("util", "1.0.0")

	if _, err := p.Install(context.Background(), InstallOptions{Locked: true}); err != nil {
		t.Fatalf("locked Install() error = %v", err)
	}
	if got := lockedVersion(t, p, "util"); got != "1.0.0" {
		t.Errorf("locked install selected %s, want the pinned 1.0.0", got)
	}

	// Releasing the pin skips the yanked version.
	if _, err := p.Update(context.Background(), "util"); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := lockedVersion(t, p, "util"); got != "1.2.0" {
		t.Errorf("update selected %s, want 1.2.0", got)
	}
	if _, err := os.Stat(pkgcache.VendorPath(p.Root(), "util", "1.0.0")); !errors.Is(err, os.ErrNotExist) {
		t.Error("the old vendored copy should be pruned")
	}
}

func TestInstall_LockedRejectsChanges(t *testing.T) {
	t.Parallel()

	reg := standardRegistry(t)
	p := newProject(t, reg, map[string]string{"beta": "^2.0"})
	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(p.LockPath())
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Manifest.AddDependency("gamma", "^0.3"); err != nil {
		t.Fatal(err)
	}
	_, err = p.Install(context.Background(), InstallOptions{Locked: true})
	if !errors.Is(err, ErrLockfileOutdated) {
		t.Fatalf("Install(locked) error = %v, want ErrLockfileOutdated", err)
	}
	if kind, _ := issue.KindOf(err); kind != issue.LockfileOutdatedId {
		t.Errorf("kind = %v, want LockfileOutdatedId", kind)
	}
	after, err := os.ReadFile(p.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("a rejected locked install must not touch the lockfile")
	}
}

func TestInstall_ResolutionFailure(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry()
	reg.publish(t, "foo", "1.0.0", map[string]string{"bar": "^2.0"})
	reg.publish(t, "bar", "1.0.0", nil)
	p := newProject(t, reg, map[string]string{"foo": "*"})

	_, err := p.Install(context.Background(), InstallOptions{})
	if !errors.Is(err, resolver.ErrResolutionFailure) {
		t.Fatalf("Install() error = %v, want a resolution failure", err)
	}
	if !strings.Contains(err.Error(), "bar") || !strings.Contains(err.Error(), "^2.0") {
		t.Errorf("error %q should name bar and ^2.0", err)
	}
	if kind, _ := issue.KindOf(err); kind != issue.ResolutionFailedId {
		t.Errorf("kind = %v, want ResolutionFailedId", kind)
	}
	if _, err := os.Stat(p.LockPath()); !errors.Is(err, os.ErrNotExist) {
		t.Error("no lockfile should be written after a failed solve")
	}
}

func TestInstall_ChecksumMismatch(t *testing.T) {
	t.Parallel()

	reg := standardRegistry(t)
	reg.tamper["beta"] = true
	p := newProject(t, reg, map[string]string{"beta": "^2.0"})

	_, err := p.Install(context.Background(), InstallOptions{})
	if !errors.Is(err, pkgcache.ErrChecksumMismatch) {
		t.Fatalf("Install() error = %v, want ErrChecksumMismatch", err)
	}
	if kind, _ := issue.KindOf(err); kind != issue.ChecksumMismatchId {
		t.Errorf("kind = %v, want ChecksumMismatchId", kind)
	}
	if _, err := os.Stat(pkgcache.VendorPath(p.Root(), "beta", "2.0.1")); !errors.Is(err, os.ErrNotExist) {
		t.Error("a package failing verification must not be vendored")
	}
}

func TestAddAndRemove(t *testing.T) {
	t.Parallel()

	reg := standardRegistry(t)
	reg.publish(t, "alpha", "1.2.0", map[string]string{"gamma": "^0.3"})
	reg.yank("alpha", "1.2.0")
	p := newProject(t, reg, nil)

	req, res, err := p.Add(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if req != "^1.1.0" {
		t.Errorf("requirement = %q, want ^1.1.0 (newest non-yanked)", req)
	}
	if !slices.Equal(res.Vendored, []string{"alpha@1.1.0", "gamma@0.3.4"}) {
		t.Errorf("Vendored = %v", res.Vendored)
	}

	saved, err := manifest.Load(p.Manifest.Path())
	if err != nil {
		t.Fatal(err)
	}
	if saved.Dependencies["alpha"] != "^1.1.0" {
		t.Errorf("saved manifest dependencies = %v", saved.Dependencies)
	}

	if _, _, err := p.Add(context.Background(), "beta@=2.0.1"); err != nil {
		t.Fatalf("Add(beta@=2.0.1) error = %v", err)
	}

	res, err = p.Remove(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !slices.Equal(res.Pruned, []string{"alpha@1.1.0", "gamma@0.3.4"}) {
		t.Errorf("Pruned = %v", res.Pruned)
	}
	if _, ok := p.Lock.Find("gamma"); ok {
		t.Error("gamma should leave the lockfile with alpha")
	}
	if _, err := p.Remove(context.Background(), "alpha"); !errors.Is(err, manifest.ErrDependencyNotFound) {
		t.Errorf("second Remove() error = %v, want ErrDependencyNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	reg := standardRegistry(t)
	p := newProject(t, reg, map[string]string{"alpha": "^1.0", "beta": "^2.0"})
	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatal(err)
	}

	reg.publish(t, "beta", "2.1.0", nil)
	reg.publish(t, "gamma", "0.3.9", nil)

	if _, err := p.Update(context.Background(), "beta"); err != nil {
		t.Fatalf("Update(beta) error = %v", err)
	}
	if got := lockedVersion(t, p, "beta"); got != "2.1.0" {
		t.Errorf("beta = %s, want 2.1.0", got)
	}
	if got := lockedVersion(t, p, "gamma"); got != "0.3.4" {
		t.Errorf("gamma = %s, want the pinned 0.3.4", got)
	}

	if _, err := p.Update(context.Background()); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := lockedVersion(t, p, "gamma"); got != "0.3.9" {
		t.Errorf("gamma = %s, want 0.3.9 after a full update", got)
	}

	if _, err := p.Update(context.Background(), "nope"); err == nil {
		t.Error("updating an unknown package should fail")
	}
}

func TestUninstall(t *testing.T) {
	t.Parallel()

	reg := standardRegistry(t)
	cache := pkgcache.New(t.TempDir(), reg)
	for _, v := range []string{"0.3.0", "0.3.4"} {
		if _, err := cache.Fetch(context.Background(), "gamma", v, ""); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := Uninstall(cache, "gamma@0.3.0")
	if err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if !slices.Equal(removed, []string{"0.3.0"}) || cache.Has("gamma", "0.3.0") || !cache.Has("gamma", "0.3.4") {
		t.Errorf("removed = %v", removed)
	}

	removed, err = Uninstall(cache, "gamma")
	if err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if !slices.Equal(removed, []string{"0.3.4"}) {
		t.Errorf("removed = %v", removed)
	}
	if _, err := Uninstall(cache, "gamma"); err == nil {
		t.Error("uninstalling an absent package should fail")
	}
}

func TestParsePackageSpec(t *testing.T) {
	t.Parallel()

	tests := []struct{ spec, name, version string }{
		{"util", "util", ""},
		{"util@1.2.0", "util", "1.2.0"},
		{" util@^1 ", "util", "^1"},
		{"@weird", "@weird", ""},
	}
	for _, tt := range tests {
		name, version := ParsePackageSpec(tt.spec)
		if name != tt.name || version != tt.version {
			t.Errorf("ParsePackageSpec(%q) = %q, %q; want %q, %q", tt.spec, name, version, tt.name, tt.version)
		}
	}
}

func TestScaffoldAndOpen(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "hello")
	m, err := Scaffold(dir, "hello")
	if err != nil {
		t.Fatalf("Scaffold() error = %v", err)
	}
	if m.Package.Version != InitialVersion {
		t.Errorf("version = %s", m.Package.Version)
	}
	for _, rel := range []string{manifest.FileName, filepath.Join("src", "main.afml"), ".gitignore"} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Errorf("%s missing: %v", rel, err)
		}
	}
	if _, err := Scaffold(dir, "hello"); !errors.Is(err, ErrProjectExists) {
		t.Errorf("second Scaffold() error = %v, want ErrProjectExists", err)
	}

	p, err := Open(filepath.Join(dir, manifest.FileName), Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if p.Root() != dir {
		t.Errorf("Root() = %s, want %s", p.Root(), dir)
	}
	if len(p.Lock.Dependencies) != 0 {
		t.Error("a fresh project has an empty lockfile")
	}
	if _, err := p.Install(context.Background(), InstallOptions{}); err == nil {
		t.Error("Install() without a registry should fail")
	}

	_, err = Open(t.TempDir(), Options{})
	if kind, _ := issue.KindOf(err); kind != issue.ManifestNotFoundId {
		t.Errorf("Open(empty dir) kind = %v, want ManifestNotFoundId (err %v)", kind, err)
	}

	if name, err := NameFromDir(dir); err != nil || name != "hello" {
		t.Errorf("NameFromDir() = %q, %v", name, err)
	}
}

func TestPublishRequest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := Scaffold(dir, "hello"); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "target", "x86_64"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "target", "x86_64", "hello"), []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}
	p, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}

	req, err := p.PublishRequest()
	if err != nil {
		t.Fatalf("PublishRequest() error = %v", err)
	}
	if req.Name != "hello" || req.Version != InitialVersion {
		t.Errorf("request = %s@%s", req.Name, req.Version)
	}
	entries, err := archive.Validate(req.Archive)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	slices.Sort(names)
	want := []string{".gitignore", manifest.FileName, "src/main.afml"}
	if !slices.Equal(names, want) {
		t.Errorf("archive entries = %v, want %v", names, want)
	}
	if !bytes.Contains(req.ManifestJSON, []byte(`"language":"afml"`)) {
		t.Errorf("manifest_json = %s", req.ManifestJSON)
	}

	p.Manifest.Package.Language = "c"
	if _, err := p.PublishRequest(); err == nil {
		t.Error("non-afml packages must not be published")
	}
}

func TestInstall_ReleasesContradictedPin(t *testing.T) {
	t.Parallel()

	reg := standardRegistry(t)
	reg.publish(t, "beta", "3.0.0", nil)
	p := newProject(t, reg, map[string]string{"beta": "^2.0"})
	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatal(err)
	}

	p.Manifest.Dependencies["beta"] = "^3.0"
	if _, err := p.Install(context.Background(), InstallOptions{Locked: true}); !errors.Is(err, ErrLockfileOutdated) {
		t.Errorf("locked Install() error = %v, want ErrLockfileOutdated", err)
	}
	if _, err := p.Install(context.Background(), InstallOptions{}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if got := lockedVersion(t, p, "beta"); got != "3.0.0" {
		t.Errorf("beta = %s, want 3.0.0", got)
	}
}

func TestEnsureDependencies(t *testing.T) {
	t.Parallel()

	reg := standardRegistry(t)
	p := newProject(t, reg, map[string]string{"beta": "^2.0"})

	if err := p.EnsureDependencies(context.Background()); err != nil {
		t.Fatalf("EnsureDependencies() error = %v", err)
	}
	downloads := reg.downloadCount()
	if downloads == 0 {
		t.Fatal("the first call should install")
	}

	offline, err := Open(p.Root(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := offline.EnsureDependencies(context.Background()); err != nil {
		t.Errorf("a satisfied project should not need a registry: %v", err)
	}

	if err := os.RemoveAll(pkgcache.VendorPath(p.Root(), "beta", "2.0.1")); err != nil {
		t.Fatal(err)
	}
	if err := p.EnsureDependencies(context.Background()); err != nil {
		t.Fatalf("EnsureDependencies() error = %v", err)
	}
	if _, err := os.Stat(pkgcache.VendorPath(p.Root(), "beta", "2.0.1")); err != nil {
		t.Errorf("missing vendored package was not restored: %v", err)
	}
}
