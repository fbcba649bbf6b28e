// SPDX-License-Identifier: MPL-2.0

package resolver_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/apex-lang/apex/pkg/resolver"
	"github.com/apex-lang/apex/pkg/resolver/mocks"
)

// registry is an in-memory Provider.
type registry map[string][]resolver.VersionInfo

func (r registry) Metadata(_ context.Context, name string) (*resolver.PackageMetadata, error) {
	versions, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("package %s not found", name)
	}
	return &resolver.PackageMetadata{Name: name, Versions: versions}, nil
}

func v(version string, deps map[string]string) resolver.VersionInfo {
	return resolver.VersionInfo{Version: version, Checksum: "sum-" + version, Dependencies: deps}
}

func yanked(version string, deps map[string]string) resolver.VersionInfo {
	info := v(version, deps)
	info.Yanked = true
	return info
}

func versionsOf(g *resolver.Graph) map[string]string {
	out := make(map[string]string, len(g.Nodes))
	for name, n := range g.Nodes {
		out[name] = n.Version
	}
	return out
}

func assertVersions(t *testing.T, g *resolver.Graph, want map[string]string) {
	t.Helper()
	got := versionsOf(g)
	if len(got) != len(want) {
		t.Fatalf("resolved %v, want %v", got, want)
	}
	for name, version := range want {
		if got[name] != version {
			t.Errorf("%s resolved to %q, want %q", name, got[name], version)
		}
	}
}

func TestResolve_BasicGraph(t *testing.T) {
	t.Parallel()

	reg := registry{
		"foo": {v("1.0.0", map[string]string{"bar": "^1.0"})},
		"bar": {v("1.0.0", nil), v("1.1.0", nil)},
	}
	g, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"foo": "^1.0"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	assertVersions(t, g, map[string]string{"foo": "1.0.0", "bar": "1.1.0"})

	foo := g.Nodes["foo"]
	if len(foo.Dependencies) != 1 || foo.Dependencies[0] != "bar" || foo.Requirements["bar"] != "^1.0" {
		t.Errorf("foo node = %+v", foo)
	}
	if g.Nodes["bar"].Checksum != "sum-1.1.0" {
		t.Errorf("bar checksum = %q", g.Nodes["bar"].Checksum)
	}
}

func TestResolve_SkipsYanked(t *testing.T) {
	t.Parallel()

	reg := registry{
		"foo": {v("1.0.0", map[string]string{"bar": "^1.0"})},
		"bar": {v("1.0.0", nil), yanked("1.1.0", nil)},
	}
	g, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"foo": "*"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	assertVersions(t, g, map[string]string{"foo": "1.0.0", "bar": "1.0.0"})
}

func TestResolve_YankedPinnedFromLockfile(t *testing.T) {
	t.Parallel()

	reg := registry{
		"foo": {v("1.0.0", map[string]string{"bar": "^1.0"})},
		"bar": {v("1.0.0", nil), yanked("1.1.0", nil)},
	}
	req := resolver.Request{
		Root:   map[string]string{"foo": "*"},
		Pinned: map[string]string{"foo": "1.0.0", "bar": "1.1.0"},
	}

	g, err := resolver.New(reg).Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	assertVersions(t, g, map[string]string{"foo": "1.0.0", "bar": "1.1.0"})

	req.Update = map[string]bool{"bar": true}
	g, err = resolver.New(reg).Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() with update filter error: %v", err)
	}
	assertVersions(t, g, map[string]string{"foo": "1.0.0", "bar": "1.0.0"})
}

func TestResolve_PinsHoldBackUpgrades(t *testing.T) {
	t.Parallel()

	reg := registry{
		"foo": {v("1.0.0", nil), v("1.2.0", nil)},
	}
	req := resolver.Request{
		Root:   map[string]string{"foo": "^1.0"},
		Pinned: map[string]string{"foo": "1.0.0"},
	}

	g, err := resolver.New(reg).Resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	assertVersions(t, g, map[string]string{"foo": "1.0.0"})

	req.Update = map[string]bool{"foo": true}
	g, err = resolver.New(reg).Resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	assertVersions(t, g, map[string]string{"foo": "1.2.0"})
}

func TestResolve_Conflict(t *testing.T) {
	t.Parallel()

	reg := registry{
		"foo": {v("1.0.0", map[string]string{"bar": "^2.0"})},
		"bar": {v("1.0.0", nil)},
	}
	_, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"foo": "*"},
	})
	if !errors.Is(err, resolver.ErrResolutionFailure) {
		t.Fatalf("Resolve() error = %v, want ErrResolutionFailure", err)
	}
	msg := err.Error()
	for _, want := range []string{"bar", "^2.0", "foo@1.0.0"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}

	var failure *resolver.ResolutionFailure
	if !errors.As(err, &failure) || failure.Package != "bar" {
		t.Errorf("failure = %+v, want package bar", failure)
	}
}

func TestResolve_ConflictListsEverySource(t *testing.T) {
	t.Parallel()

	reg := registry{
		"app-a":  {v("1.0.0", map[string]string{"shared": ">=1.5"})},
		"shared": {v("1.0.0", nil), v("1.6.0", nil)},
	}
	_, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root:   map[string]string{"app-a": "^1.0", "shared": "<1.5"},
		Pinned: map[string]string{"shared": "1.0.0"},
	})

	var failure *resolver.ResolutionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Resolve() error = %v, want ResolutionFailure", err)
	}
	sources := make(map[string]bool)
	for _, c := range failure.Constraints {
		sources[c.Source] = true
	}
	for _, want := range []string{resolver.SourceManifest, resolver.SourceLockfile, "app-a@1.0.0"} {
		if !sources[want] {
			t.Errorf("constraint sources %v missing %q", sources, want)
		}
	}
}

func TestResolve_Backtracks(t *testing.T) {
	t.Parallel()

	// foo 2.0.0 needs a baz that does not exist; the solver must fall back
	// to foo 1.5.0.
	reg := registry{
		"foo": {
			v("1.5.0", map[string]string{"baz": "^1.0"}),
			v("2.0.0", map[string]string{"baz": "^9.0"}),
		},
		"baz": {v("1.0.0", nil), v("1.3.0", nil)},
	}
	g, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"foo": "*"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	assertVersions(t, g, map[string]string{"foo": "1.5.0", "baz": "1.3.0"})
}

func TestResolve_ConstraintOnSelectedPackage(t *testing.T) {
	t.Parallel()

	// alpha is selected first at 1.0.0; beta 2.0.0 then asks for alpha ^2,
	// so the solver must move beta back to 1.0.0.
	reg := registry{
		"alpha": {v("1.0.0", nil)},
		"beta":  {v("1.0.0", map[string]string{"alpha": "*"}), v("2.0.0", map[string]string{"alpha": "^2"})},
	}
	g, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"alpha": "*", "beta": "*"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	assertVersions(t, g, map[string]string{"alpha": "1.0.0", "beta": "1.0.0"})
}

func TestResolve_Cycle(t *testing.T) {
	t.Parallel()

	reg := registry{
		"a": {v("1.0.0", map[string]string{"b": "^1"})},
		"b": {v("1.0.0", map[string]string{"a": "^1"})},
	}
	g, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"a": "^1"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	assertVersions(t, g, map[string]string{"a": "1.0.0", "b": "1.0.0"})
}

func TestResolve_ProviderErrorIsNotBacktracked(t *testing.T) {
	t.Parallel()

	reg := registry{"foo": {v("1.0.0", map[string]string{"missing": "*"})}}
	_, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"foo": "*"},
	})
	if err == nil || errors.Is(err, resolver.ErrResolutionFailure) {
		t.Fatalf("Resolve() error = %v, want provider error", err)
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error %q should name the missing package", err)
	}
}

func TestResolve_InvalidRootRequirement(t *testing.T) {
	t.Parallel()

	_, err := resolver.New(registry{}).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"foo": "not-a-version"},
	})
	if err == nil {
		t.Fatal("Resolve() accepted an invalid requirement")
	}
}

func TestResolve_ContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := resolver.New(registry{"foo": {v("1.0.0", nil)}}).Resolve(ctx, resolver.Request{
		Root: map[string]string{"foo": "*"},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve() error = %v, want context.Canceled", err)
	}
}

func TestResolve_Deterministic(t *testing.T) {
	t.Parallel()

	reg := registry{
		"zeta":  {v("1.0.0", map[string]string{"mid": "^1"})},
		"alpha": {v("1.0.0", map[string]string{"mid": "^1"})},
		"mid":   {v("1.0.0", nil), v("1.0.1", nil)},
	}
	req := resolver.Request{Root: map[string]string{"zeta": "*", "alpha": "*"}}

	first, err := resolver.New(reg).Resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	firstLock, err := first.LockFile("app").Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		again, err := resolver.New(reg).Resolve(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		lock, err := again.LockFile("app").Marshal()
		if err != nil {
			t.Fatal(err)
		}
		if string(lock) != string(firstLock) {
			t.Fatalf("resolution is not deterministic:\n%s\n---\n%s", firstLock, lock)
		}
	}
}

func TestResolve_MetadataFetchedOncePerSolve(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)

	provider.EXPECT().Metadata(gomock.Any(), "left").Return(&resolver.PackageMetadata{
		Name: "left", Versions: []resolver.VersionInfo{v("1.0.0", map[string]string{"shared": "^1"})},
	}, nil).Times(1)
	provider.EXPECT().Metadata(gomock.Any(), "right").Return(&resolver.PackageMetadata{
		Name: "right", Versions: []resolver.VersionInfo{
			v("1.0.0", map[string]string{"shared": "^1"}),
			v("2.0.0", map[string]string{"shared": "^2"}),
		},
	}, nil).Times(1)
	provider.EXPECT().Metadata(gomock.Any(), "shared").Return(&resolver.PackageMetadata{
		Name: "shared", Versions: []resolver.VersionInfo{v("1.0.0", nil), v("1.4.0", nil)},
	}, nil).Times(1)

	g, err := resolver.New(provider).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"left": "*", "right": "*"},
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	assertVersions(t, g, map[string]string{"left": "1.0.0", "right": "1.0.0", "shared": "1.4.0"})
}

func TestGraph_LockFile(t *testing.T) {
	t.Parallel()

	reg := registry{
		"foo": {v("1.0.0", map[string]string{"bar": "^1.0"})},
		"bar": {v("1.1.0", nil)},
	}
	g, err := resolver.New(reg).Resolve(context.Background(), resolver.Request{
		Root: map[string]string{"foo": "^1.0"},
	})
	if err != nil {
		t.Fatal(err)
	}

	lock := g.LockFile("app")
	if len(lock.Dependencies) != 2 || lock.Dependencies[0].Name != "bar" {
		t.Fatalf("dependencies = %+v", lock.Dependencies)
	}
	if len(lock.Edges) != 2 {
		t.Fatalf("edges = %+v", lock.Edges)
	}
	if lock.Edges[0].From != "app" || lock.Edges[0].To != "foo" || lock.Edges[0].Requirement != "^1.0" {
		t.Errorf("edges[0] = %+v", lock.Edges[0])
	}
	if lock.Edges[1].From != "foo" || lock.Edges[1].To != "bar" {
		t.Errorf("edges[1] = %+v", lock.Edges[1])
	}
}
