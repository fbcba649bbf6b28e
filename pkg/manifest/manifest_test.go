// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleManifest = `edition = "2025"

[package]
name = "hello"
version = "0.1.0"
description = "says hello"
authors = ["Ada <ada@example.com>"]
min_runtime = ">=1.0"

[dependencies]
foo = "^1.0"
bar = "=1.0.3"

[registry]
url = "http://registry.local:5665"

[targets.x86]
entry = "src/main.afml"

[workspace]
members = ["a", "b"]
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeManifest(t, sampleManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if m.Package.Name != "hello" || m.Package.Version != "0.1.0" {
		t.Errorf("package = %+v", m.Package)
	}
	if m.Language() != DefaultLanguage {
		t.Errorf("Language() = %q, want %q", m.Language(), DefaultLanguage)
	}
	if got := m.Dependencies["foo"]; got != "^1.0" {
		t.Errorf("dependencies.foo = %q, want ^1.0", got)
	}
	if got := m.RegistryURL("fallback"); got != "http://registry.local:5665" {
		t.Errorf("RegistryURL() = %q", got)
	}
	if m.Path() != path {
		t.Errorf("Path() = %q, want %q", m.Path(), path)
	}
	if _, ok := m.Extra["workspace"]; !ok {
		t.Error("unknown [workspace] section was not preserved")
	}
	if m.Extra["edition"] != "2025" {
		t.Errorf("unknown top-level key edition = %v", m.Extra["edition"])
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing_package", "[dependencies]\n", "missing [package]"},
		{"missing_name", "[package]\nversion = \"1.0.0\"\n", "package.name is required"},
		{"missing_version", "[package]\nname = \"x\"\n", "package.version is required"},
		{"bad_version", "[package]\nname = \"x\"\nversion = \"1.0\"\n", "package.version"},
		{"bad_constraint", "[package]\nname = \"x\"\nversion = \"1.0.0\"\n[dependencies]\nfoo = \"^^1\"\n", "dependencies.foo"},
		{"syntax", "[package\nname = 1\n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeManifest(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !errors.Is(err, ErrManifestParse) {
				t.Errorf("error should wrap ErrManifestParse, got: %v", err)
			}
			if !strings.Contains(err.Error(), path) {
				t.Errorf("error should mention the manifest path, got: %v", err)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestManifest_RoundTrip(t *testing.T) {
	t.Parallel()

	path := writeManifest(t, sampleManifest)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if err := m.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload error: %v\n%s", err, mustRead(t, path))
	}
	if again.Package.Name != m.Package.Name || again.Package.Version != m.Package.Version {
		t.Errorf("required fields changed: %+v vs %+v", again.Package, m.Package)
	}
	if len(again.Dependencies) != 2 || again.Dependencies["bar"] != "=1.0.3" {
		t.Errorf("dependencies changed: %v", again.Dependencies)
	}
	if again.Targets["x86"]["entry"] != "src/main.afml" {
		t.Errorf("targets changed: %v", again.Targets)
	}
	if _, ok := again.Extra["workspace"]; !ok {
		t.Error("unknown section lost on round trip")
	}
	if again.Extra["edition"] != "2025" {
		t.Error("unknown top-level key lost on round trip")
	}

	first, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	second, err := again.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Errorf("serialization is not a fixed point:\n%s\n---\n%s", first, second)
	}
}

func TestManifest_AddRemoveDependency(t *testing.T) {
	t.Parallel()

	m := New("app", "0.1.0")
	if err := m.AddDependency("foo", "^1.2"); err != nil {
		t.Fatalf("AddDependency() error: %v", err)
	}
	if err := m.AddDependency("foo", "not a version"); err == nil {
		t.Error("AddDependency() accepted an invalid constraint")
	}
	if err := m.AddDependency("../evil", "*"); !errors.Is(err, ErrInvalidPackageName) {
		t.Errorf("AddDependency() with bad name = %v, want ErrInvalidPackageName", err)
	}
	if m.Dependencies["foo"] != "^1.2" {
		t.Errorf("foo = %q, want ^1.2", m.Dependencies["foo"])
	}

	if err := m.RemoveDependency("foo"); err != nil {
		t.Fatalf("RemoveDependency() error: %v", err)
	}
	if err := m.RemoveDependency("foo"); !errors.Is(err, ErrDependencyNotFound) {
		t.Errorf("RemoveDependency() of absent name = %v, want ErrDependencyNotFound", err)
	}
}

func TestManifest_JSON(t *testing.T) {
	t.Parallel()

	m := New("app", "0.1.0")
	m.Package.Language = ""
	data, err := m.JSON()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"language":"afml"`) {
		t.Errorf("JSON() should fill in the default language, got %s", data)
	}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
