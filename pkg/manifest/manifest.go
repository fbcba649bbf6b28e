// SPDX-License-Identifier: MPL-2.0

// Package manifest loads, validates, mutates and persists Apex.toml project
// manifests and Apex.lock lockfiles.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/pelletier/go-toml/v2"

	"github.com/apex-lang/apex/pkg/semver"
)

const (
	// FileName is the canonical manifest file name.
	FileName = "Apex.toml"
	// DefaultLanguage is assumed when package.language is omitted.
	DefaultLanguage = "afml"
)

var (
	// ErrManifestParse is the sentinel error wrapped by ParseError.
	ErrManifestParse = errors.New("invalid manifest")
	// ErrDependencyNotFound is returned when removing a dependency that is not declared.
	ErrDependencyNotFound = errors.New("dependency not found")
)

// knownSections are the top-level keys mapped onto Manifest fields.
// Everything else is carried through Extra.
var knownSections = []string{"package", "dependencies", "registry", "targets"}

type (
	// Manifest is the in-memory form of Apex.toml.
	Manifest struct {
		Package      PackageInfo
		Dependencies map[string]string
		Registry     *RegistryInfo
		// Targets holds the per-target build descriptors, keyed by target name.
		// Their contents are opaque to the toolchain core.
		Targets map[string]map[string]any
		// Extra holds top-level keys and sections this version does not know
		// about, so that they survive a load/save round trip.
		Extra map[string]any

		path string
	}

	// PackageInfo is the [package] section.
	PackageInfo struct {
		Name        string   `toml:"name" json:"name"`
		Version     string   `toml:"version" json:"version"`
		Language    string   `toml:"language,omitempty" json:"language,omitempty"`
		Description string   `toml:"description,omitempty" json:"description,omitempty"`
		License     string   `toml:"license,omitempty" json:"license,omitempty"`
		Authors     []string `toml:"authors,omitempty" json:"authors,omitempty"`
		MinRuntime  string   `toml:"min_runtime,omitempty" json:"min_runtime,omitempty"`
	}

	// RegistryInfo is the optional [registry] section.
	RegistryInfo struct {
		URL string `toml:"url,omitempty" json:"url,omitempty"`
	}

	// ParseError describes a manifest that could not be read or failed validation.
	ParseError struct {
		Path string
		// Line is the 1-based line of a TOML syntax error, or 0.
		Line int
		Err  error
	}

	// manifestDoc is the serialization shape of the known sections.
	// Field order is the canonical section order.
	manifestDoc struct {
		Package      PackageInfo               `toml:"package"`
		Dependencies map[string]string         `toml:"dependencies"`
		Registry     *RegistryInfo             `toml:"registry,omitempty"`
		Targets      map[string]map[string]any `toml:"targets,omitempty"`
	}
)

// Error implements the error interface.
func (e *ParseError) Error() string {
	loc := e.Path
	if loc == "" {
		loc = FileName
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", loc, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", loc, e.Err)
}

// Unwrap returns ErrManifestParse so callers can use errors.Is for programmatic detection.
func (e *ParseError) Unwrap() []error { return []error{ErrManifestParse, e.Err} }

// New returns a manifest for a fresh project.
func New(name, version string) *Manifest {
	return &Manifest{
		Package: PackageInfo{
			Name:     name,
			Version:  version,
			Language: DefaultLanguage,
		},
		Dependencies: make(map[string]string),
	}
}

// Load reads and validates the manifest at path. The path is remembered for Save.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	m, err := Parse(data)
	if err != nil {
		var perr *ParseError
		if errors.As(err, &perr) {
			perr.Path = path
		}
		return nil, err
	}
	m.path = path
	return m, nil
}

// Parse decodes and validates manifest TOML.
func Parse(data []byte) (*Manifest, error) {
	var doc manifestDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, tomlParseError(err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, tomlParseError(err)
	}
	if _, ok := raw["package"]; !ok {
		return nil, &ParseError{Err: errors.New("missing [package] section")}
	}

	m := &Manifest{
		Package:      doc.Package,
		Dependencies: doc.Dependencies,
		Registry:     doc.Registry,
		Targets:      doc.Targets,
	}
	if m.Dependencies == nil {
		m.Dependencies = make(map[string]string)
	}
	for k, v := range raw {
		if slices.Contains(knownSections, k) {
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any)
		}
		m.Extra[k] = v
	}

	if err := m.Validate(); err != nil {
		return nil, &ParseError{Err: err}
	}
	return m, nil
}

func tomlParseError(err error) error {
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		row, _ := derr.Position()
		return &ParseError{Line: row, Err: errors.New(derr.Error())}
	}
	return &ParseError{Err: err}
}

// Validate checks required fields and that every constraint parses.
func (m *Manifest) Validate() error {
	var errs []error
	if m.Package.Name == "" {
		errs = append(errs, errors.New("package.name is required"))
	} else if err := PackageName(m.Package.Name).Validate(); err != nil {
		errs = append(errs, err)
	}
	if m.Package.Version == "" {
		errs = append(errs, errors.New("package.version is required"))
	} else if _, err := semver.Parse(m.Package.Version); err != nil {
		errs = append(errs, fmt.Errorf("package.version: %w", err))
	}
	if m.Package.MinRuntime != "" {
		if _, err := semver.ParseRequirement(m.Package.MinRuntime); err != nil {
			errs = append(errs, fmt.Errorf("package.min_runtime: %w", err))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(m.Dependencies)) {
		if err := PackageName(name).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("dependencies: %w", err))
			continue
		}
		if _, err := semver.ParseRequirement(m.Dependencies[name]); err != nil {
			errs = append(errs, fmt.Errorf("dependencies.%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Path returns the file the manifest was loaded from, if any.
func (m *Manifest) Path() string { return m.path }

// SetPath changes the file Save writes to.
func (m *Manifest) SetPath(path string) { m.path = path }

// Dir returns the project root, the directory holding the manifest.
func (m *Manifest) Dir() string { return filepath.Dir(m.path) }

// Language returns package.language, defaulting to afml.
func (m *Manifest) Language() string {
	if m.Package.Language == "" {
		return DefaultLanguage
	}
	return m.Package.Language
}

// RegistryURL returns registry.url, or fallback when the section is absent.
func (m *Manifest) RegistryURL(fallback string) string {
	if m.Registry != nil && m.Registry.URL != "" {
		return m.Registry.URL
	}
	return fallback
}

// AddDependency inserts or replaces a dependency after validating the constraint.
func (m *Manifest) AddDependency(name, constraint string) error {
	if err := PackageName(name).Validate(); err != nil {
		return err
	}
	if _, err := semver.ParseRequirement(constraint); err != nil {
		return err
	}
	if m.Dependencies == nil {
		m.Dependencies = make(map[string]string)
	}
	m.Dependencies[name] = constraint
	return nil
}

// RemoveDependency deletes a dependency. It fails if name is not declared.
func (m *Manifest) RemoveDependency(name string) error {
	if _, ok := m.Dependencies[name]; !ok {
		return fmt.Errorf("%w: %s", ErrDependencyNotFound, name)
	}
	delete(m.Dependencies, name)
	return nil
}

// Requirements returns the parsed dependency constraints.
func (m *Manifest) Requirements() (map[string]semver.Requirement, error) {
	reqs := make(map[string]semver.Requirement, len(m.Dependencies))
	for name, c := range m.Dependencies {
		r, err := semver.ParseRequirement(c)
		if err != nil {
			return nil, fmt.Errorf("dependencies.%s: %w", name, err)
		}
		reqs[name] = r
	}
	return reqs, nil
}

// Marshal serializes the manifest canonically: unknown top-level keys first,
// then package, dependencies, registry, targets, then unknown sections.
func (m *Manifest) Marshal() ([]byte, error) {
	scalars, tables := splitExtra(m.Extra)

	var buf bytes.Buffer
	if len(scalars) > 0 {
		b, err := toml.Marshal(scalars)
		if err != nil {
			return nil, fmt.Errorf("failed to encode manifest: %w", err)
		}
		buf.Write(b)
		buf.WriteByte('\n')
	}

	deps := m.Dependencies
	if deps == nil {
		deps = map[string]string{}
	}
	b, err := toml.Marshal(manifestDoc{
		Package:      m.Package,
		Dependencies: deps,
		Registry:     m.Registry,
		Targets:      m.Targets,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	buf.Write(b)

	if len(tables) > 0 {
		b, err := toml.Marshal(tables)
		if err != nil {
			return nil, fmt.Errorf("failed to encode manifest: %w", err)
		}
		buf.WriteByte('\n')
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

// Save writes the manifest to the path it was loaded from.
func (m *Manifest) Save() error {
	if m.path == "" {
		return errors.New("manifest has no path")
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	return writeFileAtomic(m.path, data)
}

// JSON returns the machine-normalized JSON form sent to registries as
// manifest_json.
func (m *Manifest) JSON() ([]byte, error) {
	pkg := m.Package
	if pkg.Language == "" {
		pkg.Language = DefaultLanguage
	}
	doc := map[string]any{
		"package":      pkg,
		"dependencies": m.Dependencies,
	}
	if m.Registry != nil {
		doc["registry"] = m.Registry
	}
	if len(m.Targets) > 0 {
		doc["targets"] = m.Targets
	}
	for k, v := range m.Extra {
		doc[k] = v
	}
	return json.Marshal(doc)
}

// splitExtra separates plain values from tables and arrays of tables, since
// TOML requires top-level key/value pairs to come before any table header.
func splitExtra(extra map[string]any) (scalars, tables map[string]any) {
	for k, v := range extra {
		if isTable(v) {
			if tables == nil {
				tables = make(map[string]any)
			}
			tables[k] = v
			continue
		}
		if scalars == nil {
			scalars = make(map[string]any)
		}
		scalars[k] = v
	}
	return scalars, tables
}

func isTable(v any) bool {
	switch t := v.(type) {
	case map[string]any:
		return true
	case []any:
		if len(t) == 0 {
			return false
		}
		for _, e := range t {
			if _, ok := e.(map[string]any); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // Best-effort cleanup of temp file
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
