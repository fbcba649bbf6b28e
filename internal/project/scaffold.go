// SPDX-License-Identifier: MPL-2.0

package project

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/apex-lang/apex/pkg/manifest"
)

// InitialVersion is the version of a freshly scaffolded package.
const InitialVersion = "0.1.0"

// ErrProjectExists is returned when scaffolding over an existing manifest.
var ErrProjectExists = errors.New("project already exists")

const (
	mainSource = `fun apex() {
    print("Hello, world!\n");
}
`
	gitignore = "/target\n"
)

// Scaffold creates a project named name in dir: Apex.toml, src/main.afml and
// a .gitignore. Existing sources are left alone; an existing manifest is an
// error.
func Scaffold(dir, name string) (*manifest.Manifest, error) {
	if err := manifest.PackageName(name).Validate(); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, manifest.FileName)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, path)
	}

	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create project directory: %w", err)
	}
	m := manifest.New(name, InitialVersion)
	m.SetPath(path)
	if err := m.Save(); err != nil {
		return nil, err
	}

	for rel, content := range map[string]string{
		filepath.Join("src", "main.afml"): mainSource,
		".gitignore":                      gitignore,
	} {
		if err := writeIfAbsent(filepath.Join(dir, rel), content); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NameFromDir derives a package name from a directory path.
func NameFromDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	name := filepath.Base(abs)
	if err := manifest.PackageName(name).Validate(); err != nil {
		return "", fmt.Errorf("cannot derive a package name from %s: %w", abs, err)
	}
	return name, nil
}

func writeIfAbsent(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
