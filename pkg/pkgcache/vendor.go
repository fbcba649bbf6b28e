// SPDX-License-Identifier: MPL-2.0

package pkgcache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// VendorSubdir is the vendor location relative to a project root.
var VendorSubdir = filepath.Join("target", "vendor", "afml")

// VendorDir returns the vendor directory of a project.
func VendorDir(projectRoot string) string {
	return filepath.Join(projectRoot, VendorSubdir)
}

// VendorPath returns where name@version is vendored inside a project.
func VendorPath(projectRoot, name, version string) string {
	return filepath.Join(VendorDir(projectRoot), name+"@"+version)
}

// VendorInto mirrors the cached tree of name@version into the project's
// vendor directory, replacing any previous copy. The package must already
// be cached.
func (c *Cache) VendorInto(projectRoot, name, version string) (string, error) {
	src := c.PackageDir(name, version)
	if !c.Has(name, version) {
		return "", fmt.Errorf("%s@%s is not in the package cache", name, version)
	}

	dst := VendorPath(projectRoot, name, version)
	if err := os.RemoveAll(dst); err != nil {
		return "", fmt.Errorf("failed to remove existing vendored copy at %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("failed to create vendor directory: %w", err)
	}
	if err := copyDir(src, dst); err != nil {
		return "", fmt.Errorf("failed to copy %s@%s to %s: %w", name, version, dst, err)
	}
	return dst, nil
}

// PruneVendor removes vendored packages whose "<name>@<version>" directory
// name is not in keep, and returns the removed names.
func PruneVendor(projectRoot string, keep map[string]bool) ([]string, error) {
	vendorDir := VendorDir(projectRoot)
	entries, err := os.ReadDir(vendorDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var pruned []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.Contains(entry.Name(), "@") || keep[entry.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(vendorDir, entry.Name())); err != nil {
			return pruned, fmt.Errorf("failed to remove stale vendored package %s: %w", entry.Name(), err)
		}
		pruned = append(pruned, entry.Name())
	}
	return pruned, nil
}

// copyDir recursively copies a directory, skipping symlinks.
func copyDir(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}

	if mkdirErr := os.MkdirAll(dst, srcInfo.Mode().Perm()); mkdirErr != nil {
		return mkdirErr
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}

		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}
