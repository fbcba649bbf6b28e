// SPDX-License-Identifier: MPL-2.0

// Package pkgcache stores downloaded packages under the user's apex home,
// keyed by (name, version) and verified by archive digest, and vendors them
// into project trees.
package pkgcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/apex-lang/apex/pkg/archive"
)

const (
	// HomeEnv overrides the apex home directory (default ~/.apex).
	HomeEnv = "APEX_HOME"

	packagesDir = "packages"
	archivesDir = "cache"
	locksDir    = "locks"
)

// ErrChecksumMismatch is the sentinel error wrapped by ChecksumMismatchError.
var ErrChecksumMismatch = errors.New("checksum mismatch")

type (
	// Downloader fetches raw archive bytes for a package version.
	Downloader interface {
		Download(ctx context.Context, name, version string) (*Download, error)
	}

	// Download is a fetched archive. Checksum is the digest the server
	// advertised, empty when it sent none.
	Download struct {
		Data     []byte
		Checksum string
	}

	// ChecksumMismatchError reports archive bytes whose digest does not match
	// the expected value.
	ChecksumMismatchError struct {
		Name     string
		Version  string
		Expected string
		Actual   string
		// Source names where the expected digest came from ("lockfile" or "header").
		Source string
	}

	// Cache is a content-addressed package store rooted at an apex home
	// directory. It is single-writer per (name, version); Fetch serializes
	// writers across processes with a file lock.
	Cache struct {
		root       string
		downloader Downloader
	}
)

// Error implements the error interface.
func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s@%s: expected %s (%s), got %s",
		e.Name, e.Version, e.Expected, e.Source, e.Actual)
}

// Unwrap returns ErrChecksumMismatch so callers can use errors.Is for programmatic detection.
func (e *ChecksumMismatchError) Unwrap() error { return ErrChecksumMismatch }

// DefaultRoot returns the apex home directory.
// It checks APEX_HOME first, then falls back to ~/.apex.
func DefaultRoot() (string, error) {
	return DefaultRootWith(os.Getenv)
}

// DefaultRootWith returns the apex home directory using the provided getenv
// function. This enables testing without mutating process-global environment state.
func DefaultRootWith(getenv func(string) string) (string, error) {
	if envPath := getenv(HomeEnv); envPath != "" {
		return envPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".apex"), nil
}

// New returns a cache rooted at root. downloader may be nil when only
// already-cached packages are needed.
func New(root string, downloader Downloader) *Cache {
	return &Cache{root: root, downloader: downloader}
}

// Root returns the apex home directory backing the cache.
func (c *Cache) Root() string { return c.root }

// PackageDir returns where the unpacked tree of name@version lives.
func (c *Cache) PackageDir(name, version string) string {
	return filepath.Join(c.root, packagesDir, name, version)
}

// ArchivePath returns where the raw archive of name@version lives.
func (c *Cache) ArchivePath(name, version string) string {
	return filepath.Join(c.root, archivesDir, archive.FileName(name, version))
}

// Has reports whether name@version is unpacked in the cache.
func (c *Cache) Has(name, version string) bool {
	info, err := os.Stat(c.PackageDir(name, version))
	return err == nil && info.IsDir()
}

// Fetch returns the unpacked directory of name@version, downloading and
// unpacking it first when needed. A raw archive already in the cache is
// reused when it matches expectedChecksum. Downloaded bytes are checked
// against expectedChecksum (when non-empty) and against the digest the
// server advertised (when present).
func (c *Cache) Fetch(ctx context.Context, name, version, expectedChecksum string) (string, error) {
	dir := c.PackageDir(name, version)

	lock, err := c.lock(name, version)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	if c.Has(name, version) {
		return dir, nil
	}

	data, err := c.obtain(ctx, name, version, expectedChecksum)
	if err != nil {
		return "", err
	}

	if err := c.store(name, version, data); err != nil {
		return "", err
	}
	return dir, nil
}

// Insert verifies and stores archive bytes for name@version, replacing any
// unpacked tree. It returns the archive checksum.
func (c *Cache) Insert(name, version string, data []byte, expectedChecksum string) (string, error) {
	sum := archive.Checksum(data)
	if expectedChecksum != "" && sum != expectedChecksum {
		return "", &ChecksumMismatchError{Name: name, Version: version, Expected: expectedChecksum, Actual: sum, Source: "caller"}
	}

	lock, err := c.lock(name, version)
	if err != nil {
		return "", err
	}
	defer lock.Release()

	if err := c.store(name, version, data); err != nil {
		return "", err
	}
	return sum, nil
}

// ArchiveChecksum returns the digest of the cached raw archive for name@version.
func (c *Cache) ArchiveChecksum(name, version string) (string, error) {
	data, err := os.ReadFile(c.ArchivePath(name, version))
	if err != nil {
		return "", fmt.Errorf("failed to read cached archive: %w", err)
	}
	return archive.Checksum(data), nil
}

func (c *Cache) obtain(ctx context.Context, name, version, expected string) ([]byte, error) {
	if expected != "" {
		if data, err := os.ReadFile(c.ArchivePath(name, version)); err == nil {
			if archive.Checksum(data) == expected {
				return data, nil
			}
			slog.Debug("cached archive digest differs, downloading again", "package", name, "version", version)
		}
	}

	if c.downloader == nil {
		return nil, fmt.Errorf("%s@%s is not cached and no registry is configured", name, version)
	}
	dl, err := c.downloader.Download(ctx, name, version)
	if err != nil {
		return nil, err
	}

	actual := archive.Checksum(dl.Data)
	if expected != "" && actual != expected {
		return nil, &ChecksumMismatchError{Name: name, Version: version, Expected: expected, Actual: actual, Source: "lockfile"}
	}
	if dl.Checksum != "" && actual != dl.Checksum {
		return nil, &ChecksumMismatchError{Name: name, Version: version, Expected: dl.Checksum, Actual: actual, Source: "header"}
	}
	return dl.Data, nil
}

// store writes the raw archive and replaces the unpacked tree. The tree is
// extracted beside its final location and renamed into place, so the package
// directory only ever exists fully populated.
func (c *Cache) store(name, version string, data []byte) error {
	archivePath := c.ArchivePath(name, version)
	if err := writeFileAtomic(archivePath, data); err != nil {
		return err
	}

	dir := c.PackageDir(name, version)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear stale package directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(dir), "."+version+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := archive.Extract(data, tmp); err != nil {
		_ = os.RemoveAll(tmp) // Extracted content is untrusted
		return fmt.Errorf("failed to unpack %s@%s: %w", name, version, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("failed to move %s@%s into the cache: %w", name, version, err)
	}
	return nil
}

// Remove deletes both the unpacked tree and the raw archive of name@version.
func (c *Cache) Remove(name, version string) error {
	lock, err := c.lock(name, version)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := os.RemoveAll(c.PackageDir(name, version)); err != nil {
		return fmt.Errorf("failed to remove %s@%s: %w", name, version, err)
	}
	if err := os.Remove(c.ArchivePath(name, version)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove archive for %s@%s: %w", name, version, err)
	}
	// Leave no empty per-name directory behind.
	_ = os.Remove(filepath.Join(c.root, packagesDir, name))
	return nil
}

// Versions lists the cached versions of name.
func (c *Cache) Versions(name string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(c.root, packagesDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() && e.Name()[0] != '.' {
			versions = append(versions, e.Name())
		}
	}
	return versions, nil
}

func (c *Cache) lock(name, version string) (*entryLock, error) {
	dir := filepath.Join(c.root, locksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return acquireEntryLock(filepath.Join(dir, name+"@"+version+".lock"))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // Best-effort cleanup of temp file
		return fmt.Errorf("failed to rename %s: %w", path, err)
	}
	return nil
}
