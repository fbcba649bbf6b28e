// SPDX-License-Identifier: MPL-2.0

// Package store persists the registry catalog: users, packages, versions,
// assets, and package ownership.
package store

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// RoleOwner is the only ownership role the registry grants today.
const RoleOwner = "owner"

var (
	// ErrNotFound is returned when a user, package, version, or asset does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key (username, package version) is taken.
	ErrConflict = errors.New("conflict")
	// ErrNotOwner is returned when the acting user does not own the package.
	ErrNotOwner = errors.New("not an owner")
	// ErrLastOwner is returned when removing an owner would leave a package without owners.
	ErrLastOwner = errors.New("package must keep at least one owner")
)

type (
	// User is a registry account.
	User struct {
		ID           int64
		Username     string
		Email        string
		PasswordHash string
		CreatedAt    time.Time
	}

	// Package is a named package. UpdatedAt moves on every publish, yank and
	// ownership change.
	Package struct {
		ID           int64
		Name         string
		Description  string
		MetadataJSON []byte
		OwnerID      int64
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// Version is one published version of a package.
	Version struct {
		ID           int64
		PackageID    int64
		Version      string
		Checksum     string
		ManifestJSON []byte
		TargetsJSON  []byte
		CreatedAt    time.Time
		Yanked       bool
	}

	// Asset locates the stored archive of a version.
	Asset struct {
		VersionID int64
		Filename  string
		Path      string
		SizeBytes int64
	}

	// Summary is one row of a package listing.
	Summary struct {
		Package
		LatestVersion string
	}

	// ListQuery filters and pages a package listing. Page and PerPage are
	// expected to be already clamped by the caller.
	ListQuery struct {
		Search  string
		Sort    string
		Page    int
		PerPage int
	}

	// Release is a version row with its asset, as served by the versions endpoint.
	Release struct {
		Version
		Asset *Asset
	}

	// PublishInput is everything a publish transaction records.
	PublishInput struct {
		Name         string
		Description  string
		MetadataJSON []byte
		Version      string
		Checksum     string
		ManifestJSON []byte
		TargetsJSON  []byte
		Filename     string
		UserID       int64
	}

	// WriteAssetFunc stores the archive bytes and returns their location.
	// It runs inside the publish transaction after the version row exists;
	// an error rolls the transaction back.
	WriteAssetFunc func(ctx context.Context) (path string, size int64, err error)

	// Store is the catalog persistence contract.
	Store interface {
		CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error)
		UserByName(ctx context.Context, username string) (*User, error)
		UserByID(ctx context.Context, id int64) (*User, error)

		// Publish runs the publish transaction: ensure the package (creating it
		// with the caller as owner, or requiring ownership), ensure the version
		// is new, insert it, write the asset, record the asset, commit.
		Publish(ctx context.Context, in PublishInput, write WriteAssetFunc) (*Version, error)

		Package(ctx context.Context, name string) (*Package, error)
		ListPackages(ctx context.Context, q ListQuery) ([]Summary, int, error)
		Releases(ctx context.Context, packageID int64) ([]Release, error)
		Release(ctx context.Context, name, version string) (*Release, error)
		SetYanked(ctx context.Context, name, version string, yanked bool) (*Version, error)

		Owners(ctx context.Context, packageID int64) ([]string, error)
		IsOwner(ctx context.Context, packageID, userID int64) (bool, error)
		AddOwner(ctx context.Context, packageID, userID int64) error
		RemoveOwner(ctx context.Context, packageID, userID int64) error

		Close() error
	}
)

// matchesSearch reports whether a package name or description contains the
// search term, ignoring case.
func matchesSearch(name, description, search string) bool {
	if search == "" {
		return true
	}
	s := strings.ToLower(search)
	return strings.Contains(strings.ToLower(name), s) || strings.Contains(strings.ToLower(description), s)
}

// offset is the number of rows before the requested page. It saturates at
// math.MaxInt so a page far past the end yields an empty page.
func offset(q ListQuery) int {
	if q.Page < 1 || q.PerPage <= 0 {
		return 0
	}
	if q.Page-1 > math.MaxInt/q.PerPage {
		return math.MaxInt
	}
	return (q.Page - 1) * q.PerPage
}
