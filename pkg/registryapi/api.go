// SPDX-License-Identifier: MPL-2.0

// Package registryapi defines the JSON documents and protocol constants
// shared by the registry server and its client.
package registryapi

import (
	"encoding/json"
	"time"
)

const (
	// HeaderChecksum carries the hex SHA-256 of an archive on publish and download.
	HeaderChecksum = "X-Checksum"
	// CookieToken is the cookie that may carry a session token instead of
	// the Authorization header.
	CookieToken = "apex_token"

	// ManifestLimit caps the manifest parts of a publish request.
	ManifestLimit = 256 << 10
	// TarballLimit caps the tarball part of a publish request.
	TarballLimit = 50 << 20

	// Multipart part names of a publish request.
	PartManifest     = "manifest"
	PartManifestJSON = "manifest_json"
	PartTarball      = "tarball"

	// Listing bounds.
	DefaultPerPage = 20
	MinPerPage     = 5
	MaxPerPage     = 100

	SortUpdated = "updated"
	SortName    = "name"
)

type (
	// ErrorResponse is the body of every error response.
	ErrorResponse struct {
		Error string `json:"error"`
	}

	// RegisterRequest creates a user.
	RegisterRequest struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	// LoginRequest exchanges credentials for a session token.
	LoginRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	// LoginResponse carries a session token.
	LoginResponse struct {
		Token    string `json:"token"`
		Username string `json:"username"`
	}

	// User is the public view of an account.
	User struct {
		ID        int64     `json:"id"`
		Username  string    `json:"username"`
		Email     string    `json:"email"`
		CreatedAt time.Time `json:"created_at"`
	}

	// PackageSummary is one row of a package listing.
	PackageSummary struct {
		Name          string    `json:"name"`
		Description   string    `json:"description"`
		LatestVersion string    `json:"latest_version"`
		UpdatedAt     time.Time `json:"updated_at"`
	}

	// PackageList is a page of package summaries.
	PackageList struct {
		Packages []PackageSummary `json:"packages"`
		Total    int              `json:"total"`
		Page     int              `json:"page"`
		PerPage  int              `json:"per_page"`
	}

	// Version is one published version of a package.
	Version struct {
		Version      string            `json:"version"`
		Checksum     string            `json:"checksum"`
		Dependencies map[string]string `json:"dependencies"`
		Targets      json.RawMessage   `json:"targets,omitempty"`
		Yanked       bool              `json:"yanked"`
		Size         int64             `json:"size"`
		CreatedAt    time.Time         `json:"created_at"`
	}

	// PackageDetail is a package with all of its versions, newest first.
	PackageDetail struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Metadata    json.RawMessage `json:"metadata,omitempty"`
		Owners      []string        `json:"owners"`
		CreatedAt   time.Time       `json:"created_at"`
		UpdatedAt   time.Time       `json:"updated_at"`
		Versions    []Version       `json:"versions"`
	}

	// VersionList is the response of the versions endpoint.
	VersionList struct {
		Name     string    `json:"name"`
		Versions []Version `json:"versions"`
	}

	// PublishResponse acknowledges a publish.
	PublishResponse struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// YankResponse reports the yank state after a yank or unyank.
	YankResponse struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Yanked  bool   `json:"yanked"`
	}

	// OwnerList lists the owners of a package, sorted case-insensitively.
	OwnerList struct {
		Package string   `json:"package"`
		Owners  []string `json:"owners"`
	}

	// OwnerRequest names a user to add as owner.
	OwnerRequest struct {
		Username string `json:"username"`
	}

	// FeedEvent is pushed to activity feed subscribers.
	FeedEvent struct {
		Kind    string    `json:"kind"`
		Package string    `json:"package"`
		Version string    `json:"version,omitempty"`
		Actor   string    `json:"actor,omitempty"`
		At      time.Time `json:"at"`
	}
)

// Feed event kinds.
const (
	EventPublish = "publish"
	EventYank    = "yank"
	EventUnyank  = "unyank"
)

// ClampPerPage applies the listing bounds, substituting the default for
// non-positive values.
func ClampPerPage(n int) int {
	switch {
	case n <= 0:
		return DefaultPerPage
	case n < MinPerPage:
		return MinPerPage
	case n > MaxPerPage:
		return MaxPerPage
	default:
		return n
	}
}
