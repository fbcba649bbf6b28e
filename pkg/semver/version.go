// SPDX-License-Identifier: MPL-2.0

// Package semver parses and compares semantic versions and the version
// requirements written in Apex.toml dependency tables.
package semver

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// ErrInvalidVersion is the sentinel error wrapped by InvalidVersionError.
var ErrInvalidVersion = errors.New("invalid semver")

// versionRegex matches a full MAJOR.MINOR.PATCH version with optional
// pre-release and build metadata.
var versionRegex = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-([0-9A-Za-z\-]+(?:\.[0-9A-Za-z\-]+)*))?(?:\+([0-9A-Za-z\-]+(?:\.[0-9A-Za-z\-]+)*))?$`)

type (
	// Version is an exact semantic version. The zero value is 0.0.0.
	Version struct {
		Major uint64
		Minor uint64
		Patch uint64
		// Pre holds the dot-separated pre-release identifiers.
		Pre []string
		// Build is the build metadata; it never affects precedence.
		Build string
	}

	// InvalidVersionError is returned when a string is not an exact version.
	InvalidVersionError struct {
		Value string
	}
)

// Error implements the error interface.
func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid semver %q: expected MAJOR.MINOR.PATCH", e.Value)
}

// Unwrap returns ErrInvalidVersion so callers can use errors.Is for programmatic detection.
func (e *InvalidVersionError) Unwrap() error { return ErrInvalidVersion }

// Parse parses an exact version such as "1.2.3" or "2.0.0-rc.1+build.5".
func Parse(s string) (Version, error) {
	m := versionRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, &InvalidVersionError{Value: s}
	}

	var v Version
	var err error
	if v.Major, err = strconv.ParseUint(m[1], 10, 64); err != nil {
		return Version{}, &InvalidVersionError{Value: s}
	}
	if v.Minor, err = strconv.ParseUint(m[2], 10, 64); err != nil {
		return Version{}, &InvalidVersionError{Value: s}
	}
	if v.Patch, err = strconv.ParseUint(m[3], 10, 64); err != nil {
		return Version{}, &InvalidVersionError{Value: s}
	}
	if m[4] != "" {
		v.Pre = strings.Split(m[4], ".")
	}
	v.Build = m[5]
	return v, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsValid reports whether s is an exact semantic version.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// String returns the canonical textual form of the version.
func (v Version) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(v.Major, 10))
	sb.WriteByte('.')
	sb.WriteString(strconv.FormatUint(v.Minor, 10))
	sb.WriteByte('.')
	sb.WriteString(strconv.FormatUint(v.Patch, 10))
	if len(v.Pre) > 0 {
		sb.WriteByte('-')
		sb.WriteString(strings.Join(v.Pre, "."))
	}
	if v.Build != "" {
		sb.WriteByte('+')
		sb.WriteString(v.Build)
	}
	return sb.String()
}

// IsPrerelease reports whether the version carries pre-release identifiers.
func (v Version) IsPrerelease() bool { return len(v.Pre) > 0 }

// Compare compares two versions by precedence.
// Returns -1 if v < other, 0 if v == other, 1 if v > other.
// Build metadata is ignored.
func (v Version) Compare(other Version) int {
	if c := cmpUint(v.Major, other.Major); c != 0 {
		return c
	}
	if c := cmpUint(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := cmpUint(v.Patch, other.Patch); c != 0 {
		return c
	}

	// A release has higher precedence than any of its pre-releases.
	switch {
	case len(v.Pre) == 0 && len(other.Pre) == 0:
		return 0
	case len(v.Pre) == 0:
		return 1
	case len(other.Pre) == 0:
		return -1
	}

	for i := range min(len(v.Pre), len(other.Pre)) {
		if c := comparePreIdent(v.Pre[i], other.Pre[i]); c != 0 {
			return c
		}
	}
	return cmpUint(uint64(len(v.Pre)), uint64(len(other.Pre)))
}

// Less reports whether v has lower precedence than other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// Equal reports whether v and other have the same precedence.
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// comparePreIdent orders pre-release identifiers: numeric identifiers compare
// numerically and sort before alphanumeric ones.
func comparePreIdent(a, b string) int {
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	switch {
	case aErr == nil && bErr == nil:
		return cmpUint(an, bn)
	case aErr == nil:
		return -1
	case bErr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func cmpUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// SortDescending sorts versions newest first. The sort is stable so equal
// versions keep their input order.
func SortDescending(versions []Version) {
	slices.SortStableFunc(versions, func(a, b Version) int {
		return b.Compare(a)
	})
}
