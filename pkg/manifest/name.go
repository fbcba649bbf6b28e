// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidPackageName is the sentinel error wrapped by InvalidPackageNameError.
var ErrInvalidPackageName = errors.New("invalid package name")

// packageNameRegex accepts names that are safe as a single path segment.
var packageNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,63}$`)

type (
	// PackageName identifies a package in the registry and on disk.
	// Names are case-sensitive.
	PackageName string

	// InvalidPackageNameError is returned when a PackageName value is invalid.
	InvalidPackageNameError struct {
		Value PackageName
	}
)

// Error implements the error interface.
func (e *InvalidPackageNameError) Error() string {
	return fmt.Sprintf("invalid package name %q (letters, digits, '.', '_' and '-', starting with a letter or digit)", e.Value)
}

// Unwrap returns ErrInvalidPackageName so callers can use errors.Is for programmatic detection.
func (e *InvalidPackageNameError) Unwrap() error { return ErrInvalidPackageName }

// Validate returns nil if the name is usable as a package identifier.
func (n PackageName) Validate() error {
	if !packageNameRegex.MatchString(string(n)) {
		return &InvalidPackageNameError{Value: n}
	}
	return nil
}

// String returns the string representation of the PackageName.
func (n PackageName) String() string { return string(n) }
