// SPDX-License-Identifier: MPL-2.0

package resolver

import "context"

//go:generate mockgen -source=provider.go -destination=mocks/mock_provider.go -package=mocks

type (
	// Provider supplies package metadata to the solver. The registry client
	// is the production implementation.
	Provider interface {
		Metadata(ctx context.Context, name string) (*PackageMetadata, error)
	}

	// PackageMetadata lists every published version of a package. The order
	// of Versions breaks ties between equal versions.
	PackageMetadata struct {
		Name     string
		Versions []VersionInfo
	}

	// VersionInfo describes one published version.
	VersionInfo struct {
		Version  string
		Checksum string
		// Dependencies maps dependency names to requirement strings.
		Dependencies map[string]string
		Yanked       bool
	}
)
