// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for apex.
//
// This package implements the Cobra command hierarchy for the apex CLI:
// project scaffolding, the build pipeline, dependency management, registry
// account and package administration, and the registry service itself.
package cmd
