// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable, user-facing errors and a catalog of
// Markdown guidance the CLI renders for well-known failure kinds.
package issue
