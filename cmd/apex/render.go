// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/apex-lang/apex/internal/compiler"
	"github.com/apex-lang/apex/internal/compiler/check"
	"github.com/apex-lang/apex/internal/compiler/elf"
	"github.com/apex-lang/apex/internal/compiler/syntax"
	"github.com/apex-lang/apex/internal/issue"
	"github.com/apex-lang/apex/internal/project"
	"github.com/apex-lang/apex/pkg/archive"
	"github.com/apex-lang/apex/pkg/manifest"
	"github.com/apex-lang/apex/pkg/pkgcache"
	"github.com/apex-lang/apex/pkg/registryclient"
	"github.com/apex-lang/apex/pkg/resolver"
)

// classifyError maps a command failure to the issue catalog entry that
// explains it. A kind set by the service layer wins over sentinel matching.
func classifyError(err error) issue.Id {
	if id, ok := issue.KindOf(err); ok {
		return id
	}

	switch {
	case errors.Is(err, registryclient.ErrAuthRequired):
		return issue.AuthRequiredId
	case errors.Is(err, pkgcache.ErrChecksumMismatch):
		return issue.ChecksumMismatchId
	case errors.Is(err, archive.ErrUnsafeArchiveEntry):
		return issue.UnsafeArchiveId
	case errors.Is(err, resolver.ErrResolutionFailure):
		return issue.ResolutionFailedId
	case errors.Is(err, project.ErrLockfileOutdated):
		return issue.LockfileOutdatedId
	case errors.Is(err, manifest.ErrManifestParse):
		return issue.ManifestInvalidId
	case registryclient.IsConflict(err):
		return issue.RegistryConflictId
	case errors.Is(err, elf.ErrInvalidElf):
		return issue.InvalidElfId
	case errors.Is(err, syntax.ErrSyntax), errors.Is(err, check.ErrInvalidProgram):
		return issue.BuildFailedId
	case compiler.StageOf(err) != "" && compiler.StageOf(err) != compiler.StageDependencies:
		return issue.BuildFailedId
	}
	return 0
}

func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// renderError prints the styled error followed by the catalog guidance for
// its kind, when there is one.
func renderError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("Error:"), formatErrorForDisplay(err, verbose))

	id := classifyError(err)
	if id == 0 {
		return
	}
	if entry := issue.Get(id); entry != nil {
		rendered, renderErr := entry.Render("dark")
		if renderErr != nil {
			logger.Warn("failed to render issue catalog entry", "issueID", id, "error", renderErr)
			return
		}
		fmt.Fprint(w, rendered)
	}
}

// failed renders err and converts it into an ExitError so cobra and fang
// stay quiet about it.
func failed(cmd *cobra.Command, err error) error {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	renderError(cmd.ErrOrStderr(), err)
	return &ExitError{Code: 1, Err: err}
}
