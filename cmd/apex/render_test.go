// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/zerr"

	"github.com/apex-lang/apex/internal/compiler/check"
	"github.com/apex-lang/apex/internal/compiler/elf"
	"github.com/apex-lang/apex/internal/issue"
	"github.com/apex-lang/apex/internal/project"
	"github.com/apex-lang/apex/pkg/archive"
	"github.com/apex-lang/apex/pkg/pkgcache"
	"github.com/apex-lang/apex/pkg/registryclient"
	"github.com/apex-lang/apex/pkg/resolver"
)

func stageErr(stage string, err error) error {
	return zerr.With(zerr.Wrap(err, stage+" failed"), "stage", stage)
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want issue.Id
	}{
		{
			name: "service kind wins",
			err: issue.NewErrorContext().
				WithOperation("install dependencies").
				WithKind(issue.RegistryUnavailableId).
				Wrap(fmt.Errorf("wrapped: %w", pkgcache.ErrChecksumMismatch)).
				BuildError(),
			want: issue.RegistryUnavailableId,
		},
		{
			name: "auth required",
			err:  &registryclient.AuthRequiredError{Status: 401},
			want: issue.AuthRequiredId,
		},
		{
			name: "checksum mismatch",
			err:  &pkgcache.ChecksumMismatchError{Name: "a", Version: "1.0.0", Expected: "x", Actual: "y"},
			want: issue.ChecksumMismatchId,
		},
		{
			name: "unsafe archive",
			err:  fmt.Errorf("unpack: %w", archive.ErrUnsafeArchiveEntry),
			want: issue.UnsafeArchiveId,
		},
		{
			name: "resolution failure",
			err:  &resolver.ResolutionFailure{Package: "bar"},
			want: issue.ResolutionFailedId,
		},
		{
			name: "locked install",
			err:  fmt.Errorf("install: %w", project.ErrLockfileOutdated),
			want: issue.LockfileOutdatedId,
		},
		{
			name: "publish conflict",
			err:  &registryclient.RegistryError{Status: 409, Message: "a@1.0.0 already exists"},
			want: issue.RegistryConflictId,
		},
		{
			name: "invalid program",
			err:  stageErr("validate", check.ErrInvalidProgram),
			want: issue.BuildFailedId,
		},
		{
			name: "invalid elf",
			err:  stageErr("validate_elf", elf.ErrInvalidElf),
			want: issue.InvalidElfId,
		},
		{
			name: "other stage failure",
			err:  stageErr("write_elf", os.ErrPermission),
			want: issue.BuildFailedId,
		},
		{
			name: "dependency stage defers to the cause",
			err:  stageErr("ensure_dependencies", errors.New("boom")),
			want: 0,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, classifyError(tt.err))
		})
	}
}

func TestFormatErrorForDisplay(t *testing.T) {
	t.Parallel()

	err := issue.NewErrorContext().
		WithOperation("load manifest").
		WithResource("Apex.toml").
		WithSuggestion("Run 'apex init' to create one").
		Wrap(os.ErrNotExist).
		BuildError()

	got := formatErrorForDisplay(err, false)
	assert.Contains(t, got, "failed to load manifest: Apex.toml")
	assert.Contains(t, got, "Run 'apex init' to create one")
	assert.NotContains(t, got, "Error chain:")

	assert.Contains(t, formatErrorForDisplay(err, true), "Error chain:")
	assert.Equal(t, "boom", formatErrorForDisplay(errors.New("boom"), true))
}

func TestFailed(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	c := &cobra.Command{Use: "x"}
	c.SetErr(&stderr)

	err := failed(c, errors.New("boom"))
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.True(t, c.SilenceErrors)
	assert.True(t, c.SilenceUsage)
	assert.Contains(t, stderr.String(), "boom")

	// An exit status passes through without being rendered again.
	stderr.Reset()
	assert.Same(t, exitErr, failed(c, exitErr))
	assert.Empty(t, stderr.String())
}
