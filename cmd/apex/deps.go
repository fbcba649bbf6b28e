// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apex-lang/apex/internal/project"
	"github.com/apex-lang/apex/pkg/pkgcache"
)

var (
	installLocked bool

	// addCmd declares and installs a dependency
	addCmd = &cobra.Command{
		Use:   "add <package>[@<requirement>]",
		Short: "Add a dependency to Apex.toml and install it",
		Long: `Add a dependency to Apex.toml and install it.

Without a requirement the newest published release is added as a caret
requirement (^X.Y.Z).`,
		Example: `  apex add util
  apex add util@^1.2
  apex add util@=1.2.3`,
		Args: cobra.ExactArgs(1),
		RunE: runAdd,
	}

	// removeCmd drops a dependency
	removeCmd = &cobra.Command{
		Use:   "remove <package>",
		Short: "Remove a dependency from Apex.toml",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemove,
	}

	// installCmd resolves and vendors the dependency graph
	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Install the dependencies of the project",
		Long: `Resolve the dependencies of the project, fetch them into the package
cache, vendor them into target/vendor and write Apex.lock.

Versions recorded in Apex.lock are kept while they still satisfy the
manifest. With --locked the install fails instead of changing Apex.lock.`,
		Args: cobra.NoArgs,
		RunE: runInstall,
	}

	// updateCmd re-solves pinned packages
	updateCmd = &cobra.Command{
		Use:   "update [package...]",
		Short: "Update locked dependencies to their newest matching versions",
		Long: `Re-solve the named packages, or every package when none are named,
ignoring their Apex.lock pins.`,
		RunE: runUpdate,
	}

	// uninstallCmd evicts packages from the global cache
	uninstallCmd = &cobra.Command{
		Use:   "uninstall <package>[@<version>]",
		Short: "Remove a package from the global package cache",
		Args:  cobra.ExactArgs(1),
		RunE:  runUninstall,
	}
)

func init() {
	installCmd.Flags().BoolVar(&installLocked, "locked", false, "fail instead of changing Apex.lock")
}

func runAdd(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	p, _, err := app.OpenProject("")
	if err != nil {
		return failed(cmd, err)
	}
	req, res, err := p.Add(cmd.Context(), args[0])
	if err != nil {
		return failed(cmd, err)
	}
	name, _ := project.ParsePackageSpec(args[0])
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Added %s = %q\n", SuccessStyle.Render("✓"), CmdStyle.Render(name), req)
	printInstallResult(out, res)
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	p, _, err := app.OpenProject("")
	if err != nil {
		return failed(cmd, err)
	}
	res, err := p.Remove(cmd.Context(), args[0])
	if err != nil {
		return failed(cmd, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Removed %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(args[0]))
	printInstallResult(out, res)
	return nil
}

func runInstall(cmd *cobra.Command, _ []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	p, _, err := app.OpenProject("")
	if err != nil {
		return failed(cmd, err)
	}
	res, err := p.Install(cmd.Context(), project.InstallOptions{Locked: installLocked})
	if err != nil {
		return failed(cmd, err)
	}
	printInstallResult(cmd.OutOrStdout(), res)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	p, _, err := app.OpenProject("")
	if err != nil {
		return failed(cmd, err)
	}
	res, err := p.Update(cmd.Context(), args...)
	if err != nil {
		return failed(cmd, err)
	}
	printInstallResult(cmd.OutOrStdout(), res)
	return nil
}

func runUninstall(cmd *cobra.Command, args []string) error {
	app, err := loadApp(cmd.Context())
	if err != nil {
		return failed(cmd, err)
	}
	// Eviction never downloads, so the cache needs no registry.
	versions, err := project.Uninstall(pkgcache.New(app.Home, nil), args[0])
	if err != nil {
		return failed(cmd, err)
	}
	name, _ := project.ParsePackageSpec(args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s %s from the package cache\n",
		SuccessStyle.Render("✓"), CmdStyle.Render(name), strings.Join(versions, ", "))
	return nil
}

func printInstallResult(w io.Writer, res *project.InstallResult) {
	if res == nil {
		return
	}
	for _, pkg := range res.Vendored {
		fmt.Fprintf(w, "%s %s\n", statusStyle.Render("Vendored"), pkg)
	}
	for _, pkg := range res.Pruned {
		fmt.Fprintf(w, "%s %s\n", statusStyle.Render("Pruned"), pkg)
	}
	switch {
	case len(res.Vendored) == 0:
		fmt.Fprintln(w, SubtitleStyle.Render("No dependencies to install"))
	case res.LockChanged:
		fmt.Fprintf(w, "%s Installed %d package(s), Apex.lock updated\n", SuccessStyle.Render("✓"), len(res.Vendored))
	default:
		fmt.Fprintf(w, "%s Installed %d package(s)\n", SuccessStyle.Render("✓"), len(res.Vendored))
	}
}
