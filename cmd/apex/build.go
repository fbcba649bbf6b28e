// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/apex-lang/apex/internal/compiler"
	"github.com/apex-lang/apex/internal/project"
	"github.com/apex-lang/apex/internal/watch"
)

var (
	buildTarget  string
	buildRelease bool
	buildEmitIR  bool
	buildWatch   bool

	// buildCmd compiles the project to an executable
	buildCmd = &cobra.Command{
		Use:   "build",
		Short: "Compile the project to a Linux executable",
		Long: `Compile the project to a static Linux ELF executable.

Dependencies are installed first when Apex.lock or the vendor directory is
out of date. The executable is written to target/<arch>/<profile>/<name>.

` + SubtitleStyle.Render("Targets:") + `
  x86_64   64-bit (default; the body of apex() is not compiled, it exits 0)
  x86      32-bit (aliases i386, i686)`,
		Example: `  apex build
  apex build --target x86 --release
  apex build --target x86 --emit-ir
  apex build --watch`,
		Args: cobra.NoArgs,
		RunE: runBuild,
	}

	// runCmd builds and runs the executable
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Build the project and run the executable",
		Long: `Build the project and run the executable. apex exits with the
program's exit status.`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	// checkCmd validates the source without writing anything
	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Parse and validate the project without building",
		Args:  cobra.NoArgs,
		RunE:  runCheck,
	}

	// cleanCmd removes build output
	cleanCmd = &cobra.Command{
		Use:   "clean",
		Short: "Remove the target directory",
		Args:  cobra.NoArgs,
		RunE:  runClean,
	}
)

func init() {
	for _, c := range []*cobra.Command{buildCmd, runCmd} {
		c.Flags().StringVar(&buildTarget, "target", "", "target architecture: x86_64 or x86 (default from [targets] or x86_64)")
		c.Flags().BoolVar(&buildRelease, "release", false, "build with the release profile")
		c.Flags().BoolVar(&buildEmitIR, "emit-ir", false, "write the IR next to the executable as <name>.ir")
	}
	buildCmd.Flags().BoolVarP(&buildWatch, "watch", "w", false, "rebuild whenever Apex.toml or a source file changes")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	if buildWatch {
		return watchBuild(cmd)
	}
	if _, err := buildProject(cmd); err != nil {
		return failed(cmd, err)
	}
	return nil
}

// watchBuild builds once, then again after every relevant change until
// interrupted. Failed builds are reported and watching continues.
func watchBuild(cmd *cobra.Command) error {
	root, err := project.ManifestPath(manifestPath)
	if err != nil {
		return failed(cmd, err)
	}
	root = filepath.Dir(root)

	rebuild := func(context.Context, []string) error {
		_, err := buildProject(cmd)
		if err != nil {
			renderError(cmd.ErrOrStderr(), err)
		}
		return err
	}
	w, err := watch.New(watch.Options{Root: root, OnChange: rebuild, Logger: logger})
	if err != nil {
		return failed(cmd, err)
	}

	_ = rebuild(cmd.Context(), nil)
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s for changes (Ctrl+C to stop)\n", statusStyle.Render("Watching"), root)
	if err := w.Run(cmd.Context()); err != nil {
		return failed(cmd, err)
	}
	return nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	res, err := buildProject(cmd)
	if err != nil {
		return failed(cmd, err)
	}

	rel := res.Output
	if wd, err := os.Getwd(); err == nil {
		if r, err := filepath.Rel(wd, res.Output); err == nil {
			rel = r
		}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s `%s`\n", statusStyle.Render("Running"), rel)

	code, err := runExecutable(cmd.Context(), res.Output, cmd)
	if err != nil {
		return failed(cmd, err)
	}
	if code != 0 {
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return &ExitError{Code: code}
	}
	return nil
}

// runExecutable runs path with the command's stdio and returns its exit
// status.
func runExecutable(ctx context.Context, path string, cmd *cobra.Command) (int, error) {
	c := exec.CommandContext(ctx, path)
	c.Stdin = os.Stdin
	c.Stdout = cmd.OutOrStdout()
	c.Stderr = cmd.ErrOrStderr()
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 0, fmt.Errorf("failed to run %s: %w", path, err)
	}
	return 0, nil
}

// buildProject opens the project, installs what it is missing and compiles
// it, reporting progress on stderr.
func buildProject(cmd *cobra.Command) (*compiler.Result, error) {
	ctx := cmd.Context()
	app, err := loadApp(ctx)
	if err != nil {
		return nil, err
	}
	p, _, err := app.OpenProject("")
	if err != nil {
		return nil, err
	}
	opts, err := compileOptions(p)
	if err != nil {
		return nil, err
	}
	opts.Dependencies = p
	opts.Logger = app.Logger

	m := p.Manifest
	stderr := cmd.ErrOrStderr()
	fmt.Fprintf(stderr, "%s %s v%s (%s)\n", statusStyle.Render("Compiling"), m.Package.Name, m.Package.Version, p.Root())

	start := time.Now()
	res, err := compiler.Build(ctx, m, opts)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(stderr, "%s %s [%s] target in %.2fs\n",
		statusStyle.Render("Finished"), res.Profile, res.Arch, time.Since(start).Seconds())
	if res.IRPath != "" {
		fmt.Fprintf(stderr, "%s IR to %s\n", statusStyle.Render("Wrote"), res.IRPath)
	}
	return res, nil
}

func compileOptions(p *project.Project) (compiler.Options, error) {
	arch := compiler.ManifestArch(p.Manifest)
	if buildTarget != "" {
		var err error
		if arch, err = compiler.ParseArch(buildTarget); err != nil {
			return compiler.Options{}, err
		}
	}
	profile := compiler.ProfileDebug
	if buildRelease {
		profile = compiler.ProfileRelease
	}
	return compiler.Options{Arch: arch, Profile: profile, EmitIR: buildEmitIR}, nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	p, err := project.Open(manifestPath, project.Options{Logger: logger})
	if err != nil {
		return failed(cmd, err)
	}
	if err := compiler.Check(cmd.Context(), p.Manifest, compiler.Options{Logger: logger}); err != nil {
		return failed(cmd, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s has no errors\n", SuccessStyle.Render("✓"), CmdStyle.Render(p.Manifest.Package.Name))
	return nil
}

func runClean(cmd *cobra.Command, _ []string) error {
	p, err := project.Open(manifestPath, project.Options{Logger: logger})
	if err != nil {
		return failed(cmd, err)
	}
	removed, err := compiler.Clean(p.Manifest)
	if err != nil {
		return failed(cmd, err)
	}
	if !removed {
		fmt.Fprintln(cmd.OutOrStdout(), SubtitleStyle.Render("Nothing to clean"))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Removed %s\n", SuccessStyle.Render("✓"), filepath.Join(p.Root(), compiler.TargetDir))
	return nil
}
