// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/apex-lang/apex/internal/project"
)

var (
	newDir string

	// newCmd creates a project in a new directory
	newCmd = &cobra.Command{
		Use:   "new <name>",
		Short: "Create a new AFML project",
		Long: `Create a new AFML project in a directory named after it.

The project gets an Apex.toml, a src/main.afml that prints a greeting and
a .gitignore for the target directory.`,
		Example: `  apex new hello
  apex new hello --dir projects/hello`,
		Args: cobra.ExactArgs(1),
		RunE: runNew,
	}

	// initCmd turns an existing directory into a project
	initCmd = &cobra.Command{
		Use:   "init [dir]",
		Short: "Create an AFML project in an existing directory",
		Long: `Create an AFML project in an existing directory (the current one by
default). The package is named after the directory; existing sources are
kept.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runInit,
	}
)

func init() {
	newCmd.Flags().StringVar(&newDir, "dir", "", "directory to create the project in (default ./<name>)")
}

func runNew(cmd *cobra.Command, args []string) error {
	name := args[0]
	dir := newDir
	if dir == "" {
		dir = name
	}
	if err := scaffold(cmd, dir, name); err != nil {
		return failed(cmd, err)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return failed(cmd, err)
	}
	name, err := project.NameFromDir(abs)
	if err != nil {
		return failed(cmd, err)
	}
	if err := scaffold(cmd, abs, name); err != nil {
		return failed(cmd, err)
	}
	return nil
}

func scaffold(cmd *cobra.Command, dir, name string) error {
	m, err := project.Scaffold(dir, name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Created package %s at %s\n", SuccessStyle.Render("✓"), CmdStyle.Render(name), m.Dir())
	fmt.Fprintln(out)
	fmt.Fprintln(out, SubtitleStyle.Render("Next steps:"))
	fmt.Fprintf(out, "  1. cd %s\n", dir)
	fmt.Fprintln(out, "  2. Edit src/main.afml")
	fmt.Fprintln(out, "  3. Run 'apex run' to build and run it")
	return nil
}
