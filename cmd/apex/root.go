// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// verbose enables debug logging and full error chains
	verbose bool
	// cfgFile allows specifying a custom config file
	cfgFile string
	// manifestPath points project commands at an Apex.toml or its directory
	manifestPath string

	logger = log.NewWithOptions(os.Stderr, log.Options{Level: log.WarnLevel})

	// rootCmd represents the base command when called without any subcommands
	rootCmd = &cobra.Command{
		Use:   "apex",
		Short: "Build AFML projects and manage their packages",
		Long: TitleStyle.Render("apex") + SubtitleStyle.Render(" - the AFML toolchain") + `

apex compiles AFML projects to static Linux executables and manages
their dependencies through a package registry.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Create a project:     apex new hello
  2. Build it:             apex build
  3. Run it:               apex run

` + SubtitleStyle.Render("Examples:") + `
  apex add util@^1.2        Depend on a registry package
  apex install --locked     Install exactly what Apex.lock records
  apex build --target x86   Build a 32-bit executable
  apex publish              Upload the project to the registry`,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logger.SetLevel(log.DebugLevel)
			}
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $APEX_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest-path", "", "path to Apex.toml or its directory")

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(yankCmd)
	rootCmd.AddCommand(unyankCmd)
	rootCmd.AddCommand(ownerCmd)
	rootCmd.AddCommand(registryCmd)
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
