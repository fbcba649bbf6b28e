// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/apex-lang/apex/internal/registry"
)

var (
	serveAddr     string
	serveEnvFiles []string

	// registryCmd groups the registry service commands
	registryCmd = &cobra.Command{
		Use:   "registry",
		Short: "Run a package registry",
	}

	registryServeCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the package registry over HTTP",
		Long: `Serve the package registry API, HTML views and activity feed.

Configuration comes from the environment, after loading any --env-file
(./.env by default):

  ` + registry.EnvAddr + `      bind address (default ` + registry.DefaultAddr + `)
  ` + registry.EnvDB + `        Postgres URL (in-memory catalog when empty)
  ` + registry.EnvStorage + `   archive directory (default ` + registry.DefaultStorage + `)
  ` + registry.EnvSecret + `    token signing secret
  ` + registry.EnvDev + `       1 to allow a throwaway secret
  ` + registry.EnvS3Endpoint + ` store archives in an S3 bucket instead

The server stops gracefully on interrupt.`,
		Args: cobra.NoArgs,
		RunE: runRegistryServe,
	}
)

func init() {
	registryServeCmd.Flags().StringVar(&serveAddr, "addr", "", "bind address (overrides "+registry.EnvAddr+")")
	registryServeCmd.Flags().StringSliceVar(&serveEnvFiles, "env-file", nil, "dotenv file(s) to load before reading the environment")
	registryCmd.AddCommand(registryServeCmd)
}

func runRegistryServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := registry.LoadConfig(serveEnvFiles...)
	if err != nil {
		return failed(cmd, err)
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	st, err := cfg.OpenStore(ctx)
	if err != nil {
		return failed(cmd, err)
	}
	blobs, err := cfg.OpenBlobs()
	if err != nil {
		_ = st.Close()
		return failed(cmd, err)
	}

	srvLogger := logger.WithPrefix("registry")
	if !verbose {
		srvLogger.SetLevel(log.InfoLevel)
	}
	srvLogger.SetReportTimestamp(true)
	srv, err := registry.New(registry.Options{
		Store:  st,
		Blobs:  blobs,
		Secret: cfg.Secret,
		Logger: srvLogger,
	})
	if err != nil {
		_ = st.Close()
		return failed(cmd, err)
	}
	defer srv.Close()

	if cfg.Dev {
		srvLogger.Warn("dev mode: tokens are signed with a throwaway secret")
	}
	if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
		return failed(cmd, err)
	}
	return nil
}
