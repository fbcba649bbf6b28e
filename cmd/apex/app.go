// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/apex-lang/apex/internal/config"
	"github.com/apex-lang/apex/internal/project"
	"github.com/apex-lang/apex/pkg/pkgcache"
	"github.com/apex-lang/apex/pkg/registryclient"
)

// App bundles what every command needs: the apex home, the user
// configuration and the logger.
type App struct {
	Home   string
	Config *config.Config
	Logger *log.Logger
}

// loadApp resolves the apex home and loads the user configuration, honoring
// --config.
func loadApp(ctx context.Context) (*App, error) {
	home, err := config.Home()
	if err != nil {
		return nil, err
	}
	cfg, err := config.NewProvider().Load(ctx, config.LoadOptions{ConfigFilePath: cfgFile, Home: home})
	if err != nil {
		return nil, err
	}
	return &App{Home: home, Config: cfg, Logger: logger}, nil
}

// Client returns a registry client for url, authenticated with the cached
// token when it was issued by that registry.
func (a *App) Client(url string) *registryclient.Client {
	opts := []registryclient.Option{registryclient.WithUserAgent("apex/" + Version)}
	if token := a.Config.TokenFor(url); token != "" {
		opts = append(opts, registryclient.WithToken(token))
	}
	return registryclient.New(url, opts...)
}

// Cache returns the global package cache backed by client.
func (a *App) Cache(client *registryclient.Client) *pkgcache.Cache {
	return pkgcache.New(a.Home, client)
}

// OpenProject loads the project selected by --manifest-path and connects it
// to its registry: override when given, else the manifest's [registry] url,
// else the configured default.
func (a *App) OpenProject(override string) (*project.Project, *registryclient.Client, error) {
	p, err := project.Open(manifestPath, project.Options{Logger: a.Logger})
	if err != nil {
		return nil, nil, err
	}
	url := a.Config.RegistryURL(override, p.Manifest.RegistryURL(""))
	a.Logger.Debug("using registry", "url", url)
	client := a.Client(url)
	p.Connect(a.Cache(client), client)
	return p, client, nil
}

// RegistryClient returns a client for the registry commands that do not
// need a project: override when given, else the manifest's registry when a
// project is found, else the configured default.
func (a *App) RegistryClient(override string) *registryclient.Client {
	manifestURL := ""
	if override == "" {
		if p, err := project.Open(manifestPath, project.Options{Logger: a.Logger}); err == nil {
			manifestURL = p.Manifest.RegistryURL("")
		}
	}
	return a.Client(a.Config.RegistryURL(override, manifestURL))
}
