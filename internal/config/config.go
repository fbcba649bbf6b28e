// SPDX-License-Identifier: MPL-2.0

package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/apex-lang/apex/internal/issue"
	"github.com/apex-lang/apex/pkg/pkgcache"
)

const (
	// FileName is the name of the user configuration file inside the apex home.
	FileName = "config.toml"
	// EnvPrefix prefixes environment overrides (APEX_REGISTRY_DEFAULT, ...).
	EnvPrefix = "APEX"
)

// Path returns the configuration file inside home.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// Home returns the apex home directory ($APEX_HOME or ~/.apex).
func Home() (string, error) {
	return pkgcache.DefaultRoot()
}

// loadWithOptions reads the file named by opts (when it exists) over the
// defaults, then applies APEX_* environment overrides.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	v.SetConfigType("toml")

	defaults := DefaultConfig()
	v.SetDefault("registry.default", defaults.Registry.Default)
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.registry", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, err := opts.path()
	if err != nil {
		return nil, "", err
	}

	resolved := ""
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if opts.ConfigFilePath != "" {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Verify the file path is correct").
				Wrap(err).
				BuildError()
		}
	case err != nil:
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid TOML").
				WithSuggestion("Delete the file to fall back to the defaults").
				Wrap(err).
				BuildError()
		}
		resolved = path
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Set registry.default to a URL such as " + DefaultRegistry).
			Wrap(err).
			BuildError()
	}
	return &cfg, resolved, nil
}

// Save writes cfg to <home>/config.toml, replacing any existing file
// atomically. The file holds the session token and is private to the user.
func Save(home string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(cfg.file())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeFileAtomic(Path(home), data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm fs.FileMode) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.toml")
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
