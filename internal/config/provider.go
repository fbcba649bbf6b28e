// SPDX-License-Identifier: MPL-2.0

package config

import "context"

// LoadOptions defines explicit configuration loading inputs.
type LoadOptions struct {
	// ConfigFilePath forces loading from a specific file, which must exist.
	ConfigFilePath string
	// Home overrides the apex home lookup when set.
	Home string
}

// Provider loads configuration from explicit options.
type Provider interface {
	Load(ctx context.Context, opts LoadOptions) (*Config, error)
}

type fileProvider struct{}

// NewProvider creates a configuration provider.
func NewProvider() Provider {
	return &fileProvider{}
}

// Load reads configuration from the requested source.
func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, _, err := loadWithOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o LoadOptions) path() (string, error) {
	if o.ConfigFilePath != "" {
		return o.ConfigFilePath, nil
	}
	home := o.Home
	if home == "" {
		var err error
		if home, err = Home(); err != nil {
			return "", err
		}
	}
	return Path(home), nil
}
