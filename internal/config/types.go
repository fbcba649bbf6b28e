// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultRegistry is the registry used when neither the manifest nor the
// user configuration names one.
const DefaultRegistry = "http://127.0.0.1:5665"

// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config is the user configuration.
	Config struct {
		Registry RegistryConfig `mapstructure:"registry" toml:"registry"`
		// Auth is set after a successful login.
		Auth AuthConfig `mapstructure:"auth" toml:"auth"`
	}

	// RegistryConfig selects the default registry.
	RegistryConfig struct {
		Default string `mapstructure:"default" toml:"default"`
	}

	// AuthConfig holds the session token cached by login.
	AuthConfig struct {
		Token    string `mapstructure:"token" toml:"token"`
		Username string `mapstructure:"username" toml:"username"`
		// Registry is the registry the token was issued by.
		Registry string `mapstructure:"registry" toml:"registry,omitempty"`
	}

	// InvalidConfigError reports a configuration value that failed validation.
	InvalidConfigError struct {
		Field  string
		Reason string
	}

	// fileConfig is the on-disk layout; the auth table is written only when a
	// token is present.
	fileConfig struct {
		Registry RegistryConfig `toml:"registry"`
		Auth     *AuthConfig    `toml:"auth,omitempty"`
	}
)

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig so callers can use errors.Is for programmatic detection.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{Registry: RegistryConfig{Default: DefaultRegistry}}
}

// Validate checks that the default registry is an absolute http(s) URL.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Registry.Default)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &InvalidConfigError{Field: "registry.default", Reason: fmt.Sprintf("%q is not an http(s) URL", c.Registry.Default)}
	}
	return nil
}

// LoggedIn reports whether a session token is cached.
func (c *Config) LoggedIn() bool {
	return c.Auth.Token != ""
}

// SetAuth caches a session token for registry.
func (c *Config) SetAuth(registry, username, token string) {
	c.Auth = AuthConfig{Token: token, Username: username, Registry: normalizeURL(registry)}
}

// ClearAuth forgets the cached session.
func (c *Config) ClearAuth() {
	c.Auth = AuthConfig{}
}

// TokenFor returns the cached token when it was issued by registry. Tokens
// saved without a registry apply to any registry.
func (c *Config) TokenFor(registry string) string {
	if c.Auth.Registry != "" && c.Auth.Registry != normalizeURL(registry) {
		return ""
	}
	return c.Auth.Token
}

// RegistryURL picks the registry in order of precedence: an explicit
// override, the manifest's [registry] url, then registry.default.
func (c *Config) RegistryURL(override, manifestURL string) string {
	switch {
	case override != "":
		return normalizeURL(override)
	case manifestURL != "":
		return normalizeURL(manifestURL)
	default:
		return normalizeURL(c.Registry.Default)
	}
}

func normalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

func (c *Config) file() fileConfig {
	fc := fileConfig{Registry: c.Registry}
	if c.LoggedIn() {
		auth := c.Auth
		fc.Auth = &auth
	}
	return fc
}
