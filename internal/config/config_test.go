// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/apex-lang/apex/internal/issue"
)

func load(t *testing.T, opts LoadOptions) (*Config, string, error) {
	t.Helper()
	return loadWithOptions(context.Background(), opts)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APEX_REGISTRY_DEFAULT", "")
	t.Setenv("APEX_AUTH_TOKEN", "")

	cfg, resolved, err := load(t, LoadOptions{Home: t.TempDir()})
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if resolved != "" {
		t.Errorf("resolved path = %q, want none", resolved)
	}
	if cfg.Registry.Default != DefaultRegistry {
		t.Errorf("registry.default = %q, want %q", cfg.Registry.Default, DefaultRegistry)
	}
	if cfg.LoggedIn() {
		t.Error("fresh config should not be logged in")
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("APEX_REGISTRY_DEFAULT", "")
	t.Setenv("APEX_AUTH_TOKEN", "")

	home := t.TempDir()
	content := `[registry]
default = "https://registry.example.com"

[auth]
token = "tok"
username = "tester"
`
	if err := os.WriteFile(Path(home), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := load(t, LoadOptions{Home: home})
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if resolved != Path(home) {
		t.Errorf("resolved = %q, want %q", resolved, Path(home))
	}
	if cfg.Registry.Default != "https://registry.example.com" {
		t.Errorf("registry.default = %q", cfg.Registry.Default)
	}
	if cfg.Auth.Token != "tok" || cfg.Auth.Username != "tester" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(Path(home), []byte("[registry]\ndefault = \"https://file.example.com\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APEX_REGISTRY_DEFAULT", "http://env.example.com:8080")
	t.Setenv("APEX_AUTH_TOKEN", "env-token")

	cfg, _, err := load(t, LoadOptions{Home: home})
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Registry.Default != "http://env.example.com:8080" {
		t.Errorf("registry.default = %q, want the environment value", cfg.Registry.Default)
	}
	if cfg.Auth.Token != "env-token" {
		t.Errorf("auth.token = %q, want the environment value", cfg.Auth.Token)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Setenv("APEX_REGISTRY_DEFAULT", "")

	t.Run("explicit file missing", func(t *testing.T) {
		_, _, err := load(t, LoadOptions{ConfigFilePath: filepath.Join(t.TempDir(), "missing.toml")})
		var ae *issue.ActionableError
		if !errors.As(err, &ae) {
			t.Fatalf("error = %v, want an ActionableError", err)
		}
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("error = %v, want it to wrap os.ErrNotExist", err)
		}
	})

	t.Run("invalid toml", func(t *testing.T) {
		home := t.TempDir()
		if err := os.WriteFile(Path(home), []byte("[registry\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, _, err := load(t, LoadOptions{Home: home})
		var ae *issue.ActionableError
		if !errors.As(err, &ae) || !ae.HasSuggestions() {
			t.Fatalf("error = %v, want an ActionableError with suggestions", err)
		}
	})

	t.Run("invalid registry url", func(t *testing.T) {
		home := t.TempDir()
		if err := os.WriteFile(Path(home), []byte("[registry]\ndefault = \"ftp://x\"\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		_, _, err := load(t, LoadOptions{Home: home})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("error = %v, want ErrInvalidConfig", err)
		}
	})
}

func TestLoad_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := loadWithOptions(ctx, LoadOptions{Home: t.TempDir()}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	t.Setenv("APEX_REGISTRY_DEFAULT", "")
	t.Setenv("APEX_AUTH_TOKEN", "")

	home := filepath.Join(t.TempDir(), "nested", ".apex")
	cfg := DefaultConfig()
	if err := Save(home, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	data, err := os.ReadFile(Path(home))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "[auth]") {
		t.Errorf("config without a token should not have an auth table:\n%s", data)
	}

	cfg.SetAuth("http://127.0.0.1:5665/", "tester", "tok")
	if err := Save(home, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if runtime.GOOS != "windows" {
		info, err := os.Stat(Path(home))
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("config mode = %o, want 600", perm)
		}
	}

	got, err := NewProvider().Load(context.Background(), LoadOptions{Home: home})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Auth != cfg.Auth {
		t.Errorf("auth = %+v, want %+v", got.Auth, cfg.Auth)
	}
	if got.Auth.Registry != "http://127.0.0.1:5665" {
		t.Errorf("auth.registry = %q, want the normalized URL", got.Auth.Registry)
	}

	entries, err := os.ReadDir(home)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("home contains %d entries, want only %s", len(entries), FileName)
	}
}

func TestRegistryURL(t *testing.T) {
	t.Parallel()

	cfg := &Config{Registry: RegistryConfig{Default: "http://default.example.com/"}}
	tests := []struct {
		override, manifest, want string
	}{
		{"", "", "http://default.example.com"},
		{"", "http://manifest.example.com", "http://manifest.example.com"},
		{"http://flag.example.com/", "http://manifest.example.com", "http://flag.example.com"},
	}
	for _, tt := range tests {
		if got := cfg.RegistryURL(tt.override, tt.manifest); got != tt.want {
			t.Errorf("RegistryURL(%q, %q) = %q, want %q", tt.override, tt.manifest, got, tt.want)
		}
	}
}

func TestTokenFor(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.TokenFor(DefaultRegistry) != "" {
		t.Error("no token expected before login")
	}

	cfg.SetAuth("http://a.example.com", "tester", "tok")
	if got := cfg.TokenFor("http://a.example.com/"); got != "tok" {
		t.Errorf("TokenFor(same registry) = %q, want tok", got)
	}
	if got := cfg.TokenFor("http://b.example.com"); got != "" {
		t.Errorf("TokenFor(other registry) = %q, want empty", got)
	}

	cfg.Auth.Registry = ""
	if got := cfg.TokenFor("http://b.example.com"); got != "tok" {
		t.Errorf("TokenFor() with unscoped token = %q, want tok", got)
	}

	cfg.ClearAuth()
	if cfg.LoggedIn() {
		t.Error("ClearAuth() should log out")
	}
}
