// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/xyproto/env/v2"

	"github.com/apex-lang/apex/internal/registry/blob"
	"github.com/apex-lang/apex/internal/registry/store"
)

// Environment variables read by LoadConfig.
const (
	EnvAddr        = "NS_REGISTRY_ADDR"
	EnvDB          = "NS_REGISTRY_DB"
	EnvStorage     = "NS_REGISTRY_STORAGE"
	EnvSecret      = "NS_REGISTRY_SECRET"
	EnvDev         = "NS_REGISTRY_DEV"
	EnvS3Endpoint  = "NS_REGISTRY_S3_ENDPOINT"
	EnvS3Bucket    = "NS_REGISTRY_S3_BUCKET"
	EnvS3AccessKey = "NS_REGISTRY_S3_ACCESS_KEY"
	EnvS3SecretKey = "NS_REGISTRY_S3_SECRET_KEY"
	EnvS3Region    = "NS_REGISTRY_S3_REGION"
	EnvS3UseSSL    = "NS_REGISTRY_S3_USE_SSL"

	DefaultAddr    = "127.0.0.1:5665"
	DefaultStorage = "./registry-data"
)

// ErrMissingSecret is returned when no token secret is configured outside dev mode.
var ErrMissingSecret = errors.New(EnvSecret + " must be set (or " + EnvDev + "=1 for a throwaway secret)")

// Config is the registry process configuration.
type Config struct {
	Addr        string
	DatabaseURL string
	StorageRoot string
	Secret      []byte
	Dev         bool
	// S3 selects the bucket backend when its endpoint is set; otherwise
	// archives live under StorageRoot.
	S3 blob.S3Config
}

// LoadConfig reads the configuration from the environment after loading
// any .env files given (or ./.env when none are). Missing .env files are ignored.
func LoadConfig(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		Addr:        env.Str(EnvAddr, DefaultAddr),
		DatabaseURL: strings.TrimSpace(env.Str(EnvDB)),
		StorageRoot: env.Str(EnvStorage, DefaultStorage),
		Secret:      []byte(env.Str(EnvSecret)),
		Dev:         env.Bool(EnvDev),
		S3: blob.S3Config{
			Endpoint:  strings.TrimSpace(env.Str(EnvS3Endpoint)),
			Bucket:    env.Str(EnvS3Bucket, "apex-packages"),
			AccessKey: env.Str(EnvS3AccessKey),
			SecretKey: env.Str(EnvS3SecretKey),
			Region:    env.Str(EnvS3Region, "us-east-1"),
			UseSSL:    env.Bool(EnvS3UseSSL),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration, generating a random secret in dev mode
// when none is set.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%s must not be empty", EnvAddr)
	}
	if len(c.Secret) == 0 {
		if !c.Dev {
			return ErrMissingSecret
		}
		c.Secret = make([]byte, 32)
		if _, err := rand.Read(c.Secret); err != nil {
			return err
		}
	}
	if c.S3.Endpoint == "" && c.StorageRoot == "" {
		return fmt.Errorf("%s must not be empty", EnvStorage)
	}
	return nil
}

// OpenStore opens the catalog store: Postgres when a database URL is
// configured, an in-memory store otherwise.
func (c *Config) OpenStore(ctx context.Context) (store.Store, error) {
	if c.DatabaseURL == "" {
		return store.NewMemory(), nil
	}
	s, err := store.NewPostgres(ctx, c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}

// OpenBlobs opens the archive store.
func (c *Config) OpenBlobs() (blob.Store, error) {
	if c.S3.Endpoint != "" {
		return blob.NewS3(c.S3)
	}
	return blob.NewFS(c.StorageRoot), nil
}
