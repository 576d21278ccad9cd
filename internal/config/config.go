// Package config loads runtime settings for the ironpass binaries from the
// environment (optionally seeded from a .env file). Command-line flags are
// layered on top by the cobra commands.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreBBolt    = "bbolt"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	DataDir     string `env:"IRONPASS_DATA_DIR" envDefault:"./data"`
	Store       string `env:"IRONPASS_STORE" envDefault:"bbolt"`
	PostgresDSN string `env:"IRONPASS_POSTGRES_DSN"`

	UserID     string `env:"IRONPASS_USER"`
	Token      string `env:"IRONPASS_TOKEN"`
	Passphrase string `env:"IRONPASS_PASSPHRASE"`

	RemoteURL  string        `env:"IRONPASS_REMOTE_URL" envDefault:"http://localhost:8787/api/v1"`
	ListenAddr string        `env:"IRONPASS_LISTEN_ADDR" envDefault:":8787"`
	AuthSecret string        `env:"IRONPASS_AUTH_SECRET"`
	TokenTTL   time.Duration `env:"IRONPASS_TOKEN_TTL" envDefault:"12h"`
	PageSize   int           `env:"IRONPASS_PAGE_SIZE" envDefault:"100"`

	LogLevel string `env:"IRONPASS_LOG_LEVEL" envDefault:"info"`
	DevLog   bool   `env:"IRONPASS_DEV_LOG"`

	S3Bucket    string `env:"IRONPASS_S3_BUCKET"`
	S3Region    string `env:"IRONPASS_S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"IRONPASS_S3_ENDPOINT"`
	S3AccessKey string `env:"IRONPASS_S3_ACCESS_KEY"`
	S3SecretKey string `env:"IRONPASS_S3_SECRET_KEY"`
}

// Load reads envFiles (missing files are ignored) and then the process
// environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreBBolt, StoreSQLite:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("IRONPASS_POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	return nil
}

// StorePath returns the on-disk location for file-backed stores.
func (c *Config) StorePath() string {
	switch c.Store {
	case StoreSQLite:
		return filepath.Join(c.DataDir, "ironpass.sqlite")
	default:
		return filepath.Join(c.DataDir, "ironpass.db")
	}
}
