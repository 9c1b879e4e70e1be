// Package config loads ledger configuration from defaults, an optional YAML
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/contract_ledger/internal/crypto"
	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
	"github.com/R3E-Network/contract_ledger/pkg/logger"
)

// FileEnv names the optional YAML overlay.
const FileEnv = "LEDGER_CONFIG_FILE"

// MinJWTSecretLength is the shortest HS256 secret accepted.
const MinJWTSecretLength = 32

// Config is the complete process configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Logging   logger.LoggingConfig `yaml:"logging"`
	Auth      AuthConfig           `yaml:"auth"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	CORS      CORSConfig           `yaml:"cors"`

	// EncryptionKey is the 64-hex AES-256 key for monetary fields.
	EncryptionKey string `yaml:"-" env:"CONTRACT_ENCRYPTION_KEY"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"LEDGER_HOST"`
	Port            int           `yaml:"port" env:"LEDGER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"LEDGER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"LEDGER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"LEDGER_SHUTDOWN_TIMEOUT"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the Postgres pool. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"-" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" env:"DB_MIGRATE_ON_START"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `yaml:"-" env:"JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"JWT_TOKEN_TTL"`
}

// RateLimitConfig bounds requests per principal.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

// CORSConfig lists allowed browser origins, comma separated in the environment.
type CORSConfig struct {
	AllowedOrigins string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// Origins splits AllowedOrigins.
func (c CORSConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Auth:      AuthConfig{TokenTTL: time.Hour},
		RateLimit: RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
	}
}

// Load reads .env when present, then the YAML overlay named by
// LEDGER_CONFIG_FILE, then the environment. It does not validate.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.EncryptionKey) == "" {
		return svcerrors.Configuration("CONTRACT_ENCRYPTION_KEY is required", nil)
	}
	if _, err := crypto.ParseKey(c.EncryptionKey); err != nil {
		return svcerrors.Configuration("CONTRACT_ENCRYPTION_KEY must be 64 hex characters", err)
	}
	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return svcerrors.Configuration(fmt.Sprintf("JWT_SECRET must be at least %d bytes", MinJWTSecretLength), nil)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return svcerrors.Configuration(fmt.Sprintf("invalid server port %d", c.Server.Port), nil)
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return svcerrors.Configuration("rate limit must be positive", nil)
	}
	return nil
}
