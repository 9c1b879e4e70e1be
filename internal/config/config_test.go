package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/R3E-Network/contract_ledger/internal/errors"
)

const validKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func validConfig() Config {
	cfg := Default()
	cfg.EncryptionKey = validKey
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
  read_timeout: 5s
logging:
  level: debug
rate_limit:
  burst: 7
`), 0o600))

	t.Setenv(FileEnv, path)
	t.Setenv("LEDGER_PORT", "9191")
	t.Setenv("CONTRACT_ENCRYPTION_KEY", validKey)
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout, "file wins over default")
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout, "default kept")
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.RateLimit.Burst)
	assert.Equal(t, validKey, cfg.EncryptionKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.Origins())
	assert.Equal(t, "0.0.0.0:9191", cfg.Server.Addr())
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	t.Setenv(FileEnv, path)

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key", func(c *Config) { c.EncryptionKey = "" }},
		{"short key", func(c *Config) { c.EncryptionKey = "abcd" }},
		{"non-hex key", func(c *Config) { c.EncryptionKey = "zz" + validKey[2:] }},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "secret" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero rate", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, svcerrors.HasCode(err, svcerrors.CodeConfiguration))
		})
	}
}
