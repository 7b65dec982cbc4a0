// Package config loads the process configuration from environment
// variables.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config is the full process configuration, parsed once at startup.
type Config struct {
	Port    string `env:"PORT" envDefault:"8080"`
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	AppName string `env:"APP_NAME" envDefault:"Dashboard Auth"`
	Env     string `env:"ENV" envDefault:"DEV"`

	// RedisAddr selects the shared key-value store. Empty falls back to the
	// in-process store, for local development only.
	RedisAddr string `env:"REDIS_ADDR"`

	// MasterKeyHex enables envelope encryption of token and session rows
	// when set; it must decode to 32 bytes. Empty selects plaintext storage.
	MasterKeyHex string `env:"TOKEN_MASTER_KEY"`

	SessionCookieName string        `env:"SESSION_COOKIE" envDefault:"dashboard_session"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"12h"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`

	DeviceCodeTTL      time.Duration `env:"DEVICE_CODE_TTL" envDefault:"10m"`
	DevicePollInterval int           `env:"DEVICE_POLL_INTERVAL" envDefault:"5"`

	// AllowedAWSAccounts is the account allow-list for machine callers.
	AllowedAWSAccounts []string `env:"ALLOWED_AWS_ACCOUNTS" envSeparator:","`

	// TrustPermissionHeader enables the legacy escape hatch that reads
	// grants from a caller-supplied header. Lower trust; off by default.
	TrustPermissionHeader bool `env:"TRUST_PERMISSION_HEADER" envDefault:"false"`

	// OIDC settings for the SSO front door. All three must be set for the
	// browser login routes to be mounted.
	OIDCIssuer       string `env:"OIDC_ISSUER"`
	OIDCClientID     string `env:"OIDC_CLIENT_ID"`
	OIDCClientSecret string `env:"OIDC_CLIENT_SECRET"`
	OIDCGroupsClaim  string `env:"OIDC_GROUPS_CLAIM" envDefault:"groups"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "[config.Load] parse environment")
	}
	if cfg.MasterKeyHex != "" {
		if _, err := cfg.MasterKey(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ListenAddr returns the net/http listen address for the configured port.
func (c *Config) ListenAddr() string {
	if len(c.Port) > 0 && c.Port[0] == ':' {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// EncryptionEnabled reports whether token and session rows are envelope
// encrypted at rest.
func (c *Config) EncryptionEnabled() bool {
	return c.MasterKeyHex != ""
}

// MasterKey decodes the configured master key.
func (c *Config) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.MasterKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "[Config.MasterKey] decode")
	}
	if len(key) != 32 {
		return nil, errors.Errorf("[Config.MasterKey] need 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SSOEnabled reports whether the browser login routes should be mounted.
func (c *Config) SSOEnabled() bool {
	return c.OIDCIssuer != "" && c.OIDCClientID != "" && c.OIDCClientSecret != ""
}
