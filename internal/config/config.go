// Package config loads the gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is populated by envdecode; defaults are provided via struct tags.
type Config struct {
	// HTTPAddr to listen on. ENV: HTTP_ADDR
	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`
	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	// RedisAddr like "localhost:6379". Empty keeps all state in process.
	// ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// RedisKeyPrefix for all keys. ENV: REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=credgate:"`
	// MemoryCacheSize bounds the in-process storage used without Redis.
	// ENV: MEMORY_CACHE_SIZE
	MemoryCacheSize int `env:"MEMORY_CACHE_SIZE,default=10000"`

	SessionDefaultDuration time.Duration `env:"SESSION_DEFAULT_DURATION,default=1h"`
	SessionMaxDuration     time.Duration `env:"SESSION_MAX_DURATION,default=24h"`
	SessionMaxLifetime     time.Duration `env:"SESSION_MAX_LIFETIME,default=168h"`
	SessionGracePeriod     time.Duration `env:"SESSION_GRACE_PERIOD,default=5m"`
	SessionSweepInterval   time.Duration `env:"SESSION_SWEEP_INTERVAL,default=10m"`

	VerifyTimeout time.Duration `env:"VERIFY_TIMEOUT,default=10s"`
	// VerifyRate is verification attempts per second per client IP.
	VerifyRate  float64 `env:"VERIFY_RATE,default=1"`
	VerifyBurst int     `env:"VERIFY_BURST,default=5"`

	// PolicyFile is an optional YAML policy document replacing the built-in
	// sample policies. ENV: POLICY_FILE
	PolicyFile string `env:"POLICY_FILE"`
	// TrustedIssuers are credential issuers accepted, semicolon separated.
	TrustedIssuers []string `env:"TRUSTED_ISSUERS"`
	// IssuerJWKSURLs are fetched and refreshed for issuer keys.
	IssuerJWKSURLs []string `env:"ISSUER_JWKS_URLS"`
	// IssuerJWKSFile is a static JWK Set used instead of IssuerJWKSURLs.
	IssuerJWKSFile string `env:"ISSUER_JWKS_FILE"`
	// RevokedCredentials seeds the in-memory revocation list.
	RevokedCredentials []string `env:"REVOKED_CREDENTIALS"`
	// PresentationDomain is the audience presentations must be bound to.
	PresentationDomain string `env:"PRESENTATION_DOMAIN,default=localhost"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envdecode cannot.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.VerifyRate <= 0 || c.VerifyBurst <= 0 {
		errs = append(errs, errors.New("config: VERIFY_RATE and VERIFY_BURST must be positive"))
	}
	if c.VerifyTimeout <= 0 {
		errs = append(errs, errors.New("config: VERIFY_TIMEOUT must be positive"))
	}
	if len(c.TrustedIssuers) == 0 {
		errs = append(errs, errors.New("config: TRUSTED_ISSUERS is required"))
	}
	if len(c.IssuerJWKSURLs) == 0 && c.IssuerJWKSFile == "" {
		errs = append(errs, errors.New("config: one of ISSUER_JWKS_URLS or ISSUER_JWKS_FILE is required"))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
