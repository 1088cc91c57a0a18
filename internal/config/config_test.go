package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRUSTED_ISSUERS", "https://issuer.example.com;https://other.example.com")
	t.Setenv("ISSUER_JWKS_URLS", "https://issuer.example.com/jwks.json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.RedisAddr != "" || cfg.RedisKeyPrefix != "credgate:" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SessionDefaultDuration != time.Hour || cfg.SessionMaxDuration != 24*time.Hour || cfg.SessionMaxLifetime != 168*time.Hour {
		t.Errorf("session defaults: %+v", cfg)
	}
	if cfg.SessionGracePeriod != 5*time.Minute || cfg.VerifyTimeout != 10*time.Second {
		t.Errorf("timing defaults: %+v", cfg)
	}
	if len(cfg.TrustedIssuers) != 2 || cfg.TrustedIssuers[1] != "https://other.example.com" {
		t.Errorf("trusted issuers: %v", cfg.TrustedIssuers)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelInfo {
		t.Errorf("level: %v", lvl)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TRUSTED_ISSUERS", "https://issuer.example.com")
	t.Setenv("ISSUER_JWKS_FILE", "/etc/credgate/jwks.json")
	t.Setenv("SESSION_MAX_DURATION", "2h")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionMaxDuration != 2*time.Hour || cfg.RedisAddr != "redis:6379" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Errorf("level: %v", lvl)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no issuers", map[string]string{"ISSUER_JWKS_URLS": "https://issuer.example.com/jwks.json"}},
		{"no keys", map[string]string{"TRUSTED_ISSUERS": "https://issuer.example.com"}},
		{"bad level", map[string]string{
			"TRUSTED_ISSUERS":  "https://issuer.example.com",
			"ISSUER_JWKS_FILE": "jwks.json",
			"LOG_LEVEL":        "loud",
		}},
		{"zero rate", map[string]string{
			"TRUSTED_ISSUERS":  "https://issuer.example.com",
			"ISSUER_JWKS_FILE": "jwks.json",
			"VERIFY_RATE":      "0",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
