package ember

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func validTestConfig() Config {
	cfg := DefaultConfig()
	cfg.Secret = bytes.Repeat([]byte{0x01}, 32)
	return cfg
}

func TestDefaultConfigValidatesWithSecret(t *testing.T) {
	cfg := validTestConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestProductionPreset(t *testing.T) {
	cfg := ProductionPreset()
	cfg.Secret = bytes.Repeat([]byte{0x01}, 32)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !cfg.Security.ProductionMode {
		t.Fatal("production mode not set")
	}
	if !cfg.Audit.Enabled || !cfg.Metrics.Enabled {
		t.Fatal("audit and metrics must be on in production")
	}
	if cfg.RateLimit.Login.Limit >= DefaultConfig().RateLimit.Login.Limit {
		t.Fatal("production login window must be tighter than the default")
	}
}

func TestConfigValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"short secret", func(c *Config) { c.Secret = []byte("short") }, "Secret"},
		{"idle exceeds absolute", func(c *Config) { c.Session.IdleMaxAge = 60 * 24 * time.Hour }, "IdleMaxAge"},
		{"zero absolute ttl", func(c *Config) { c.Session.AbsoluteTTL = 0 }, "AbsoluteTTL"},
		{"missing csrf field", func(c *Config) { c.CSRF.FieldName = "" }, "FieldName"},
		{"weak argon memory", func(c *Config) { c.Password.Memory = 1024 }, "Memory"},
		{"short salt", func(c *Config) { c.Password.SaltLength = 8 }, "SaltLength"},
		{"weak min length", func(c *Config) { c.Password.MinLength = 4 }, "MinLength"},
		{"zero token ttl", func(c *Config) { c.Tokens.ResetTTL = 0 }, "Token TTLs"},
		{"bad totp digits", func(c *Config) { c.MFA.Digits = 7 }, "Digits"},
		{"zero pending ttl", func(c *Config) { c.MFA.PendingTTL = 0 }, "PendingTTL"},
		{"short backup codes", func(c *Config) { c.MFA.BackupCodeLength = 4 }, "backup code"},
		{"zero rate limit", func(c *Config) { c.RateLimit.Login = RateLimitRule{} }, "Login"},
		{"missing link url", func(c *Config) { c.Links.MagicLinkURL = "" }, "Link URL"},
	}

	for _, tc := range cases {
		cfg := validTestConfig()
		tc.mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Fatalf("%s: Validate passed, want error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.wantMsg) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.wantMsg)
		}
	}
}

func TestCloneConfigIsolatesSecret(t *testing.T) {
	cfg := validTestConfig()
	clone := cloneConfig(cfg)

	cfg.Secret[0] = 0xFF
	if clone.Secret[0] == 0xFF {
		t.Fatal("clone shares the secret slice")
	}
}

func TestPasskeyConfigured(t *testing.T) {
	cfg := validTestConfig()
	if cfg.passkeyConfigured() {
		t.Fatal("empty relying party must read as unconfigured")
	}

	cfg.Passkey.RPID = "example.com"
	cfg.Passkey.RPDisplayName = "Example"
	cfg.Passkey.RPOrigins = []string{"https://example.com"}
	if !cfg.passkeyConfigured() {
		t.Fatal("complete relying party must read as configured")
	}
}
