package ember

import (
	"errors"
	"fmt"
	"time"
)

// Config is the engine configuration. Configure once before Build and treat
// as immutable afterwards; Build keeps a private copy.
type Config struct {
	// Secret keys every HMAC signature the engine produces. 32 bytes or
	// more. Rotating it invalidates every outstanding cookie at once.
	Secret []byte

	Session   SessionConfig
	CSRF      CSRFConfig
	Password  PasswordConfig
	Tokens    TokenConfig
	MFA       MFAConfig
	Passkey   PasskeyConfig
	Social    SocialConfig
	RateLimit RateLimitConfig
	Links     LinkConfig
	Email     EmailConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Security  SecurityConfig
}

// SessionConfig controls server-side session lifetime and the sliding
// cookie window.
type SessionConfig struct {
	// AbsoluteTTL caps a session's total lifetime. The cookie's sliding
	// Max-Age never extends past it.
	AbsoluteTTL time.Duration
	// IdleMaxAge is the cookie Max-Age reissued on every authenticated
	// response.
	IdleMaxAge time.Duration
}

// CSRFConfig names the request surfaces the double-submit check reads.
type CSRFConfig struct {
	FieldName  string
	HeaderName string
}

// PasswordConfig carries the Argon2id cost parameters and the plaintext
// policy.
type PasswordConfig struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
	// MinLength is measured in bytes of the submitted password.
	MinLength int
	// UpgradeOnLogin re-hashes with current parameters after a successful
	// verify against an older, weaker hash.
	UpgradeOnLogin bool
}

// TokenConfig sets the per-kind lifetimes of single-use tokens.
type TokenConfig struct {
	ResetTTL        time.Duration
	MagicLinkTTL    time.Duration
	VerificationTTL time.Duration
}

// MFAConfig controls TOTP enrollment, the login challenge, and backup codes.
type MFAConfig struct {
	Issuer string
	Period uint
	Digits int
	// Skew is the number of adjacent time steps accepted around now.
	Skew uint
	// PendingTTL bounds the window between primary authentication and the
	// second factor.
	PendingTTL time.Duration
	// EnforceReplayProtection rejects a second code within the same time
	// step when the store persists the last used step.
	EnforceReplayProtection bool
	BackupCodeCount         int
	BackupCodeLength        int
}

// PasskeyConfig is the WebAuthn relying-party identity.
type PasskeyConfig struct {
	RPDisplayName string
	RPID          string
	RPOrigins     []string
	ChallengeTTL  time.Duration
}

// OAuthClientConfig is one provider's application registration.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// SocialConfig holds the OAuth provider registrations. A provider with an
// empty ClientID is treated as unconfigured and its flows return
// ErrConfigMissing.
type SocialConfig struct {
	Google   OAuthClientConfig
	GitHub   OAuthClientConfig
	StateTTL time.Duration
}

// RateLimitRule is one sliding window.
type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig assigns a window to each abuse-prone flow. Buckets are
// keyed per client IP, or per target identifier where noted.
type RateLimitConfig struct {
	Enabled bool

	Login              RateLimitRule
	Signup             RateLimitRule
	PasswordReset      RateLimitRule // keyed by target email
	MagicLink          RateLimitRule // keyed by target email
	ResendVerification RateLimitRule
	MFAVerify          RateLimitRule
}

// LinkConfig builds the URLs embedded in outbound email. Each format string
// receives the raw token via fmt.Sprintf.
type LinkConfig struct {
	PasswordResetURL     string
	MagicLinkURL         string
	EmailVerificationURL string
}

// EmailConfig brands outbound mail.
type EmailConfig struct {
	From    string
	AppName string
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// SecurityConfig holds deployment-wide switches.
type SecurityConfig struct {
	// ProductionMode turns on Secure cookies and the __Host- CSRF cookie
	// prefix.
	ProductionMode bool
	// TrustedIPHeader names the header a fronting proxy sets with the real
	// client IP. Empty means X-Forwarded-For first hop.
	TrustedIPHeader string
}

// DefaultConfig returns development-friendly defaults. Secret, the social
// client registrations, and the passkey relying party must still be set by
// the caller before the matching flows work.
func DefaultConfig() Config {
	return Config{
		Session: SessionConfig{
			AbsoluteTTL: 30 * 24 * time.Hour,
			IdleMaxAge:  7 * 24 * time.Hour,
		},
		CSRF: CSRFConfig{
			FieldName:  "csrf_token",
			HeaderName: "X-CSRF-Token",
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      8,
			UpgradeOnLogin: true,
		},
		Tokens: TokenConfig{
			ResetTTL:        1 * time.Hour,
			MagicLinkTTL:    15 * time.Minute,
			VerificationTTL: 24 * time.Hour,
		},
		MFA: MFAConfig{
			Issuer:                  "ember",
			Period:                  30,
			Digits:                  6,
			Skew:                    1,
			PendingTTL:              5 * time.Minute,
			EnforceReplayProtection: true,
			BackupCodeCount:         8,
			BackupCodeLength:        8,
		},
		Passkey: PasskeyConfig{
			ChallengeTTL: 5 * time.Minute,
		},
		Social: SocialConfig{
			StateTTL: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			Login:              RateLimitRule{Limit: 10, Window: 1 * time.Minute},
			Signup:             RateLimitRule{Limit: 5, Window: 15 * time.Minute},
			PasswordReset:      RateLimitRule{Limit: 3, Window: 15 * time.Minute},
			MagicLink:          RateLimitRule{Limit: 3, Window: 15 * time.Minute},
			ResendVerification: RateLimitRule{Limit: 3, Window: 15 * time.Minute},
			MFAVerify:          RateLimitRule{Limit: 5, Window: 5 * time.Minute},
		},
		Links: LinkConfig{
			PasswordResetURL:     "http://localhost:3000/reset-password?token=%s",
			MagicLinkURL:         "http://localhost:3000/magic-link?token=%s",
			EmailVerificationURL: "http://localhost:3000/verify-email?token=%s",
		},
		Email: EmailConfig{
			From:    "no-reply@localhost",
			AppName: "ember",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Security: SecurityConfig{
			ProductionMode:  false,
			TrustedIPHeader: "",
		},
	}
}

// ProductionPreset returns DefaultConfig hardened for deployment: secure
// cookies, audit and metrics on, tighter login windows.
func ProductionPreset() Config {
	cfg := DefaultConfig()
	cfg.Security.ProductionMode = true
	cfg.Audit.Enabled = true
	cfg.Metrics.Enabled = true
	cfg.RateLimit.Login = RateLimitRule{Limit: 5, Window: 1 * time.Minute}
	return cfg
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Secret = cloneBytes(cfg.Secret)
	out.Passkey.RPOrigins = append([]string(nil), cfg.Passkey.RPOrigins...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks invariants that would otherwise fail at request time.
func (c *Config) Validate() error {
	if len(c.Secret) < 32 {
		return errors.New("Secret must be at least 32 bytes")
	}

	if c.Session.AbsoluteTTL <= 0 {
		return errors.New("Session AbsoluteTTL must be > 0")
	}
	if c.Session.IdleMaxAge <= 0 {
		return errors.New("Session IdleMaxAge must be > 0")
	}
	if c.Session.IdleMaxAge > c.Session.AbsoluteTTL {
		return errors.New("Session IdleMaxAge must not exceed AbsoluteTTL")
	}

	if c.CSRF.FieldName == "" {
		return errors.New("CSRF FieldName must be set")
	}

	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KiB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}

	if c.Tokens.ResetTTL <= 0 || c.Tokens.MagicLinkTTL <= 0 || c.Tokens.VerificationTTL <= 0 {
		return errors.New("Token TTLs must be > 0")
	}

	if c.MFA.Period == 0 {
		return errors.New("MFA Period must be > 0")
	}
	if c.MFA.Digits != 6 && c.MFA.Digits != 8 {
		return errors.New("MFA Digits must be 6 or 8")
	}
	if c.MFA.PendingTTL <= 0 {
		return errors.New("MFA PendingTTL must be > 0")
	}
	if c.MFA.BackupCodeCount < 1 || c.MFA.BackupCodeLength < 8 {
		return errors.New("MFA backup code settings invalid")
	}

	if c.Passkey.ChallengeTTL <= 0 {
		return errors.New("Passkey ChallengeTTL must be > 0")
	}

	if c.Social.StateTTL <= 0 {
		return errors.New("Social StateTTL must be > 0")
	}

	if c.RateLimit.Enabled {
		rules := map[string]RateLimitRule{
			"Login":              c.RateLimit.Login,
			"Signup":             c.RateLimit.Signup,
			"PasswordReset":      c.RateLimit.PasswordReset,
			"MagicLink":          c.RateLimit.MagicLink,
			"ResendVerification": c.RateLimit.ResendVerification,
			"MFAVerify":          c.RateLimit.MFAVerify,
		}
		for name, rule := range rules {
			if rule.Limit <= 0 || rule.Window <= 0 {
				return fmt.Errorf("RateLimit %s must have Limit > 0 and Window > 0", name)
			}
		}
	}

	if c.Links.PasswordResetURL == "" || c.Links.MagicLinkURL == "" || c.Links.EmailVerificationURL == "" {
		return errors.New("Link URL formats must be set")
	}

	return nil
}

// passkeyConfigured reports whether the relying-party identity is complete.
func (c *Config) passkeyConfigured() bool {
	return c.Passkey.RPID != "" && c.Passkey.RPDisplayName != "" && len(c.Passkey.RPOrigins) > 0
}
