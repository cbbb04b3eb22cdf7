package ember

import (
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	internalaudit "github.com/emberauth/ember/internal/audit"
	"github.com/emberauth/ember/password"
)

// Builder assembles an Engine. A Builder is single-use; Build fails on the
// second call.
type Builder struct {
	config Config
	stores Stores
	kv     KV
	mailer EmailSender
	sink   AuditSink
	clock  func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithStores(s Stores) *Builder {
	b.stores = s
	return b
}

// WithKV supplies the shared key-value store backing rate-limit buckets.
func (b *Builder) WithKV(kv KV) *Builder {
	b.kv = kv
	return b
}

func (b *Builder) WithEmailSender(sender EmailSender) *Builder {
	b.mailer = sender
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

// WithClock overrides the engine's time source. Tests use it to pin expiry
// arithmetic.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the configuration and collaborators and returns a ready
// Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if b.stores.Users == nil {
		return nil, errors.New("UserStore required")
	}
	if b.stores.Sessions == nil {
		return nil, errors.New("SessionStore required")
	}
	if b.stores.Tokens == nil {
		return nil, errors.New("TokenStore required")
	}
	if b.stores.Passwords == nil {
		return nil, errors.New("PasswordStore required")
	}
	if cfg.RateLimit.Enabled && b.kv == nil {
		return nil, errors.New("rate limiting requires a KV store")
	}

	hasher, err := password.New(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		cfg:     cfg,
		stores:  b.stores,
		kv:      b.kv,
		mailer:  b.mailer,
		hasher:  hasher,
		metrics: NewMetrics(cfg.Metrics),
		now:     clock,
	}

	if cfg.RateLimit.Enabled {
		e.limiter = NewRateLimiter(b.kv, clock)
	}

	if b.stores.Passkeys != nil && cfg.passkeyConfigured() {
		wa, err := webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.Passkey.RPDisplayName,
			RPID:          cfg.Passkey.RPID,
			RPOrigins:     cfg.Passkey.RPOrigins,
		})
		if err != nil {
			return nil, err
		}
		e.webAuthn = wa
	}

	if b.stores.Social != nil {
		e.social = buildSocialProviders(cfg.Social)
	}

	e.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.sink)

	e.ready = true
	b.built = true

	return e, nil
}
