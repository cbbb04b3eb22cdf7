package ember

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

type testEnv struct {
	engine    *Engine
	clock     *fakeClock
	users     *fakeUserStore
	sessions  *fakeSessionStore
	tokens    *fakeTokenStore
	passwords *fakePasswordStore
	mfa       *fakeMFAStore
	passkeys  *fakePasskeyStore
	social    *fakeSocialStore
	kv        *fakeKV
	mailer    *fakeMailer
	sink      *ChannelSink
}

var testMeta = RequestMeta{IP: "203.0.113.7", UserAgent: "ember-test/1.0"}

// testEngineConfig lowers the Argon2id cost to the validation floor so the
// suite stays fast, and turns metrics on so tests can assert on counters.
func testEngineConfig() Config {
	cfg := DefaultConfig()
	cfg.Secret = bytes.Repeat([]byte{0x42}, 32)
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.RateLimit.Enabled = false
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	clock := newFakeClock()
	users := newFakeUserStore()
	passwords := newFakePasswordStore()
	social := newFakeSocialStore()
	users.passwords = passwords
	users.social = social

	env := &testEnv{
		clock:     clock,
		users:     users,
		sessions:  newFakeSessionStore(users),
		tokens:    newFakeTokenStore(),
		passwords: passwords,
		mfa:       newFakeMFAStore(),
		passkeys:  newFakePasskeyStore(),
		social:    social,
		kv:        newFakeKV(clock),
		mailer:    &fakeMailer{},
		sink:      NewChannelSink(128),
	}

	cfg := testEngineConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}

	engine, err := New().
		WithConfig(cfg).
		WithStores(Stores{
			Users:     env.users,
			Sessions:  env.sessions,
			Tokens:    env.tokens,
			Passwords: env.passwords,
			MFA:       env.mfa,
			Passkeys:  env.passkeys,
			Social:    env.social,
		}).
		WithKV(env.kv).
		WithEmailSender(env.mailer).
		WithAuditSink(env.sink).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	env.engine = engine
	return env
}

func (env *testEnv) signup(t *testing.T, email, pass string) SignupResult {
	t.Helper()
	result, err := env.engine.Signup(context.Background(), SignupInput{
		Email:       email,
		DisplayName: "Test User",
		Password:    pass,
	}, testMeta)
	if err != nil {
		t.Fatalf("Signup failed: %v", err)
	}
	return result
}

// enrollMFA walks the full setup flow and returns the shared secret plus the
// plaintext backup codes.
func (env *testEnv) enrollMFA(t *testing.T, userID string) (string, []string) {
	t.Helper()
	ctx := context.Background()

	setup, err := env.engine.BeginMFASetup(ctx, userID, testMeta)
	if err != nil {
		t.Fatalf("BeginMFASetup failed: %v", err)
	}

	codes, err := env.engine.ConfirmMFASetup(ctx, userID, env.totpCode(t, setup.SecretBase32, env.clock.Now()), testMeta)
	if err != nil {
		t.Fatalf("ConfirmMFASetup failed: %v", err)
	}
	return setup.SecretBase32, codes
}

func (env *testEnv) totpCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom failed: %v", err)
	}
	return code
}
