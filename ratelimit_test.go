package ember

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLimiter() (*RateLimiter, *fakeClock, *fakeKV) {
	clock := newFakeClock()
	kv := newFakeKV(clock)
	return NewRateLimiter(kv, clock.Now), clock, kv
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	limiter, _, _ := newTestLimiter()
	ctx := context.Background()
	rule := RateLimitRule{Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		res, err := limiter.Check(ctx, "login:1.2.3.4", rule)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d denied, want allowed", i+1)
		}
		if res.Remaining != 3-i-1 {
			t.Fatalf("attempt %d: remaining = %d, want %d", i+1, res.Remaining, 3-i-1)
		}
	}

	res, err := limiter.Check(ctx, "login:1.2.3.4", rule)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("attempt over the limit must be denied")
	}
	if res.RetryAfter < 1 {
		t.Fatalf("RetryAfter = %d, want >= 1", res.RetryAfter)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	limiter, clock, _ := newTestLimiter()
	ctx := context.Background()
	rule := RateLimitRule{Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		if res, _ := limiter.Check(ctx, "k", rule); !res.Allowed {
			t.Fatalf("attempt %d denied", i+1)
		}
		clock.Advance(20 * time.Second)
	}

	// 40s in: both entries still inside the window.
	if res, _ := limiter.Check(ctx, "k", rule); res.Allowed {
		t.Fatal("third attempt inside the window must be denied")
	}

	// Past the first entry's expiry the slot frees up.
	clock.Advance(25 * time.Second)
	if res, _ := limiter.Check(ctx, "k", rule); !res.Allowed {
		t.Fatal("attempt after the oldest entry expired must be allowed")
	}
}

func TestRateLimiterRetryAfterTracksOldestEntry(t *testing.T) {
	limiter, clock, _ := newTestLimiter()
	ctx := context.Background()
	rule := RateLimitRule{Limit: 1, Window: time.Minute}

	if res, _ := limiter.Check(ctx, "k", rule); !res.Allowed {
		t.Fatal("first attempt denied")
	}

	clock.Advance(45 * time.Second)
	res, err := limiter.Check(ctx, "k", rule)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("second attempt must be denied")
	}
	// 15 seconds of the window remain.
	if res.RetryAfter != 15 {
		t.Fatalf("RetryAfter = %d, want 15", res.RetryAfter)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	limiter, _, _ := newTestLimiter()
	ctx := context.Background()
	rule := RateLimitRule{Limit: 1, Window: time.Minute}

	if res, _ := limiter.Check(ctx, "login:1.1.1.1", rule); !res.Allowed {
		t.Fatal("first key denied")
	}
	if res, _ := limiter.Check(ctx, "login:2.2.2.2", rule); !res.Allowed {
		t.Fatal("second key must have its own bucket")
	}
}

func TestRateLimiterRecoversFromCorruptBucket(t *testing.T) {
	limiter, _, kv := newTestLimiter()
	ctx := context.Background()
	rule := RateLimitRule{Limit: 2, Window: time.Minute}

	if err := kv.Put(ctx, "k", []byte("not json"), time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := limiter.Check(ctx, "k", rule)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("corrupt bucket must reset, not deny")
	}
}

func TestEngineRateLimitRejectsWithRetryAfter(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Login = RateLimitRule{Limit: 2, Window: time.Minute}
	})
	ctx := context.Background()

	env.signup(t, "alice@example.com", "correct horse battery")

	for i := 0; i < 2; i++ {
		if _, err := env.engine.PasswordLogin(ctx, "alice@example.com", "wrong password!!", testMeta); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: got %v, want ErrInvalidCredentials", i+1, err)
		}
	}

	_, err := env.engine.PasswordLogin(ctx, "alice@example.com", "correct horse battery", testMeta)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter < 1 {
		t.Fatalf("expected a RetryAfter hint, got %#v", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricRateLimitHit]; got != 1 {
		t.Fatalf("rate limit counter = %d, want 1", got)
	}

	// The window eventually clears.
	env.clock.Advance(time.Minute + time.Second)
	if _, err := env.engine.PasswordLogin(ctx, "alice@example.com", "correct horse battery", testMeta); err != nil {
		t.Fatalf("login after window failed: %v", err)
	}
}

func TestEngineRateLimitFailsOpenOnKVError(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Login = RateLimitRule{Limit: 1, Window: time.Minute}
	})
	ctx := context.Background()

	env.signup(t, "alice@example.com", "correct horse battery")
	env.engine.limiter = NewRateLimiter(failingKV{}, env.clock.Now)

	// Even with the bucket store down, logins go through.
	for i := 0; i < 3; i++ {
		if _, err := env.engine.PasswordLogin(ctx, "alice@example.com", "correct horse battery", testMeta); err != nil {
			t.Fatalf("attempt %d failed: %v", i+1, err)
		}
	}
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("kv down")
}

func (failingKV) Put(context.Context, string, []byte, time.Duration) error {
	return errors.New("kv down")
}
