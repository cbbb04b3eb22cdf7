package ember

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"

	internalaudit "github.com/emberauth/ember/internal/audit"
	"github.com/emberauth/ember/password"
	"github.com/emberauth/ember/signedcookie"
)

// Stores bundles the persistence collaborators the engine works against.
// Users, Sessions, Tokens, and Passwords are required; the rest gate their
// feature: a nil MFA store disables TOTP flows, a nil Passkeys store
// disables WebAuthn, a nil Social store disables OAuth.
type Stores struct {
	Users     UserStore
	Sessions  SessionStore
	Tokens    TokenStore
	Passwords PasswordStore
	MFA       MFAStore
	Passkeys  PasskeyStore
	Social    SocialStore
}

// Engine is the transport-agnostic authentication core. It holds no
// per-request state; everything persistent lives behind the Stores and KV
// interfaces. Construct it with [New] and [Builder.Build].
type Engine struct {
	cfg     Config
	stores  Stores
	kv      KV
	mailer  EmailSender
	hasher  *password.Hasher
	limiter *RateLimiter

	webAuthn *webauthn.WebAuthn
	social   map[Provider]socialProvider

	audit   *internalaudit.Dispatcher
	metrics *Metrics

	// now is replaceable in tests.
	now func() time.Time

	dummyHashOnce sync.Once
	dummyHash     string

	ready bool
}

func (e *Engine) ensureReady() error {
	if e == nil || !e.ready {
		return ErrEngineNotReady
	}
	return nil
}

// Close flushes and stops the audit dispatcher. The engine must not be used
// afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.audit.Close()
	e.ready = false
}

// MetricsSnapshot returns a point-in-time copy of all counters and
// histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were discarded because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	return e.audit.Dropped()
}

func (e *Engine) metricInc(id MetricID) {
	e.metrics.Inc(id)
}

func (e *Engine) observeResolve(start time.Time) {
	e.metrics.Observe(MetricResolveLatency, e.now().Sub(start))
}

// verifyDummy burns one Argon2id verification so failure paths that never
// reach a real hash take as long as paths that do. The reference hash is
// computed once per process.
func (e *Engine) verifyDummy(pass string) {
	e.dummyHashOnce.Do(func() {
		h, err := e.hasher.Hash("ember-timing-normalization")
		if err != nil {
			return
		}
		e.dummyHash = h
	})
	if e.dummyHash != "" {
		e.hasher.Verify(pass, e.dummyHash)
	}
}

// VerifySignedValue checks any engine-signed cookie value and returns its
// payload. Middleware uses it to recover the raw CSRF token from the cookie.
func (e *Engine) VerifySignedValue(signed string) (string, bool) {
	if e == nil || !e.ready {
		return "", false
	}
	return signedcookie.Verify(signed, e.cfg.Secret)
}

// CheckRateLimit applies one sliding-window rule under the given scope and
// key. It returns a *RateLimitError when the window is exhausted.
func (e *Engine) CheckRateLimit(ctx context.Context, scope, key string, rule RateLimitRule) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	return e.checkRate(ctx, scope, key, rule)
}

// checkRate enforces one sliding-window rule. Disabled limits and a nil KV
// pass everything through.
func (e *Engine) checkRate(ctx context.Context, scope, key string, rule RateLimitRule) error {
	if e.limiter == nil {
		return nil
	}
	res, err := e.limiter.Check(ctx, scope+":"+key, rule)
	if err != nil {
		// A broken bucket store must not lock out every user.
		return nil
	}
	if !res.Allowed {
		e.metricInc(MetricRateLimitHit)
		e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", RequestMeta{}, ErrRateLimited,
			map[string]string{"scope": scope})
		return &RateLimitError{RetryAfter: res.RetryAfter}
	}
	return nil
}

// sendEmail delivers mail without letting delivery failures fail the
// calling flow.
func (e *Engine) sendEmail(ctx context.Context, email Email) {
	if e.mailer == nil {
		return
	}
	if err := e.mailer.Send(ctx, email); err != nil {
		e.emitAudit(ctx, auditEventEmailSendFailed, false, "", RequestMeta{}, err,
			map[string]string{"subject": email.Subject})
	}
}

func (e *Engine) tokenLink(format, token string) string {
	return fmt.Sprintf(format, token)
}
