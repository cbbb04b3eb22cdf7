package ember

import (
	"context"
	"errors"
)

// LoginResult is the outcome of primary authentication. Either Session is
// set, or MFARequired is true and PendingCookie carries the signed
// half-login challenge.
type LoginResult struct {
	UserID        string
	MFARequired   bool
	Session       SessionHandle
	PendingCookie string
}

// PasswordLogin authenticates an email+password pair. Unknown email, wrong
// password, and a missing password credential are indistinguishable to the
// caller, and all take roughly the same time: paths that never reach a real
// hash verify against a dummy one.
func (e *Engine) PasswordLogin(ctx context.Context, email, pass string, meta RequestMeta) (LoginResult, error) {
	if err := e.ensureReady(); err != nil {
		return LoginResult{}, err
	}

	if err := e.checkRate(ctx, "login", meta.IP, e.cfg.RateLimit.Login); err != nil {
		return LoginResult{}, err
	}

	user, err := e.stores.Users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.verifyDummy(pass)
			e.failLogin(ctx, "", meta)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	cred, err := e.stores.Passwords.Get(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Social-only account; no password to check.
			e.verifyDummy(pass)
			e.failLogin(ctx, user.ID, meta)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if !e.hasher.Verify(pass, cred.Hash) {
		e.failLogin(ctx, user.ID, meta)
		return LoginResult{}, ErrInvalidCredentials
	}

	if e.cfg.Password.UpgradeOnLogin {
		if up, err := e.hasher.NeedsUpgrade(cred.Hash); err == nil && up {
			if newHash, err := e.hasher.Hash(pass); err == nil {
				_ = e.stores.Passwords.Upsert(ctx, PasswordRecord{
					UserID:    user.ID,
					Hash:      newHash,
					UpdatedAt: e.now(),
				})
			}
		}
	}

	result, err := e.finishPrimaryAuth(ctx, user.ID, meta)
	if err != nil {
		return LoginResult{}, err
	}

	if !result.MFARequired {
		e.metricInc(MetricLoginSuccess)
		e.emitAudit(ctx, auditEventLoginSuccess, true, user.ID, meta, nil, nil)
	}
	return result, nil
}

func (e *Engine) failLogin(ctx context.Context, userID string, meta RequestMeta) {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, meta, ErrInvalidCredentials, nil)
}

// finishPrimaryAuth is the common tail of every primary-factor flow:
// password, magic link, passkey, and social login converge here. Users with
// a verified TOTP credential get a pending challenge; everyone else gets a
// session.
func (e *Engine) finishPrimaryAuth(ctx context.Context, userID string, meta RequestMeta) (LoginResult, error) {
	if e.mfaEnrolled(ctx, userID) {
		pending, err := e.issueMFAPending(userID)
		if err != nil {
			return LoginResult{}, err
		}
		e.metricInc(MetricMFARequired)
		e.emitAudit(ctx, auditEventMFARequired, true, userID, meta, nil, nil)
		return LoginResult{
			UserID:        userID,
			MFARequired:   true,
			PendingCookie: pending,
		}, nil
	}

	handle, err := e.CreateSession(ctx, userID, meta)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{UserID: userID, Session: handle}, nil
}

func (e *Engine) mfaEnrolled(ctx context.Context, userID string) bool {
	if e.stores.MFA == nil {
		return false
	}
	cred, err := e.stores.MFA.GetCredential(ctx, userID)
	if err != nil {
		return false
	}
	return cred.VerifiedAt != nil
}
