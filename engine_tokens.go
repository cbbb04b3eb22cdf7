package ember

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emberauth/ember/internal"
)

// issueToken mints a raw single-use token and persists only its SHA-256
// digest. The raw value leaves the process exactly once, inside an email
// link.
func (e *Engine) issueToken(ctx context.Context, kind TokenKind, userID string) (string, error) {
	raw, err := internal.NewToken(32)
	if err != nil {
		return "", err
	}

	now := e.now()
	record := SingleUseTokenRecord{
		TokenHash: internal.HashToken(raw),
		Kind:      kind,
		UserID:    userID,
		ExpiresAt: now.Add(e.tokenTTL(kind)),
		CreatedAt: now,
	}
	if err := e.stores.Tokens.Insert(ctx, record); err != nil {
		return "", fmt.Errorf("insert %s token: %w", kind, err)
	}

	e.metricInc(MetricTokenIssued)
	return raw, nil
}

// redeemToken consumes a raw token. Unknown, tampered, expired, and
// already-used tokens all collapse into ErrTokenInvalid. On success every
// other outstanding token of the same kind for the user is invalidated.
func (e *Engine) redeemToken(ctx context.Context, kind TokenKind, raw string) (SingleUseTokenRecord, error) {
	if raw == "" {
		e.metricInc(MetricTokenRejected)
		return SingleUseTokenRecord{}, ErrTokenInvalid
	}

	now := e.now()
	record, err := e.stores.Tokens.Consume(ctx, kind, internal.HashToken(raw), now)
	if err != nil {
		e.metricInc(MetricTokenRejected)
		if errors.Is(err, ErrNotFound) {
			return SingleUseTokenRecord{}, ErrTokenInvalid
		}
		return SingleUseTokenRecord{}, err
	}

	// Consume marked it used even if it turns out expired; an expired token
	// is dead either way.
	if !now.Before(record.ExpiresAt) {
		e.metricInc(MetricTokenRejected)
		return SingleUseTokenRecord{}, ErrTokenInvalid
	}

	if err := e.stores.Tokens.InvalidateAll(ctx, kind, record.UserID); err != nil {
		return SingleUseTokenRecord{}, err
	}

	e.metricInc(MetricTokenRedeemed)
	return record, nil
}

func (e *Engine) tokenTTL(kind TokenKind) time.Duration {
	switch kind {
	case TokenPasswordReset:
		return e.cfg.Tokens.ResetTTL
	case TokenMagicLink:
		return e.cfg.Tokens.MagicLinkTTL
	default:
		return e.cfg.Tokens.VerificationTTL
	}
}

// RequestPasswordReset starts the reset flow. It is enumeration-safe: an
// unknown email is rate-limited, audited, and silently succeeds.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}

	if err := e.checkRate(ctx, "pwreset", email, e.cfg.RateLimit.PasswordReset); err != nil {
		return err
	}

	user, err := e.stores.Users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.emitAudit(ctx, auditEventPasswordResetRequest, false, "", meta, nil,
				map[string]string{"known": "false"})
			return nil
		}
		return err
	}

	raw, err := e.issueToken(ctx, TokenPasswordReset, user.ID)
	if err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetRequested)
	e.emitAudit(ctx, auditEventPasswordResetRequest, true, user.ID, meta, nil, nil)

	e.sendEmail(ctx, Email{
		To:      user.Email,
		Subject: fmt.Sprintf("Reset your %s password", e.cfg.Email.AppName),
		Body:    e.tokenLink(e.cfg.Links.PasswordResetURL, raw),
	})
	return nil
}

// ConfirmPasswordReset redeems a reset token, installs the new password,
// revokes every session, and mints a fresh one for the caller.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, rawToken, newPassword string, meta RequestMeta) (SessionHandle, error) {
	if err := e.ensureReady(); err != nil {
		return SessionHandle{}, err
	}

	if len(newPassword) < e.cfg.Password.MinLength {
		return SessionHandle{}, ErrPasswordPolicy
	}

	record, err := e.redeemToken(ctx, TokenPasswordReset, rawToken)
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", meta, err, nil)
		return SessionHandle{}, err
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return SessionHandle{}, err
	}
	if err := e.stores.Passwords.Upsert(ctx, PasswordRecord{
		UserID:    record.UserID,
		Hash:      hash,
		UpdatedAt: e.now(),
	}); err != nil {
		return SessionHandle{}, err
	}

	handle, err := e.rotateSessions(ctx, record.UserID, meta)
	if err != nil {
		return SessionHandle{}, err
	}

	e.metricInc(MetricPasswordResetConfirmed)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, record.UserID, meta, nil, nil)
	return handle, nil
}

// RequestMagicLink mails a passwordless login link. Enumeration-safe like
// RequestPasswordReset.
func (e *Engine) RequestMagicLink(ctx context.Context, email string, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}

	if err := e.checkRate(ctx, "magiclink", email, e.cfg.RateLimit.MagicLink); err != nil {
		return err
	}

	user, err := e.stores.Users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.emitAudit(ctx, auditEventMagicLinkRequest, false, "", meta, nil,
				map[string]string{"known": "false"})
			return nil
		}
		return err
	}

	raw, err := e.issueToken(ctx, TokenMagicLink, user.ID)
	if err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventMagicLinkRequest, true, user.ID, meta, nil, nil)
	e.sendEmail(ctx, Email{
		To:      user.Email,
		Subject: fmt.Sprintf("Sign in to %s", e.cfg.Email.AppName),
		Body:    e.tokenLink(e.cfg.Links.MagicLinkURL, raw),
	})
	return nil
}

// RedeemMagicLink exchanges a magic-link token for a login. Clicking the
// link proves control of the mailbox, so an unverified email is marked
// verified here. MFA-enrolled users get a pending challenge instead of a
// session.
func (e *Engine) RedeemMagicLink(ctx context.Context, rawToken string, meta RequestMeta) (LoginResult, error) {
	if err := e.ensureReady(); err != nil {
		return LoginResult{}, err
	}

	record, err := e.redeemToken(ctx, TokenMagicLink, rawToken)
	if err != nil {
		e.emitAudit(ctx, auditEventMagicLinkRedeem, false, "", meta, err, nil)
		return LoginResult{}, err
	}

	user, err := e.stores.Users.GetByID(ctx, record.UserID)
	if err != nil {
		return LoginResult{}, err
	}

	if user.EmailVerifiedAt == nil {
		if err := e.stores.Users.MarkEmailVerified(ctx, user.ID, e.now()); err != nil {
			return LoginResult{}, err
		}
		e.metricInc(MetricEmailVerified)
	}

	result, err := e.finishPrimaryAuth(ctx, user.ID, meta)
	if err != nil {
		return LoginResult{}, err
	}

	e.emitAudit(ctx, auditEventMagicLinkRedeem, true, user.ID, meta, nil, nil)
	return result, nil
}

// RequestEmailVerification issues a fresh verification token for a signed-in
// user and mails the link.
func (e *Engine) RequestEmailVerification(ctx context.Context, userID string, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}

	if err := e.checkRate(ctx, "verify", userID, e.cfg.RateLimit.ResendVerification); err != nil {
		return err
	}

	user, err := e.stores.Users.GetByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.EmailVerifiedAt != nil {
		return nil
	}

	raw, err := e.issueToken(ctx, TokenEmailVerification, user.ID)
	if err != nil {
		return err
	}

	e.emitAudit(ctx, auditEventEmailVerifyRequest, true, user.ID, meta, nil, nil)
	e.sendEmail(ctx, Email{
		To:      user.Email,
		Subject: fmt.Sprintf("Verify your %s email", e.cfg.Email.AppName),
		Body:    e.tokenLink(e.cfg.Links.EmailVerificationURL, raw),
	})
	return nil
}

// ConfirmEmailVerification redeems a verification token and marks the
// address verified.
func (e *Engine) ConfirmEmailVerification(ctx context.Context, rawToken string, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}

	record, err := e.redeemToken(ctx, TokenEmailVerification, rawToken)
	if err != nil {
		e.emitAudit(ctx, auditEventEmailVerifyConfirm, false, "", meta, err, nil)
		return err
	}

	if err := e.stores.Users.MarkEmailVerified(ctx, record.UserID, e.now()); err != nil {
		return err
	}

	e.metricInc(MetricEmailVerified)
	e.emitAudit(ctx, auditEventEmailVerifyConfirm, true, record.UserID, meta, nil, nil)
	return nil
}
