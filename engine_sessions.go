package ember

import (
	"context"
	"errors"
	"fmt"

	"github.com/emberauth/ember/internal"
	"github.com/emberauth/ember/signedcookie"
)

// Session is what a resolved session cookie yields: the row plus its user.
type Session struct {
	Record SessionRecord
	User   UserRecord
}

// SessionHandle is returned when a session is minted. Signed is the cookie
// value; Record.Token is the raw server-side key.
type SessionHandle struct {
	Record SessionRecord
	Signed string
}

// CreateSession mints a session for the user: a 32-byte random token keyed
// server-side, with the absolute expiry stamped on the row. Every login
// flow ends here and nowhere earlier.
func (e *Engine) CreateSession(ctx context.Context, userID string, meta RequestMeta) (SessionHandle, error) {
	if err := e.ensureReady(); err != nil {
		return SessionHandle{}, err
	}

	raw, err := internal.NewToken(32)
	if err != nil {
		return SessionHandle{}, err
	}

	now := e.now()
	record := SessionRecord{
		Token:     raw,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(e.cfg.Session.AbsoluteTTL),
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	}
	if err := e.stores.Sessions.Insert(ctx, record); err != nil {
		return SessionHandle{}, fmt.Errorf("insert session: %w", err)
	}

	e.metricInc(MetricSessionCreated)

	return SessionHandle{
		Record: record,
		Signed: signedcookie.Sign(raw, e.cfg.Secret),
	}, nil
}

// ResolveSession turns a session cookie value into the authenticated user.
// It fails with ErrUnauthenticated on a bad signature, an unknown token, or
// a row past its absolute expiry. Callers should reissue the cookie (same
// value, fresh Max-Age) on success to keep the sliding window moving.
func (e *Engine) ResolveSession(ctx context.Context, cookieValue string) (Session, error) {
	if err := e.ensureReady(); err != nil {
		return Session{}, err
	}

	start := e.now()
	defer e.observeResolve(start)

	sess, err := e.resolveSession(ctx, cookieValue)
	if err != nil {
		e.metricInc(MetricSessionResolveFailure)
		return Session{}, err
	}
	return sess, nil
}

func (e *Engine) resolveSession(ctx context.Context, cookieValue string) (Session, error) {
	if cookieValue == "" {
		return Session{}, ErrUnauthenticated
	}

	raw, ok := signedcookie.Verify(cookieValue, e.cfg.Secret)
	if !ok {
		return Session{}, fmt.Errorf("%w: bad session signature", ErrUnauthenticated)
	}

	record, user, err := e.stores.Sessions.GetWithUser(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, fmt.Errorf("%w: unknown session", ErrUnauthenticated)
		}
		return Session{}, err
	}

	if !e.now().Before(record.ExpiresAt) {
		// Expired rows are garbage; drop eagerly so the table stays small.
		_ = e.stores.Sessions.Delete(ctx, raw)
		return Session{}, fmt.Errorf("%w: session expired", ErrUnauthenticated)
	}

	return Session{Record: record, User: user}, nil
}

// RevokeSession deletes the session behind a cookie value. Unknown or
// tampered cookies revoke nothing and return nil; logout is idempotent.
func (e *Engine) RevokeSession(ctx context.Context, cookieValue string, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}

	raw, ok := signedcookie.Verify(cookieValue, e.cfg.Secret)
	if !ok {
		return nil
	}

	record, _, err := e.stores.Sessions.GetWithUser(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if err := e.stores.Sessions.Delete(ctx, raw); err != nil {
		return err
	}

	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogout, true, record.UserID, meta, nil, nil)
	return nil
}

// RevokeAllSessions deletes every session the user holds. Credential
// changes call this before minting a replacement session.
func (e *Engine) RevokeAllSessions(ctx context.Context, userID string, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}

	if err := e.stores.Sessions.DeleteAllForUser(ctx, userID); err != nil {
		return err
	}

	e.metricInc(MetricSessionRevoked)
	e.emitAudit(ctx, auditEventLogoutAll, true, userID, meta, nil, nil)
	return nil
}

// rotateSessions revokes everything and mints a fresh session in one step.
// Used after password changes, reset confirmation, and MFA disable.
func (e *Engine) rotateSessions(ctx context.Context, userID string, meta RequestMeta) (SessionHandle, error) {
	if err := e.stores.Sessions.DeleteAllForUser(ctx, userID); err != nil {
		return SessionHandle{}, err
	}
	e.metricInc(MetricSessionRevoked)
	return e.CreateSession(ctx, userID, meta)
}
