package ember

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emberauth/ember/signedcookie"
)

// MFAMethod selects the second factor presented during login.
type MFAMethod string

const (
	MFAMethodTOTP       MFAMethod = "totp"
	MFAMethodBackupCode MFAMethod = "backup_code"
)

// issueMFAPending signs a "{userID}.{issuedAtMillis}" payload. The
// timestamp inside the signature, not the cookie Max-Age, is what enforces
// the challenge TTL.
func (e *Engine) issueMFAPending(userID string) (string, error) {
	payload := fmt.Sprintf("%s.%d", userID, e.now().UnixMilli())
	return signedcookie.Sign(payload, e.cfg.Secret), nil
}

// verifyMFAPending validates the pending cookie and returns the user it
// belongs to. Tampered payloads and challenges older than PendingTTL both
// fail with ErrMFAPendingInvalid.
func (e *Engine) verifyMFAPending(cookieValue string) (string, error) {
	payload, ok := signedcookie.Verify(cookieValue, e.cfg.Secret)
	if !ok {
		return "", ErrMFAPendingInvalid
	}

	dot := strings.LastIndexByte(payload, '.')
	if dot <= 0 || dot == len(payload)-1 {
		return "", ErrMFAPendingInvalid
	}

	userID := payload[:dot]
	issuedMS, err := strconv.ParseInt(payload[dot+1:], 10, 64)
	if err != nil {
		return "", ErrMFAPendingInvalid
	}

	issued := time.UnixMilli(issuedMS)
	if e.now().Sub(issued) > e.cfg.MFA.PendingTTL || e.now().Before(issued) {
		return "", ErrMFAPendingInvalid
	}

	return userID, nil
}

// ConfirmMFALogin completes a half-finished login: the pending cookie from
// the primary factor plus a TOTP or backup code yields the session. The
// caller clears the pending cookie on success.
func (e *Engine) ConfirmMFALogin(ctx context.Context, pendingCookie string, method MFAMethod, code string, meta RequestMeta) (SessionHandle, error) {
	if err := e.ensureReady(); err != nil {
		return SessionHandle{}, err
	}
	if e.stores.MFA == nil {
		return SessionHandle{}, ErrConfigMissing
	}

	userID, err := e.verifyMFAPending(pendingCookie)
	if err != nil {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, "", meta, err, nil)
		return SessionHandle{}, err
	}

	if err := e.checkRate(ctx, "mfa", userID, e.cfg.RateLimit.MFAVerify); err != nil {
		return SessionHandle{}, err
	}

	switch method {
	case MFAMethodTOTP:
		if err := e.verifyLoginTOTP(ctx, userID, code, meta); err != nil {
			return SessionHandle{}, err
		}
	case MFAMethodBackupCode:
		ok, err := e.consumeBackupCode(ctx, userID, code)
		if err != nil {
			return SessionHandle{}, err
		}
		if !ok {
			e.metricInc(MetricBackupCodeFailed)
			e.emitAudit(ctx, auditEventBackupCodeFailed, false, userID, meta, ErrBackupCodeInvalid, nil)
			return SessionHandle{}, ErrBackupCodeInvalid
		}
		e.metricInc(MetricBackupCodeUsed)
		e.emitAudit(ctx, auditEventBackupCodeUsed, true, userID, meta, nil, nil)
	default:
		return SessionHandle{}, fmt.Errorf("%w: unknown method", ErrMFAPendingInvalid)
	}

	handle, err := e.CreateSession(ctx, userID, meta)
	if err != nil {
		return SessionHandle{}, err
	}

	e.metricInc(MetricMFASuccess)
	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventMFASuccess, true, userID, meta, nil, nil)
	return handle, nil
}

func (e *Engine) verifyLoginTOTP(ctx context.Context, userID, code string, meta RequestMeta) error {
	cred, err := e.stores.MFA.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrMFANotEnrolled
		}
		return err
	}
	if cred.VerifiedAt == nil {
		return ErrMFANotEnrolled
	}

	if !e.validTOTPCode(cred.SecretBase32, code) {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, userID, meta, ErrTOTPInvalid, nil)
		return ErrTOTPInvalid
	}

	step := e.totpStep(e.now())
	if e.cfg.MFA.EnforceReplayProtection && step <= cred.LastUsedStep {
		e.metricInc(MetricMFAReplayAttempt)
		e.emitAudit(ctx, auditEventMFAFailure, false, userID, meta, ErrTOTPInvalid,
			map[string]string{"reason": "replay"})
		return ErrTOTPInvalid
	}

	return e.stores.MFA.UpdateLastUsedStep(ctx, userID, step)
}
