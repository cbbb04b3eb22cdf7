package ember

import (
	"context"
	"errors"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// MFASetup is returned by BeginMFASetup. OTPAuthURL renders as the QR code
// an authenticator app scans; SecretBase32 is the manual-entry fallback.
type MFASetup struct {
	SecretBase32 string
	OTPAuthURL   string
}

// BeginMFASetup provisions a fresh TOTP secret for the user and stores it
// as a pending credential. Calling it again before confirmation replaces
// the pending secret; a verified credential is never overwritten.
func (e *Engine) BeginMFASetup(ctx context.Context, userID string, meta RequestMeta) (MFASetup, error) {
	if err := e.ensureReady(); err != nil {
		return MFASetup{}, err
	}
	if e.stores.MFA == nil {
		return MFASetup{}, ErrConfigMissing
	}

	if cred, err := e.stores.MFA.GetCredential(ctx, userID); err == nil && cred.VerifiedAt != nil {
		return MFASetup{}, errors.New("mfa already enrolled")
	}

	user, err := e.stores.Users.GetByID(ctx, userID)
	if err != nil {
		return MFASetup{}, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      e.cfg.MFA.Issuer,
		AccountName: user.Email,
		Period:      e.cfg.MFA.Period,
		SecretSize:  20,
		Digits:      e.totpDigits(),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return MFASetup{}, err
	}

	if err := e.stores.MFA.UpsertPending(ctx, MFACredentialRecord{
		UserID:       userID,
		SecretBase32: key.Secret(),
		CreatedAt:    e.now(),
	}); err != nil {
		return MFASetup{}, err
	}

	e.emitAudit(ctx, auditEventMFASetupStarted, true, userID, meta, nil, nil)

	return MFASetup{
		SecretBase32: key.Secret(),
		OTPAuthURL:   key.URL(),
	}, nil
}

// ConfirmMFASetup verifies a code against the pending secret, marks the
// credential verified, and issues a fresh set of backup codes. The
// plaintext codes are returned exactly once.
func (e *Engine) ConfirmMFASetup(ctx context.Context, userID, code string, meta RequestMeta) ([]string, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if e.stores.MFA == nil {
		return nil, ErrConfigMissing
	}

	cred, err := e.stores.MFA.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrMFANotEnrolled
		}
		return nil, err
	}

	if !e.validTOTPCode(cred.SecretBase32, code) {
		e.metricInc(MetricMFAFailure)
		e.emitAudit(ctx, auditEventMFAFailure, false, userID, meta, ErrTOTPInvalid,
			map[string]string{"phase": "setup"})
		return nil, ErrTOTPInvalid
	}

	now := e.now()
	if err := e.stores.MFA.MarkVerified(ctx, userID, now); err != nil {
		return nil, err
	}
	if err := e.stores.MFA.UpdateLastUsedStep(ctx, userID, e.totpStep(now)); err != nil {
		return nil, err
	}

	codes, err := e.regenerateBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricMFASuccess)
	e.emitAudit(ctx, auditEventMFAEnabled, true, userID, meta, nil, nil)
	return codes, nil
}

// DisableMFA removes the TOTP credential and all backup codes, then rotates
// every session: a stolen session must not outlive the factor change.
func (e *Engine) DisableMFA(ctx context.Context, userID string, meta RequestMeta) (SessionHandle, error) {
	if err := e.ensureReady(); err != nil {
		return SessionHandle{}, err
	}
	if e.stores.MFA == nil {
		return SessionHandle{}, ErrConfigMissing
	}

	if err := e.stores.MFA.DeleteCredential(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return SessionHandle{}, err
	}
	if err := e.stores.MFA.ReplaceBackupCodes(ctx, userID, nil); err != nil {
		return SessionHandle{}, err
	}

	handle, err := e.rotateSessions(ctx, userID, meta)
	if err != nil {
		return SessionHandle{}, err
	}

	e.emitAudit(ctx, auditEventMFADisabled, true, userID, meta, nil, nil)
	return handle, nil
}

func (e *Engine) totpDigits() otp.Digits {
	if e.cfg.MFA.Digits == 8 {
		return otp.DigitsEight
	}
	return otp.DigitsSix
}

// validTOTPCode accepts codes from the current step and cfg.MFA.Skew
// adjacent steps in either direction.
func (e *Engine) validTOTPCode(secretBase32, code string) bool {
	ok, err := totp.ValidateCustom(code, secretBase32, e.now(), totp.ValidateOpts{
		Period:    e.cfg.MFA.Period,
		Skew:      e.cfg.MFA.Skew,
		Digits:    e.totpDigits(),
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func (e *Engine) totpStep(now time.Time) int64 {
	return now.Unix() / int64(e.cfg.MFA.Period)
}
