package ember

import (
	"context"

	"github.com/emberauth/ember/internal"
)

// regenerateBackupCodes replaces every backup code for the user with a
// fresh set and returns the plaintext values. Only SHA-256 digests persist.
func (e *Engine) regenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.cfg.MFA.BackupCodeCount
	codes := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)
	now := e.now()

	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(e.cfg.MFA.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		codes = append(codes, code)
		records = append(records, BackupCodeRecord{
			UserID:    userID,
			CodeHash:  internal.HashToken(code),
			CreatedAt: now,
		})
	}

	if err := e.stores.MFA.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, err
	}

	e.metricInc(MetricBackupCodesRegenerated)
	e.emitAudit(ctx, auditEventBackupCodesGenerated, true, userID, RequestMeta{}, nil, nil)
	return codes, nil
}

// RegenerateBackupCodes invalidates the remaining codes and mints a new
// set. Requires a verified enrollment.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string, meta RequestMeta) ([]string, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if e.stores.MFA == nil {
		return nil, ErrConfigMissing
	}
	if !e.mfaEnrolled(ctx, userID) {
		return nil, ErrMFANotEnrolled
	}
	return e.regenerateBackupCodes(ctx, userID)
}

// RemainingBackupCodes counts the user's unused codes so a UI can warn when
// the supply runs low.
func (e *Engine) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	if err := e.ensureReady(); err != nil {
		return 0, err
	}
	if e.stores.MFA == nil {
		return 0, ErrConfigMissing
	}
	return e.stores.MFA.CountUnusedBackupCodes(ctx, userID)
}

// consumeBackupCode burns one code. The store match is atomic, so a code
// redeems at most once even under concurrent attempts.
func (e *Engine) consumeBackupCode(ctx context.Context, userID, code string) (bool, error) {
	return e.stores.MFA.ConsumeBackupCode(ctx, userID, internal.HashToken(code), e.now())
}
