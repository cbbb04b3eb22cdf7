package ember

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AuthMethodCounts summarizes how many ways an account can sign in.
type AuthMethodCounts struct {
	Password bool
	Passkeys int
	Social   int
}

// Total counts distinct sign-in methods, with all passkeys and all social
// identities each counting individually.
func (c AuthMethodCounts) Total() int {
	total := c.Passkeys + c.Social
	if c.Password {
		total++
	}
	return total
}

// AuthMethods reports the account's sign-in methods. Unlink and delete
// flows use it to keep at least one method alive.
func (e *Engine) AuthMethods(ctx context.Context, userID string) (AuthMethodCounts, error) {
	if err := e.ensureReady(); err != nil {
		return AuthMethodCounts{}, err
	}

	var counts AuthMethodCounts

	if _, err := e.stores.Passwords.Get(ctx, userID); err == nil {
		counts.Password = true
	} else if !errors.Is(err, ErrNotFound) {
		return AuthMethodCounts{}, err
	}

	if e.stores.Passkeys != nil {
		n, err := e.stores.Passkeys.CountForUser(ctx, userID)
		if err != nil {
			return AuthMethodCounts{}, err
		}
		counts.Passkeys = n
	}

	if e.stores.Social != nil {
		n, err := e.stores.Social.CountForUser(ctx, userID)
		if err != nil {
			return AuthMethodCounts{}, err
		}
		counts.Social = n
	}

	return counts, nil
}

// ChangePassword verifies the current password, installs the new hash, and
// rotates every session. The returned handle replaces the caller's cookie.
func (e *Engine) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string, meta RequestMeta) (SessionHandle, error) {
	if err := e.ensureReady(); err != nil {
		return SessionHandle{}, err
	}

	if len(newPassword) < e.cfg.Password.MinLength {
		return SessionHandle{}, ErrPasswordPolicy
	}

	cred, err := e.stores.Passwords.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.verifyDummy(currentPassword)
			return SessionHandle{}, ErrInvalidCredentials
		}
		return SessionHandle{}, err
	}

	if !e.hasher.Verify(currentPassword, cred.Hash) {
		e.emitAudit(ctx, auditEventPasswordChange, false, userID, meta, ErrInvalidCredentials, nil)
		return SessionHandle{}, ErrInvalidCredentials
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return SessionHandle{}, err
	}
	if err := e.stores.Passwords.Upsert(ctx, PasswordRecord{
		UserID:    userID,
		Hash:      hash,
		UpdatedAt: e.now(),
	}); err != nil {
		return SessionHandle{}, err
	}

	handle, err := e.rotateSessions(ctx, userID, meta)
	if err != nil {
		return SessionHandle{}, err
	}

	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChange, true, userID, meta, nil, nil)
	return handle, nil
}

// DeleteAccount anonymizes the user row and hard-deletes everything that
// could still authenticate: password, MFA material, passkeys, social
// identities, tokens, and sessions. The row itself survives so foreign
// keys elsewhere stay intact.
func (e *Engine) DeleteAccount(ctx context.Context, userID string, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}

	placeholder := fmt.Sprintf("deleted-%s@anonymized.invalid", uuid.NewString())
	if err := e.stores.Users.Anonymize(ctx, userID, placeholder); err != nil {
		return err
	}

	if err := e.stores.Passwords.Delete(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	if e.stores.MFA != nil {
		if err := e.stores.MFA.DeleteCredential(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := e.stores.MFA.ReplaceBackupCodes(ctx, userID, nil); err != nil {
			return err
		}
	}

	if e.stores.Passkeys != nil {
		keys, err := e.stores.Passkeys.ListForUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := e.stores.Passkeys.Delete(ctx, key.ID, userID); err != nil {
				return err
			}
		}
	}

	if e.stores.Social != nil {
		identities, err := e.stores.Social.ListForUser(ctx, userID)
		if err != nil {
			return err
		}
		for _, identity := range identities {
			if err := e.stores.Social.Delete(ctx, userID, identity.Provider); err != nil {
				return err
			}
		}
	}

	for _, kind := range []TokenKind{TokenPasswordReset, TokenMagicLink, TokenEmailVerification} {
		if err := e.stores.Tokens.InvalidateAll(ctx, kind, userID); err != nil {
			return err
		}
	}

	if err := e.stores.Sessions.DeleteAllForUser(ctx, userID); err != nil {
		return err
	}

	e.metricInc(MetricAccountDeleted)
	e.emitAudit(ctx, auditEventAccountDeleted, true, userID, meta, nil, nil)
	return nil
}
