package ember

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineNotReady is returned when an Engine method is called before
	// Build completed or after Close.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrConfigMissing is returned when a flow requires configuration that
	// was never supplied (OAuth client credentials, relying-party settings).
	// Callers should map it to a 503-class response, not a client error.
	ErrConfigMissing = errors.New("required configuration missing")

	// ErrNotFound is returned by store implementations for absent rows.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned on signup when the email already has an
	// account.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidCredentials covers every password-login failure: unknown
	// email, wrong password, missing password credential.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthenticated is returned when no valid session accompanies a
	// request that requires one.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrPasswordPolicy is returned when a new password fails the policy.
	ErrPasswordPolicy = errors.New("password policy violation")

	// ErrCSRFRejected covers every CSRF validation failure: missing cookie,
	// missing field, bad signature, token mismatch.
	ErrCSRFRejected = errors.New("csrf token rejected")

	// ErrRateLimited is returned when a sliding window is exhausted. Use
	// errors.As with *RateLimitError to recover the retry-after hint.
	ErrRateLimited = errors.New("rate limited")

	// ErrTokenInvalid covers every single-use token failure: unknown,
	// expired, already used, malformed. The causes are deliberately
	// indistinguishable.
	ErrTokenInvalid = errors.New("token invalid or expired")

	// ErrMFARequired signals that primary authentication succeeded but a
	// second factor must be presented before a session is issued.
	ErrMFARequired = errors.New("mfa required")
	// ErrMFANotEnrolled is returned when an MFA operation targets a user
	// with no verified TOTP credential.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")
	// ErrTOTPInvalid is returned for wrong, expired, or replayed TOTP codes.
	ErrTOTPInvalid = errors.New("invalid totp code")
	// ErrBackupCodeInvalid is returned for unknown or already-used backup codes.
	ErrBackupCodeInvalid = errors.New("invalid backup code")
	// ErrMFAPendingInvalid is returned when the pending-MFA cookie is
	// missing, tampered with, or older than the pending TTL.
	ErrMFAPendingInvalid = errors.New("mfa challenge invalid or expired")

	// ErrVerificationFailed covers every WebAuthn ceremony failure,
	// including signature counter regression. Specific causes surface only
	// through audit events and metrics.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrStateMismatch is returned when an OAuth callback state does not
	// match the signed state cookie.
	ErrStateMismatch = errors.New("oauth state mismatch")
	// ErrIdentityLinkedElsewhere is returned when a social identity is
	// already bound to a different user.
	ErrIdentityLinkedElsewhere = errors.New("identity linked to another account")
	// ErrLastAuthMethod guards unlink and credential removal: an account
	// must always keep at least one way to sign in.
	ErrLastAuthMethod = errors.New("cannot remove last authentication method")
)

// RateLimitError wraps ErrRateLimited with the seconds a caller must wait
// before retrying. It matches errors.Is(err, ErrRateLimited).
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
