package ember

import (
	"context"
	"errors"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventSignup                 = "signup"
	auditEventLogout                 = "logout"
	auditEventLogoutAll              = "logout_all"
	auditEventSessionResolveFailed   = "session_resolve_failed"
	auditEventCSRFRejected           = "csrf_rejected"
	auditEventRateLimitTriggered     = "rate_limit_triggered"
	auditEventPasswordResetRequest   = "password_reset_request"
	auditEventPasswordResetConfirm   = "password_reset_confirm"
	auditEventMagicLinkRequest       = "magic_link_request"
	auditEventMagicLinkRedeem        = "magic_link_redeem"
	auditEventEmailVerifyRequest     = "email_verification_request"
	auditEventEmailVerifyConfirm     = "email_verification_confirm"
	auditEventPasswordChange         = "password_change"
	auditEventMFASetupStarted        = "mfa_setup_started"
	auditEventMFAEnabled             = "mfa_enabled"
	auditEventMFADisabled            = "mfa_disabled"
	auditEventMFARequired            = "mfa_required"
	auditEventMFASuccess             = "mfa_success"
	auditEventMFAFailure             = "mfa_failure"
	auditEventBackupCodesGenerated   = "backup_codes_generated"
	auditEventBackupCodeUsed         = "backup_code_used"
	auditEventBackupCodeFailed       = "backup_code_failed"
	auditEventPasskeyRegistered      = "passkey_registered"
	auditEventPasskeyAuthenticated   = "passkey_authenticated"
	auditEventPasskeyFailure         = "passkey_failure"
	auditEventPasskeyCloneDetected   = "passkey_clone_detected"
	auditEventPasskeyRemoved         = "passkey_removed"
	auditEventSocialLoginSuccess     = "social_login_success"
	auditEventSocialLoginFailure     = "social_login_failure"
	auditEventSocialLinked           = "social_identity_linked"
	auditEventSocialUnlinked         = "social_identity_unlinked"
	auditEventAccountDeleted         = "account_deleted"
	auditEventEmailSendFailed        = "email_send_failed"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	meta RequestMeta,
	err error,
	metadata map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = code
	}

	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCSRFRejected):
		return "csrf_rejected"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrMFARequired):
		return "mfa_required"
	case errors.Is(err, ErrMFANotEnrolled):
		return "mfa_not_enrolled"
	case errors.Is(err, ErrTOTPInvalid):
		return "totp_invalid"
	case errors.Is(err, ErrBackupCodeInvalid):
		return "backup_code_invalid"
	case errors.Is(err, ErrMFAPendingInvalid):
		return "mfa_challenge_invalid"
	case errors.Is(err, ErrVerificationFailed):
		return "verification_failed"
	case errors.Is(err, ErrStateMismatch):
		return "oauth_state_mismatch"
	case errors.Is(err, ErrIdentityLinkedElsewhere):
		return "identity_linked_elsewhere"
	case errors.Is(err, ErrLastAuthMethod):
		return "last_auth_method"
	case errors.Is(err, ErrEmailTaken):
		return "duplicate"
	case errors.Is(err, ErrPasswordPolicy):
		return "password_policy"
	case errors.Is(err, ErrConfigMissing):
		return "config_missing"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
