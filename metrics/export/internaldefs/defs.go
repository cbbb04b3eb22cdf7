// Package internaldefs holds the shared metric naming tables used by the
// Prometheus and OpenTelemetry exporters. It exists so both exporters emit
// identical names and help strings.
package internaldefs

import (
	ember "github.com/emberauth/ember"
)

// CounterDef maps one engine counter to an exposition name.
type CounterDef struct {
	ID   ember.MetricID
	Name string
	Help string
}

// HistogramDef maps one engine histogram to an exposition name.
type HistogramDef struct {
	ID   ember.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: ember.MetricLoginSuccess, Name: "ember_login_success_total", Help: "Successful logins across all primary factors."},
	{ID: ember.MetricLoginFailure, Name: "ember_login_failure_total", Help: "Failed password login attempts."},
	{ID: ember.MetricSignupSuccess, Name: "ember_signup_success_total", Help: "Accounts created."},
	{ID: ember.MetricSignupDuplicate, Name: "ember_signup_duplicate_total", Help: "Signup attempts rejected as duplicate."},
	{ID: ember.MetricSessionCreated, Name: "ember_session_created_total", Help: "Sessions minted."},
	{ID: ember.MetricSessionRevoked, Name: "ember_session_revoked_total", Help: "Session revocation operations."},
	{ID: ember.MetricSessionResolveFailure, Name: "ember_session_resolve_failure_total", Help: "Session cookies that failed to resolve."},
	{ID: ember.MetricCSRFRejected, Name: "ember_csrf_rejected_total", Help: "Requests rejected by the CSRF guard."},
	{ID: ember.MetricRateLimitHit, Name: "ember_rate_limit_hit_total", Help: "Rate-limit checks that denied requests."},
	{ID: ember.MetricTokenIssued, Name: "ember_token_issued_total", Help: "Single-use tokens issued."},
	{ID: ember.MetricTokenRedeemed, Name: "ember_token_redeemed_total", Help: "Single-use tokens redeemed."},
	{ID: ember.MetricTokenRejected, Name: "ember_token_rejected_total", Help: "Single-use token redemptions rejected."},
	{ID: ember.MetricMFARequired, Name: "ember_mfa_required_total", Help: "Logins paused for a second factor."},
	{ID: ember.MetricMFASuccess, Name: "ember_mfa_success_total", Help: "Successful second-factor verifications."},
	{ID: ember.MetricMFAFailure, Name: "ember_mfa_failure_total", Help: "Failed second-factor verifications."},
	{ID: ember.MetricMFAReplayAttempt, Name: "ember_mfa_replay_attempt_total", Help: "TOTP codes rejected as replays."},
	{ID: ember.MetricBackupCodeUsed, Name: "ember_backup_code_used_total", Help: "Backup codes redeemed."},
	{ID: ember.MetricBackupCodeFailed, Name: "ember_backup_code_failed_total", Help: "Backup code attempts rejected."},
	{ID: ember.MetricBackupCodesRegenerated, Name: "ember_backup_codes_regenerated_total", Help: "Backup code set regenerations."},
	{ID: ember.MetricPasskeyRegistered, Name: "ember_passkey_registered_total", Help: "WebAuthn credentials registered."},
	{ID: ember.MetricPasskeyAuthenticated, Name: "ember_passkey_authenticated_total", Help: "Successful WebAuthn assertions."},
	{ID: ember.MetricPasskeyFailure, Name: "ember_passkey_failure_total", Help: "Failed WebAuthn ceremonies."},
	{ID: ember.MetricPasskeyCloneDetected, Name: "ember_passkey_clone_detected_total", Help: "Assertions rejected for signature counter regression."},
	{ID: ember.MetricSocialLoginSuccess, Name: "ember_social_login_success_total", Help: "Successful OAuth logins."},
	{ID: ember.MetricSocialLoginFailure, Name: "ember_social_login_failure_total", Help: "Failed OAuth callbacks."},
	{ID: ember.MetricSocialLinked, Name: "ember_social_linked_total", Help: "Provider identities linked."},
	{ID: ember.MetricSocialUnlinked, Name: "ember_social_unlinked_total", Help: "Provider identities unlinked."},
	{ID: ember.MetricPasswordChanged, Name: "ember_password_changed_total", Help: "Password change operations."},
	{ID: ember.MetricPasswordResetRequested, Name: "ember_password_reset_requested_total", Help: "Password reset requests for known accounts."},
	{ID: ember.MetricPasswordResetConfirmed, Name: "ember_password_reset_confirmed_total", Help: "Password resets confirmed."},
	{ID: ember.MetricEmailVerified, Name: "ember_email_verified_total", Help: "Email addresses verified."},
	{ID: ember.MetricAccountDeleted, Name: "ember_account_deleted_total", Help: "Accounts anonymized and purged."},
}

var HistogramDefs = []HistogramDef{
	{ID: ember.MetricResolveLatency, Name: "ember_session_resolve_latency_seconds", Help: "Session resolve latency histogram."},
}

// HistogramBounds are the upper bounds of the engine's fixed latency
// buckets, in seconds. The last bucket is +Inf.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// NormalizeBuckets pads or trims a raw snapshot slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// both exposition formats want.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
