package ember

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/emberauth/ember/signedcookie"
)

const (
	webauthnContextRegistration = "registration"
	webauthnContextLogin        = "login"
)

// webauthnChallenge is the ceremony state carried between begin and finish
// inside the signed challenge cookie. Nothing is stored server-side.
type webauthnChallenge struct {
	Session webauthn.SessionData `json:"session"`
	Context string               `json:"context"`
}

// passkeyUser adapts a UserRecord and its stored credentials to the
// webauthn.User interface.
type passkeyUser struct {
	user        UserRecord
	credentials []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *passkeyUser) WebAuthnName() string                       { return u.user.Email }
func (u *passkeyUser) WebAuthnDisplayName() string                { return u.user.DisplayName }
func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
func (u *passkeyUser) WebAuthnIcon() string                       { return "" }

func toWebauthnCredential(r PasskeyRecord) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(r.Transports))
	for _, t := range r.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              r.CredentialID,
		PublicKey:       r.PublicKey,
		AttestationType: r.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: r.BackupEligible,
			BackupState:    r.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: r.SignCount,
		},
	}
}

func (e *Engine) loadPasskeyUser(ctx context.Context, userID string) (*passkeyUser, error) {
	user, err := e.stores.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	records, err := e.stores.Passkeys.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	creds := make([]webauthn.Credential, 0, len(records))
	for _, r := range records {
		creds = append(creds, toWebauthnCredential(r))
	}
	return &passkeyUser{user: user, credentials: creds}, nil
}

// signChallenge serializes ceremony state into a cookie-safe signed value.
func (e *Engine) signChallenge(c webauthnChallenge) (string, error) {
	blob, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(blob)
	return signedcookie.Sign(payload, e.cfg.Secret), nil
}

// openChallenge verifies the cookie, decodes the state, and checks that it
// was minted for the expected ceremony context within the challenge TTL.
func (e *Engine) openChallenge(cookieValue, wantContext string) (webauthnChallenge, error) {
	payload, ok := signedcookie.Verify(cookieValue, e.cfg.Secret)
	if !ok {
		return webauthnChallenge{}, ErrVerificationFailed
	}
	blob, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return webauthnChallenge{}, ErrVerificationFailed
	}
	var c webauthnChallenge
	if err := json.Unmarshal(blob, &c); err != nil {
		return webauthnChallenge{}, ErrVerificationFailed
	}
	if c.Context != wantContext {
		return webauthnChallenge{}, ErrVerificationFailed
	}
	if !c.Session.Expires.IsZero() && e.now().After(c.Session.Expires) {
		return webauthnChallenge{}, ErrVerificationFailed
	}
	return c, nil
}

func (e *Engine) requireWebAuthn() error {
	if e.webAuthn == nil || e.stores.Passkeys == nil {
		return ErrConfigMissing
	}
	return nil
}

// BeginPasskeyRegistration starts a registration ceremony for a signed-in
// user. Existing credentials are excluded so an authenticator never
// double-registers. The returned cookie value must come back on finish.
func (e *Engine) BeginPasskeyRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, string, error) {
	if err := e.ensureReady(); err != nil {
		return nil, "", err
	}
	if err := e.requireWebAuthn(); err != nil {
		return nil, "", err
	}

	user, err := e.loadPasskeyUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.credentials))
	for _, cred := range user.credentials {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: cred.ID,
		})
	}

	options, session, err := e.webAuthn.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementPreferred),
		webauthn.WithConveyancePreference(protocol.PreferNoAttestation),
	)
	if err != nil {
		return nil, "", err
	}
	session.Expires = e.now().Add(e.cfg.Passkey.ChallengeTTL)

	cookie, err := e.signChallenge(webauthnChallenge{
		Session: *session,
		Context: webauthnContextRegistration,
	})
	if err != nil {
		return nil, "", err
	}
	return options, cookie, nil
}

// FinishPasskeyRegistration validates the authenticator's attestation
// response and stores the new credential. Every ceremony failure surfaces
// as ErrVerificationFailed.
func (e *Engine) FinishPasskeyRegistration(ctx context.Context, userID, challengeCookie, name string, response io.Reader, meta RequestMeta) (PasskeyRecord, error) {
	if err := e.ensureReady(); err != nil {
		return PasskeyRecord{}, err
	}
	if err := e.requireWebAuthn(); err != nil {
		return PasskeyRecord{}, err
	}

	challenge, err := e.openChallenge(challengeCookie, webauthnContextRegistration)
	if err != nil {
		e.passkeyFailure(ctx, userID, meta, err)
		return PasskeyRecord{}, err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(response)
	if err != nil {
		e.passkeyFailure(ctx, userID, meta, ErrVerificationFailed)
		return PasskeyRecord{}, ErrVerificationFailed
	}

	user, err := e.loadPasskeyUser(ctx, userID)
	if err != nil {
		return PasskeyRecord{}, err
	}

	cred, err := e.webAuthn.CreateCredential(user, challenge.Session, parsed)
	if err != nil {
		e.passkeyFailure(ctx, userID, meta, ErrVerificationFailed)
		return PasskeyRecord{}, ErrVerificationFailed
	}

	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	if strings.TrimSpace(name) == "" {
		name = "Passkey"
	}

	record := PasskeyRecord{
		ID:              uuid.NewString(),
		UserID:          userID,
		CredentialID:    cred.ID,
		PublicKey:       cred.PublicKey,
		AttestationType: cred.AttestationType,
		Transports:      transports,
		SignCount:       cred.Authenticator.SignCount,
		BackupEligible:  cred.Flags.BackupEligible,
		BackupState:     cred.Flags.BackupState,
		Name:            name,
		CreatedAt:       e.now(),
	}
	if err := e.stores.Passkeys.Insert(ctx, record); err != nil {
		return PasskeyRecord{}, err
	}

	e.metricInc(MetricPasskeyRegistered)
	e.emitAudit(ctx, auditEventPasskeyRegistered, true, userID, meta, nil,
		map[string]string{"passkey": record.ID})
	return record, nil
}

// BeginPasskeyLogin starts a discoverable (usernameless) authentication
// ceremony. No credential allow-list is sent; the authenticator picks.
func (e *Engine) BeginPasskeyLogin(ctx context.Context) (*protocol.CredentialAssertion, string, error) {
	if err := e.ensureReady(); err != nil {
		return nil, "", err
	}
	if err := e.requireWebAuthn(); err != nil {
		return nil, "", err
	}

	options, session, err := e.webAuthn.BeginDiscoverableLogin()
	if err != nil {
		return nil, "", err
	}
	session.Expires = e.now().Add(e.cfg.Passkey.ChallengeTTL)

	cookie, err := e.signChallenge(webauthnChallenge{
		Session: *session,
		Context: webauthnContextLogin,
	})
	if err != nil {
		return nil, "", err
	}
	return options, cookie, nil
}

// FinishPasskeyLogin validates an assertion, rejects cloned authenticators,
// bumps the signature counter, and completes primary authentication.
func (e *Engine) FinishPasskeyLogin(ctx context.Context, challengeCookie string, response io.Reader, meta RequestMeta) (LoginResult, error) {
	if err := e.ensureReady(); err != nil {
		return LoginResult{}, err
	}
	if err := e.requireWebAuthn(); err != nil {
		return LoginResult{}, err
	}

	challenge, err := e.openChallenge(challengeCookie, webauthnContextLogin)
	if err != nil {
		e.passkeyFailure(ctx, "", meta, err)
		return LoginResult{}, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(response)
	if err != nil {
		e.passkeyFailure(ctx, "", meta, ErrVerificationFailed)
		return LoginResult{}, ErrVerificationFailed
	}

	var record PasskeyRecord
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		r, err := e.stores.Passkeys.GetByCredentialID(ctx, rawID)
		if err != nil {
			return nil, err
		}
		record = r
		return e.loadPasskeyUser(ctx, r.UserID)
	}

	cred, err := e.webAuthn.ValidateDiscoverableLogin(handler, challenge.Session, parsed)
	if err != nil {
		e.passkeyFailure(ctx, record.UserID, meta, ErrVerificationFailed)
		return LoginResult{}, ErrVerificationFailed
	}

	if cred.Authenticator.CloneWarning {
		// Counter regression. Fail closed but tell the operator why.
		e.metricInc(MetricPasskeyCloneDetected)
		e.emitAudit(ctx, auditEventPasskeyCloneDetected, false, record.UserID, meta, ErrVerificationFailed,
			map[string]string{"passkey": record.ID})
		return LoginResult{}, ErrVerificationFailed
	}

	if err := e.stores.Passkeys.UpdateSignCount(ctx, record.ID, cred.Authenticator.SignCount, e.now()); err != nil {
		return LoginResult{}, err
	}

	result, err := e.finishPrimaryAuth(ctx, record.UserID, meta)
	if err != nil {
		return LoginResult{}, err
	}

	e.metricInc(MetricPasskeyAuthenticated)
	if !result.MFARequired {
		e.metricInc(MetricLoginSuccess)
	}
	e.emitAudit(ctx, auditEventPasskeyAuthenticated, true, record.UserID, meta, nil,
		map[string]string{"passkey": record.ID})
	return result, nil
}

func (e *Engine) passkeyFailure(ctx context.Context, userID string, meta RequestMeta, err error) {
	e.metricInc(MetricPasskeyFailure)
	e.emitAudit(ctx, auditEventPasskeyFailure, false, userID, meta, err, nil)
}

// ListPasskeys returns the user's registered credentials.
func (e *Engine) ListPasskeys(ctx context.Context, userID string) ([]PasskeyRecord, error) {
	if err := e.ensureReady(); err != nil {
		return nil, err
	}
	if e.stores.Passkeys == nil {
		return nil, ErrConfigMissing
	}
	return e.stores.Passkeys.ListForUser(ctx, userID)
}

// RenamePasskey updates a credential's display name. The user scoping in
// the store keeps one user from renaming another's key.
func (e *Engine) RenamePasskey(ctx context.Context, userID, passkeyID, name string) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	if e.stores.Passkeys == nil {
		return ErrConfigMissing
	}
	if strings.TrimSpace(name) == "" {
		return errors.New("passkey name must not be empty")
	}
	return e.stores.Passkeys.Rename(ctx, passkeyID, userID, name)
}

// DeletePasskey removes a credential unless it is the account's last way to
// sign in.
func (e *Engine) DeletePasskey(ctx context.Context, userID, passkeyID string, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	if e.stores.Passkeys == nil {
		return ErrConfigMissing
	}

	methods, err := e.AuthMethods(ctx, userID)
	if err != nil {
		return err
	}
	if methods.Total() <= 1 {
		return ErrLastAuthMethod
	}

	if err := e.stores.Passkeys.Delete(ctx, passkeyID, userID); err != nil {
		return err
	}
	e.emitAudit(ctx, auditEventPasskeyRemoved, true, userID, meta, nil,
		map[string]string{"passkey": passkeyID})
	return nil
}
