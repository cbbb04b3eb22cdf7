package ember

import (
	"net/http"
	"time"
)

// Cookie names. The CSRF cookie gains the __Host- prefix in production so
// browsers refuse it unless it was set over HTTPS with Path=/ and no Domain.
const (
	CookieSession           = "em_session"
	CookieCSRF              = "em_csrf"
	CookieMFAPending        = "em_mfa_pending"
	CookieWebAuthnChallenge = "em_webauthn_challenge"
	CookieOAuthState        = "em_oauth_state"
)

// CSRFCookieName returns the deployment-dependent CSRF cookie name.
func (e *Engine) CSRFCookieName() string {
	if e.cfg.Security.ProductionMode {
		return "__Host-" + CookieCSRF
	}
	return CookieCSRF
}

func (e *Engine) baseCookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   e.cfg.Security.ProductionMode,
		SameSite: http.SameSiteLaxMode,
	}
}

// SessionCookie wraps a signed session token in the sliding-window cookie.
// Max-Age restarts at IdleMaxAge on every authenticated response; the
// absolute ceiling is enforced server-side against the session row.
func (e *Engine) SessionCookie(signedToken string) *http.Cookie {
	c := e.baseCookie(CookieSession, signedToken)
	c.MaxAge = int(e.cfg.Session.IdleMaxAge / time.Second)
	return c
}

// CSRFCookie carries the signed CSRF token for the session's lifetime
// (no Max-Age, session cookie).
func (e *Engine) CSRFCookie(signedToken string) *http.Cookie {
	return e.baseCookie(e.CSRFCookieName(), signedToken)
}

// MFAPendingCookie marks a half-finished login. The TTL is also embedded in
// the signed payload and checked server-side; Max-Age is a convenience.
func (e *Engine) MFAPendingCookie(signedPayload string) *http.Cookie {
	c := e.baseCookie(CookieMFAPending, signedPayload)
	c.MaxAge = int(e.cfg.MFA.PendingTTL / time.Second)
	return c
}

// WebAuthnChallengeCookie stores the signed ceremony state between begin and
// finish.
func (e *Engine) WebAuthnChallengeCookie(signedPayload string) *http.Cookie {
	c := e.baseCookie(CookieWebAuthnChallenge, signedPayload)
	c.MaxAge = int(e.cfg.Passkey.ChallengeTTL / time.Second)
	return c
}

// OAuthStateCookie stores the signed state blob between redirect and
// callback.
func (e *Engine) OAuthStateCookie(signedPayload string) *http.Cookie {
	c := e.baseCookie(CookieOAuthState, signedPayload)
	c.MaxAge = int(e.cfg.Social.StateTTL / time.Second)
	return c
}

// ClearCookie expires a cookie by name.
func (e *Engine) ClearCookie(name string) *http.Cookie {
	c := e.baseCookie(name, "")
	c.MaxAge = -1
	return c
}
