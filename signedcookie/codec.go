// Package signedcookie implements the HMAC-SHA256 codec used for every
// cookie the engine issues: session, CSRF, MFA-pending, WebAuthn challenge,
// and OAuth state. A signed value has the form "{payload}.{signature}" where
// the signature is the base64url (unpadded) HMAC-SHA256 of the payload.
//
// The codec stores nothing server-side; tampering is detected purely by
// recomputing the signature. Each feature defines its own payload shape on
// top of this codec instead of re-implementing signing.
package signedcookie

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// Sign returns "{payload}.{hmac}" for the given payload. The payload must not
// be empty and should already be cookie-safe (base64url-encode binary or JSON
// payloads before signing).
func Sign(payload string, secret []byte) string {
	return payload + "." + signature(payload, secret)
}

// Verify checks the signature of a signed value and returns the raw payload.
// It returns ("", false) on any structural defect: missing separator, empty
// payload, signature length mismatch, or signature mismatch. It never panics
// on malformed input.
func Verify(signed string, secret []byte) (string, bool) {
	dot := strings.LastIndexByte(signed, '.')
	if dot <= 0 || dot == len(signed)-1 {
		return "", false
	}

	payload := signed[:dot]
	sig := signed[dot+1:]

	expected := signature(payload, secret)
	// HMAC-SHA256 always encodes to 43 base64url characters; a length
	// mismatch is a structurally invalid signature, not a partial match.
	if len(sig) != len(expected) {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return "", false
	}

	return payload, true
}

func signature(payload string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
