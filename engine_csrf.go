package ember

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/emberauth/ember/internal"
	"github.com/emberauth/ember/signedcookie"
)

// CSRFToken pairs the raw token embedded in forms with the signed value
// stored in the HttpOnly cookie.
type CSRFToken struct {
	// Raw goes into the hidden form field or the request header.
	Raw string
	// Signed goes into the CSRF cookie.
	Signed string
}

// IssueCSRFToken mints a fresh double-submit pair. Issue one whenever a
// response sets a session cookie and on any response that has none yet.
func (e *Engine) IssueCSRFToken() (CSRFToken, error) {
	if err := e.ensureReady(); err != nil {
		return CSRFToken{}, err
	}

	raw, err := internal.NewToken(32)
	if err != nil {
		return CSRFToken{}, err
	}
	return CSRFToken{
		Raw:    raw,
		Signed: signedcookie.Sign(raw, e.cfg.Secret),
	}, nil
}

// ValidateCSRF checks the double-submit pair: the cookie signature must
// verify and its payload must equal the submitted field value. Every
// failure mode returns ErrCSRFRejected; callers must not distinguish them.
func (e *Engine) ValidateCSRF(ctx context.Context, cookieValue, submittedValue string) error {
	if err := e.ensureReady(); err != nil {
		return err
	}

	err := e.validateCSRF(cookieValue, submittedValue)
	if err != nil {
		e.metricInc(MetricCSRFRejected)
		e.emitAudit(ctx, auditEventCSRFRejected, false, "", RequestMeta{}, err, nil)
	}
	return err
}

func (e *Engine) validateCSRF(cookieValue, submittedValue string) error {
	if cookieValue == "" {
		return fmt.Errorf("%w: missing cookie", ErrCSRFRejected)
	}
	if submittedValue == "" {
		return fmt.Errorf("%w: missing field", ErrCSRFRejected)
	}

	payload, ok := signedcookie.Verify(cookieValue, e.cfg.Secret)
	if !ok {
		return fmt.Errorf("%w: bad signature", ErrCSRFRejected)
	}

	if len(payload) != len(submittedValue) {
		return fmt.Errorf("%w: token mismatch", ErrCSRFRejected)
	}
	if subtle.ConstantTimeCompare([]byte(payload), []byte(submittedValue)) != 1 {
		return fmt.Errorf("%w: token mismatch", ErrCSRFRejected)
	}

	return nil
}
