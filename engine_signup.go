package ember

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SignupInput is a new email+password registration.
type SignupInput struct {
	Email       string
	DisplayName string
	Password    string
}

// SignupResult carries the created user and their first session.
type SignupResult struct {
	User    UserRecord
	Session SessionHandle
}

// Signup registers a new account. The user, their personal workspace, the
// owner membership, and the password credential are created in one atomic
// bundle; a half-created account never exists. The verification email is
// best-effort and the session is minted last.
func (e *Engine) Signup(ctx context.Context, input SignupInput, meta RequestMeta) (SignupResult, error) {
	if err := e.ensureReady(); err != nil {
		return SignupResult{}, err
	}

	if err := e.checkRate(ctx, "signup", meta.IP, e.cfg.RateLimit.Signup); err != nil {
		return SignupResult{}, err
	}

	if len(input.Password) < e.cfg.Password.MinLength {
		return SignupResult{}, ErrPasswordPolicy
	}

	hash, err := e.hasher.Hash(input.Password)
	if err != nil {
		return SignupResult{}, err
	}

	workspaceName := input.DisplayName
	if workspaceName == "" {
		workspaceName = input.Email
	}

	user, err := e.stores.Users.CreateBundle(ctx, NewUserBundle{
		UserID:        uuid.NewString(),
		Email:         input.Email,
		DisplayName:   input.DisplayName,
		WorkspaceID:   uuid.NewString(),
		WorkspaceName: workspaceName,
		PasswordHash:  hash,
	})
	if err != nil {
		e.metricInc(MetricSignupDuplicate)
		e.emitAudit(ctx, auditEventSignup, false, "", meta, err, nil)
		return SignupResult{}, err
	}

	if raw, err := e.issueToken(ctx, TokenEmailVerification, user.ID); err == nil {
		e.sendEmail(ctx, Email{
			To:      user.Email,
			Subject: fmt.Sprintf("Verify your %s email", e.cfg.Email.AppName),
			Body:    e.tokenLink(e.cfg.Links.EmailVerificationURL, raw),
		})
	}

	handle, err := e.CreateSession(ctx, user.ID, meta)
	if err != nil {
		return SignupResult{}, err
	}

	e.metricInc(MetricSignupSuccess)
	e.emitAudit(ctx, auditEventSignup, true, user.ID, meta, nil, nil)

	return SignupResult{User: user, Session: handle}, nil
}
