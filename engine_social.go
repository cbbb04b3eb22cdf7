package ember

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/emberauth/ember/internal"
	"github.com/emberauth/ember/signedcookie"
	"github.com/google/uuid"
)

// Provider identifies an external OAuth identity provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
)

// SocialMode distinguishes signing in from attaching a provider to an
// existing account.
type SocialMode string

const (
	SocialModeLogin SocialMode = "login"
	SocialModeLink  SocialMode = "link"
)

// socialProfile is the normalized identity a provider reports after code
// exchange.
type socialProfile struct {
	ProviderUserID string
	Email          string
	EmailVerified  bool
	DisplayName    string
}

type socialProvider interface {
	name() Provider
	usesPKCE() bool
	oauthConfig() *oauth2.Config
	fetchProfile(ctx context.Context, token *oauth2.Token) (socialProfile, error)
}

func buildSocialProviders(cfg SocialConfig) map[Provider]socialProvider {
	providers := make(map[Provider]socialProvider, 2)
	if cfg.Google.ClientID != "" {
		providers[ProviderGoogle] = &googleProvider{
			config: &oauth2.Config{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				RedirectURL:  cfg.Google.RedirectURL,
				Endpoint:     google.Endpoint,
				Scopes:       []string{"openid", "email", "profile"},
			},
			userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		}
	}
	if cfg.GitHub.ClientID != "" {
		providers[ProviderGitHub] = &githubProvider{
			config: &oauth2.Config{
				ClientID:     cfg.GitHub.ClientID,
				ClientSecret: cfg.GitHub.ClientSecret,
				RedirectURL:  cfg.GitHub.RedirectURL,
				Endpoint:     github.Endpoint,
				Scopes:       []string{"read:user", "user:email"},
			},
			userURL:   "https://api.github.com/user",
			emailsURL: "https://api.github.com/user/emails",
		}
	}
	return providers
}

// googleProvider uses the OIDC userinfo endpoint. Google reports email
// verification directly.
type googleProvider struct {
	config      *oauth2.Config
	userInfoURL string
}

func (p *googleProvider) name() Provider              { return ProviderGoogle }
func (p *googleProvider) usesPKCE() bool              { return true }
func (p *googleProvider) oauthConfig() *oauth2.Config { return p.config }

func (p *googleProvider) fetchProfile(ctx context.Context, token *oauth2.Token) (socialProfile, error) {
	client := p.config.Client(ctx, token)
	resp, err := client.Get(p.userInfoURL)
	if err != nil {
		return socialProfile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return socialProfile{}, fmt.Errorf("google userinfo: status %d", resp.StatusCode)
	}

	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return socialProfile{}, err
	}
	if info.Sub == "" {
		return socialProfile{}, errors.New("google userinfo: missing subject")
	}
	return socialProfile{
		ProviderUserID: info.Sub,
		Email:          info.Email,
		EmailVerified:  info.EmailVerified,
		DisplayName:    info.Name,
	}, nil
}

// githubProvider needs a second call for the email list; only the primary
// verified address counts as verified.
type githubProvider struct {
	config    *oauth2.Config
	userURL   string
	emailsURL string
}

func (p *githubProvider) name() Provider              { return ProviderGitHub }
func (p *githubProvider) usesPKCE() bool              { return false }
func (p *githubProvider) oauthConfig() *oauth2.Config { return p.config }

func (p *githubProvider) fetchProfile(ctx context.Context, token *oauth2.Token) (socialProfile, error) {
	client := p.config.Client(ctx, token)

	resp, err := client.Get(p.userURL)
	if err != nil {
		return socialProfile{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return socialProfile{}, fmt.Errorf("github user: status %d", resp.StatusCode)
	}

	var user struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return socialProfile{}, err
	}
	if user.ID == 0 {
		return socialProfile{}, errors.New("github user: missing id")
	}

	profile := socialProfile{
		ProviderUserID: fmt.Sprintf("%d", user.ID),
		Email:          user.Email,
		DisplayName:    user.Name,
	}
	if profile.DisplayName == "" {
		profile.DisplayName = user.Login
	}

	emailResp, err := client.Get(p.emailsURL)
	if err != nil {
		return profile, nil
	}
	defer emailResp.Body.Close()
	if emailResp.StatusCode != http.StatusOK {
		return profile, nil
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(emailResp.Body).Decode(&emails); err != nil {
		return profile, nil
	}
	for _, em := range emails {
		if em.Primary {
			profile.Email = em.Email
			profile.EmailVerified = em.Verified
			break
		}
	}
	return profile, nil
}

// oauthState is the signed cross-request state. For link mode the acting
// user's id rides in the signed payload, so the callback trusts it without
// a session lookup.
type oauthState struct {
	State        string     `json:"state"`
	CodeVerifier string     `json:"code_verifier,omitempty"`
	Provider     Provider   `json:"provider"`
	Mode         SocialMode `json:"mode"`
	RedirectTo   string     `json:"redirect_to,omitempty"`
	LinkUserID   string     `json:"link_user_id,omitempty"`
	IssuedAtMS   int64      `json:"iat"`
}

// SocialBegin is the redirect target plus the state cookie to set.
type SocialBegin struct {
	AuthURL     string
	StateCookie string
}

// SocialCallbackResult is the outcome of HandleSocialCallback. For login
// mode Login is populated; for link mode Linked is true.
type SocialCallbackResult struct {
	Mode       SocialMode
	Login      LoginResult
	Linked     bool
	UserID     string
	RedirectTo string
}

func (e *Engine) provider(name Provider) (socialProvider, error) {
	p, ok := e.social[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q not configured", ErrConfigMissing, name)
	}
	return p, nil
}

// BeginSocialLogin builds the provider authorization URL and the signed
// state cookie. linkUserID is required in link mode and ignored otherwise.
func (e *Engine) BeginSocialLogin(ctx context.Context, name Provider, mode SocialMode, redirectTo, linkUserID string) (SocialBegin, error) {
	if err := e.ensureReady(); err != nil {
		return SocialBegin{}, err
	}

	p, err := e.provider(name)
	if err != nil {
		return SocialBegin{}, err
	}
	if mode == SocialModeLink && linkUserID == "" {
		return SocialBegin{}, errors.New("link mode requires a user id")
	}

	stateValue, err := internal.NewToken(16)
	if err != nil {
		return SocialBegin{}, err
	}

	state := oauthState{
		State:      stateValue,
		Provider:   name,
		Mode:       mode,
		RedirectTo: redirectTo,
		LinkUserID: linkUserID,
		IssuedAtMS: e.now().UnixMilli(),
	}

	var authOpts []oauth2.AuthCodeOption
	if p.usesPKCE() {
		verifier := oauth2.GenerateVerifier()
		state.CodeVerifier = verifier
		authOpts = append(authOpts, oauth2.S256ChallengeOption(verifier))
	}

	blob, err := json.Marshal(state)
	if err != nil {
		return SocialBegin{}, err
	}
	payload := base64.RawURLEncoding.EncodeToString(blob)

	return SocialBegin{
		AuthURL:     p.oauthConfig().AuthCodeURL(stateValue, authOpts...),
		StateCookie: signedcookie.Sign(payload, e.cfg.Secret),
	}, nil
}

func (e *Engine) openState(cookieValue, callbackState string) (oauthState, error) {
	payload, ok := signedcookie.Verify(cookieValue, e.cfg.Secret)
	if !ok {
		return oauthState{}, ErrStateMismatch
	}
	blob, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return oauthState{}, ErrStateMismatch
	}
	var state oauthState
	if err := json.Unmarshal(blob, &state); err != nil {
		return oauthState{}, ErrStateMismatch
	}

	if len(state.State) != len(callbackState) ||
		subtle.ConstantTimeCompare([]byte(state.State), []byte(callbackState)) != 1 {
		return oauthState{}, ErrStateMismatch
	}

	issued := time.UnixMilli(state.IssuedAtMS)
	if e.now().Sub(issued) > e.cfg.Social.StateTTL || e.now().Before(issued) {
		return oauthState{}, ErrStateMismatch
	}

	return state, nil
}

// HandleSocialCallback finishes the OAuth dance: state check, code
// exchange, profile fetch, then either login or link. A brand-new login
// identity creates a full account bundle; an unknown identity whose
// provider-verified email matches an existing account links automatically.
// Unverified emails never auto-link.
func (e *Engine) HandleSocialCallback(ctx context.Context, stateCookie, callbackState, code string, meta RequestMeta) (SocialCallbackResult, error) {
	if err := e.ensureReady(); err != nil {
		return SocialCallbackResult{}, err
	}
	if e.stores.Social == nil {
		return SocialCallbackResult{}, ErrConfigMissing
	}

	state, err := e.openState(stateCookie, callbackState)
	if err != nil {
		e.socialFailure(ctx, "", meta, err)
		return SocialCallbackResult{}, err
	}

	p, err := e.provider(state.Provider)
	if err != nil {
		return SocialCallbackResult{}, err
	}

	var exchangeOpts []oauth2.AuthCodeOption
	if state.CodeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(state.CodeVerifier))
	}
	token, err := p.oauthConfig().Exchange(ctx, code, exchangeOpts...)
	if err != nil {
		e.socialFailure(ctx, "", meta, err)
		return SocialCallbackResult{}, fmt.Errorf("oauth exchange: %w", err)
	}

	profile, err := p.fetchProfile(ctx, token)
	if err != nil {
		e.socialFailure(ctx, "", meta, err)
		return SocialCallbackResult{}, fmt.Errorf("fetch profile: %w", err)
	}

	if state.Mode == SocialModeLink {
		return e.finishSocialLink(ctx, state, p.name(), profile, meta)
	}
	return e.finishSocialLogin(ctx, state, p.name(), profile, meta)
}

func (e *Engine) finishSocialLink(ctx context.Context, state oauthState, provider Provider, profile socialProfile, meta RequestMeta) (SocialCallbackResult, error) {
	existing, err := e.stores.Social.Find(ctx, provider, profile.ProviderUserID)
	switch {
	case err == nil:
		if existing.UserID != state.LinkUserID {
			e.socialFailure(ctx, state.LinkUserID, meta, ErrIdentityLinkedElsewhere)
			return SocialCallbackResult{}, ErrIdentityLinkedElsewhere
		}
		// Already linked to this account; idempotent.
	case errors.Is(err, ErrNotFound):
		if err := e.stores.Social.Insert(ctx, SocialIdentityRecord{
			UserID:         state.LinkUserID,
			Provider:       provider,
			ProviderUserID: profile.ProviderUserID,
			Email:          profile.Email,
			DisplayName:    profile.DisplayName,
			CreatedAt:      e.now(),
		}); err != nil {
			return SocialCallbackResult{}, err
		}
	default:
		return SocialCallbackResult{}, err
	}

	e.metricInc(MetricSocialLinked)
	e.emitAudit(ctx, auditEventSocialLinked, true, state.LinkUserID, meta, nil,
		map[string]string{"provider": string(provider)})

	return SocialCallbackResult{
		Mode:       SocialModeLink,
		Linked:     true,
		UserID:     state.LinkUserID,
		RedirectTo: state.RedirectTo,
	}, nil
}

func (e *Engine) finishSocialLogin(ctx context.Context, state oauthState, provider Provider, profile socialProfile, meta RequestMeta) (SocialCallbackResult, error) {
	identity, err := e.stores.Social.Find(ctx, provider, profile.ProviderUserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return SocialCallbackResult{}, err
	}

	var userID string
	switch {
	case err == nil:
		userID = identity.UserID

	case profile.EmailVerified && profile.Email != "":
		user, lookupErr := e.stores.Users.GetByEmail(ctx, profile.Email)
		switch {
		case lookupErr == nil:
			// Provider vouched for the address, so attach the identity to
			// the existing account.
			if err := e.stores.Social.Insert(ctx, SocialIdentityRecord{
				UserID:         user.ID,
				Provider:       provider,
				ProviderUserID: profile.ProviderUserID,
				Email:          profile.Email,
				DisplayName:    profile.DisplayName,
				CreatedAt:      e.now(),
			}); err != nil {
				return SocialCallbackResult{}, err
			}
			userID = user.ID
		case errors.Is(lookupErr, ErrNotFound):
			created, err := e.createSocialUser(ctx, provider, profile)
			if err != nil {
				return SocialCallbackResult{}, err
			}
			userID = created.ID
		default:
			return SocialCallbackResult{}, lookupErr
		}

	default:
		if profile.Email == "" {
			e.socialFailure(ctx, "", meta, errors.New("provider returned no email"))
			return SocialCallbackResult{}, fmt.Errorf("%w: provider returned no usable email", ErrVerificationFailed)
		}
		// Unverified email: never attach to an existing account. A new
		// isolated account is still safe.
		if _, lookupErr := e.stores.Users.GetByEmail(ctx, profile.Email); lookupErr == nil {
			e.socialFailure(ctx, "", meta, errors.New("unverified email collides with existing account"))
			return SocialCallbackResult{}, fmt.Errorf("%w: email not verified by provider", ErrVerificationFailed)
		} else if !errors.Is(lookupErr, ErrNotFound) {
			return SocialCallbackResult{}, lookupErr
		}
		created, err := e.createSocialUser(ctx, provider, profile)
		if err != nil {
			return SocialCallbackResult{}, err
		}
		userID = created.ID
	}

	result, err := e.finishPrimaryAuth(ctx, userID, meta)
	if err != nil {
		return SocialCallbackResult{}, err
	}

	e.metricInc(MetricSocialLoginSuccess)
	if !result.MFARequired {
		e.metricInc(MetricLoginSuccess)
	}
	e.emitAudit(ctx, auditEventSocialLoginSuccess, true, userID, meta, nil,
		map[string]string{"provider": string(provider)})

	return SocialCallbackResult{
		Mode:       SocialModeLogin,
		Login:      result,
		UserID:     userID,
		RedirectTo: state.RedirectTo,
	}, nil
}

func (e *Engine) createSocialUser(ctx context.Context, provider Provider, profile socialProfile) (UserRecord, error) {
	displayName := profile.DisplayName
	if displayName == "" {
		displayName = profile.Email
	}
	return e.stores.Users.CreateBundle(ctx, NewUserBundle{
		UserID:        uuid.NewString(),
		Email:         profile.Email,
		DisplayName:   displayName,
		EmailVerified: profile.EmailVerified,
		WorkspaceID:   uuid.NewString(),
		WorkspaceName: displayName,
		Identity: &SocialIdentityRecord{
			Provider:       provider,
			ProviderUserID: profile.ProviderUserID,
			Email:          profile.Email,
			DisplayName:    profile.DisplayName,
		},
	})
}

func (e *Engine) socialFailure(ctx context.Context, userID string, meta RequestMeta, err error) {
	e.metricInc(MetricSocialLoginFailure)
	e.emitAudit(ctx, auditEventSocialLoginFailure, false, userID, meta, err, nil)
}

// UnlinkSocialIdentity detaches a provider from the account unless it is
// the last remaining way to sign in.
func (e *Engine) UnlinkSocialIdentity(ctx context.Context, userID string, provider Provider, meta RequestMeta) error {
	if err := e.ensureReady(); err != nil {
		return err
	}
	if e.stores.Social == nil {
		return ErrConfigMissing
	}

	methods, err := e.AuthMethods(ctx, userID)
	if err != nil {
		return err
	}
	if methods.Total() <= 1 {
		return ErrLastAuthMethod
	}

	if err := e.stores.Social.Delete(ctx, userID, provider); err != nil {
		return err
	}

	e.metricInc(MetricSocialUnlinked)
	e.emitAudit(ctx, auditEventSocialUnlinked, true, userID, meta, nil,
		map[string]string{"provider": string(provider)})
	return nil
}
