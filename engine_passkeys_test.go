package ember

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
)

func withPasskeyRP(cfg *Config) {
	cfg.Passkey.RPID = "example.com"
	cfg.Passkey.RPDisplayName = "Example"
	cfg.Passkey.RPOrigins = []string{"https://example.com"}
}

func TestBeginPasskeyRegistration(t *testing.T) {
	env := newTestEnv(t, withPasskeyRP)
	ctx := context.Background()

	result := env.signup(t, "alice@example.com", "correct horse battery")

	options, cookie, err := env.engine.BeginPasskeyRegistration(ctx, result.User.ID)
	if err != nil {
		t.Fatalf("BeginPasskeyRegistration failed: %v", err)
	}
	if options.Response.RelyingParty.ID != "example.com" {
		t.Fatalf("RP ID = %q", options.Response.RelyingParty.ID)
	}
	if len(options.Response.Challenge) == 0 {
		t.Fatal("no challenge issued")
	}
	handle, ok := options.Response.User.ID.(protocol.URLEncodedBase64)
	if !ok || string(handle) != result.User.ID {
		t.Fatalf("user handle = %v", options.Response.User.ID)
	}

	// The cookie opens for the registration context only.
	if _, err := env.engine.openChallenge(cookie, webauthnContextRegistration); err != nil {
		t.Fatalf("openChallenge failed: %v", err)
	}
	if _, err := env.engine.openChallenge(cookie, webauthnContextLogin); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("wrong context: got %v, want ErrVerificationFailed", err)
	}
}

func TestBeginPasskeyRegistrationExcludesExistingCredentials(t *testing.T) {
	env := newTestEnv(t, withPasskeyRP)
	ctx := context.Background()

	result := env.signup(t, "alice@example.com", "correct horse battery")
	credentialID := []byte("existing-credential-id")
	if err := env.passkeys.Insert(ctx, PasskeyRecord{
		ID: "pk-1", UserID: result.User.ID, CredentialID: credentialID, Name: "Laptop",
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	options, _, err := env.engine.BeginPasskeyRegistration(ctx, result.User.ID)
	if err != nil {
		t.Fatalf("BeginPasskeyRegistration failed: %v", err)
	}
	if len(options.Response.CredentialExcludeList) != 1 {
		t.Fatalf("exclusions = %d, want 1", len(options.Response.CredentialExcludeList))
	}
	if string(options.Response.CredentialExcludeList[0].CredentialID) != string(credentialID) {
		t.Fatal("wrong credential excluded")
	}
}

func TestPasskeyChallengeExpires(t *testing.T) {
	env := newTestEnv(t, withPasskeyRP)
	ctx := context.Background()

	result := env.signup(t, "alice@example.com", "correct horse battery")
	_, cookie, err := env.engine.BeginPasskeyRegistration(ctx, result.User.ID)
	if err != nil {
		t.Fatalf("BeginPasskeyRegistration failed: %v", err)
	}

	env.clock.Advance(5*time.Minute + time.Second)

	if _, err := env.engine.openChallenge(cookie, webauthnContextRegistration); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("got %v, want ErrVerificationFailed", err)
	}
}

func TestFinishPasskeyRegistrationRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, withPasskeyRP)
	ctx := context.Background()

	result := env.signup(t, "alice@example.com", "correct horse battery")
	_, cookie, err := env.engine.BeginPasskeyRegistration(ctx, result.User.ID)
	if err != nil {
		t.Fatalf("BeginPasskeyRegistration failed: %v", err)
	}

	// Tampered challenge cookie.
	if _, err := env.engine.FinishPasskeyRegistration(ctx, result.User.ID, cookie+"x", "Laptop",
		strings.NewReader("{}"), testMeta); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("tampered cookie: got %v, want ErrVerificationFailed", err)
	}

	// Valid cookie, unparseable attestation.
	if _, err := env.engine.FinishPasskeyRegistration(ctx, result.User.ID, cookie, "Laptop",
		strings.NewReader("not json"), testMeta); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("garbage response: got %v, want ErrVerificationFailed", err)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricPasskeyFailure]; got != 2 {
		t.Fatalf("failure counter = %d, want 2", got)
	}
}

func TestBeginPasskeyLoginIsDiscoverable(t *testing.T) {
	env := newTestEnv(t, withPasskeyRP)

	options, cookie, err := env.engine.BeginPasskeyLogin(context.Background())
	if err != nil {
		t.Fatalf("BeginPasskeyLogin failed: %v", err)
	}
	// Usernameless: the authenticator picks, no allow-list is sent.
	if len(options.Response.AllowedCredentials) != 0 {
		t.Fatalf("allow-list has %d entries, want 0", len(options.Response.AllowedCredentials))
	}
	if _, err := env.engine.openChallenge(cookie, webauthnContextLogin); err != nil {
		t.Fatalf("openChallenge failed: %v", err)
	}
}

func TestFinishPasskeyLoginRejectsGarbage(t *testing.T) {
	env := newTestEnv(t, withPasskeyRP)
	ctx := context.Background()

	_, cookie, err := env.engine.BeginPasskeyLogin(ctx)
	if err != nil {
		t.Fatalf("BeginPasskeyLogin failed: %v", err)
	}

	if _, err := env.engine.FinishPasskeyLogin(ctx, "bad-cookie",
		strings.NewReader("{}"), testMeta); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("bad cookie: got %v, want ErrVerificationFailed", err)
	}
	if _, err := env.engine.FinishPasskeyLogin(ctx, cookie,
		strings.NewReader("not json"), testMeta); !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("garbage assertion: got %v, want ErrVerificationFailed", err)
	}
}

func TestPasskeyFlowsRequireRelyingParty(t *testing.T) {
	// Passkey store present but no RP configured.
	env := newTestEnv(t)
	ctx := context.Background()

	if _, _, err := env.engine.BeginPasskeyRegistration(ctx, "u"); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("registration: got %v, want ErrConfigMissing", err)
	}
	if _, _, err := env.engine.BeginPasskeyLogin(ctx); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("login: got %v, want ErrConfigMissing", err)
	}
}

func TestRenameAndListPasskeys(t *testing.T) {
	env := newTestEnv(t, withPasskeyRP)
	ctx := context.Background()

	result := env.signup(t, "alice@example.com", "correct horse battery")
	if err := env.passkeys.Insert(ctx, PasskeyRecord{
		ID: "pk-1", UserID: result.User.ID, CredentialID: []byte("cred"), Name: "Laptop",
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := env.engine.RenamePasskey(ctx, result.User.ID, "pk-1", "Work laptop"); err != nil {
		t.Fatalf("RenamePasskey failed: %v", err)
	}
	if err := env.engine.RenamePasskey(ctx, result.User.ID, "pk-1", "  "); err == nil {
		t.Fatal("blank name must be rejected")
	}
	if err := env.engine.RenamePasskey(ctx, "someone-else", "pk-1", "Stolen"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user rename: got %v, want ErrNotFound", err)
	}

	keys, err := env.engine.ListPasskeys(ctx, result.User.ID)
	if err != nil {
		t.Fatalf("ListPasskeys failed: %v", err)
	}
	if len(keys) != 1 || keys[0].Name != "Work laptop" {
		t.Fatalf("unexpected list %+v", keys)
	}
}

func TestDeletePasskeyKeepsLastAuthMethod(t *testing.T) {
	env := newTestEnv(t, withPasskeyRP)
	ctx := context.Background()

	// Passkey-only account.
	bundle, err := env.users.CreateBundle(ctx, NewUserBundle{
		UserID: "carol-id", Email: "carol@example.com", WorkspaceID: "ws-carol",
	})
	if err != nil {
		t.Fatalf("CreateBundle failed: %v", err)
	}
	if err := env.passkeys.Insert(ctx, PasskeyRecord{
		ID: "pk-1", UserID: bundle.ID, CredentialID: []byte("cred"), Name: "Phone",
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := env.engine.DeletePasskey(ctx, bundle.ID, "pk-1", testMeta); !errors.Is(err, ErrLastAuthMethod) {
		t.Fatalf("got %v, want ErrLastAuthMethod", err)
	}

	// With a second key the first one can go.
	if err := env.passkeys.Insert(ctx, PasskeyRecord{
		ID: "pk-2", UserID: bundle.ID, CredentialID: []byte("cred-2"), Name: "Tablet",
	}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := env.engine.DeletePasskey(ctx, bundle.ID, "pk-1", testMeta); err != nil {
		t.Fatalf("DeletePasskey failed: %v", err)
	}
	if n, _ := env.passkeys.CountForUser(ctx, bundle.ID); n != 1 {
		t.Fatalf("passkeys = %d, want 1", n)
	}
}
