package ember

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/emberauth/ember/internal/audit"
)

// UserRecord is the account row the engine works with. EmailVerifiedAt is
// nil until the address has been confirmed.
type UserRecord struct {
	ID              string
	Email           string
	DisplayName     string
	EmailVerifiedAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SessionRecord is one server-side session row. Token is the raw 32-byte
// base64url value and doubles as the primary key; the cookie carries the
// signed form of it.
type SessionRecord struct {
	Token     string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	IPAddress string
	UserAgent string
}

// TokenKind partitions the single-use token family. Redemption of one kind
// invalidates every outstanding token of the same kind for that user.
type TokenKind string

const (
	TokenPasswordReset     TokenKind = "password_reset"
	TokenMagicLink         TokenKind = "magic_link"
	TokenEmailVerification TokenKind = "email_verification"
)

// SingleUseTokenRecord stores the SHA-256 digest of a token; the raw value
// exists only in the email link. UsedAt is nil until redemption.
type SingleUseTokenRecord struct {
	TokenHash string
	Kind      TokenKind
	UserID    string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// PasswordRecord is the password credential for one user.
type PasswordRecord struct {
	UserID    string
	Hash      string
	UpdatedAt time.Time
}

// MFACredentialRecord is a user's TOTP enrollment. VerifiedAt is nil while
// setup is pending; only a verified credential gates login. LastUsedStep is
// the most recent 30-second step a code was accepted for.
type MFACredentialRecord struct {
	UserID       string
	SecretBase32 string
	VerifiedAt   *time.Time
	LastUsedStep int64
	CreatedAt    time.Time
}

// BackupCodeRecord stores the SHA-256 digest of one recovery code.
type BackupCodeRecord struct {
	UserID    string
	CodeHash  string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// PasskeyRecord is one stored WebAuthn credential.
type PasskeyRecord struct {
	ID              string
	UserID          string
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	Transports      []string
	SignCount       uint32
	BackupEligible  bool
	BackupState     bool
	Name            string
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// SocialIdentityRecord binds an external provider account to a user.
type SocialIdentityRecord struct {
	UserID         string
	Provider       Provider
	ProviderUserID string
	Email          string
	DisplayName    string
	CreatedAt      time.Time
}

// NewUserBundle is everything UserStore.CreateBundle persists atomically:
// the user, a personal workspace, the owner membership, and whichever
// credential the signup flow produced. Either all rows commit or none do.
type NewUserBundle struct {
	UserID        string
	Email         string
	DisplayName   string
	EmailVerified bool
	WorkspaceID   string
	WorkspaceName string

	// PasswordHash is set for password signups, empty otherwise.
	PasswordHash string
	// Identity is set for social signups, nil otherwise.
	Identity *SocialIdentityRecord
}

// RequestMeta carries per-request client attribution into the engine.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// UserStore is the account table. Implementations return ErrNotFound for
// absent rows and ErrEmailTaken from CreateBundle on a duplicate email.
type UserStore interface {
	GetByID(ctx context.Context, id string) (UserRecord, error)
	GetByEmail(ctx context.Context, email string) (UserRecord, error)
	CreateBundle(ctx context.Context, bundle NewUserBundle) (UserRecord, error)
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error
	// Anonymize scrambles the email to the given placeholder and clears the
	// display name, keeping the row for referential integrity.
	Anonymize(ctx context.Context, userID, placeholderEmail string) error
}

// SessionStore is the session table, keyed by raw token.
type SessionStore interface {
	Insert(ctx context.Context, session SessionRecord) error
	// GetWithUser loads a session and its user in one call. Expiry is the
	// engine's job; the store returns whatever row exists.
	GetWithUser(ctx context.Context, token string) (SessionRecord, UserRecord, error)
	Delete(ctx context.Context, token string) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

// TokenStore is the single-use token table, keyed by (kind, token hash).
type TokenStore interface {
	Insert(ctx context.Context, token SingleUseTokenRecord) error
	// Consume atomically marks the token used and returns it, but only if
	// it exists and was never used before. A second Consume of the same
	// token returns ErrNotFound.
	Consume(ctx context.Context, kind TokenKind, tokenHash string, at time.Time) (SingleUseTokenRecord, error)
	// InvalidateAll removes every outstanding token of the kind for the user.
	InvalidateAll(ctx context.Context, kind TokenKind, userID string) error
}

// PasswordStore is the password credential table.
type PasswordStore interface {
	Get(ctx context.Context, userID string) (PasswordRecord, error)
	Upsert(ctx context.Context, record PasswordRecord) error
	Delete(ctx context.Context, userID string) error
}

// MFAStore covers TOTP credentials and backup codes.
type MFAStore interface {
	GetCredential(ctx context.Context, userID string) (MFACredentialRecord, error)
	// UpsertPending writes an unverified credential, replacing any previous
	// pending one. It must not overwrite a verified credential.
	UpsertPending(ctx context.Context, credential MFACredentialRecord) error
	MarkVerified(ctx context.Context, userID string, at time.Time) error
	UpdateLastUsedStep(ctx context.Context, userID string, step int64) error
	DeleteCredential(ctx context.Context, userID string) error

	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	// ConsumeBackupCode atomically marks the matching unused code as used
	// and reports whether one matched.
	ConsumeBackupCode(ctx context.Context, userID, codeHash string, at time.Time) (bool, error)
	CountUnusedBackupCodes(ctx context.Context, userID string) (int, error)
}

// PasskeyStore is the WebAuthn credential table.
type PasskeyStore interface {
	ListForUser(ctx context.Context, userID string) ([]PasskeyRecord, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (PasskeyRecord, error)
	Insert(ctx context.Context, record PasskeyRecord) error
	UpdateSignCount(ctx context.Context, id string, signCount uint32, usedAt time.Time) error
	Rename(ctx context.Context, id, userID, name string) error
	Delete(ctx context.Context, id, userID string) error
	CountForUser(ctx context.Context, userID string) (int, error)
}

// SocialStore is the external identity table, keyed by (provider, provider
// user id).
type SocialStore interface {
	Find(ctx context.Context, provider Provider, providerUserID string) (SocialIdentityRecord, error)
	Insert(ctx context.Context, record SocialIdentityRecord) error
	ListForUser(ctx context.Context, userID string) ([]SocialIdentityRecord, error)
	Delete(ctx context.Context, userID string, provider Provider) error
	CountForUser(ctx context.Context, userID string) (int, error)
}

// KV is the shared key-value store backing rate-limit buckets. Get reports
// existence separately from errors; Put replaces the value and resets the
// TTL. kvredis provides the Redis implementation.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Email is an outbound message handed to the EmailSender.
type Email struct {
	To      string
	Subject string
	Body    string
}

// EmailSender delivers mail. Failures are logged and audited but never roll
// back the operation that triggered the send.
type EmailSender interface {
	Send(ctx context.Context, email Email) error
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer], one object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// NewMultiSink fans events out to several sinks.
func NewMultiSink(sinks ...AuditSink) AuditSink {
	return internalaudit.NewMultiSink(sinks...)
}
