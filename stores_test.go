package ember

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

// The fakes below back every engine test: maps guarded by one mutex per
// store, with the same ErrNotFound and atomicity contracts the interfaces
// document.

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]UserRecord

	// Wired in by newTestEnv so CreateBundle can persist the companion
	// credential rows the bundle carries.
	passwords *fakePasswordStore
	social    *fakeSocialStore
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]UserRecord{}}
}

func (s *fakeUserStore) GetByID(_ context.Context, id string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return UserRecord{}, ErrNotFound
	}
	return u, nil
}

func (s *fakeUserStore) GetByEmail(_ context.Context, email string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return UserRecord{}, ErrNotFound
}

func (s *fakeUserStore) CreateBundle(ctx context.Context, bundle NewUserBundle) (UserRecord, error) {
	s.mu.Lock()
	for _, u := range s.users {
		if u.Email == bundle.Email {
			s.mu.Unlock()
			return UserRecord{}, ErrEmailTaken
		}
	}
	now := time.Now()
	user := UserRecord{
		ID:          bundle.UserID,
		Email:       bundle.Email,
		DisplayName: bundle.DisplayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if bundle.EmailVerified {
		user.EmailVerifiedAt = &now
	}
	s.users[user.ID] = user
	passwordHash := bundle.PasswordHash
	identity := bundle.Identity
	s.mu.Unlock()

	// The companion rows the bundle carries.
	if passwordHash != "" && s.passwords != nil {
		_ = s.passwords.Upsert(ctx, PasswordRecord{UserID: user.ID, Hash: passwordHash, UpdatedAt: now})
	}
	if identity != nil && s.social != nil {
		rec := *identity
		rec.UserID = user.ID
		rec.CreatedAt = now
		_ = s.social.Insert(ctx, rec)
	}
	return user, nil
}

func (s *fakeUserStore) MarkEmailVerified(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.EmailVerifiedAt = &at
	s.users[userID] = u
	return nil
}

func (s *fakeUserStore) Anonymize(_ context.Context, userID, placeholderEmail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Email = placeholderEmail
	u.DisplayName = ""
	s.users[userID] = u
	return nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	users    *fakeUserStore
}

func newFakeSessionStore(users *fakeUserStore) *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]SessionRecord{}, users: users}
}

func (s *fakeSessionStore) Insert(_ context.Context, session SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.Token] = session
	return nil
}

func (s *fakeSessionStore) GetWithUser(ctx context.Context, token string) (SessionRecord, UserRecord, error) {
	s.mu.Lock()
	record, ok := s.sessions[token]
	s.mu.Unlock()
	if !ok {
		return SessionRecord{}, UserRecord{}, ErrNotFound
	}
	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		return SessionRecord{}, UserRecord{}, err
	}
	return record, user, nil
}

func (s *fakeSessionStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *fakeSessionStore) DeleteAllForUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, record := range s.sessions {
		if record.UserID == userID {
			delete(s.sessions, token)
		}
	}
	return nil
}

func (s *fakeSessionStore) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, record := range s.sessions {
		if record.UserID == userID {
			n++
		}
	}
	return n
}

type tokenKey struct {
	kind TokenKind
	hash string
}

type fakeTokenStore struct {
	mu     sync.Mutex
	tokens map[tokenKey]SingleUseTokenRecord
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{tokens: map[tokenKey]SingleUseTokenRecord{}}
}

func (s *fakeTokenStore) Insert(_ context.Context, token SingleUseTokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey{token.Kind, token.TokenHash}] = token
	return nil
}

func (s *fakeTokenStore) Consume(_ context.Context, kind TokenKind, tokenHash string, at time.Time) (SingleUseTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tokenKey{kind, tokenHash}
	record, ok := s.tokens[key]
	if !ok || record.UsedAt != nil {
		return SingleUseTokenRecord{}, ErrNotFound
	}
	record.UsedAt = &at
	s.tokens[key] = record
	return record, nil
}

func (s *fakeTokenStore) InvalidateAll(_ context.Context, kind TokenKind, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, record := range s.tokens {
		if record.Kind == kind && record.UserID == userID {
			delete(s.tokens, key)
		}
	}
	return nil
}

func (s *fakeTokenStore) outstanding(kind TokenKind, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, record := range s.tokens {
		if record.Kind == kind && record.UserID == userID && record.UsedAt == nil {
			n++
		}
	}
	return n
}

type fakePasswordStore struct {
	mu      sync.Mutex
	records map[string]PasswordRecord
}

func newFakePasswordStore() *fakePasswordStore {
	return &fakePasswordStore{records: map[string]PasswordRecord{}}
}

func (s *fakePasswordStore) Get(_ context.Context, userID string) (PasswordRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[userID]
	if !ok {
		return PasswordRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *fakePasswordStore) Upsert(_ context.Context, record PasswordRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.UserID] = record
	return nil
}

func (s *fakePasswordStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, userID)
	return nil
}

type fakeMFAStore struct {
	mu          sync.Mutex
	credentials map[string]MFACredentialRecord
	backupCodes map[string][]BackupCodeRecord
}

func newFakeMFAStore() *fakeMFAStore {
	return &fakeMFAStore{
		credentials: map[string]MFACredentialRecord{},
		backupCodes: map[string][]BackupCodeRecord{},
	}
}

func (s *fakeMFAStore) GetCredential(_ context.Context, userID string) (MFACredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[userID]
	if !ok {
		return MFACredentialRecord{}, ErrNotFound
	}
	return cred, nil
}

func (s *fakeMFAStore) UpsertPending(_ context.Context, credential MFACredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.credentials[credential.UserID]; ok && existing.VerifiedAt != nil {
		return ErrMFANotEnrolled
	}
	s.credentials[credential.UserID] = credential
	return nil
}

func (s *fakeMFAStore) MarkVerified(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[userID]
	if !ok {
		return ErrNotFound
	}
	cred.VerifiedAt = &at
	s.credentials[userID] = cred
	return nil
}

func (s *fakeMFAStore) UpdateLastUsedStep(_ context.Context, userID string, step int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.credentials[userID]
	if !ok {
		return ErrNotFound
	}
	cred.LastUsedStep = step
	s.credentials[userID] = cred
	return nil
}

func (s *fakeMFAStore) DeleteCredential(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.credentials[userID]; !ok {
		return ErrNotFound
	}
	delete(s.credentials, userID)
	return nil
}

func (s *fakeMFAStore) ReplaceBackupCodes(_ context.Context, userID string, codes []BackupCodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backupCodes[userID] = append([]BackupCodeRecord(nil), codes...)
	return nil
}

func (s *fakeMFAStore) ConsumeBackupCode(_ context.Context, userID, codeHash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.backupCodes[userID]
	for i, code := range codes {
		if code.CodeHash == codeHash && code.UsedAt == nil {
			codes[i].UsedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeMFAStore) CountUnusedBackupCodes(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, code := range s.backupCodes[userID] {
		if code.UsedAt == nil {
			n++
		}
	}
	return n, nil
}

type fakePasskeyStore struct {
	mu      sync.Mutex
	records map[string]PasskeyRecord
}

func newFakePasskeyStore() *fakePasskeyStore {
	return &fakePasskeyStore{records: map[string]PasskeyRecord{}}
}

func (s *fakePasskeyStore) ListForUser(_ context.Context, userID string) ([]PasskeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PasskeyRecord
	for _, record := range s.records {
		if record.UserID == userID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *fakePasskeyStore) GetByCredentialID(_ context.Context, credentialID []byte) (PasskeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if bytes.Equal(record.CredentialID, credentialID) {
			return record, nil
		}
	}
	return PasskeyRecord{}, ErrNotFound
}

func (s *fakePasskeyStore) Insert(_ context.Context, record PasskeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
	return nil
}

func (s *fakePasskeyStore) UpdateSignCount(_ context.Context, id string, signCount uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	record.SignCount = signCount
	record.LastUsedAt = &usedAt
	s.records[id] = record
	return nil
}

func (s *fakePasskeyStore) Rename(_ context.Context, id, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || record.UserID != userID {
		return ErrNotFound
	}
	record.Name = name
	s.records[id] = record
	return nil
}

func (s *fakePasskeyStore) Delete(_ context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || record.UserID != userID {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *fakePasskeyStore) CountForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, record := range s.records {
		if record.UserID == userID {
			n++
		}
	}
	return n, nil
}

type socialKey struct {
	provider       Provider
	providerUserID string
}

type fakeSocialStore struct {
	mu      sync.Mutex
	records map[socialKey]SocialIdentityRecord
}

func newFakeSocialStore() *fakeSocialStore {
	return &fakeSocialStore{records: map[socialKey]SocialIdentityRecord{}}
}

func (s *fakeSocialStore) Find(_ context.Context, provider Provider, providerUserID string) (SocialIdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[socialKey{provider, providerUserID}]
	if !ok {
		return SocialIdentityRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *fakeSocialStore) Insert(_ context.Context, record SocialIdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[socialKey{record.Provider, record.ProviderUserID}] = record
	return nil
}

func (s *fakeSocialStore) ListForUser(_ context.Context, userID string) ([]SocialIdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SocialIdentityRecord
	for _, record := range s.records {
		if record.UserID == userID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *fakeSocialStore) Delete(_ context.Context, userID string, provider Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, record := range s.records {
		if record.UserID == userID && record.Provider == provider {
			delete(s.records, key)
		}
	}
	return nil
}

func (s *fakeSocialStore) CountForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, record := range s.records {
		if record.UserID == userID {
			n++
		}
	}
	return n, nil
}

// fakeKV keeps values and expirations in memory against the fake clock.
type fakeKV struct {
	mu    sync.Mutex
	clock *fakeClock
	data  map[string]fakeKVEntry
}

type fakeKVEntry struct {
	value     []byte
	expiresAt time.Time
}

func newFakeKV(clock *fakeClock) *fakeKV {
	return &fakeKV{clock: clock, data: map[string]fakeKVEntry{}}
}

func (kv *fakeKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entry, ok := kv.data[key]
	if !ok || !kv.clock.Now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (kv *fakeKV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data[key] = fakeKVEntry{value: value, expiresAt: kv.clock.Now().Add(ttl)}
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []Email
	fail bool
}

func (m *fakeMailer) Send(_ context.Context, email Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return context.DeadlineExceeded
	}
	m.sent = append(m.sent, email)
	return nil
}

func (m *fakeMailer) last(t *testing.T) Email {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no email sent")
	}
	return m.sent[len(m.sent)-1]
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
