package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/seolens/identity/password"
)

var testHMACKey = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memUserStore struct {
	mu    sync.Mutex
	users map[string]UserRecord
	seq   int
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: map[string]UserRecord{}}
}

func (s *memUserStore) add(user UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

func (s *memUserStore) get(t *testing.T, userID string) UserRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		t.Fatalf("no user %q in store", userID)
	}
	return user
}

func (s *memUserStore) GetByID(_ context.Context, userID string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return user, nil
}

func (s *memUserStore) GetByNormalizedEmail(_ context.Context, normalizedEmail string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.NormalizedEmail == normalizedEmail {
			return user, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (s *memUserStore) CreatePending(_ context.Context, input CreateUserInput) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.NormalizedEmail == input.NormalizedEmail {
			return UserRecord{}, ErrUserExists
		}
	}
	s.seq++
	user := UserRecord{
		ID:              fmt.Sprintf("u%03d", s.seq),
		FirstName:       input.FirstName,
		LastName:        input.LastName,
		Email:           input.Email,
		NormalizedEmail: input.NormalizedEmail,
		Status:          StatusPending,
	}
	s.users[user.ID] = user
	return user, nil
}

func (s *memUserStore) RecordPasswordFailure(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	user.FailedPasswordAttempts++
	s.users[userID] = user
	return user.FailedPasswordAttempts, nil
}

func (s *memUserStore) SetLockout(_ context.Context, userID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.LockedUntil = until
	s.users[userID] = user
	return nil
}

func (s *memUserStore) ClearLockout(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.FailedPasswordAttempts = 0
	user.LockedUntil = time.Time{}
	s.users[userID] = user
	return nil
}

func (s *memUserStore) UpdateCredentials(_ context.Context, userID, passwordHash string, hashVersion int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	user.HashVersion = hashVersion
	user.FailedPasswordAttempts = 0
	user.LockedUntil = time.Time{}
	user.SessionVersion++
	s.users[userID] = user
	return user.SessionVersion, nil
}

func (s *memUserStore) UpdateLastLogin(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.LastLoginAt = at
	s.users[userID] = user
	return nil
}

type memInviteStore struct {
	mu      sync.Mutex
	invites map[string]InviteRecord
	users   *memUserStore
}

func newMemInviteStore(users *memUserStore) *memInviteStore {
	return &memInviteStore{invites: map[string]InviteRecord{}, users: users}
}

func (s *memInviteStore) get(t *testing.T, inviteID string) InviteRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[inviteID]
	if !ok {
		t.Fatalf("no invite %q in store", inviteID)
	}
	return invite
}

func (s *memInviteStore) activeForUser(t *testing.T, userID string) InviteRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, invite := range s.invites {
		if invite.UserID == userID && invite.Status == InviteActive {
			return invite
		}
	}
	t.Fatalf("no active invite for user %q", userID)
	return InviteRecord{}
}

func (s *memInviteStore) Create(_ context.Context, invite InviteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites[invite.ID] = invite
	return nil
}

func (s *memInviteStore) GetByTokenHash(_ context.Context, tokenHash [32]byte) (InviteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, invite := range s.invites {
		if invite.TokenHash == tokenHash {
			return invite, nil
		}
	}
	return InviteRecord{}, ErrInviteNotFound
}

func (s *memInviteStore) RevokeActiveForUser(_ context.Context, userID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, invite := range s.invites {
		if invite.UserID == userID && invite.Status == InviteActive {
			invite.Status = InviteRevoked
			s.invites[id] = invite
		}
	}
	return nil
}

func (s *memInviteStore) RecordFailure(_ context.Context, inviteID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[inviteID]
	if !ok {
		return 0, ErrInviteNotFound
	}
	invite.Attempts++
	s.invites[inviteID] = invite
	return invite.Attempts, nil
}

func (s *memInviteStore) SetLock(_ context.Context, inviteID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[inviteID]
	if !ok {
		return ErrInviteNotFound
	}
	invite.LockedUntil = until
	s.invites[inviteID] = invite
	return nil
}

func (s *memInviteStore) MarkOtpSent(_ context.Context, inviteID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[inviteID]
	if !ok {
		return ErrInviteNotFound
	}
	invite.LastOtpSentAt = at
	s.invites[inviteID] = invite
	return nil
}

func (s *memInviteStore) MarkOtpVerified(_ context.Context, inviteID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[inviteID]
	if !ok {
		return ErrInviteNotFound
	}
	invite.OtpVerifiedAt = at
	s.invites[inviteID] = invite
	return nil
}

func (s *memInviteStore) Complete(_ context.Context, inviteID, userID, passwordHash string, hashVersion int, useGravatar bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	invite, ok := s.invites[inviteID]
	if !ok {
		return ErrInviteNotFound
	}
	invite.Status = InviteUsed
	invite.UsedAt = at
	s.invites[inviteID] = invite

	s.users.mu.Lock()
	defer s.users.mu.Unlock()
	user, ok := s.users.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	user.HashVersion = hashVersion
	user.UseGravatar = useGravatar
	user.Active = true
	user.Status = StatusActive
	s.users.users[userID] = user
	return nil
}

type sentMail struct {
	Email string
	Code  string
	URL   string
}

type captureMailer struct {
	mu sync.Mutex

	LoginCodes  []sentMail
	ForgotCodes []sentMail
	Invites     []sentMail
	InviteCodes []sentMail
	ChangeCodes []sentMail
	FailNext    bool
}

func (m *captureMailer) record(dst *[]sentMail, mail sentMail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNext {
		m.FailNext = false
		return errSMTPDown
	}
	*dst = append(*dst, mail)
	return nil
}

func (m *captureMailer) lastLoginCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.LoginCodes) == 0 {
		t.Fatal("no login codes sent")
	}
	return m.LoginCodes[len(m.LoginCodes)-1].Code
}

func (m *captureMailer) lastForgotCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ForgotCodes) == 0 {
		t.Fatal("no forgot-password codes sent")
	}
	return m.ForgotCodes[len(m.ForgotCodes)-1].Code
}

func (m *captureMailer) lastInviteURL(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Invites) == 0 {
		t.Fatal("no invites sent")
	}
	return m.Invites[len(m.Invites)-1].URL
}

func (m *captureMailer) lastInviteCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.InviteCodes) == 0 {
		t.Fatal("no invite codes sent")
	}
	return m.InviteCodes[len(m.InviteCodes)-1].Code
}

func (m *captureMailer) lastChangeCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ChangeCodes) == 0 {
		t.Fatal("no password-change codes sent")
	}
	return m.ChangeCodes[len(m.ChangeCodes)-1].Code
}

func (m *captureMailer) SendLoginCode(_ context.Context, email, code string) error {
	return m.record(&m.LoginCodes, sentMail{Email: email, Code: code})
}

func (m *captureMailer) SendForgotPasswordCode(_ context.Context, email, code string) error {
	return m.record(&m.ForgotCodes, sentMail{Email: email, Code: code})
}

func (m *captureMailer) SendInvite(_ context.Context, email, inviteURL string) error {
	return m.record(&m.Invites, sentMail{Email: email, URL: inviteURL})
}

func (m *captureMailer) SendInviteCode(_ context.Context, email, code string) error {
	return m.record(&m.InviteCodes, sentMail{Email: email, Code: code})
}

func (m *captureMailer) SendPasswordChangeCode(_ context.Context, email, code string) error {
	return m.record(&m.ChangeCodes, sentMail{Email: email, Code: code})
}

var errSMTPDown = &smtpDownError{}

type smtpDownError struct{}

func (*smtpDownError) Error() string { return "smtp unavailable" }

type testEngine struct {
	engine  *Engine
	users   *memUserStore
	invites *memInviteStore
	mailer  *captureMailer
	clock   *fakeClock
	redis   *miniredis.Miniredis
}

type testEngineOption func(*Builder)

func withAuditSink(sink AuditSink) testEngineOption {
	return func(b *Builder) { b.WithAuditSink(sink) }
}

func newTestEngine(t *testing.T, mutate func(*Config), opts ...testEngineOption) *testEngine {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := defaultConfig()
	cfg.HMACKey = testHMACKey
	// Cheap hash parameters keep the test suite fast.
	cfg.Password = PasswordConfig{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32, MinLength: 10}
	if mutate != nil {
		mutate(&cfg)
	}

	users := newMemUserStore()
	invites := newMemInviteStore(users)
	mailer := &captureMailer{}
	clock := newFakeClock()

	builder := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithInviteStore(invites).
		WithMailer(mailer).
		WithClock(clock.Now)
	for _, opt := range opts {
		opt(builder)
	}
	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEngine{engine: engine, users: users, invites: invites, mailer: mailer, clock: clock, redis: mr}
}

// seedActiveUser creates a fully onboarded account with the given
// password.
func (te *testEngine) seedActiveUser(t *testing.T, id, email, plaintext string) UserRecord {
	t.Helper()

	hash, err := te.engine.hasher.Hash(plaintext)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := UserRecord{
		ID:              id,
		Email:           email,
		NormalizedEmail: NormalizeEmail(email),
		PasswordHash:    hash,
		HashVersion:     password.Version,
		Active:          true,
		Status:          StatusActive,
		SessionVersion:  1,
	}
	te.users.add(user)
	return user
}
