package identity

import (
	"context"
	"time"
)

// AccountStatus represents the lifecycle state of a user account.
type AccountStatus uint8

const (
	// StatusPending is an invited account whose password has not been set.
	StatusPending AccountStatus = iota
	// StatusActive is a fully onboarded account allowed to sign in.
	StatusActive
	// StatusDisabled is an account an administrator has switched off.
	StatusDisabled
)

// UserRecord is the full account record exchanged with [UserStore]. It
// carries credential state, the persistent lockout counter, and the
// monotonic session version this core bumps on password change.
type UserRecord struct {
	ID              string
	FirstName       string
	LastName        string
	Email           string
	NormalizedEmail string

	// PasswordHash is empty for invited accounts that have not yet set
	// a password. HashVersion tags the hash format for migrations.
	PasswordHash string
	HashVersion  int

	Active bool
	Admin  bool
	Status AccountStatus

	FailedPasswordAttempts int
	LockedUntil            time.Time
	SessionVersion         int64
	LastLoginAt            time.Time
	UseGravatar            bool
}

// CreateUserInput is the input for [UserStore.CreatePending].
type CreateUserInput struct {
	FirstName       string
	LastName        string
	Email           string
	NormalizedEmail string
	CreatedByUserID string
}

// UserStore is the caller-owned user repository. Every engine flow
// re-fetches through it rather than holding records across suspension
// points, so concurrent instances always act on current state. Mutating
// methods must be single atomic store operations, not read-then-write
// pairs.
type UserStore interface {
	GetByID(ctx context.Context, userID string) (UserRecord, error)
	GetByNormalizedEmail(ctx context.Context, normalizedEmail string) (UserRecord, error)
	CreatePending(ctx context.Context, input CreateUserInput) (UserRecord, error)

	// RecordPasswordFailure atomically increments the failed-attempt
	// counter and returns the new value.
	RecordPasswordFailure(ctx context.Context, userID string) (int, error)
	// SetLockout stamps the lockout-until timestamp.
	SetLockout(ctx context.Context, userID string, until time.Time) error
	// ClearLockout zeroes the failure counter and lockout timestamp.
	ClearLockout(ctx context.Context, userID string) error

	// UpdateCredentials replaces the password hash and version, clears
	// lockout state, and increments the monotonic session counter, all
	// in one operation, returning the new counter value. Session tokens
	// minted against an older counter are rejected elsewhere in the
	// system. The swap and the bump must not be separable: a credential
	// change that leaves stale sessions valid defeats the invalidation.
	UpdateCredentials(ctx context.Context, userID, passwordHash string, hashVersion int) (int64, error)
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
}

// InviteStatus represents the lifecycle state of an invite.
type InviteStatus uint8

const (
	InviteActive InviteStatus = iota
	InviteUsed
	InviteExpired
	InviteRevoked
)

// InviteRecord is one invite exchanged with [InviteStore]. Only the HMAC
// of the random token is persisted; the raw token lives in the emailed
// link alone.
type InviteRecord struct {
	ID        string
	UserID    string
	Email     string
	TokenHash [32]byte
	ExpiresAt time.Time
	Status    InviteStatus
	UsedAt    time.Time

	// Attempts and LockedUntil guard token guessing at the invite level,
	// independent of the per-code counter inside the OTP challenge.
	Attempts    int
	LockedUntil time.Time

	OtpVerifiedAt time.Time
	LastOtpSentAt time.Time

	CreatedBy string
	CreatedAt time.Time
}

// InviteStore is the caller-owned invite repository. RevokeActiveForUser
// must be a conditional update ("set revoked where still active") so a
// re-invite can never leave two live tokens.
type InviteStore interface {
	Create(ctx context.Context, invite InviteRecord) error
	GetByTokenHash(ctx context.Context, tokenHash [32]byte) (InviteRecord, error)
	RevokeActiveForUser(ctx context.Context, userID string, at time.Time) error

	// RecordFailure atomically increments the invite-level attempt
	// counter and returns the new value.
	RecordFailure(ctx context.Context, inviteID string) (int, error)
	SetLock(ctx context.Context, inviteID string, until time.Time) error

	MarkOtpSent(ctx context.Context, inviteID string, at time.Time) error
	MarkOtpVerified(ctx context.Context, inviteID string, at time.Time) error

	// Complete atomically marks the invite used and activates the user
	// with the new credentials: both records change or neither does.
	Complete(ctx context.Context, inviteID, userID, passwordHash string, hashVersion int, useGravatar bool, at time.Time) error
}

// Mailer is the outbound email boundary. The engine hands over raw codes
// and URLs; rendering and delivery mechanics belong to the implementation
// ([github.com/seolens/identity/mailer] provides SMTP).
type Mailer interface {
	SendLoginCode(ctx context.Context, email, code string) error
	SendForgotPasswordCode(ctx context.Context, email, code string) error
	SendInvite(ctx context.Context, email, inviteURL string) error
	SendInviteCode(ctx context.Context, email, code string) error
	SendPasswordChangeCode(ctx context.Context, email, code string) error
}

// OTPSettings is the per-purpose challenge policy.
type OTPSettings struct {
	Expiry       time.Duration
	Cooldown     time.Duration
	MaxPerHour   int
	MaxPerHourIP int
	MaxAttempts  int
	LockDuration time.Duration
}

// SecuritySettings is an immutable policy snapshot consumed once at the
// top of each flow. Thresholds live here, not in code, so an admin
// settings screen can adjust them without redeploying.
type SecuritySettings struct {
	LockoutThreshold int
	LockoutDuration  time.Duration

	Login2FA       OTPSettings
	ForgotPassword OTPSettings
	InviteOTP      OTPSettings
	ChangePassword OTPSettings

	InviteTokenTTL         time.Duration
	InviteMaxTokenAttempts int
	InviteLockDuration     time.Duration

	PasswordMinLength int
}

// SettingsProvider supplies the security-settings snapshot per call,
// typically backed by an admin-editable settings table.
type SettingsProvider interface {
	SecuritySettings(ctx context.Context) (SecuritySettings, error)
}

// StaticSettings adapts a fixed [SecuritySettings] value into a
// [SettingsProvider], for deployments without a dynamic settings store.
type StaticSettings struct {
	Settings SecuritySettings
}

// SecuritySettings returns the wrapped snapshot.
func (s StaticSettings) SecuritySettings(context.Context) (SecuritySettings, error) {
	return s.Settings, nil
}

// FlowStatus discriminates the outcome of an engine flow. Expected
// security failures arrive here as values, never as Go errors, so a
// caller cannot accidentally swallow one.
type FlowStatus uint8

const (
	// FlowSuccess means the operation completed.
	FlowSuccess FlowStatus = iota
	// FlowDenied is any authentication failure. The accompanying message
	// never says which sub-reason applied.
	FlowDenied
	// FlowRateLimited means a throttle refused the request; safe to tell
	// the user to try later.
	FlowRateLimited
	// FlowInvalidInput is a validation failure, described precisely.
	FlowInvalidInput
)

// User-facing messages. Flows that must be enumeration-safe return these
// byte-identical strings on every failure path.
const (
	MsgInvalidCredentials = "Invalid credentials."
	MsgInvalidOrExpired   = "Invalid or expired code."
	MsgForgotPasswordSent = "If that email exists, we've sent a code to continue."
	MsgTryAgainLater      = "Too many requests. Please try again later."
	MsgInvalidInvite      = "This invite link is invalid or has expired."
	MsgTooManyAttempts    = "Too many attempts."
	MsgVerifyEmailFirst   = "Please verify your email before setting a password."
	MsgPasswordsDontMatch = "Passwords do not match."
)

// LoginResult is returned by [Engine.BeginLogin]. On success, RID is the
// opaque handle the caller presents to [Engine.CompleteTwoFactorLogin].
type LoginResult struct {
	Status      FlowStatus
	RID         string
	MaskedEmail string
	Message     string
}

// TwoFactorResult is returned by [Engine.CompleteTwoFactorLogin] and
// [Engine.ResetPassword]. User is populated only on success, for session
// establishment by the caller.
type TwoFactorResult struct {
	Status  FlowStatus
	User    *UserRecord
	Message string
}

// InviteResult is returned by the invite lifecycle operations. Invite is
// populated by [Engine.ValidateInviteToken] on success.
type InviteResult struct {
	Status      FlowStatus
	Invite      *InviteRecord
	MaskedEmail string
	Message     string
}

// PasswordChangeStart is returned by [Engine.StartPasswordChange]. The
// caller holds CorrelationID across the verify step.
type PasswordChangeStart struct {
	Status        FlowStatus
	CorrelationID string
	Message       string
}

// ChallengeInfo is a read-only view of an active challenge, for UI
// countdowns. It never includes the code or its hash.
type ChallengeInfo struct {
	ExpiresAt time.Time
	IssuedAt  time.Time
	Attempts  int
}
