package identity

import "errors"

var (
	// ErrEngineNotReady indicates a required dependency was not wired at Build time.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrUserNotFound is returned by [UserStore] implementations for missing accounts.
	ErrUserNotFound = errors.New("user not found")
	// ErrInviteNotFound is returned by [InviteStore] implementations for missing invites.
	ErrInviteNotFound = errors.New("invite not found")
	// ErrUserExists is returned by [UserStore.CreatePending] when the normalized email is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrStoreUnavailable indicates a user or invite store call failed for infrastructure reasons.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrChallengeUnavailable indicates the challenge backend is unreachable.
	ErrChallengeUnavailable = errors.New("challenge backend unavailable")
	// ErrMailerUnavailable indicates the outbound email send failed.
	ErrMailerUnavailable = errors.New("mailer unavailable")
	// ErrSettingsUnavailable indicates the security-settings snapshot could not be loaded.
	ErrSettingsUnavailable = errors.New("security settings unavailable")
)
