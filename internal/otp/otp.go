// Package otp implements the generic one-time-code challenge state
// machine shared by login 2FA, forgot-password, invite verification, and
// change-password flows. A challenge moves Issued -> Consumed on the
// single successful use, or dies by expiry or by attempt lockout; a
// locked challenge never becomes usable again even after the lock window
// passes, a fresh issuance is required.
package otp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/seolens/identity/internal/crypt"
	"github.com/seolens/identity/internal/stores"
)

// Purpose tags which flow a challenge belongs to. Purposes are disjoint
// key spaces: a login code can never be replayed against forgot-password.
type Purpose uint8

const (
	PurposeLogin2FA Purpose = iota + 1
	PurposeForgotPassword
	PurposeInviteOTP
	PurposeChangePassword
)

func (p Purpose) String() string {
	switch p {
	case PurposeLogin2FA:
		return "login_2fa"
	case PurposeForgotPassword:
		return "forgot_password"
	case PurposeInviteOTP:
		return "invite_otp"
	case PurposeChangePassword:
		return "change_password"
	default:
		return "unknown"
	}
}

const codeDigits = 6

// Policy is the per-purpose challenge budget, passed in as data from the
// security settings snapshot rather than branched on by purpose.
type Policy struct {
	Expiry       time.Duration
	MaxAttempts  int
	LockDuration time.Duration
}

// Issued is returned to the caller for delivery. Code is the raw
// zero-padded 6-digit code; it is never persisted.
type Issued struct {
	Code        string
	Correlation string
	ExpiresAt   time.Time
}

// Consume failure reasons. These feed audit events and metrics only;
// the user-facing message for every one of them is identical.
const (
	ReasonNotFound    = "not_found"
	ReasonExpired     = "expired"
	ReasonLocked      = "locked"
	ReasonMismatch    = "code_mismatch"
	ReasonAttempts    = "attempts_exceeded"
	ReasonAlreadyUsed = "already_used"
)

// ConsumeResult reports one consume attempt. OK means this caller, and
// only this caller, spent the challenge.
type ConsumeResult struct {
	OK     bool
	Reason string
}

// Engine issues and consumes challenges against the record store.
type Engine struct {
	store  *stores.ChallengeStore
	crypto *crypt.Primitives
	now    func() time.Time
}

// NewEngine wires the challenge engine. now is injected for
// deterministic expiry tests.
func NewEngine(store *stores.ChallengeStore, crypto *crypt.Primitives, now func() time.Time) *Engine {
	return &Engine{store: store, crypto: crypto, now: now}
}

// Issue creates a fresh challenge for (purpose, owner), revoking any
// prior active one in the same store write, and returns the raw code for
// delivery.
func (e *Engine) Issue(ctx context.Context, purpose Purpose, owner, requestIP string, policy Policy) (Issued, error) {
	code, err := e.crypto.NumericCode(codeDigits)
	if err != nil {
		return Issued{}, err
	}

	correlation := uuid.NewString()
	now := e.now()
	expiresAt := now.Add(policy.Expiry)

	record := &stores.ChallengeRecord{
		Owner:       owner,
		Purpose:     uint8(purpose),
		Correlation: correlation,
		CodeHash:    e.codeHash(purpose, owner, correlation, code),
		RequestIP:   requestIP,
		IssuedAt:    now.Unix(),
		ExpiresAt:   expiresAt.Unix(),
	}

	// TTL covers a potential lock window past expiry so a locked record
	// cannot fall out of Redis while its lock still matters.
	ttl := policy.Expiry + policy.LockDuration
	if err := e.store.Put(ctx, record, ttl); err != nil {
		return Issued{}, err
	}

	return Issued{Code: code, Correlation: correlation, ExpiresAt: expiresAt}, nil
}

// Consume verifies candidateCode against the active challenge for
// (purpose, owner). The checks fail fast into indistinguishable generic
// failures from the user's point of view; Reason exists for audit only.
// A matching code is spent with a single-winner store delete, so two
// concurrent presenters of the same valid code cannot both succeed.
func (e *Engine) Consume(ctx context.Context, purpose Purpose, owner, correlation, candidateCode string, policy Policy) (ConsumeResult, error) {
	record, err := e.store.Get(ctx, uint8(purpose), owner)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) {
			return ConsumeResult{Reason: ReasonNotFound}, nil
		}
		return ConsumeResult{}, err
	}

	now := e.now()

	// A lock is terminal for the record regardless of whether the lock
	// window has passed; only a fresh issuance clears it.
	if record.LockedUntil != 0 || int(record.Attempts) >= policy.MaxAttempts {
		return ConsumeResult{Reason: ReasonLocked}, nil
	}
	if now.Unix() > record.ExpiresAt {
		return ConsumeResult{Reason: ReasonExpired}, nil
	}
	if correlation != "" && correlation != record.Correlation {
		return ConsumeResult{Reason: ReasonNotFound}, nil
	}

	expected := e.codeHash(purpose, owner, record.Correlation, candidateCode)
	if !crypt.FixedTimeEquals(expected[:], record.CodeHash[:]) {
		lockUntil := now.Add(policy.LockDuration).Unix()
		locked, _, err := e.store.RecordFailure(ctx, uint8(purpose), owner, policy.MaxAttempts, lockUntil, now.Unix())
		if err != nil && !errors.Is(err, stores.ErrChallengeNotFound) {
			return ConsumeResult{}, err
		}
		if locked {
			return ConsumeResult{Reason: ReasonAttempts}, nil
		}
		return ConsumeResult{Reason: ReasonMismatch}, nil
	}

	won, err := e.store.Consume(ctx, uint8(purpose), owner)
	if err != nil {
		return ConsumeResult{}, err
	}
	if !won {
		return ConsumeResult{Reason: ReasonAlreadyUsed}, nil
	}

	return ConsumeResult{OK: true}, nil
}

// Active returns the current challenge record for (purpose, owner), or
// ok=false when none exists. Used for cooldown decisions and challenge
// introspection; never exposes the code hash to callers outside internal/.
func (e *Engine) Active(ctx context.Context, purpose Purpose, owner string) (*stores.ChallengeRecord, bool, error) {
	record, err := e.store.Get(ctx, uint8(purpose), owner)
	if err != nil {
		if errors.Is(err, stores.ErrChallengeNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return record, true, nil
}

// Revoke drops any active challenge for (purpose, owner).
func (e *Engine) Revoke(ctx context.Context, purpose Purpose, owner string) error {
	return e.store.Revoke(ctx, uint8(purpose), owner)
}

func (e *Engine) codeHash(purpose Purpose, owner, correlation, code string) [32]byte {
	payload := owner + "|" + purpose.String() + "|" + correlation + "|" + code
	return e.crypto.HMACSHA256([]byte(payload))
}
