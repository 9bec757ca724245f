package identity

import (
	"context"
	"testing"
	"time"
)

func TestForgotPasswordMessageIsIdenticalForUnknownEmail(t *testing.T) {
	te := newTestEngine(t, nil)
	te.seedActiveUser(t, "u1", "alice@example.com", "correct-password-123")

	known, err := te.engine.RequestForgotPassword(context.Background(), "alice@example.com", "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}
	unknown, err := te.engine.RequestForgotPassword(context.Background(), "nobody@example.com", "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}

	if known != unknown {
		t.Fatalf("messages differ: %q vs %q", known, unknown)
	}
	if known != MsgForgotPasswordSent {
		t.Fatalf("unexpected message %q", known)
	}
	if len(te.mailer.ForgotCodes) != 1 {
		t.Fatalf("expected exactly one code sent, got %d", len(te.mailer.ForgotCodes))
	}
}

func TestForgotPasswordRateLimitKeepsTheSameMessage(t *testing.T) {
	te := newTestEngine(t, nil)
	te.seedActiveUser(t, "u1", "alice@example.com", "correct-password-123")

	if _, err := te.engine.RequestForgotPassword(context.Background(), "alice@example.com", "10.0.0.1", "ua"); err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}

	// Second request inside the cooldown sends nothing but says the same.
	msg, err := te.engine.RequestForgotPassword(context.Background(), "alice@example.com", "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}
	if msg != MsgForgotPasswordSent {
		t.Fatalf("throttled request leaked a different message: %q", msg)
	}
	if len(te.mailer.ForgotCodes) != 1 {
		t.Fatalf("expected throttled request to send nothing, got %d codes", len(te.mailer.ForgotCodes))
	}
}

func TestResetPasswordInstallsNewPasswordAndClearsLockout(t *testing.T) {
	te := newTestEngine(t, func(cfg *Config) {
		cfg.Lockout.Threshold = 2
	})
	te.seedActiveUser(t, "u1", "alice@example.com", "old-password-123")

	// Lock the account first.
	for i := 0; i < 2; i++ {
		if _, err := te.engine.BeginLogin(context.Background(), "alice@example.com", "wrong-password", "10.0.0.1", "ua"); err != nil {
			t.Fatalf("BeginLogin failed: %v", err)
		}
	}

	if _, err := te.engine.RequestForgotPassword(context.Background(), "alice@example.com", "10.0.0.1", "ua"); err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}
	code := te.mailer.lastForgotCode(t)

	result, err := te.engine.ResetPassword(context.Background(), "", "alice@example.com", code, "new-password-456", "new-password-456")
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if result.Status != FlowSuccess || result.User == nil {
		t.Fatalf("expected success, got %+v", result)
	}

	user := te.users.get(t, "u1")
	if user.FailedPasswordAttempts != 0 || !user.LockedUntil.IsZero() {
		t.Fatalf("expected lockout cleared, got %+v", user)
	}

	// Old password out, new password in.
	denied, err := te.engine.BeginLogin(context.Background(), "alice@example.com", "old-password-123", "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	if denied.Status != FlowDenied {
		t.Fatalf("expected old password to be rejected, got %+v", denied)
	}
	te.clock.Advance(2 * time.Minute)
	accepted, err := te.engine.BeginLogin(context.Background(), "alice@example.com", "new-password-456", "10.0.0.1", "ua")
	if err != nil {
		t.Fatalf("BeginLogin failed: %v", err)
	}
	if accepted.Status != FlowSuccess {
		t.Fatalf("expected new password to be accepted, got %+v", accepted)
	}
}

func TestResetPasswordBumpsSessionVersion(t *testing.T) {
	te := newTestEngine(t, nil)
	te.seedActiveUser(t, "u1", "alice@example.com", "old-password-123")

	if _, err := te.engine.RequestForgotPassword(context.Background(), "alice@example.com", "10.0.0.1", "ua"); err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}
	code := te.mailer.lastForgotCode(t)

	result, err := te.engine.ResetPassword(context.Background(), "", "alice@example.com", code, "new-password-456", "new-password-456")
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if result.Status != FlowSuccess || result.User == nil {
		t.Fatalf("expected success, got %+v", result)
	}

	// Sessions minted before the reset must stop validating, so the
	// reset invalidates exactly like an authenticated password change.
	if result.User.SessionVersion != 2 {
		t.Fatalf("expected session version bump to 2, got %d", result.User.SessionVersion)
	}
	if te.users.get(t, "u1").SessionVersion != 2 {
		t.Fatalf("expected stored session version 2, got %d", te.users.get(t, "u1").SessionVersion)
	}
}

func TestResetPasswordValidationDoesNotBurnTheCode(t *testing.T) {
	te := newTestEngine(t, nil)
	te.seedActiveUser(t, "u1", "alice@example.com", "old-password-123")

	if _, err := te.engine.RequestForgotPassword(context.Background(), "alice@example.com", "10.0.0.1", "ua"); err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}
	code := te.mailer.lastForgotCode(t)

	mismatch, err := te.engine.ResetPassword(context.Background(), "", "alice@example.com", code, "new-password-456", "different-password")
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if mismatch.Status != FlowInvalidInput || mismatch.Message != MsgPasswordsDontMatch {
		t.Fatalf("expected confirmation mismatch, got %+v", mismatch)
	}

	short, err := te.engine.ResetPassword(context.Background(), "", "alice@example.com", code, "short", "short")
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if short.Status != FlowInvalidInput {
		t.Fatalf("expected length rejection, got %+v", short)
	}

	// The code is still good after both validation failures.
	result, err := te.engine.ResetPassword(context.Background(), "", "alice@example.com", code, "new-password-456", "new-password-456")
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if result.Status != FlowSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestResetPasswordExpiredCodeDenied(t *testing.T) {
	te := newTestEngine(t, nil)
	te.seedActiveUser(t, "u1", "alice@example.com", "old-password-123")

	if _, err := te.engine.RequestForgotPassword(context.Background(), "alice@example.com", "10.0.0.1", "ua"); err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}
	code := te.mailer.lastForgotCode(t)

	te.clock.Advance(11 * time.Minute)

	result, err := te.engine.ResetPassword(context.Background(), "", "alice@example.com", code, "new-password-456", "new-password-456")
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if result.Status != FlowDenied || result.Message != MsgInvalidOrExpired {
		t.Fatalf("expected expired code to be denied, got %+v", result)
	}
}

func TestResetPasswordCodeIsSingleUse(t *testing.T) {
	te := newTestEngine(t, nil)
	te.seedActiveUser(t, "u1", "alice@example.com", "old-password-123")

	if _, err := te.engine.RequestForgotPassword(context.Background(), "alice@example.com", "10.0.0.1", "ua"); err != nil {
		t.Fatalf("RequestForgotPassword failed: %v", err)
	}
	code := te.mailer.lastForgotCode(t)

	first, err := te.engine.ResetPassword(context.Background(), "", "alice@example.com", code, "new-password-456", "new-password-456")
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if first.Status != FlowSuccess {
		t.Fatalf("expected success, got %+v", first)
	}

	second, err := te.engine.ResetPassword(context.Background(), "", "alice@example.com", code, "another-password-789", "another-password-789")
	if err != nil {
		t.Fatalf("ResetPassword failed: %v", err)
	}
	if second.Status != FlowDenied {
		t.Fatalf("expected replay to be denied, got %+v", second)
	}
}
