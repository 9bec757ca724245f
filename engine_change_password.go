package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seolens/identity/internal/otp"
	"github.com/seolens/identity/password"
)

// StartPasswordChange begins the authenticated password-change flow:
// re-verify the current password, then email a confirmation code. A
// wrong current password counts against the same lockout budget as a
// failed login, so this endpoint cannot be used as an unthrottled
// password oracle against a stolen session.
func (e *Engine) StartPasswordChange(ctx context.Context, userID, currentPassword, ip, userAgent string) (PasswordChangeStart, error) {
	if e == nil || e.users == nil {
		return PasswordChangeStart{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return PasswordChangeStart{}, err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if isCancellation(err) {
			return PasswordChangeStart{}, err
		}
		if errors.Is(err, ErrUserNotFound) {
			return PasswordChangeStart{Status: FlowDenied, Message: MsgInvalidCredentials}, nil
		}
		return PasswordChangeStart{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := e.now()
	if !user.Active || user.Status != StatusActive || now.Before(user.LockedUntil) {
		e.changeAudit(ctx, AuditPasswordChangeStart, user.ID, ip, userAgent, false, "account_unavailable")
		return PasswordChangeStart{Status: FlowDenied, Message: MsgInvalidCredentials}, nil
	}

	match, _, err := e.hasher.Verify(user.PasswordHash, currentPassword)
	if err != nil {
		return PasswordChangeStart{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !match {
		if err := e.recordPasswordFailure(ctx, user.ID, user.NormalizedEmail, ip, settings); err != nil {
			return PasswordChangeStart{}, err
		}
		e.changeAudit(ctx, AuditPasswordChangeStart, user.ID, ip, userAgent, false, "password_mismatch")
		e.metricInc(MetricPasswordChangeFailure)
		return PasswordChangeStart{Status: FlowDenied, Message: MsgInvalidCredentials}, nil
	}

	return e.sendPasswordChangeCode(ctx, &user, ip, userAgent, settings)
}

// ResendPasswordChangeOTP re-issues the confirmation code for a change
// already in progress, subject to the same throttles as the first send.
// The previous code is revoked by the new issuance.
func (e *Engine) ResendPasswordChangeOTP(ctx context.Context, userID, ip, userAgent string) (PasswordChangeStart, error) {
	if e == nil || e.users == nil {
		return PasswordChangeStart{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return PasswordChangeStart{}, err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if isCancellation(err) {
			return PasswordChangeStart{}, err
		}
		if errors.Is(err, ErrUserNotFound) {
			return PasswordChangeStart{Status: FlowDenied, Message: MsgInvalidCredentials}, nil
		}
		return PasswordChangeStart{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !user.Active || user.Status != StatusActive {
		return PasswordChangeStart{Status: FlowDenied, Message: MsgInvalidCredentials}, nil
	}

	return e.sendPasswordChangeCode(ctx, &user, ip, userAgent, settings)
}

// GetPasswordChangeChallenge reports the active challenge for UI
// countdowns. ok is false when no change is in progress.
func (e *Engine) GetPasswordChangeChallenge(ctx context.Context, userID string) (ChallengeInfo, bool, error) {
	if e == nil {
		return ChallengeInfo{}, false, ErrEngineNotReady
	}
	record, ok, err := e.challenges.Active(ctx, otp.PurposeChangePassword, userID)
	if err != nil {
		return ChallengeInfo{}, false, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !ok {
		return ChallengeInfo{}, false, nil
	}
	return ChallengeInfo{
		ExpiresAt: time.Unix(record.ExpiresAt, 0),
		IssuedAt:  time.Unix(record.IssuedAt, 0),
		Attempts:  int(record.Attempts),
	}, true, nil
}

// ConfirmPasswordChange consumes the emailed code and installs the new
// password. On success the user's session version is bumped, so every
// session minted before this call stops validating; the returned record
// carries the new version for the caller to re-mint the current session.
func (e *Engine) ConfirmPasswordChange(ctx context.Context, userID, correlationID, code, newPassword, confirmPassword string) (TwoFactorResult, error) {
	if e == nil || e.users == nil {
		return TwoFactorResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return TwoFactorResult{}, err
	}

	// Policy check first: a typo in the confirm field must not burn the
	// single-use code.
	if ok, message := e.validateNewPassword(newPassword, confirmPassword, settings); !ok {
		return TwoFactorResult{Status: FlowInvalidInput, Message: message}, nil
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if isCancellation(err) {
			return TwoFactorResult{}, err
		}
		if errors.Is(err, ErrUserNotFound) {
			return TwoFactorResult{Status: FlowDenied, Message: MsgInvalidOrExpired}, nil
		}
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	consume, err := e.challenges.Consume(ctx, otp.PurposeChangePassword, userID, correlationID, code, otpPolicy(settings.ChangePassword))
	if err != nil {
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !consume.OK {
		e.changeAudit(ctx, AuditPasswordChangeFinish, userID, "", "", false, consume.Reason)
		e.metricInc(MetricPasswordChangeFailure)
		return TwoFactorResult{Status: FlowDenied, Message: MsgInvalidOrExpired}, nil
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	version, err := e.users.UpdateCredentials(ctx, user.ID, hash, password.Version)
	if err != nil {
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	user.PasswordHash = hash
	user.HashVersion = password.Version
	user.FailedPasswordAttempts = 0
	user.LockedUntil = time.Time{}
	user.SessionVersion = version

	e.changeAudit(ctx, AuditPasswordChangeFinish, user.ID, "", "", true, "")
	e.metricInc(MetricPasswordChangeCompleted)

	return TwoFactorResult{Status: FlowSuccess, User: &user}, nil
}

func (e *Engine) sendPasswordChangeCode(ctx context.Context, user *UserRecord, ip, userAgent string, settings SecuritySettings) (PasswordChangeStart, error) {
	decision, err := e.throttleOTPSend(ctx, otp.PurposeChangePassword, user.ID, ip, settings.ChangePassword)
	if err != nil {
		return PasswordChangeStart{}, err
	}
	if !decision.Allowed {
		e.metricInc(MetricRateLimitHit)
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditRateLimited,
			UserID:    user.ID,
			Purpose:   otp.PurposeChangePassword.String(),
			IP:        ip,
			Reason:    decision.Reason,
		})
		return PasswordChangeStart{Status: FlowRateLimited, Message: MsgTryAgainLater}, nil
	}

	issued, err := e.issueAndSend(ctx, otp.PurposeChangePassword, user.ID, ip, settings.ChangePassword, func(code string) error {
		return e.mailer.SendPasswordChangeCode(ctx, user.Email, code)
	})
	if err != nil {
		return PasswordChangeStart{}, err
	}

	e.changeAudit(ctx, AuditPasswordChangeStart, user.ID, ip, userAgent, true, "")
	e.metricInc(MetricPasswordChangeStarted)

	return PasswordChangeStart{Status: FlowSuccess, CorrelationID: issued.Correlation}, nil
}

func (e *Engine) changeAudit(ctx context.Context, eventType, userID, ip, userAgent string, success bool, reason string) {
	event := AuditEvent{
		EventType: eventType,
		UserID:    userID,
		Purpose:   otp.PurposeChangePassword.String(),
		IP:        ip,
		Success:   success,
		Reason:    reason,
	}
	if userAgent != "" {
		event.Metadata = map[string]string{"user_agent": userAgent}
	}
	e.emitAudit(ctx, event)
}
