package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/seolens/identity/internal/emailaddr"
	"github.com/seolens/identity/internal/otp"
)

// BeginLogin verifies the password for email and, on success, issues and
// emails a login 2FA code. The returned RID is the opaque handle for
// [Engine.CompleteTwoFactorLogin].
//
// Every denial path (unknown email, disabled account, active lockout,
// wrong password) returns the identical generic message. A correct
// password during an active lockout window is still rejected; the lock
// is checked, never reset, on each attempt.
func (e *Engine) BeginLogin(ctx context.Context, email, passwordPlain, ip, userAgent string) (LoginResult, error) {
	if e == nil || e.users == nil {
		return LoginResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return LoginResult{}, err
	}

	normalized := emailaddr.Normalize(email)
	denied := LoginResult{Status: FlowDenied, Message: MsgInvalidCredentials}

	user, err := e.users.GetByNormalizedEmail(ctx, normalized)
	if err != nil {
		if isCancellation(err) {
			return LoginResult{}, err
		}
		if errors.Is(err, ErrUserNotFound) {
			e.loginAudit(ctx, "", normalized, ip, userAgent, false, "unknown_email")
			e.metricInc(MetricLoginFailure)
			return denied, nil
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := e.now()
	switch {
	case !user.Active || user.Status != StatusActive:
		e.loginAudit(ctx, user.ID, normalized, ip, userAgent, false, "account_inactive")
		e.metricInc(MetricLoginFailure)
		return denied, nil
	case user.PasswordHash == "":
		e.loginAudit(ctx, user.ID, normalized, ip, userAgent, false, "password_unset")
		e.metricInc(MetricLoginFailure)
		return denied, nil
	case now.Before(user.LockedUntil):
		e.loginAudit(ctx, user.ID, normalized, ip, userAgent, false, "locked_out")
		e.metricInc(MetricLoginFailure)
		return denied, nil
	}

	match, _, err := e.hasher.Verify(user.PasswordHash, passwordPlain)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: stored hash unreadable: %v", ErrStoreUnavailable, err)
	}
	if !match {
		if err := e.recordPasswordFailure(ctx, user.ID, normalized, ip, settings); err != nil {
			return LoginResult{}, err
		}
		e.loginAudit(ctx, user.ID, normalized, ip, userAgent, false, "wrong_password")
		e.metricInc(MetricLoginFailure)
		return denied, nil
	}

	if err := e.users.ClearLockout(ctx, user.ID); err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	decision, err := e.throttleOTPSend(ctx, otp.PurposeLogin2FA, normalized, ip, settings.Login2FA)
	if err != nil {
		return LoginResult{}, err
	}
	if !decision.Allowed {
		e.metricInc(MetricRateLimitHit)
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditRateLimited,
			UserID:    user.ID,
			Email:     emailaddr.Mask(user.Email),
			Purpose:   otp.PurposeLogin2FA.String(),
			IP:        ip,
			Reason:    decision.Reason,
		})
		return LoginResult{Status: FlowRateLimited, Message: MsgTryAgainLater}, nil
	}

	issued, err := e.issueAndSend(ctx, otp.PurposeLogin2FA, normalized, ip, settings.Login2FA, func(code string) error {
		return e.mailer.SendLoginCode(ctx, user.Email, code)
	})
	if err != nil {
		return LoginResult{}, err
	}

	e.loginAudit(ctx, user.ID, normalized, ip, userAgent, true, "")
	e.metricInc(MetricLoginSuccess)

	return LoginResult{
		Status:      FlowSuccess,
		RID:         issued.Correlation,
		MaskedEmail: emailaddr.Mask(user.Email),
	}, nil
}

// CompleteTwoFactorLogin consumes the login code issued by
// [Engine.BeginLogin]. On success it stamps last-login and returns the
// user for session establishment; on failure the message never says
// whether the code was wrong, expired, replayed, or locked.
func (e *Engine) CompleteTwoFactorLogin(ctx context.Context, rid, email, code, ip, userAgent string) (TwoFactorResult, error) {
	if e == nil || e.users == nil {
		return TwoFactorResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return TwoFactorResult{}, err
	}

	normalized := emailaddr.Normalize(email)
	denied := TwoFactorResult{Status: FlowDenied, Message: MsgInvalidOrExpired}

	user, err := e.users.GetByNormalizedEmail(ctx, normalized)
	if err != nil {
		if isCancellation(err) {
			return TwoFactorResult{}, err
		}
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricTwoFactorFailure)
			return denied, nil
		}
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result, err := e.challenges.Consume(ctx, otp.PurposeLogin2FA, normalized, rid, code, otpPolicy(settings.Login2FA))
	if err != nil {
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !result.OK {
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditTwoFactorAttempt,
			UserID:    user.ID,
			Email:     emailaddr.Mask(user.Email),
			Purpose:   otp.PurposeLogin2FA.String(),
			IP:        ip,
			Reason:    result.Reason,
			Metadata:  map[string]string{"user_agent": userAgent},
		})
		e.metricInc(MetricTwoFactorFailure)
		e.metricInc(MetricOTPConsumeFailure)
		return denied, nil
	}

	if err := e.users.UpdateLastLogin(ctx, user.ID, e.now()); err != nil {
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	user.LastLoginAt = e.now()

	e.emitAudit(ctx, AuditEvent{
		EventType: AuditTwoFactorAttempt,
		UserID:    user.ID,
		Email:     emailaddr.Mask(user.Email),
		Purpose:   otp.PurposeLogin2FA.String(),
		IP:        ip,
		Success:   true,
		Metadata:  map[string]string{"user_agent": userAgent},
	})
	e.metricInc(MetricTwoFactorSuccess)

	return TwoFactorResult{Status: FlowSuccess, User: &user}, nil
}

// recordPasswordFailure bumps the persistent failure counter and applies
// the lockout when the threshold is reached.
func (e *Engine) recordPasswordFailure(ctx context.Context, userID, normalized, ip string, settings SecuritySettings) error {
	attempts, err := e.users.RecordPasswordFailure(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if attempts >= settings.LockoutThreshold {
		until := e.now().Add(settings.LockoutDuration)
		if err := e.users.SetLockout(ctx, userID, until); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditLoginLockout,
			UserID:    userID,
			Email:     emailaddr.Mask(normalized),
			IP:        ip,
			Reason:    "threshold_reached",
			Metadata:  map[string]string{"attempts": fmt.Sprintf("%d", attempts)},
		})
		e.metricInc(MetricLoginLockout)
	}

	return nil
}

func (e *Engine) loginAudit(ctx context.Context, userID, normalized, ip, userAgent string, success bool, reason string) {
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditLoginAttempt,
		UserID:    userID,
		Email:     emailaddr.Mask(normalized),
		IP:        ip,
		Success:   success,
		Reason:    reason,
		Metadata:  map[string]string{"user_agent": userAgent},
	})
}
