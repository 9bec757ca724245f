package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seolens/identity/internal/emailaddr"
	"github.com/seolens/identity/internal/otp"
	"github.com/seolens/identity/password"
)

// enumerationDelay pads the unknown-email path of RequestForgotPassword
// so its latency resembles a real issuance.
const enumerationDelay = 120 * time.Millisecond

// RequestForgotPassword starts the forgot-password flow. The returned
// message is byte-identical whether or not the email is enrolled, and
// whether or not a code was actually sent; only an enrolled, active
// account receives one. The error return covers infrastructure faults
// only and still reveals nothing about the address.
func (e *Engine) RequestForgotPassword(ctx context.Context, email, ip, userAgent string) (string, error) {
	if e == nil || e.users == nil {
		return "", ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return "", err
	}

	normalized := emailaddr.Normalize(email)

	user, err := e.users.GetByNormalizedEmail(ctx, normalized)
	if err != nil {
		if isCancellation(err) {
			return "", err
		}
		if errors.Is(err, ErrUserNotFound) {
			if err := sleepEnumerationDelay(ctx); err != nil {
				return "", err
			}
			e.forgotAudit(ctx, "", normalized, ip, userAgent, "unknown_email")
			e.metricInc(MetricForgotPasswordRequest)
			return MsgForgotPasswordSent, nil
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !user.Active || user.Status != StatusActive {
		e.forgotAudit(ctx, user.ID, normalized, ip, userAgent, "account_inactive")
		e.metricInc(MetricForgotPasswordRequest)
		return MsgForgotPasswordSent, nil
	}

	decision, err := e.throttleOTPSend(ctx, otp.PurposeForgotPassword, normalized, ip, settings.ForgotPassword)
	if err != nil {
		return "", err
	}
	if !decision.Allowed {
		// Throttled requests get the same message; saying "slow down"
		// here would confirm the address exists.
		e.metricInc(MetricRateLimitHit)
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditRateLimited,
			UserID:    user.ID,
			Email:     emailaddr.Mask(user.Email),
			Purpose:   otp.PurposeForgotPassword.String(),
			IP:        ip,
			Reason:    decision.Reason,
		})
		return MsgForgotPasswordSent, nil
	}

	if _, err := e.issueAndSend(ctx, otp.PurposeForgotPassword, normalized, ip, settings.ForgotPassword, func(code string) error {
		return e.mailer.SendForgotPasswordCode(ctx, user.Email, code)
	}); err != nil {
		return "", err
	}

	e.forgotAudit(ctx, user.ID, normalized, ip, userAgent, "")
	e.metricInc(MetricForgotPasswordRequest)
	return MsgForgotPasswordSent, nil
}

// ResetPassword consumes a forgot-password code and installs the new
// password, clearing any lockout state. The user is returned for
// immediate sign-in by the caller.
func (e *Engine) ResetPassword(ctx context.Context, rid, email, code, newPassword, confirmPassword string) (TwoFactorResult, error) {
	if e == nil || e.users == nil {
		return TwoFactorResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return TwoFactorResult{}, err
	}

	// Policy violations are checked before the code is consumed so a
	// typo in the confirmation field does not burn the challenge.
	if ok, message := e.validateNewPassword(newPassword, confirmPassword, settings); !ok {
		return TwoFactorResult{Status: FlowInvalidInput, Message: message}, nil
	}

	normalized := emailaddr.Normalize(email)
	denied := TwoFactorResult{Status: FlowDenied, Message: MsgInvalidOrExpired}

	user, err := e.users.GetByNormalizedEmail(ctx, normalized)
	if err != nil {
		if isCancellation(err) {
			return TwoFactorResult{}, err
		}
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricPasswordResetFailure)
			return denied, nil
		}
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result, err := e.challenges.Consume(ctx, otp.PurposeForgotPassword, normalized, rid, code, otpPolicy(settings.ForgotPassword))
	if err != nil {
		return TwoFactorResult{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !result.OK {
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditPasswordReset,
			UserID:    user.ID,
			Email:     emailaddr.Mask(user.Email),
			Purpose:   otp.PurposeForgotPassword.String(),
			Reason:    result.Reason,
		})
		e.metricInc(MetricPasswordResetFailure)
		e.metricInc(MetricOTPConsumeFailure)
		return denied, nil
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

	e.emitAudit(ctx, AuditEvent{
		EventType: AuditPasswordReset,
		UserID:    user.ID,
		Email:     emailaddr.Mask(user.Email),
		Purpose:   otp.PurposeForgotPassword.String(),
		Success:   true,
	})
	e.metricInc(MetricPasswordResetSuccess)

	return TwoFactorResult{Status: FlowSuccess, User: &user}, nil
}

func (e *Engine) forgotAudit(ctx context.Context, userID, normalized, ip, userAgent, reason string) {
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditForgotPassword,
		UserID:    userID,
		Email:     emailaddr.Mask(normalized),
		IP:        ip,
		Success:   reason == "",
		Reason:    reason,
		Metadata:  map[string]string{"user_agent": userAgent},
	})
}

func sleepEnumerationDelay(ctx context.Context) error {
	timer := time.NewTimer(enumerationDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
