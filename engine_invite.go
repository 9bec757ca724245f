package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/seolens/identity/internal/crypt"
	"github.com/seolens/identity/internal/emailaddr"
	"github.com/seolens/identity/internal/otp"
	"github.com/seolens/identity/password"
)

const inviteTokenBytes = 48

// CreateUserAndInvite creates a pending account and emails it an invite
// link. Any prior active invite for the user is revoked first, so there
// is never more than one live token. Only the HMAC of the token is
// persisted; the raw token exists in the emailed URL alone.
func (e *Engine) CreateUserAndInvite(ctx context.Context, firstName, lastName, email, createdByUserID, appBaseURL, ip string) (InviteResult, error) {
	if e == nil || e.users == nil || e.invites == nil {
		return InviteResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return InviteResult{}, err
	}

	normalized := emailaddr.Normalize(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return InviteResult{Status: FlowInvalidInput, Message: "A valid email address is required."}, nil
	}

	user, err := e.users.CreatePending(ctx, CreateUserInput{
		FirstName:       strings.TrimSpace(firstName),
		LastName:        strings.TrimSpace(lastName),
		Email:           strings.TrimSpace(email),
		NormalizedEmail: normalized,
		CreatedByUserID: createdByUserID,
	})
	if err != nil {
		if isCancellation(err) {
			return InviteResult{}, err
		}
		if errors.Is(err, ErrUserExists) {
			// Admin-facing flow: precision here does not enable
			// enumeration the admin screen doesn't already have.
			return InviteResult{Status: FlowInvalidInput, Message: "An account with that email already exists."}, nil
		}
		return InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return e.issueInvite(ctx, user.ID, user.Email, createdByUserID, appBaseURL, ip, settings, AuditInviteCreated, MetricInviteCreated)
}

// ResendInvite revokes the user's active invite and issues a fresh one
// with a new token and expiry. Old tokens become unusable immediately.
func (e *Engine) ResendInvite(ctx context.Context, userID, resentByUserID, appBaseURL, ip string) (InviteResult, error) {
	if e == nil || e.users == nil || e.invites == nil {
		return InviteResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return InviteResult{}, err
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		if isCancellation(err) {
			return InviteResult{}, err
		}
		if errors.Is(err, ErrUserNotFound) {
			return InviteResult{Status: FlowInvalidInput, Message: "No such user."}, nil
		}
		return InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if user.Status != StatusPending {
		return InviteResult{Status: FlowInvalidInput, Message: "User has already completed onboarding."}, nil
	}

	return e.issueInvite(ctx, user.ID, user.Email, resentByUserID, appBaseURL, ip, settings, AuditInviteResent, MetricInviteResent)
}

// RevokeInvite invalidates all active invites for a user without
// replacing them.
func (e *Engine) RevokeInvite(ctx context.Context, userID string) error {
	if e == nil || e.invites == nil {
		return ErrEngineNotReady
	}
	if err := e.invites.RevokeActiveForUser(ctx, userID, e.now()); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ValidateInviteToken exchanges a raw invite token for the invite it
// names. Unknown, expired, used, revoked, and locked invites all fail
// with the same generic message.
func (e *Engine) ValidateInviteToken(ctx context.Context, token string) (InviteResult, error) {
	if e == nil || e.invites == nil {
		return InviteResult{}, ErrEngineNotReady
	}

	invite, result, err := e.lookupInvite(ctx, token)
	if err != nil || result.Status != FlowSuccess {
		return result, err
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: AuditInviteValidated,
		UserID:    invite.UserID,
		InviteID:  invite.ID,
		Email:     emailaddr.Mask(invite.Email),
		Success:   true,
	})
	e.metricInc(MetricInviteValidated)

	return InviteResult{
		Status:      FlowSuccess,
		Invite:      invite,
		MaskedEmail: emailaddr.Mask(invite.Email),
	}, nil
}

// SendInviteOTP issues and emails the verification code for an invite.
// Throttled by the invite's own cooldown plus hourly per-invite and
// per-IP windows.
func (e *Engine) SendInviteOTP(ctx context.Context, token, ip string) (InviteResult, error) {
	if e == nil || e.invites == nil {
		return InviteResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return InviteResult{}, err
	}

	invite, result, err := e.lookupInvite(ctx, token)
	if err != nil || result.Status != FlowSuccess {
		return result, err
	}

	decision, err := e.limiter.Decide(ctx, otp.PurposeInviteOTP.String(), invite.ID, ip,
		invite.LastOtpSentAt, ratePolicy(settings.InviteOTP), e.now())
	if err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !decision.Allowed {
		e.metricInc(MetricRateLimitHit)
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditRateLimited,
			InviteID:  invite.ID,
			Purpose:   otp.PurposeInviteOTP.String(),
			IP:        ip,
			Reason:    decision.Reason,
		})
		return InviteResult{Status: FlowRateLimited, Message: MsgTryAgainLater}, nil
	}

	if _, err := e.issueAndSend(ctx, otp.PurposeInviteOTP, invite.ID, ip, settings.InviteOTP, func(code string) error {
		return e.mailer.SendInviteCode(ctx, invite.Email, code)
	}); err != nil {
		return InviteResult{}, err
	}

	if err := e.invites.MarkOtpSent(ctx, invite.ID, e.now()); err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: AuditInviteOTPSent,
		UserID:    invite.UserID,
		InviteID:  invite.ID,
		Email:     emailaddr.Mask(invite.Email),
		IP:        ip,
		Success:   true,
	})
	e.metricInc(MetricInviteOTPSent)

	return InviteResult{Status: FlowSuccess, MaskedEmail: emailaddr.Mask(invite.Email)}, nil
}

// VerifyInviteOTP consumes the invite verification code. Failed guesses
// count twice: against the code's own attempt budget inside the
// challenge engine, and against the invite-level counter, so a
// send-and-guess loop eventually locks the whole invite rather than just
// one code.
func (e *Engine) VerifyInviteOTP(ctx context.Context, token, code, ip string) (InviteResult, error) {
	if e == nil || e.invites == nil {
		return InviteResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return InviteResult{}, err
	}

	invite, result, err := e.lookupInvite(ctx, token)
	if err != nil || result.Status != FlowSuccess {
		return result, err
	}

	consume, err := e.challenges.Consume(ctx, otp.PurposeInviteOTP, invite.ID, "", code, otpPolicy(settings.InviteOTP))
	if err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	if !consume.OK {
		locked, err := e.recordInviteFailure(ctx, invite, ip, settings)
		if err != nil {
			return InviteResult{}, err
		}
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditInviteOTPVerified,
			UserID:    invite.UserID,
			InviteID:  invite.ID,
			IP:        ip,
			Reason:    consume.Reason,
		})
		e.metricInc(MetricOTPConsumeFailure)

		message := MsgInvalidOrExpired
		if locked || consume.Reason == otp.ReasonAttempts || consume.Reason == otp.ReasonLocked {
			message = MsgTooManyAttempts
		}
		return InviteResult{Status: FlowDenied, Message: message}, nil
	}

	if err := e.invites.MarkOtpVerified(ctx, invite.ID, e.now()); err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: AuditInviteOTPVerified,
		UserID:    invite.UserID,
		InviteID:  invite.ID,
		IP:        ip,
		Success:   true,
	})
	e.metricInc(MetricInviteOTPVerified)

	return InviteResult{Status: FlowSuccess, MaskedEmail: emailaddr.Mask(invite.Email)}, nil
}

// CompleteInvite sets the invited user's first password and finishes
// onboarding. The email must have been verified through
// [Engine.VerifyInviteOTP] first; the store's Complete operation flips
// the invite to used and activates the user atomically, so a crash or
// race can never leave a half-completed invite.
func (e *Engine) CompleteInvite(ctx context.Context, token, newPassword, confirmPassword string, useGravatar bool) (InviteResult, error) {
	if e == nil || e.invites == nil {
		return InviteResult{}, ErrEngineNotReady
	}

	settings, err := e.securitySettings(ctx)
	if err != nil {
		return InviteResult{}, err
	}

	invite, result, err := e.lookupInvite(ctx, token)
	if err != nil || result.Status != FlowSuccess {
		return result, err
	}

	if invite.OtpVerifiedAt.IsZero() {
		return InviteResult{Status: FlowDenied, Message: MsgVerifyEmailFirst}, nil
	}

	if ok, message := e.validateNewPassword(newPassword, confirmPassword, settings); !ok {
		return InviteResult{Status: FlowInvalidInput, Message: message}, nil
	}

	hash, err := e.hasher.Hash(newPassword)
	if err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.invites.Complete(ctx, invite.ID, invite.UserID, hash, password.Version, useGravatar, e.now()); err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: AuditInviteCompleted,
		UserID:    invite.UserID,
		InviteID:  invite.ID,
		Email:     emailaddr.Mask(invite.Email),
		Success:   true,
	})
	e.metricInc(MetricInviteCompleted)

	return InviteResult{Status: FlowSuccess, MaskedEmail: emailaddr.Mask(invite.Email)}, nil
}

// issueInvite is the shared revoke-then-issue step for create and resend.
func (e *Engine) issueInvite(ctx context.Context, userID, email, byUserID, appBaseURL, ip string, settings SecuritySettings, auditType string, metric MetricID) (InviteResult, error) {
	now := e.now()

	if err := e.invites.RevokeActiveForUser(ctx, userID, now); err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	raw, err := e.crypto.RandomBytes(inviteTokenBytes)
	if err != nil {
		return InviteResult{}, err
	}
	token := crypt.Base64URLEncode(raw)

	invite := InviteRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		Email:     email,
		TokenHash: e.crypto.HMACSHA256(raw),
		ExpiresAt: now.Add(settings.InviteTokenTTL),
		Status:    InviteActive,
		CreatedBy: byUserID,
		CreatedAt: now,
	}
	if err := e.invites.Create(ctx, invite); err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	inviteURL := strings.TrimRight(appBaseURL, "/") + "/invite/accept?token=" + token
	if err := e.mailer.SendInvite(ctx, email, inviteURL); err != nil {
		return InviteResult{}, fmt.Errorf("%w: %v", ErrMailerUnavailable, err)
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: auditType,
		UserID:    userID,
		InviteID:  invite.ID,
		Email:     emailaddr.Mask(email),
		IP:        ip,
		Success:   true,
	})
	e.metricInc(metric)

	return InviteResult{Status: FlowSuccess, MaskedEmail: emailaddr.Mask(email)}, nil
}

// lookupInvite decodes and resolves a raw token, applying every validity
// check. On any failure the caller gets a ready-to-return generic result.
func (e *Engine) lookupInvite(ctx context.Context, token string) (*InviteRecord, InviteResult, error) {
	rejected := InviteResult{Status: FlowDenied, Message: MsgInvalidInvite}

	raw, ok := crypt.Base64URLDecode(token)
	if !ok || len(raw) != inviteTokenBytes {
		e.metricInc(MetricInviteRejected)
		return nil, rejected, nil
	}

	invite, err := e.invites.GetByTokenHash(ctx, e.crypto.HMACSHA256(raw))
	if err != nil {
		if isCancellation(err) {
			return nil, InviteResult{}, err
		}
		if errors.Is(err, ErrInviteNotFound) {
			e.metricInc(MetricInviteRejected)
			return nil, rejected, nil
		}
		return nil, InviteResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := e.now()
	switch {
	case invite.Status != InviteActive,
		now.After(invite.ExpiresAt),
		!invite.LockedUntil.IsZero() && now.Before(invite.LockedUntil):
		e.metricInc(MetricInviteRejected)
		return nil, rejected, nil
	}

	return &invite, InviteResult{Status: FlowSuccess}, nil
}

// recordInviteFailure bumps the invite-level counter and locks the whole
// invite at the configured ceiling.
func (e *Engine) recordInviteFailure(ctx context.Context, invite *InviteRecord, ip string, settings SecuritySettings) (bool, error) {
	attempts, err := e.invites.RecordFailure(ctx, invite.ID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if attempts < settings.InviteMaxTokenAttempts {
		return false, nil
	}

	until := e.now().Add(settings.InviteLockDuration)
	if err := e.invites.SetLock(ctx, invite.ID, until); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, AuditEvent{
		EventType: AuditInviteLocked,
		UserID:    invite.UserID,
		InviteID:  invite.ID,
		IP:        ip,
		Reason:    "attempts_exceeded",
	})
	e.metricInc(MetricInviteLocked)
	return true, nil
}
