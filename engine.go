package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seolens/identity/internal/crypt"
	"github.com/seolens/identity/internal/emailaddr"
	"github.com/seolens/identity/internal/otp"
	"github.com/seolens/identity/internal/rate"
	"github.com/seolens/identity/password"
)

// Engine orchestrates every credential flow. Construct one through
// [Builder.Build]; after that all methods are safe for concurrent use.
// The engine holds no per-user state between calls; every operation
// re-fetches current records, so multiple instances can run behind a
// load balancer with Redis and the caller's stores as the only truth.
type Engine struct {
	config     Config
	users      UserStore
	invites    InviteStore
	mailer     Mailer
	settings   SettingsProvider
	hasher     *password.Hasher
	crypto     *crypt.Primitives
	challenges *otp.Engine
	limiter    *rate.Limiter
	audit      *auditDispatcher
	metrics    *Metrics
	now        func() time.Time
}

// Close flushes the audit dispatcher. Call on shutdown.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns the number of audit events shed under load.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the flow counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[string]uint64{}}
	}
	return e.metrics.Snapshot()
}

// MaskEmail redacts an address for display ("t***@example.com").
// Presentation only, not a security control.
func MaskEmail(email string) string {
	return emailaddr.Mask(email)
}

// NormalizeEmail returns the canonical form used for account lookup.
func NormalizeEmail(email string) string {
	return emailaddr.Normalize(email)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || !e.config.Metrics.Enabled {
		return
	}
	e.metrics.inc(id)
}

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e == nil || e.audit == nil {
		return
	}
	event.Timestamp = e.now()
	e.audit.Emit(ctx, event)
}

// securitySettings loads the policy snapshot consumed by one flow call.
func (e *Engine) securitySettings(ctx context.Context) (SecuritySettings, error) {
	settings, err := e.settings.SecuritySettings(ctx)
	if err != nil {
		return SecuritySettings{}, fmt.Errorf("%w: %v", ErrSettingsUnavailable, err)
	}
	return settings, nil
}

// validateNewPassword applies the password policy. Failures here are
// ValidationFailures: the caller's fault and safe to describe precisely.
func (e *Engine) validateNewPassword(newPassword, confirmPassword string, settings SecuritySettings) (ok bool, message string) {
	if newPassword != confirmPassword {
		return false, MsgPasswordsDontMatch
	}
	if len(newPassword) < settings.PasswordMinLength {
		return false, fmt.Sprintf("Password must be at least %d characters.", settings.PasswordMinLength)
	}
	return true, ""
}

func otpPolicy(s OTPSettings) otp.Policy {
	return otp.Policy{
		Expiry:       s.Expiry,
		MaxAttempts:  s.MaxAttempts,
		LockDuration: s.LockDuration,
	}
}

func ratePolicy(s OTPSettings) rate.Policy {
	return rate.Policy{
		Cooldown:    s.Cooldown,
		Window:      time.Hour,
		MaxPerOwner: s.MaxPerHour,
		MaxPerIP:    s.MaxPerHourIP,
	}
}

// throttleOTPSend runs the composite pre-send decision: cooldown against
// the active challenge's issue time, then the hourly owner and IP
// windows. Advisory; counters are recorded only after a delivered send.
func (e *Engine) throttleOTPSend(ctx context.Context, purpose otp.Purpose, owner, ip string, settings OTPSettings) (rate.Decision, error) {
	var lastSent time.Time
	if record, ok, err := e.challenges.Active(ctx, purpose, owner); err != nil {
		return rate.Decision{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	} else if ok {
		lastSent = time.Unix(record.IssuedAt, 0)
	}

	decision, err := e.limiter.Decide(ctx, purpose.String(), owner, ip, lastSent, ratePolicy(settings), e.now())
	if err != nil {
		return rate.Decision{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}
	return decision, nil
}

// issueAndSend issues a challenge and delivers the raw code through
// send. The code stays on the stack of this call; it is never stored or
// audited. Counters move only after send succeeds, so a mailer outage
// does not burn the hourly budget.
func (e *Engine) issueAndSend(ctx context.Context, purpose otp.Purpose, owner, ip string, settings OTPSettings, send func(code string) error) (otp.Issued, error) {
	issued, err := e.challenges.Issue(ctx, purpose, owner, ip, otpPolicy(settings))
	if err != nil {
		return otp.Issued{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	if err := send(issued.Code); err != nil {
		// The challenge outlives the failed send; an attacker learns
		// nothing, and the user can retry after the cooldown.
		return otp.Issued{}, fmt.Errorf("%w: %v", ErrMailerUnavailable, err)
	}

	if err := e.limiter.RecordSend(ctx, purpose.String(), owner, ip, time.Hour); err != nil {
		return otp.Issued{}, fmt.Errorf("%w: %v", ErrChallengeUnavailable, err)
	}

	e.metricInc(MetricOTPIssued)
	return issued, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
