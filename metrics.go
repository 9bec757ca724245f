package identity

import "sync/atomic"

// MetricID identifies one flow counter.
type MetricID uint16

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginLockout
	MetricTwoFactorSuccess
	MetricTwoFactorFailure
	MetricForgotPasswordRequest
	MetricPasswordResetSuccess
	MetricPasswordResetFailure
	MetricInviteCreated
	MetricInviteResent
	MetricInviteValidated
	MetricInviteRejected
	MetricInviteOTPSent
	MetricInviteOTPVerified
	MetricInviteCompleted
	MetricInviteLocked
	MetricPasswordChangeStarted
	MetricPasswordChangeCompleted
	MetricPasswordChangeFailure
	MetricOTPIssued
	MetricOTPConsumeFailure
	MetricRateLimitHit

	metricCount
)

var metricNames = map[MetricID]string{
	MetricLoginSuccess:            "login_success",
	MetricLoginFailure:            "login_failure",
	MetricLoginLockout:            "login_lockout",
	MetricTwoFactorSuccess:        "two_factor_success",
	MetricTwoFactorFailure:        "two_factor_failure",
	MetricForgotPasswordRequest:   "forgot_password_request",
	MetricPasswordResetSuccess:    "password_reset_success",
	MetricPasswordResetFailure:    "password_reset_failure",
	MetricInviteCreated:           "invite_created",
	MetricInviteResent:            "invite_resent",
	MetricInviteValidated:         "invite_validated",
	MetricInviteRejected:          "invite_rejected",
	MetricInviteOTPSent:           "invite_otp_sent",
	MetricInviteOTPVerified:       "invite_otp_verified",
	MetricInviteCompleted:         "invite_completed",
	MetricInviteLocked:            "invite_locked",
	MetricPasswordChangeStarted:   "password_change_started",
	MetricPasswordChangeCompleted: "password_change_completed",
	MetricPasswordChangeFailure:   "password_change_failure",
	MetricOTPIssued:               "otp_issued",
	MetricOTPConsumeFailure:       "otp_consume_failure",
	MetricRateLimitHit:            "rate_limit_hit",
}

// String returns the stable snake_case name used in snapshots.
func (m MetricID) String() string {
	if name, ok := metricNames[m]; ok {
		return name
	}
	return "unknown"
}

// Metrics is a fixed set of lock-free counters. All methods are safe for
// concurrent use.
type Metrics struct {
	counters [metricCount]atomic.Uint64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) inc(id MetricID) {
	if m == nil || id >= metricCount {
		return
	}
	m.counters[id].Add(1)
}

// MetricsSnapshot is a point-in-time copy of all counters, keyed by
// metric name.
type MetricsSnapshot struct {
	Counters map[string]uint64
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{Counters: make(map[string]uint64, int(metricCount))}
	if m == nil {
		return snap
	}
	for id := MetricID(0); id < metricCount; id++ {
		snap.Counters[id.String()] = m.counters[id].Load()
	}
	return snap
}
