package identity

import "time"

// SecurityReport is a read-only snapshot of the engine's effective
// security posture, for admin dashboards and deploy-time checks. It
// never contains key material.
type SecurityReport struct {
	LockoutThreshold int
	LockoutDuration  time.Duration

	Argon2 PasswordConfigReport

	Login2FA       OTPPolicyReport
	ForgotPassword OTPPolicyReport
	InviteOTP      OTPPolicyReport
	ChangePassword OTPPolicyReport

	InviteTokenTTL         time.Duration
	InviteMaxTokenAttempts int

	PasswordMinLength int

	AuditEnabled    bool
	MetricsEnabled  bool
	DynamicSettings bool
}

// PasswordConfigReport echoes the Argon2id cost parameters in effect.
type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// OTPPolicyReport echoes one purpose's challenge policy.
type OTPPolicyReport struct {
	Expiry       time.Duration
	Cooldown     time.Duration
	MaxPerHour   int
	MaxPerHourIP int
	MaxAttempts  int
	LockDuration time.Duration
}

// SecurityReport reports the static configuration, not a live settings
// snapshot: when a dynamic [SettingsProvider] is wired, DynamicSettings
// is true and the per-flow values may differ at call time.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	toReport := func(o OTPConfig) OTPPolicyReport {
		return OTPPolicyReport{
			Expiry:       o.Expiry,
			Cooldown:     o.Cooldown,
			MaxPerHour:   o.MaxPerHour,
			MaxPerHourIP: o.MaxPerHourIP,
			MaxAttempts:  o.MaxAttempts,
			LockDuration: o.LockDuration,
		}
	}

	_, static := e.settings.(StaticSettings)

	return SecurityReport{
		LockoutThreshold: e.config.Lockout.Threshold,
		LockoutDuration:  e.config.Lockout.Duration,
		Argon2: PasswordConfigReport{
			Memory:      e.config.Password.Memory,
			Time:        e.config.Password.Time,
			Parallelism: e.config.Password.Parallelism,
			SaltLength:  e.config.Password.SaltLength,
			KeyLength:   e.config.Password.KeyLength,
		},
		Login2FA:               toReport(e.config.Login2FA),
		ForgotPassword:         toReport(e.config.ForgotPassword),
		InviteOTP:              toReport(e.config.InviteOTP),
		ChangePassword:         toReport(e.config.ChangePassword),
		InviteTokenTTL:         e.config.Invite.TokenTTL,
		InviteMaxTokenAttempts: e.config.Invite.MaxTokenAttempts,
		PasswordMinLength:      e.config.Password.MinLength,
		AuditEnabled:           e.config.Audit.Enabled,
		MetricsEnabled:         e.config.Metrics.Enabled,
		DynamicSettings:        !static,
	}
}
