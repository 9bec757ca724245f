package identity

import (
	"errors"
	"time"
)

// Config defines the engine's policy knobs and crypto parameters.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
// The flow policies double as the default [SecuritySettings] snapshot when no
// dynamic [SettingsProvider] is wired.
type Config struct {
	// HMACKey keys every challenge and invite-token hash. Minimum 16
	// bytes; rotate by re-issuing outstanding challenges.
	HMACKey []byte `yaml:"hmac_key"`

	Lockout  LockoutConfig  `yaml:"lockout"`
	Password PasswordConfig `yaml:"password"`

	Login2FA       OTPConfig `yaml:"login_2fa"`
	ForgotPassword OTPConfig `yaml:"forgot_password"`
	InviteOTP      OTPConfig `yaml:"invite_otp"`
	ChangePassword OTPConfig `yaml:"change_password"`

	Invite  InviteConfig  `yaml:"invite"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig governs the persistent login lockout on the user record.
type LockoutConfig struct {
	// Threshold is the failed-attempt count at which the account locks.
	Threshold int `yaml:"threshold"`
	// Duration is how long the lock holds. A correct password during an
	// active lock window is still rejected.
	Duration time.Duration `yaml:"duration"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds Argon2id cost parameters and the password policy.
type PasswordConfig struct {
	Memory      uint32 `yaml:"memory_kb"`
	Time        uint32 `yaml:"time"`
	Parallelism uint8  `yaml:"parallelism"`
	SaltLength  uint32 `yaml:"salt_length"`
	KeyLength   uint32 `yaml:"key_length"`

	// MinLength is the password policy floor; validation failures quote
	// it precisely, unlike authentication failures.
	MinLength int `yaml:"min_length"`
}

/*
====================================
OTP CONFIG (one per purpose)
====================================
*/

// OTPConfig is the challenge policy for a single purpose.
type OTPConfig struct {
	Expiry       time.Duration `yaml:"expiry"`
	Cooldown     time.Duration `yaml:"cooldown"`
	MaxPerHour   int           `yaml:"max_per_hour"`
	MaxPerHourIP int           `yaml:"max_per_hour_ip"`
	MaxAttempts  int           `yaml:"max_attempts"`
	LockDuration time.Duration `yaml:"lock_duration"`
}

/*
====================================
INVITE CONFIG
====================================
*/

// InviteConfig governs invite tokens and the invite-level guess lock.
type InviteConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
	// MaxTokenAttempts bounds failed token/OTP cycles against one invite
	// before the whole invite locks, independent of the per-code counter.
	MaxTokenAttempts int           `yaml:"max_token_attempts"`
	LockDuration     time.Duration `yaml:"lock_duration"`
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	// DropIfFull sheds events instead of applying backpressure when the
	// buffer is full; Dropped() exposes the shed count.
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig controls the atomic flow counters.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func defaultOTPConfig() OTPConfig {
	return OTPConfig{
		Expiry:       10 * time.Minute,
		Cooldown:     60 * time.Second,
		MaxPerHour:   6,
		MaxPerHourIP: 20,
		MaxAttempts:  5,
		LockDuration: 15 * time.Minute,
	}
}

func defaultConfig() Config {
	return Config{
		Lockout: LockoutConfig{
			Threshold: 5,
			Duration:  15 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MinLength:   10,
		},
		Login2FA:       defaultOTPConfig(),
		ForgotPassword: defaultOTPConfig(),
		InviteOTP:      defaultOTPConfig(),
		ChangePassword: defaultOTPConfig(),
		Invite: InviteConfig{
			TokenTTL:         72 * time.Hour,
			MaxTokenAttempts: 10,
			LockDuration:     time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.HMACKey != nil {
		out.HMACKey = make([]byte, len(cfg.HMACKey))
		copy(out.HMACKey, cfg.HMACKey)
	}
	return out
}

func (c *Config) applyDefaults() {
	def := defaultConfig()

	if c.Lockout.Threshold <= 0 {
		c.Lockout.Threshold = def.Lockout.Threshold
	}
	if c.Lockout.Duration <= 0 {
		c.Lockout.Duration = def.Lockout.Duration
	}

	if c.Password.Memory == 0 {
		c.Password.Memory = def.Password.Memory
	}
	if c.Password.Time == 0 {
		c.Password.Time = def.Password.Time
	}
	if c.Password.Parallelism == 0 {
		c.Password.Parallelism = def.Password.Parallelism
	}
	if c.Password.SaltLength == 0 {
		c.Password.SaltLength = def.Password.SaltLength
	}
	if c.Password.KeyLength == 0 {
		c.Password.KeyLength = def.Password.KeyLength
	}
	if c.Password.MinLength <= 0 {
		c.Password.MinLength = def.Password.MinLength
	}

	for _, otpCfg := range []*OTPConfig{&c.Login2FA, &c.ForgotPassword, &c.InviteOTP, &c.ChangePassword} {
		if otpCfg.Expiry <= 0 {
			otpCfg.Expiry = def.Login2FA.Expiry
		}
		if otpCfg.Cooldown <= 0 {
			otpCfg.Cooldown = def.Login2FA.Cooldown
		}
		if otpCfg.MaxPerHour <= 0 {
			otpCfg.MaxPerHour = def.Login2FA.MaxPerHour
		}
		if otpCfg.MaxPerHourIP <= 0 {
			otpCfg.MaxPerHourIP = def.Login2FA.MaxPerHourIP
		}
		if otpCfg.MaxAttempts <= 0 {
			otpCfg.MaxAttempts = def.Login2FA.MaxAttempts
		}
		if otpCfg.LockDuration <= 0 {
			otpCfg.LockDuration = def.Login2FA.LockDuration
		}
	}

	if c.Invite.TokenTTL <= 0 {
		c.Invite.TokenTTL = def.Invite.TokenTTL
	}
	if c.Invite.MaxTokenAttempts <= 0 {
		c.Invite.MaxTokenAttempts = def.Invite.MaxTokenAttempts
	}
	if c.Invite.LockDuration <= 0 {
		c.Invite.LockDuration = def.Invite.LockDuration
	}

	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = def.Audit.BufferSize
	}
}

func (c *Config) validate() error {
	if len(c.HMACKey) < 16 {
		return errors.New("config: hmac key must be at least 16 bytes")
	}
	if c.Lockout.Threshold < 1 {
		return errors.New("config: lockout threshold must be >= 1")
	}
	for name, otpCfg := range map[string]OTPConfig{
		"login_2fa":       c.Login2FA,
		"forgot_password": c.ForgotPassword,
		"invite_otp":      c.InviteOTP,
		"change_password": c.ChangePassword,
	} {
		if otpCfg.Expiry < time.Minute {
			return errors.New("config: " + name + " expiry must be >= 1m")
		}
		if otpCfg.MaxAttempts < 1 {
			return errors.New("config: " + name + " max attempts must be >= 1")
		}
	}
	if c.Invite.TokenTTL < time.Hour {
		return errors.New("config: invite token ttl must be >= 1h")
	}
	return nil
}

// settingsSnapshot converts the static config policies into the
// [SecuritySettings] shape the flows consume.
func (c *Config) settingsSnapshot() SecuritySettings {
	toSettings := func(o OTPConfig) OTPSettings {
		return OTPSettings{
			Expiry:       o.Expiry,
			Cooldown:     o.Cooldown,
			MaxPerHour:   o.MaxPerHour,
			MaxPerHourIP: o.MaxPerHourIP,
			MaxAttempts:  o.MaxAttempts,
			LockDuration: o.LockDuration,
		}
	}

	return SecuritySettings{
		LockoutThreshold:       c.Lockout.Threshold,
		LockoutDuration:        c.Lockout.Duration,
		Login2FA:               toSettings(c.Login2FA),
		ForgotPassword:         toSettings(c.ForgotPassword),
		InviteOTP:              toSettings(c.InviteOTP),
		ChangePassword:         toSettings(c.ChangePassword),
		InviteTokenTTL:         c.Invite.TokenTTL,
		InviteMaxTokenAttempts: c.Invite.MaxTokenAttempts,
		InviteLockDuration:     c.Invite.LockDuration,
		PasswordMinLength:      c.Password.MinLength,
	}
}
