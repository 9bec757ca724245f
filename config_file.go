package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads engine configuration from a YAML file. Durations
// are written in Go notation ("10m", "72h"); the HMAC key is hex-encoded.
// Omitted fields fall back to the built-in defaults at Build time.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration bytes. See [LoadConfigFile].
func ParseConfig(data []byte) (Config, error) {
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	return f.toConfig()
}

type fileConfig struct {
	HMACKeyHex string `yaml:"hmac_key_hex"`

	Lockout struct {
		Threshold int    `yaml:"threshold"`
		Duration  string `yaml:"duration"`
	} `yaml:"lockout"`

	Password struct {
		MemoryKB    uint32 `yaml:"memory_kb"`
		Time        uint32 `yaml:"time"`
		Parallelism uint8  `yaml:"parallelism"`
		SaltLength  uint32 `yaml:"salt_length"`
		KeyLength   uint32 `yaml:"key_length"`
		MinLength   int    `yaml:"min_length"`
	} `yaml:"password"`

	Login2FA       fileOTPConfig `yaml:"login_2fa"`
	ForgotPassword fileOTPConfig `yaml:"forgot_password"`
	InviteOTP      fileOTPConfig `yaml:"invite_otp"`
	ChangePassword fileOTPConfig `yaml:"change_password"`

	Invite struct {
		TokenTTL         string `yaml:"token_ttl"`
		MaxTokenAttempts int    `yaml:"max_token_attempts"`
		LockDuration     string `yaml:"lock_duration"`
	} `yaml:"invite"`

	Audit struct {
		Enabled    bool `yaml:"enabled"`
		BufferSize int  `yaml:"buffer_size"`
	} `yaml:"audit"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`
}

type fileOTPConfig struct {
	Expiry       string `yaml:"expiry"`
	Cooldown     string `yaml:"cooldown"`
	MaxPerHour   int    `yaml:"max_per_hour"`
	MaxPerHourIP int    `yaml:"max_per_hour_ip"`
	MaxAttempts  int    `yaml:"max_attempts"`
	LockDuration string `yaml:"lock_duration"`
}

func (f fileOTPConfig) toOTPConfig() (OTPConfig, error) {
	out := OTPConfig{
		MaxPerHour:   f.MaxPerHour,
		MaxPerHourIP: f.MaxPerHourIP,
		MaxAttempts:  f.MaxAttempts,
	}

	var err error
	if out.Expiry, err = parseDuration(f.Expiry); err != nil {
		return OTPConfig{}, err
	}
	if out.Cooldown, err = parseDuration(f.Cooldown); err != nil {
		return OTPConfig{}, err
	}
	if out.LockDuration, err = parseDuration(f.LockDuration); err != nil {
		return OTPConfig{}, err
	}
	return out, nil
}

func (f fileConfig) toConfig() (Config, error) {
	var cfg Config
	var err error

	if f.HMACKeyHex != "" {
		cfg.HMACKey, err = hex.DecodeString(f.HMACKeyHex)
		if err != nil {
			return Config{}, fmt.Errorf("config: hmac_key_hex: %w", err)
		}
	}

	cfg.Lockout.Threshold = f.Lockout.Threshold
	if cfg.Lockout.Duration, err = parseDuration(f.Lockout.Duration); err != nil {
		return Config{}, fmt.Errorf("config: lockout.duration: %w", err)
	}

	cfg.Password.Memory = f.Password.MemoryKB
	cfg.Password.Time = f.Password.Time
	cfg.Password.Parallelism = f.Password.Parallelism
	cfg.Password.SaltLength = f.Password.SaltLength
	cfg.Password.KeyLength = f.Password.KeyLength
	cfg.Password.MinLength = f.Password.MinLength

	sections := []struct {
		name string
		src  fileOTPConfig
		dst  *OTPConfig
	}{
		{"login_2fa", f.Login2FA, &cfg.Login2FA},
		{"forgot_password", f.ForgotPassword, &cfg.ForgotPassword},
		{"invite_otp", f.InviteOTP, &cfg.InviteOTP},
		{"change_password", f.ChangePassword, &cfg.ChangePassword},
	}
	for _, s := range sections {
		parsed, err := s.src.toOTPConfig()
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", s.name, err)
		}
		*s.dst = parsed
	}

	cfg.Invite.MaxTokenAttempts = f.Invite.MaxTokenAttempts
	if cfg.Invite.TokenTTL, err = parseDuration(f.Invite.TokenTTL); err != nil {
		return Config{}, fmt.Errorf("config: invite.token_ttl: %w", err)
	}
	if cfg.Invite.LockDuration, err = parseDuration(f.Invite.LockDuration); err != nil {
		return Config{}, fmt.Errorf("config: invite.lock_duration: %w", err)
	}

	cfg.Audit.Enabled = f.Audit.Enabled
	cfg.Audit.BufferSize = f.Audit.BufferSize
	cfg.Metrics.Enabled = f.Metrics.Enabled

	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
