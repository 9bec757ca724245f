package identity

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/seolens/identity/internal/crypt"
	"github.com/seolens/identity/internal/otp"
	"github.com/seolens/identity/internal/rate"
	"github.com/seolens/identity/internal/stores"
	"github.com/seolens/identity/password"
)

// Builder assembles an [Engine]. Construction is allocation-only until
// [Builder.Build]; no I/O happens before the first engine call.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users    UserStore
	invites  InviteStore
	mailer   Mailer
	settings SettingsProvider

	auditSink AuditSink
	now       func() time.Time

	built bool
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
		now:    time.Now,
	}
}

// WithConfig replaces the configuration. Zero-valued fields fall back to
// defaults at Build time.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the Redis client backing challenge records and
// rate-limit counters. Required.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the caller-owned user repository. Required.
func (b *Builder) WithUserStore(store UserStore) *Builder {
	b.users = store
	return b
}

// WithInviteStore sets the caller-owned invite repository. Required for
// the invite flows.
func (b *Builder) WithInviteStore(store InviteStore) *Builder {
	b.invites = store
	return b
}

// WithMailer sets the outbound email boundary. Required.
func (b *Builder) WithMailer(m Mailer) *Builder {
	b.mailer = m
	return b
}

// WithSettingsProvider sets a dynamic security-settings source. When
// omitted, the static config policies are used for every call.
func (b *Builder) WithSettingsProvider(p SettingsProvider) *Builder {
	b.settings = p
	return b
}

// WithAuditSink sets the audit event destination.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock overrides the engine clock, for deterministic tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles the flow counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, wires the internal stores and
// limiters, and returns a ready Engine. A Builder can build once.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.users == nil {
		return nil, errors.New("user store is required")
	}
	if b.mailer == nil {
		return nil, errors.New("mailer is required")
	}
	if b.now == nil {
		b.now = time.Now
	}

	crypto, err := crypt.New(cfg.HMACKey)
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	settings := b.settings
	if settings == nil {
		settings = StaticSettings{Settings: cfg.settingsSnapshot()}
	}

	engine := &Engine{
		config:     cfg,
		users:      b.users,
		invites:    b.invites,
		mailer:     b.mailer,
		settings:   settings,
		hasher:     hasher,
		crypto:     crypto,
		challenges: otp.NewEngine(stores.NewChallengeStore(b.redis), crypto, b.now),
		limiter:    rate.New(b.redis),
		audit:      newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:    newMetrics(),
		now:        b.now,
	}

	b.built = true
	return engine, nil
}
