// Package rate implements the send-throttling decision used before any
// OTP or invite email goes out: a per-record cooldown plus fixed-window
// per-owner and per-IP counters backed by Redis.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reason codes carried on a denying [Decision].
const (
	ReasonCooldown    = "cooldown"
	ReasonOwnerHourly = "max_per_hour_owner"
	ReasonIPHourly    = "max_per_hour_ip"
)

// ErrBackendUnavailable indicates the counter backend is unreachable.
var ErrBackendUnavailable = errors.New("rate limit backend unavailable")

// Policy is the throttle budget for one send scope, supplied per call
// from the security settings snapshot.
type Policy struct {
	Cooldown    time.Duration
	Window      time.Duration
	MaxPerOwner int
	MaxPerIP    int
}

// Decision is the ephemeral outcome of a throttle check. It is advisory:
// the limiter never mutates state while deciding, and counters move only
// when the caller records an actual send.
type Decision struct {
	Allowed bool
	Reason  string
}

// CheckCooldown reports whether enough time has passed since the last
// send. A zero lastSent means no prior send and always passes.
func CheckCooldown(lastSent time.Time, cooldown time.Duration, now time.Time) bool {
	if lastSent.IsZero() {
		return true
	}
	return !now.Before(lastSent.Add(cooldown))
}

// CheckWindowCount reports whether another send fits in the window budget.
func CheckWindowCount(countInWindow, maxAllowed int) bool {
	return countInWindow < maxAllowed
}

// Limiter reads and records fixed-window send counters in Redis.
type Limiter struct {
	redis redis.UniversalClient
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient) *Limiter {
	return &Limiter{redis: redisClient}
}

func ownerKey(scope, owner string) string {
	return "idrl:" + scope + ":o:" + owner
}

func ipKey(scope, ip string) string {
	return "idrl:" + scope + ":i:" + ip
}

// Decide evaluates cooldown, per-owner window, and per-IP window in that
// order; the first failing check sets the reason code. lastSent comes
// from the caller's record store so the cooldown survives counter expiry.
func (l *Limiter) Decide(ctx context.Context, scope, owner, ip string, lastSent time.Time, policy Policy, now time.Time) (Decision, error) {
	if !CheckCooldown(lastSent, policy.Cooldown, now) {
		return Decision{Allowed: false, Reason: ReasonCooldown}, nil
	}

	ownerCount, err := l.counter(ctx, ownerKey(scope, owner))
	if err != nil {
		return Decision{}, err
	}
	if !CheckWindowCount(ownerCount, policy.MaxPerOwner) {
		return Decision{Allowed: false, Reason: ReasonOwnerHourly}, nil
	}

	if ip != "" && policy.MaxPerIP > 0 {
		ipCount, err := l.counter(ctx, ipKey(scope, ip))
		if err != nil {
			return Decision{}, err
		}
		if !CheckWindowCount(ipCount, policy.MaxPerIP) {
			return Decision{Allowed: false, Reason: ReasonIPHourly}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// RecordSend increments the owner and IP counters for one delivered send.
// Called only after the email actually went out so a mailer failure does
// not burn budget.
func (l *Limiter) RecordSend(ctx context.Context, scope, owner, ip string, window time.Duration) error {
	if err := l.incrementWithTTL(ctx, ownerKey(scope, owner), window); err != nil {
		return err
	}
	if ip != "" {
		if err := l.incrementWithTTL(ctx, ipKey(scope, ip), window); err != nil {
			return err
		}
	}
	return nil
}

func (l *Limiter) counter(ctx context.Context, key string) (int, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	return nil
}
