package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// RedisLimiter enforces aligned fixed windows against a shared counter
// store so every instance of the service counts against the same budget.
// Store failures are governed by the per-class fail-open/fail-closed policy
// and feed the circuit breaker; they are never surfaced to the caller as
// errors.
type RedisLimiter struct {
	Client    *redis.Client
	Policies  map[Class]Policy
	Prefix    string
	Breaker   *Breaker
	OpTimeout time.Duration

	log zerolog.Logger
	now func() time.Time
}

func NewRedis(client *redis.Client, policies map[Class]Policy, log zerolog.Logger) *RedisLimiter {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &RedisLimiter{
		Client:    client,
		Policies:  policies,
		Prefix:    "ratelimit:",
		Breaker:   NewBreaker(DefaultBreakerThreshold, DefaultBreakerCooldown, log),
		OpTimeout: 2 * time.Second,
		log:       log,
		now:       time.Now,
	}
}

func (l *RedisLimiter) Check(ctx context.Context, clientID string, class Class) Decision {
	p := policyFor(l.Policies, class)
	now := l.now().UTC()
	id, reset := windowID(now, p.Window)

	if !l.Breaker.Allow() {
		l.log.Warn().
			Str("class", string(class)).
			Bool("fail_closed", p.FailClosed).
			Msg("rate limit breaker open, skipping counter store")
		return Decision{Allowed: !p.FailClosed, Limit: p.Limit, ResetAt: reset}
	}

	key := l.Prefix + string(class) + ":" + clientID + ":" + strconv.FormatInt(id, 10)
	opCtx, cancel := context.WithTimeout(ctx, l.OpTimeout)
	defer cancel()
	count, err := rateLimitScript.Run(opCtx, l.Client, []string{key}, p.Window.Milliseconds()).Int()
	if err != nil {
		l.Breaker.RecordFailure()
		evt := l.log.Warn()
		if p.FailClosed {
			evt = l.log.Error()
		}
		evt.Err(err).
			Str("class", string(class)).
			Bool("fail_closed", p.FailClosed).
			Msg("rate limit counter store unavailable")
		d := Decision{Allowed: !p.FailClosed, Limit: p.Limit, ResetAt: reset}
		if d.Allowed {
			d.Remaining = p.Limit
		}
		return d
	}
	l.Breaker.RecordSuccess()

	remaining := p.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= p.Limit
	if !allowed {
		l.log.Warn().
			Str("class", string(class)).
			Str("client", clientID).
			Int("count", count).
			Msg("rate limit exceeded")
	}
	return Decision{
		Allowed:   allowed,
		Count:     count,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   reset,
	}
}
