package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = time.Minute
)

// Breaker tracks consecutive counter-store failures. Its state is local to
// the process: each instance of the service reacts to store outages on its
// own rather than coordinating through a second shared dependency.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	failures    int
	lastFailure time.Time
	open        bool
	now         func() time.Time
	log         zerolog.Logger
}

func NewBreaker(threshold int, cooldown time.Duration, log zerolog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		log:       log,
	}
}

// Allow reports whether a real store operation should be attempted. An open
// breaker whose cooldown has elapsed closes unconditionally and allows one
// probing attempt; the outcome of that attempt decides whether it reopens.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.now().Sub(b.lastFailure) > b.cooldown {
		b.open = false
		b.failures = 0
		b.log.Info().Msg("rate limit breaker cooldown elapsed, attempting recovery")
		return true
	}
	return false
}

// RecordFailure counts a failed store call and opens the breaker at the
// threshold. Limit exceedance is a data outcome, never a failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.threshold && !b.open {
		b.open = true
		b.log.Error().Int("failures", b.failures).Msg("rate limit breaker open")
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures = 0
		b.open = false
	}
}

func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}
