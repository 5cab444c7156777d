package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Class names a rate-limit policy bucket. Every HTTP surface of the service
// maps to exactly one class.
type Class string

const (
	ClassAPI      Class = "api"
	ClassTools    Class = "tools"
	ClassProbes   Class = "probes"
	ClassCron     Class = "cron"
	ClassWebhooks Class = "webhooks"
)

// Policy is the static per-class configuration. FailClosed decides what
// happens when the counter store is unreachable: critical intake surfaces
// block, read surfaces pass through ungated.
type Policy struct {
	Limit      int
	Window     time.Duration
	FailClosed bool
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassAPI:      {Limit: 100, Window: time.Minute, FailClosed: false},
		ClassTools:    {Limit: 10, Window: time.Minute, FailClosed: false},
		ClassProbes:   {Limit: 1000, Window: time.Minute, FailClosed: true},
		ClassCron:     {Limit: 10, Window: time.Minute, FailClosed: true},
		ClassWebhooks: {Limit: 100, Window: time.Minute, FailClosed: true},
	}
}

// LoadPolicies applies environment overrides on top of the defaults.
// RATE_LIMIT_<CLASS> overrides the limit, RATE_LIMIT_<CLASS>_WINDOW_MS the
// window. Fail-open/fail-closed is not overridable from the environment.
func LoadPolicies(getenv func(string) string) map[Class]Policy {
	policies := DefaultPolicies()
	for class, policy := range policies {
		prefix := "RATE_LIMIT_" + strings.ToUpper(string(class))
		if raw := strings.TrimSpace(getenv(prefix)); raw != "" {
			if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
				policy.Limit = limit
			}
		}
		if raw := strings.TrimSpace(getenv(prefix + "_WINDOW_MS")); raw != "" {
			if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
				policy.Window = time.Duration(ms) * time.Millisecond
			}
		}
		policies[class] = policy
	}
	return policies
}

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// SetHeaders writes the standard rate-limit response headers derived from a
// decision. Retry-After is only meaningful on rejection.
func (d Decision) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.UnixMilli(), 10))
	if !d.Allowed {
		retryAfter := int64(time.Until(d.ResetAt).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	}
}

type Limiter interface {
	Check(ctx context.Context, clientID string, class Class) Decision
}

// windowID returns the aligned fixed-window index for now and the instant
// the window rolls over.
func windowID(now time.Time, window time.Duration) (int64, time.Time) {
	id := now.UnixMilli() / window.Milliseconds()
	reset := time.UnixMilli((id + 1) * window.Milliseconds()).UTC()
	return id, reset
}

func policyFor(policies map[Class]Policy, class Class) Policy {
	if p, ok := policies[class]; ok {
		return p
	}
	// Unknown classes get the general API policy.
	if p, ok := policies[ClassAPI]; ok {
		return p
	}
	return Policy{Limit: 100, Window: time.Minute}
}

// InMemoryLimiter applies the same aligned fixed windows without a shared
// store. Used when Redis is not configured; counters are per-process only.
type InMemoryLimiter struct {
	mu       sync.Mutex
	policies map[Class]Policy
	items    map[string]memWindow
	now      func() time.Time
}

type memWindow struct {
	count   int
	resetAt time.Time
}

func NewInMemory(policies map[Class]Policy) *InMemoryLimiter {
	if len(policies) == 0 {
		policies = DefaultPolicies()
	}
	return &InMemoryLimiter{
		policies: policies,
		items:    make(map[string]memWindow),
		now:      time.Now,
	}
}

func (l *InMemoryLimiter) Check(_ context.Context, clientID string, class Class) Decision {
	p := policyFor(l.policies, class)
	now := l.now().UTC()
	id, reset := windowID(now, p.Window)
	key := string(class) + ":" + clientID + ":" + strconv.FormatInt(id, 10)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok {
		curr = memWindow{resetAt: reset}
	}
	curr.count++
	l.items[key] = curr
	remaining := p.Limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   curr.count <= p.Limit,
		Count:     curr.count,
		Limit:     p.Limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
