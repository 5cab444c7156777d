package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestDefaultPoliciesFailureModes(t *testing.T) {
	policies := DefaultPolicies()
	for class, wantClosed := range map[Class]bool{
		ClassAPI:      false,
		ClassTools:    false,
		ClassProbes:   true,
		ClassCron:     true,
		ClassWebhooks: true,
	} {
		p, ok := policies[class]
		if !ok {
			t.Fatalf("missing policy for class %q", class)
		}
		if p.FailClosed != wantClosed {
			t.Fatalf("class %q: expected failClosed=%v, got %v", class, wantClosed, p.FailClosed)
		}
	}
}

func TestLoadPoliciesOverrides(t *testing.T) {
	envs := map[string]string{
		"RATE_LIMIT_PROBES":           "2000",
		"RATE_LIMIT_PROBES_WINDOW_MS": "30000",
		"RATE_LIMIT_API":              "not-a-number",
	}
	policies := LoadPolicies(func(k string) string { return envs[k] })
	if p := policies[ClassProbes]; p.Limit != 2000 || p.Window != 30*time.Second {
		t.Fatalf("expected probes override applied, got %+v", p)
	}
	if !policies[ClassProbes].FailClosed {
		t.Fatal("override must not change fail-closed")
	}
	if p := policies[ClassAPI]; p.Limit != 100 {
		t.Fatalf("invalid override should keep default, got %+v", p)
	}
}

func TestInMemoryLimiterEnforcesWindow(t *testing.T) {
	lim := NewInMemory(map[Class]Policy{
		ClassTools: {Limit: 3, Window: time.Minute},
	})
	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	lim.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		d := lim.Check(context.Background(), "1.2.3.4", ClassTools)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed, got %+v", i+1, d)
		}
	}
	d := lim.Check(context.Background(), "1.2.3.4", ClassTools)
	if d.Allowed || d.Remaining != 0 {
		t.Fatalf("4th request in window should be rejected, got %+v", d)
	}

	// A different client has its own counter.
	if d := lim.Check(context.Background(), "5.6.7.8", ClassTools); !d.Allowed {
		t.Fatalf("other client should be allowed, got %+v", d)
	}

	// Next aligned window resets the counter.
	base = base.Add(time.Minute)
	if d := lim.Check(context.Background(), "1.2.3.4", ClassTools); !d.Allowed {
		t.Fatalf("first request of next window should be allowed, got %+v", d)
	}
}

func TestInMemoryLimiterUnknownClassUsesAPIPolicy(t *testing.T) {
	lim := NewInMemory(nil)
	d := lim.Check(context.Background(), "1.2.3.4", Class("mystery"))
	if !d.Allowed || d.Limit != 100 {
		t.Fatalf("expected api policy for unknown class, got %+v", d)
	}
}

func TestDecisionSetHeaders(t *testing.T) {
	h := http.Header{}
	reset := time.Now().Add(30 * time.Second)
	Decision{Allowed: false, Remaining: 0, ResetAt: reset}.SetHeaders(h)
	if h.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected remaining header: %q", h.Get("X-RateLimit-Remaining"))
	}
	if h.Get("X-RateLimit-Reset") == "" {
		t.Fatal("expected reset header")
	}
	if h.Get("Retry-After") == "" || h.Get("Retry-After") == "0" {
		t.Fatalf("expected positive Retry-After, got %q", h.Get("Retry-After"))
	}

	h = http.Header{}
	Decision{Allowed: true, Remaining: 5, ResetAt: reset}.SetHeaders(h)
	if h.Get("Retry-After") != "" {
		t.Fatal("allowed decision must not set Retry-After")
	}
}

func TestWindowIDAlignment(t *testing.T) {
	now := time.UnixMilli(125_000)
	id, reset := windowID(now, time.Minute)
	if id != 2 {
		t.Fatalf("expected window 2, got %d", id)
	}
	if reset != time.UnixMilli(180_000).UTC() {
		t.Fatalf("unexpected reset: %v", reset)
	}
}
