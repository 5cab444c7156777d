package ratelimit

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPPrefersEdgeHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("CF-Connecting-IP", "203.0.113.9")
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	if ip := ClientIP(r, ""); ip != "203.0.113.9" {
		t.Fatalf("expected edge header IP, got %q", ip)
	}
}

func TestClientIPCustomEdgeHeader(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("True-Client-IP", "203.0.113.9")
	if ip := ClientIP(r, "True-Client-IP"); ip != "203.0.113.9" {
		t.Fatalf("expected custom edge header IP, got %q", ip)
	}
}

func TestClientIPForwardedForFirstHop(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	if ip := ClientIP(r, ""); ip != "198.51.100.1" {
		t.Fatalf("expected first forwarded hop, got %q", ip)
	}
}

func TestClientIPForwardedForIPv6(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	r.Header.Set("X-Forwarded-For", "2001:db8::1")
	if ip := ClientIP(r, ""); ip != "2001:db8::1" {
		t.Fatalf("expected ipv6 hop, got %q", ip)
	}
}

func TestClientIPRejectsInjection(t *testing.T) {
	for _, bad := range []string{
		"1.2.3.4\r\nmalicious",
		"1.2.3.4;DROP",
		"evil value",
	} {
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("X-Forwarded-For", bad)
		if ip := ClientIP(r, ""); ip != "unknown" {
			t.Fatalf("header %q should map to unknown, got %q", bad, ip)
		}
	}
}

func TestClientIPUnattributable(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	if ip := ClientIP(r, ""); ip != "unknown" {
		t.Fatalf("expected unknown bucket, got %q", ip)
	}
}
