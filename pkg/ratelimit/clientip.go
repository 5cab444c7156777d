package ratelimit

import (
	"net/http"
	"regexp"
	"strings"
)

// DefaultEdgeIPHeader is set by the trusted edge and cannot be spoofed by
// the client.
const DefaultEdgeIPHeader = "CF-Connecting-IP"

// Forwarded-for hops must look like bare IPs; anything else could smuggle
// control characters into counter-store keys.
var ipCharsRe = regexp.MustCompile(`^[a-fA-F0-9.:]+$`)

// ClientIP picks the rate-limit identity for a request: the edge-set header
// when present, otherwise the first validated hop of X-Forwarded-For,
// otherwise a shared "unknown" bucket so unattributable clients cannot grow
// the keyspace.
func ClientIP(r *http.Request, edgeHeader string) string {
	if edgeHeader == "" {
		edgeHeader = DefaultEdgeIPHeader
	}
	if ip := strings.TrimSpace(r.Header.Get(edgeHeader)); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" && ipCharsRe.MatchString(first) {
			return first
		}
	}
	return "unknown"
}
