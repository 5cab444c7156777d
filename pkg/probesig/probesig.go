package probesig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the hex HMAC-SHA256 of body. Probe agents send this value
// in the X-Probe-Signature header; it is also what tests use to build
// valid requests.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature (hex) against the HMAC of the exact raw body.
// The comparison runs over decoded byte buffers with hmac.Equal so timing
// does not depend on content. Missing header, bad hex and length mismatch
// all return false.
func Verify(body []byte, signature string, secret []byte) bool {
	if signature == "" || len(secret) == 0 {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)
	if len(provided) != len(expected) {
		return false
	}
	return hmac.Equal(provided, expected)
}
