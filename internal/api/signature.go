package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// verifySignature checks an HMAC-SHA256 hex digest of the raw request body
// against the header value in constant time. An empty secret disables
// verification; that is the explicit dev-mode escape hatch.
func verifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// signatureHeader names the per-system signature header, e.g. X-A-Signature.
func signatureHeader(system string) string {
	switch system {
	case "a":
		return "X-A-Signature"
	case "b":
		return "X-B-Signature"
	default:
		return "X-Signature"
	}
}
