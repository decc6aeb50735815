// Package billing ingests payment gateway webhooks: signature
// verification over the raw body, idempotent event recording, and the
// plan mutations each event type implies.
package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrInvalidSignature rejects a delivery whose HMAC does not match the
// gateway's shared secret.
var ErrInvalidSignature = errors.New("billing: invalid webhook signature")

// VerifySignature checks the hex-encoded HMAC-SHA256 of body against
// sigHex. The comparison is constant time; a missing secret fails
// closed.
func VerifySignature(secret string, body []byte, sigHex string) error {
	if secret == "" {
		return errors.New("billing: no webhook secret configured")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(want, got) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 a sender would attach to body.
// Exported for tests and for local webhook replay tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
