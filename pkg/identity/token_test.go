package identity

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = bytes.Repeat([]byte("s"), 32)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	ks, err := NewHMACKeySet(testSecret)
	if err != nil {
		t.Fatalf("NewHMACKeySet: %v", err)
	}
	tok, err := IssueUserToken(context.Background(), ks, "u-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	p, err := VerifyUserToken(tok, ks)
	if err != nil {
		t.Fatalf("VerifyUserToken: %v", err)
	}
	if p.UserID != "u-1" {
		t.Errorf("UserID = %s, want u-1", p.UserID)
	}
	if p.TokenID == "" {
		t.Error("principal has no token id")
	}
}

func TestVerifyAfterRotation(t *testing.T) {
	ks, err := NewHMACKeySet(testSecret)
	if err != nil {
		t.Fatalf("NewHMACKeySet: %v", err)
	}
	tok, err := IssueUserToken(context.Background(), ks, "u-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}

	if err := ks.Rotate(bytes.Repeat([]byte("r"), 32)); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	// Old token still verifies against the retired key.
	if _, err := VerifyUserToken(tok, ks); err != nil {
		t.Errorf("token signed before rotation rejected: %v", err)
	}
	// New tokens come from the new key.
	fresh, err := IssueUserToken(context.Background(), ks, "u-2", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken after rotation: %v", err)
	}
	if p, err := VerifyUserToken(fresh, ks); err != nil || p.UserID != "u-2" {
		t.Errorf("fresh token = (%+v, %v)", p, err)
	}
}

func TestVerifyRejectsForeignKey(t *testing.T) {
	ksA, _ := NewHMACKeySet(testSecret)
	ksB, _ := NewHMACKeySet(bytes.Repeat([]byte("x"), 32))

	tok, err := IssueUserToken(context.Background(), ksA, "u-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}
	if _, err := VerifyUserToken(tok, ksB); err == nil {
		t.Error("token from another keyset verified")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	ks, _ := NewHMACKeySet(testSecret)
	tok, err := IssueUserToken(context.Background(), ks, "u-1", -time.Minute)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}
	if _, err := VerifyUserToken(tok, ks); err == nil {
		t.Error("expired token verified")
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	ks, _ := NewHMACKeySet(testSecret)
	tok, err := IssueUserToken(context.Background(), ks, "u-1", time.Hour)
	if err != nil {
		t.Fatalf("IssueUserToken: %v", err)
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments", len(parts))
	}
	flipped := []byte(parts[1])
	flipped[0] ^= 0x01
	if _, err := VerifyUserToken(parts[0]+"."+string(flipped)+"."+parts[2], ks); err == nil {
		t.Error("tampered token verified")
	}
}

func TestVerifyRejectsAlgorithmConfusion(t *testing.T) {
	ks, _ := NewHMACKeySet(testSecret)
	// A token claiming alg=none must never pass the key func.
	claims := jwt.RegisteredClaims{
		Subject:   "u-1",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	unsigned.Header["kid"] = "key-1"
	tok, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := VerifyUserToken(tok, ks); err == nil {
		t.Error("alg=none token verified")
	}
}

func TestKeySetRejectsShortSecret(t *testing.T) {
	if _, err := NewHMACKeySet([]byte("short")); err == nil {
		t.Error("short secret accepted")
	}
}

func TestKeySetBoundsRetiredKeys(t *testing.T) {
	ks, _ := NewHMACKeySet(testSecret)
	for i := 0; i < 10; i++ {
		if err := ks.Rotate(bytes.Repeat([]byte{byte('a' + i)}, 32)); err != nil {
			t.Fatalf("Rotate %d: %v", i, err)
		}
	}
	ks.mu.RLock()
	n := len(ks.keys)
	ks.mu.RUnlock()
	if n > maxOldKeys+1 {
		t.Errorf("keyset holds %d keys, want at most %d", n, maxOldKeys+1)
	}
}
