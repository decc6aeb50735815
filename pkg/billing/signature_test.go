package billing

import (
	"errors"
	"testing"
)

func TestVerifySignatureRoundTrip(t *testing.T) {
	secret := "whsec_test_1"
	body := []byte(`{"id":"evt_1","type":"order.paid"}`)

	if err := VerifySignature(secret, body, Sign(secret, body)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	secret := "whsec_test_1"
	body := []byte(`{"id":"evt_1","type":"order.paid"}`)
	sig := Sign(secret, body)

	tampered := append([]byte(nil), body...)
	tampered[10] ^= 0x01

	if err := VerifySignature(secret, tampered, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered body: err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"order.paid"}`)
	sig := Sign("whsec_a", body)

	if err := VerifySignature("whsec_b", body, sig); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("wrong secret: err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifySignatureRejectsNonHex(t *testing.T) {
	if err := VerifySignature("whsec_a", []byte(`{}`), "not-hex!"); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("non-hex signature: err = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifySignatureFailsClosedWithoutSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"order.paid"}`)

	err := VerifySignature("", body, Sign("", body))
	if err == nil {
		t.Fatal("empty secret should reject every delivery")
	}
	if errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("missing secret should be a configuration error, got %v", err)
	}
}
