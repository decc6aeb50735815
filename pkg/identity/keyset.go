// Package identity issues and verifies the control plane's bearer
// tokens and carries the authenticated principal through request
// contexts.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet manages signing keys: one active key signs new tokens, retired
// keys keep verifying outstanding ones so rotation never strands a
// logged-in user.
type KeySet interface {
	// Sign creates a signed token with the current active key.
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
	// KeyFunc returns the verification key selected by the token's kid
	// header.
	KeyFunc() jwt.Keyfunc
}

const (
	minKeyLen   = 32
	maxOldKeys  = 3
	signingKind = "HS256"
)

// HMACKeySet holds HS256 keys in memory, looked up by kid.
type HMACKeySet struct {
	mu         sync.RWMutex
	currentKID string
	seq        int
	keys       map[string][]byte
	order      []string
}

// NewHMACKeySet creates a keyset with one active key.
func NewHMACKeySet(secret []byte) (*HMACKeySet, error) {
	ks := &HMACKeySet{keys: make(map[string][]byte)}
	if err := ks.Rotate(secret); err != nil {
		return nil, err
	}
	return ks, nil
}

// Rotate installs a new active key. Retired keys keep verifying until
// the retained set overflows.
func (ks *HMACKeySet) Rotate(secret []byte) error {
	if len(secret) < minKeyLen {
		return fmt.Errorf("identity: signing key must be at least %d bytes", minKeyLen)
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()

	ks.seq++
	kid := fmt.Sprintf("key-%d", ks.seq)
	key := make([]byte, len(secret))
	copy(key, secret)
	ks.keys[kid] = key
	ks.order = append(ks.order, kid)
	ks.currentKID = kid

	for len(ks.order) > maxOldKeys+1 {
		delete(ks.keys, ks.order[0])
		ks.order = ks.order[1:]
	}
	return nil
}

// Sign creates a signed token with the current active key.
func (ks *HMACKeySet) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	kid := ks.currentKID
	key := ks.keys[kid]
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("identity: no active signing key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

// KeyFunc returns the verification key selected by kid, rejecting any
// token not signed with HMAC.
func (ks *HMACKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v, want %s", token.Header["alg"], signingKind)
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("identity: token missing kid header")
		}
		ks.mu.RLock()
		defer ks.mu.RUnlock()
		key, ok := ks.keys[kid]
		if !ok {
			return nil, fmt.Errorf("identity: unknown signing key %q", kid)
		}
		return key, nil
	}
}
