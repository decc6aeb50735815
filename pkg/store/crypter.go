package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Crypter seals and opens token material with AES-256-GCM. The cipher key
// is derived from the master key with HKDF-SHA256 so that rotating the
// derivation label invalidates old ciphertexts without touching the
// master secret.
type Crypter struct {
	aead cipher.AEAD
}

// NewCrypter derives the cipher key and prepares the AEAD.
func NewCrypter(masterKey []byte) (*Crypter, error) {
	if len(masterKey) != 32 {
		return nil, errors.New("store: master key must be 32 bytes for AES-256")
	}

	hkdfReader := hkdf.New(sha256.New, masterKey, []byte("gantry-credential-kdf"), []byte("blob-v1"))
	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, derived); err != nil {
		return nil, fmt.Errorf("store: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create GCM: %w", err)
	}
	return &Crypter{aead: gcm}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext). Empty
// input stays empty so optional columns round-trip as NULL-ish values.
func (c *Crypter) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("store: failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Crypter) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("store: failed to decode ciphertext: %w", err)
	}
	if len(data) < c.aead.NonceSize() {
		return "", errors.New("store: ciphertext too short")
	}
	nonce, sealed := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("store: failed to decrypt: %w", err)
	}
	return string(plain), nil
}
