// Package store is the relational persistence layer for instances, user
// plans, webhook events, and the credential audit trail. Callers consume
// it through narrow interfaces declared on their side; this package
// provides the single concrete implementation on database/sql, valid for
// PostgreSQL in production and sqlite in tests.
//
// Token material and credential blobs are encrypted at rest with
// AES-256-GCM under a key derived from the configured master key.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// CredentialKind distinguishes how an instance authenticates upstream.
type CredentialKind string

const (
	KindAPIKey CredentialKind = "api_key"
	KindOAuth  CredentialKind = "oauth"
)

// InstanceStatus is the persisted lifecycle state of an instance.
type InstanceStatus string

const (
	StatusInactive     InstanceStatus = "inactive"
	StatusProvisioning InstanceStatus = "provisioning"
	StatusActive       InstanceStatus = "active"
	StatusFailed       InstanceStatus = "failed"
	StatusRevoked      InstanceStatus = "revoked"
)

// OAuthStatus tracks where an OAuth instance sits in the authorization
// flow. API-key instances stay at OAuthNA.
type OAuthStatus string

const (
	OAuthNA        OAuthStatus = "n/a"
	OAuthPending   OAuthStatus = "pending"
	OAuthCompleted OAuthStatus = "completed"
	OAuthExpired   OAuthStatus = "expired"
	OAuthRevoked   OAuthStatus = "revoked"
)

// Instance is one per-(user, service) bridge configuration. Token fields
// are returned decrypted; the credential blob stays sealed until opened
// with DecryptCredentialBlob.
type Instance struct {
	ID                      string
	UserID                  string
	ServiceName             string
	Kind                    CredentialKind
	Status                  InstanceStatus
	OAuthStatus             OAuthStatus
	ClientID                string
	ClientSecret            string
	EncryptedCredentialBlob string
	AccessToken             string
	RefreshToken            string
	TokenExpiresAt          *time.Time
	ConfigJSON              string
	PID                     *int
	Port                    *int
	LastError               string
	CreatedAt               time.Time
	UpdatedAt               time.Time
	LastAccessedAt          *time.Time
	ExpiresAt               *time.Time
}

// Store wraps the database handle with the domain queries.
type Store struct {
	db        *sql.DB
	crypter   *Crypter
	logger    *slog.Logger
	freeQuota int
	proQuota  int
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithQuotas overrides the default free and pro instance quotas applied on
// plan transitions.
func WithQuotas(free, pro int) Option {
	return func(s *Store) {
		s.freeQuota = free
		s.proQuota = pro
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l.With("component", "store") }
}

// New creates a Store over db. The crypter must be non-nil; every token
// column passes through it.
func New(db *sql.DB, crypter *Crypter, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: nil db")
	}
	if crypter == nil {
		return nil, fmt.Errorf("store: nil crypter")
	}
	s := &Store{
		db:        db,
		crypter:   crypter,
		logger:    slog.Default().With("component", "store"),
		freeQuota: 2,
		proQuota:  10,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	return nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EncryptCredentialBlob seals an opaque credential document for storage.
func (s *Store) EncryptCredentialBlob(plaintext string) (string, error) {
	return s.crypter.Encrypt(plaintext)
}

// DecryptCredentialBlob opens a sealed credential document.
func (s *Store) DecryptCredentialBlob(ciphertext string) (string, error) {
	return s.crypter.Decrypt(ciphertext)
}
