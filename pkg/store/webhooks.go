package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// WebhookStatus is the processing state of a received webhook event.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookProcessed WebhookStatus = "processed"
	WebhookSkipped   WebhookStatus = "skipped"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookEvent is the persisted record of one received event.
type WebhookEvent struct {
	ExternalEventID  string
	EventType        string
	Gateway          string
	Payload          string
	PayloadHash      string
	ProcessingStatus WebhookStatus
	Error            string
	CreatedAt        time.Time
	ProcessedAt      *time.Time
}

// UpsertWebhookEvent records an event and its processing status. The
// payload is hashed over its canonical JSON form so byte-level variants
// of the same document compare equal in audits. Re-upserting an existing
// id updates status, error, and processed_at only.
func (s *Store) UpsertWebhookEvent(ctx context.Context, externalID, eventType, gateway string, payload []byte, status WebhookStatus, procErr string) error {
	hash := canonicalHash(payload)

	now := s.now().UTC()
	var processedAt any
	if status == WebhookProcessed || status == WebhookSkipped || status == WebhookFailed {
		processedAt = now
	}

	query := `
		INSERT INTO webhook_events (external_event_id, event_type, gateway, payload, payload_hash,
			processing_status, error, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_event_id) DO UPDATE SET
			processing_status = EXCLUDED.processing_status,
			error = EXCLUDED.error,
			processed_at = EXCLUDED.processed_at`
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			externalID, eventType, gateway, string(payload), hash,
			string(status), nullStr(procErr), now, processedAt,
		)
		return err
	})
}

// IsEventProcessed reports whether an event id has already completed
// processing (processed or skipped).
func (s *Store) IsEventProcessed(ctx context.Context, externalID string) (bool, error) {
	query := `SELECT processing_status FROM webhook_events WHERE external_event_id = $1`
	var status string
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, externalID).Scan(&status)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: failed to check event %s: %w", externalID, err)
	}
	return status == string(WebhookProcessed) || status == string(WebhookSkipped), nil
}

// GetWebhookEvent fetches one event record, or (nil, nil) when unknown.
func (s *Store) GetWebhookEvent(ctx context.Context, externalID string) (*WebhookEvent, error) {
	query := `SELECT external_event_id, event_type, gateway, payload, payload_hash,
		processing_status, error, created_at, processed_at
		FROM webhook_events WHERE external_event_id = $1`

	var ev WebhookEvent
	var hash, procErr sql.NullString
	var processedAt sql.NullTime
	var status string
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, externalID).Scan(
			&ev.ExternalEventID, &ev.EventType, &ev.Gateway, &ev.Payload, &hash,
			&status, &procErr, &ev.CreatedAt, &processedAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load event %s: %w", externalID, err)
	}
	ev.ProcessingStatus = WebhookStatus(status)
	ev.PayloadHash = hash.String
	ev.Error = procErr.String
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return &ev, nil
}

// canonicalHash returns hex(SHA-256) of the canonical (JCS) form of a
// JSON payload, falling back to the raw bytes when the payload is not
// valid JSON.
func canonicalHash(payload []byte) string {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
