package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLogger persists audit events to the credential_audit table. It
// shares the control plane's database handle rather than owning a
// connection of its own.
type DBLogger struct {
	db *sql.DB
}

func NewDBLogger(db *sql.DB) *DBLogger {
	return &DBLogger{db: db}
}

func (l *DBLogger) Success(ctx context.Context, op Operation, instanceID, userID string, metadata map[string]any) error {
	return l.record(ctx, newEvent(op, StatusSuccess, instanceID, userID, "", metadata))
}

func (l *DBLogger) Failure(ctx context.Context, op Operation, instanceID, userID string, cause error, metadata map[string]any) error {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	return l.record(ctx, newEvent(op, StatusFailure, instanceID, userID, errMsg, metadata))
}

func (l *DBLogger) record(ctx context.Context, event Event) error {
	if l.db == nil {
		return fmt.Errorf("audit: fail-closed, store not configured")
	}

	var metadata any
	if len(event.Metadata) > 0 {
		raw, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("audit: failed to encode metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO credential_audit (id, instance_id, user_id, operation, status, error, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.InstanceID, event.UserID, string(event.Operation),
		string(event.Status), nullable(event.Error), metadata, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to append event: %w", err)
	}
	return nil
}

// History returns the most recent events for one instance, newest
// first. Backs the paid-tier audit history surface.
func (l *DBLogger) History(ctx context.Context, instanceID string, limit int) ([]Event, error) {
	if l.db == nil {
		return nil, fmt.Errorf("audit: fail-closed, store not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, instance_id, user_id, operation, status, error, metadata, created_at
		FROM credential_audit
		WHERE instance_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var event Event
		var op, status string
		var errMsg, metadata sql.NullString
		if err := rows.Scan(&event.ID, &event.InstanceID, &event.UserID,
			&op, &status, &errMsg, &metadata, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		event.Operation = Operation(op)
		event.Status = Status(status)
		event.Error = errMsg.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &event.Metadata); err != nil {
				return nil, fmt.Errorf("audit: corrupt metadata on event %s: %w", event.ID, err)
			}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
