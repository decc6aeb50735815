package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const instanceColumns = `id, user_id, service_name, kind, status, oauth_status,
	client_id, client_secret, encrypted_credential_blob, access_token, refresh_token,
	token_expires_at, config_json, pid, port, error, created_at, updated_at,
	last_accessed_at, expires_at`

// CreateInstance inserts a new instance row. Token fields are encrypted
// at rest; EncryptedCredentialBlob is stored as given (already sealed).
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = StatusInactive
	}
	if inst.OAuthStatus == "" {
		if inst.Kind == KindOAuth {
			inst.OAuthStatus = OAuthPending
		} else {
			inst.OAuthStatus = OAuthNA
		}
	}
	encAccess, err := s.crypter.Encrypt(inst.AccessToken)
	if err != nil {
		return fmt.Errorf("store: failed to encrypt access token: %w", err)
	}
	encRefresh, err := s.crypter.Encrypt(inst.RefreshToken)
	if err != nil {
		return fmt.Errorf("store: failed to encrypt refresh token: %w", err)
	}

	now := s.now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	query := `
		INSERT INTO instances (id, user_id, service_name, kind, status, oauth_status,
			client_id, client_secret, encrypted_credential_blob, access_token, refresh_token,
			token_expires_at, config_json, pid, port, error, created_at, updated_at,
			last_accessed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			inst.ID, inst.UserID, inst.ServiceName, string(inst.Kind),
			string(inst.Status), string(inst.OAuthStatus),
			nullStr(inst.ClientID), nullStr(inst.ClientSecret),
			nullStr(inst.EncryptedCredentialBlob), nullStr(encAccess), nullStr(encRefresh),
			nullTime(inst.TokenExpiresAt), nullStr(inst.ConfigJSON),
			nullInt(inst.PID), nullInt(inst.Port), nullStr(inst.LastError),
			now, now, nullTime(inst.LastAccessedAt), nullTime(inst.ExpiresAt),
		)
		return err
	})
}

// LookupInstance fetches one instance by id. Missing rows return
// (nil, nil).
func (s *Store) LookupInstance(ctx context.Context, id string) (*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`

	var inst *Instance
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, id)
		got, err := s.scanInstance(row)
		if err != nil {
			return err
		}
		inst = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to look up instance %s: %w", id, err)
	}
	return inst, nil
}

// UpdateInstanceUsage stamps last_accessed_at. Called asynchronously on
// every gated request; errors are the caller's to swallow.
func (s *Store) UpdateInstanceUsage(ctx context.Context, id string) error {
	query := `UPDATE instances SET last_accessed_at = $1 WHERE id = $2`
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, s.now().UTC(), id)
		return err
	})
}

// UpdateInstanceTokens persists a successful refresh: the new access
// token, the rotated refresh token when the provider returned one, and
// the expiry. It also confirms oauth_status=completed.
func (s *Store) UpdateInstanceTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	encAccess, err := s.crypter.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("store: failed to encrypt access token: %w", err)
	}

	now := s.now().UTC()
	if refreshToken == "" {
		query := `UPDATE instances SET access_token = $1, token_expires_at = $2,
			oauth_status = $3, updated_at = $4 WHERE id = $5`
		return s.withRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, query, encAccess, expiresAt.UTC(), string(OAuthCompleted), now, id)
			return err
		})
	}

	encRefresh, err := s.crypter.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("store: failed to encrypt refresh token: %w", err)
	}
	query := `UPDATE instances SET access_token = $1, refresh_token = $2,
		token_expires_at = $3, oauth_status = $4, updated_at = $5 WHERE id = $6`
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, encAccess, encRefresh, expiresAt.UTC(), string(OAuthCompleted), now, id)
		return err
	})
}

// UpdateOAuthStatus moves the OAuth flow state, e.g. to expired when a
// refresh fails permanently.
func (s *Store) UpdateOAuthStatus(ctx context.Context, id string, status OAuthStatus) error {
	query := `UPDATE instances SET oauth_status = $1, updated_at = $2 WHERE id = $3`
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, string(status), s.now().UTC(), id)
		return err
	})
}

// UpdateInstanceRuntime records a lifecycle transition with its runtime
// coordinates. Passing nil pid/port clears the columns.
func (s *Store) UpdateInstanceRuntime(ctx context.Context, id string, status InstanceStatus, pid, port *int) error {
	query := `UPDATE instances SET status = $1, pid = $2, port = $3, error = NULL, updated_at = $4 WHERE id = $5`
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, string(status), nullInt(pid), nullInt(port), s.now().UTC(), id)
		return err
	})
}

// MarkInstanceFailed sets status=failed with a reason and clears the
// runtime columns.
func (s *Store) MarkInstanceFailed(ctx context.Context, id, reason string) error {
	query := `UPDATE instances SET status = $1, error = $2, pid = NULL, port = NULL, updated_at = $3 WHERE id = $4`
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, string(StatusFailed), reason, s.now().UTC(), id)
		return err
	})
}

// ListActiveInstances returns every row with status=active.
func (s *Store) ListActiveInstances(ctx context.Context) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE status = $1 ORDER BY id`
	return s.queryInstances(ctx, query, string(StatusActive))
}

// ListUserInstances returns all instances owned by a user.
func (s *Store) ListUserInstances(ctx context.Context, userID string) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE user_id = $1 ORDER BY created_at, id`
	return s.queryInstances(ctx, query, userID)
}

// ListStuckProvisioning returns instances sitting in provisioning whose
// last update is older than cutoff.
func (s *Store) ListStuckProvisioning(ctx context.Context, cutoff time.Time) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE status = $1 AND updated_at < $2 ORDER BY id`
	return s.queryInstances(ctx, query, string(StatusProvisioning), cutoff.UTC())
}

// CountActiveInstances counts a user's active instances.
func (s *Store) CountActiveInstances(ctx context.Context, userID string) (int, error) {
	query := `SELECT COUNT(*) FROM instances WHERE user_id = $1 AND status = $2`
	var n int
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, userID, string(StatusActive)).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("store: failed to count active instances: %w", err)
	}
	return n, nil
}

// DeleteInstance removes an instance row.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = $1`, id)
		return err
	})
}

func (s *Store) queryInstances(ctx context.Context, query string, args ...any) ([]*Instance, error) {
	var out []*Instance
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer func() { _ = rows.Close() }()

		out = out[:0]
		for rows.Next() {
			inst, err := s.scanInstance(rows)
			if err != nil {
				return err
			}
			out = append(out, inst)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("store: instance query failed: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var kind, status, oauthStatus string
	var clientID, clientSecret, blob, encAccess, encRefresh sql.NullString
	var configJSON, lastError sql.NullString
	var pid, port sql.NullInt64
	var tokenExpiresAt, lastAccessedAt, expiresAt sql.NullTime
	err := row.Scan(
		&inst.ID, &inst.UserID, &inst.ServiceName, &kind, &status, &oauthStatus,
		&clientID, &clientSecret, &blob, &encAccess, &encRefresh,
		&tokenExpiresAt, &configJSON, &pid, &port, &lastError,
		&inst.CreatedAt, &inst.UpdatedAt, &lastAccessedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	inst.Kind = CredentialKind(kind)
	inst.Status = InstanceStatus(status)
	inst.OAuthStatus = OAuthStatus(oauthStatus)
	inst.ClientID = clientID.String
	inst.ClientSecret = clientSecret.String
	inst.EncryptedCredentialBlob = blob.String
	inst.ConfigJSON = configJSON.String
	inst.LastError = lastError.String
	if pid.Valid {
		v := int(pid.Int64)
		inst.PID = &v
	}
	if port.Valid {
		v := int(port.Int64)
		inst.Port = &v
	}
	if tokenExpiresAt.Valid {
		t := tokenExpiresAt.Time
		inst.TokenExpiresAt = &t
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time
		inst.LastAccessedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		inst.ExpiresAt = &t
	}

	if encAccess.Valid {
		inst.AccessToken, err = s.crypter.Decrypt(encAccess.String)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
	}
	if encRefresh.Valid {
		inst.RefreshToken, err = s.crypter.Decrypt(encRefresh.String)
		if err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
	}
	return &inst, nil
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}
