package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gantrylabs/gantry/pkg/plans"
)

// ActivationStatus is the outcome of AtomicActivateProSubscription.
type ActivationStatus string

const (
	ActivationApplied       ActivationStatus = "activated"
	ActivationAlreadyActive ActivationStatus = "already_active"
)

// GetUserPlan returns the user's plan row. Users without a row are on
// the default free plan; a synthesized row is returned rather than nil.
func (s *Store) GetUserPlan(ctx context.Context, userID string) (*plans.UserPlan, error) {
	query := `SELECT user_id, plan_type, payment_status, subscription_id, customer_id,
		max_instances, features, expires_at, created_at, updated_at
		FROM user_plans WHERE user_id = $1`

	var plan *plans.UserPlan
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, userID)
		got, err := scanUserPlan(row)
		if err != nil {
			return err
		}
		plan = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return &plans.UserPlan{
			UserID:        userID,
			Type:          plans.PlanFree,
			PaymentStatus: plans.PaymentNone,
			MaxInstances:  s.freeQuota,
			Features:      plans.Free.Features,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load plan for user %s: %w", userID, err)
	}
	return plan, nil
}

// GetUserPlanBySubscriptionID resolves the owner of an external
// subscription. Unknown subscriptions return (nil, nil).
func (s *Store) GetUserPlanBySubscriptionID(ctx context.Context, subscriptionID string) (*plans.UserPlan, error) {
	query := `SELECT user_id, plan_type, payment_status, subscription_id, customer_id,
		max_instances, features, expires_at, created_at, updated_at
		FROM user_plans WHERE subscription_id = $1`

	var plan *plans.UserPlan
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, query, subscriptionID)
		got, err := scanUserPlan(row)
		if err != nil {
			return err
		}
		plan = got
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to resolve subscription %s: %w", subscriptionID, err)
	}
	return plan, nil
}

// UpdateUserPlanBilling updates the payment status and, when given, the
// period end.
func (s *Store) UpdateUserPlanBilling(ctx context.Context, userID string, status plans.PaymentStatus, expiresAt *time.Time) error {
	now := s.now().UTC()
	if expiresAt != nil {
		query := `UPDATE user_plans SET payment_status = $1, expires_at = $2, updated_at = $3 WHERE user_id = $4`
		return s.withRetry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, query, string(status), expiresAt.UTC(), now, userID)
			return err
		})
	}
	query := `UPDATE user_plans SET payment_status = $1, updated_at = $2 WHERE user_id = $3`
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, string(status), now, userID)
		return err
	})
}

// AtomicActivateProSubscription switches a user to the pro plan inside a
// transaction. Re-applying the same subscription is detected and
// reported as already_active without rewriting the row.
func (s *Store) AtomicActivateProSubscription(ctx context.Context, userID, subscriptionID string, expiresAt *time.Time, customerID string) (ActivationStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: failed to begin activation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var planType, paymentStatus string
	var currentSub sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT plan_type, payment_status, subscription_id FROM user_plans WHERE user_id = $1`,
		userID,
	).Scan(&planType, &paymentStatus, &currentSub)
	switch {
	case err == nil:
		if planType == string(plans.PlanPro) &&
			paymentStatus == string(plans.PaymentActive) &&
			currentSub.Valid && currentSub.String == subscriptionID {
			return ActivationAlreadyActive, tx.Commit()
		}
	case errors.Is(err, sql.ErrNoRows):
		// First plan row for this user.
	default:
		return "", fmt.Errorf("store: failed to read plan for activation: %w", err)
	}

	features, err := json.Marshal(plans.Pro.Features)
	if err != nil {
		return "", fmt.Errorf("store: failed to encode features: %w", err)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_plans (user_id, plan_type, payment_status, subscription_id, customer_id,
			max_instances, features, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_type = EXCLUDED.plan_type,
			payment_status = EXCLUDED.payment_status,
			subscription_id = EXCLUDED.subscription_id,
			customer_id = EXCLUDED.customer_id,
			max_instances = EXCLUDED.max_instances,
			features = EXCLUDED.features,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		userID, string(plans.PlanPro), string(plans.PaymentActive),
		subscriptionID, nullStr(customerID), s.proQuota, string(features),
		nullTime(expiresAt), now,
	)
	if err != nil {
		return "", fmt.Errorf("store: failed to activate pro plan: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: failed to commit activation: %w", err)
	}
	return ActivationApplied, nil
}

// HandlePlanCancellation downgrades the user to free and deactivates
// active instances beyond the free quota, least recently used first with
// id as the tie break. Returns the deactivated instance ids.
func (s *Store) HandlePlanCancellation(ctx context.Context, userID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to begin cancellation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	features, err := json.Marshal(plans.Free.Features)
	if err != nil {
		return nil, fmt.Errorf("store: failed to encode features: %w", err)
	}

	now := s.now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_plans (user_id, plan_type, payment_status, max_instances, features, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_type = EXCLUDED.plan_type,
			payment_status = EXCLUDED.payment_status,
			max_instances = EXCLUDED.max_instances,
			features = EXCLUDED.features,
			updated_at = EXCLUDED.updated_at`,
		userID, string(plans.PlanFree), string(plans.PaymentCancelled),
		s.freeQuota, string(features), now,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to downgrade plan: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM instances WHERE user_id = $1 AND status = $2
		ORDER BY last_accessed_at ASC NULLS FIRST, id ASC`,
		userID, string(StatusActive),
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list active instances: %w", err)
	}
	var active []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: failed to scan instance id: %w", err)
		}
		active = append(active, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("store: failed to read active instances: %w", err)
	}
	_ = rows.Close()

	excess := len(active) - s.freeQuota
	if excess <= 0 {
		return nil, tx.Commit()
	}
	victims := active[:excess]

	placeholders := make([]string, len(victims))
	args := make([]any, 0, len(victims)+2)
	args = append(args, string(StatusInactive), now)
	for i, id := range victims {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args = append(args, id)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE instances SET status = $1, pid = NULL, port = NULL, updated_at = $2 WHERE id IN (%s)`,
		strings.Join(placeholders, ", ")),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("store: failed to deactivate instances: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: failed to commit cancellation: %w", err)
	}
	return victims, nil
}

func scanUserPlan(row rowScanner) (*plans.UserPlan, error) {
	var plan plans.UserPlan
	var planType, paymentStatus string
	var subscriptionID, customerID, features sql.NullString
	var expiresAt sql.NullTime
	err := row.Scan(&plan.UserID, &planType, &paymentStatus, &subscriptionID, &customerID,
		&plan.MaxInstances, &features, &expiresAt, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	plan.Type = plans.PlanType(planType)
	plan.PaymentStatus = plans.PaymentStatus(paymentStatus)
	plan.SubscriptionID = subscriptionID.String
	plan.CustomerID = customerID.String
	if features.Valid && features.String != "" {
		_ = json.Unmarshal([]byte(features.String), &plan.Features)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		plan.ExpiresAt = &t
	}
	return &plan, nil
}
