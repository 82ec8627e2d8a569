package store

import (
	"context"
	"fmt"
	"time"

	"storefront-service/internal/models"

	"github.com/jmoiron/sqlx"
)

func insertOutboxTx(ctx context.Context, tx *sqlx.Tx, alert models.FlagAlert) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO notification_outbox (flag_id, payload) VALUES ($1, $2)",
		alert.FlagID, alert)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// ClaimNotifications leases up to limit due entries that have attempts left,
// oldest first. A claimed entry is hidden from other workers until the lease
// ends, so replicas polling the same table never deliver the same alert at once.
func (s *Store) ClaimNotifications(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.OutboxEntry, error) {
	var entries []models.OutboxEntry
	err := s.db.SelectContext(ctx, &entries, `
		WITH claimed AS (
			UPDATE notification_outbox SET next_attempt_at = $2
			WHERE id IN (
				SELECT id FROM notification_outbox
				WHERE delivered_at IS NULL AND next_attempt_at <= $1 AND attempts < $3
				ORDER BY id
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING *
		)
		SELECT * FROM claimed ORDER BY id`,
		now, now.Add(lease), maxAttempts, limit)
	return entries, err
}

// MarkNotificationDelivered records a successful delivery
func (s *Store) MarkNotificationDelivered(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notification_outbox SET attempts = attempts + 1, delivered_at = $2, last_error = NULL WHERE id = $1",
		id, at)
	return err
}

// MarkNotificationFailed counts a failed attempt and schedules the next one
func (s *Store) MarkNotificationFailed(ctx context.Context, id int64, lastErr string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE notification_outbox SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3 WHERE id = $1",
		id, lastErr, next)
	return err
}
