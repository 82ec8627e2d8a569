package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// IssueCode supersedes every unused code of the user and inserts code, in one
// transaction. Concurrent issuances for one user are not serialized; the last
// commit wins.
func (s *Store) IssueCode(ctx context.Context, code *models.OneTimeCode) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE two_factor_codes SET used = TRUE WHERE user_id = $1 AND used = FALSE",
			code.UserID)
		if err != nil {
			return fmt.Errorf("failed to invalidate previous codes: %w", err)
		}

		err = tx.GetContext(ctx, &code.ID, `
			INSERT INTO two_factor_codes (user_id, email, code, created_at, expires_at, used)
			VALUES ($1, $2, $3, $4, $5, FALSE)
			RETURNING id`,
			code.UserID, code.Email, code.Code, code.CreatedAt, code.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to insert code: %w", err)
		}
		return nil
	})
}

// ConsumeCode marks the newest matching live code used and records the
// successful second factor on the profile. It reports false, without error,
// when no unused unexpired code matches.
func (s *Store) ConsumeCode(ctx context.Context, userID uuid.UUID, code string, now time.Time) (bool, error) {
	consumed := false

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.GetContext(ctx, &id, `
			UPDATE two_factor_codes SET used = TRUE
			WHERE id = (
				SELECT id FROM two_factor_codes
				WHERE user_id = $1 AND code = $2 AND used = FALSE AND expires_at > $3
				ORDER BY created_at DESC
				LIMIT 1
				FOR UPDATE
			) AND used = FALSE
			RETURNING id`,
			userID, code, now)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to consume code: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"UPDATE profiles SET two_factor_enabled = TRUE, last_login_at = $2, updated_at = NOW() WHERE user_id = $1",
			userID, now)
		if err != nil {
			return fmt.Errorf("failed to update profile: %w", err)
		}
		consumed = true
		return nil
	})
	return consumed, err
}

// InvalidateCode marks one code used
func (s *Store) InvalidateCode(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE two_factor_codes SET used = TRUE WHERE id = $1", id)
	return err
}

// PurgeCodes deletes codes that expired before cutoff
func (s *Store) PurgeCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM two_factor_codes WHERE expires_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
