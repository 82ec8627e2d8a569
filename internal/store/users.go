package store

import (
	"context"
	"fmt"

	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateUser inserts the identity row, its profile and the customer role.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	var user models.User
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &user,
			"INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING *",
			email, passwordHash)
		if isUniqueViolation(err) {
			return fmt.Errorf("user %s: %w", email, ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO profiles (user_id, email) VALUES ($1, $2)", user.ID, email); err != nil {
			return fmt.Errorf("failed to insert profile: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO user_roles (user_id, role) VALUES ($1, $2)", user.ID, models.RoleCustomer); err != nil {
			return fmt.Errorf("failed to insert role: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user, "SELECT * FROM users WHERE email = $1", email)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &user, nil
}

// GetProfile retrieves the profile of a user
func (s *Store) GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error) {
	var profile models.Profile
	err := s.db.GetContext(ctx, &profile, "SELECT * FROM profiles WHERE user_id = $1", userID)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("profile %s", userID))
	}
	return &profile, nil
}

// HasRole reports whether the user holds any of roles
func (s *Store) HasRole(ctx context.Context, userID uuid.UUID, roles ...string) (bool, error) {
	var ok bool
	err := s.db.GetContext(ctx, &ok,
		"SELECT EXISTS(SELECT 1 FROM user_roles WHERE user_id = $1 AND role = ANY($2))",
		userID, pq.Array(roles))
	return ok, err
}

// UpsertRole sets the role of a user, updating the existing row when there
// is one and inserting otherwise.
func (s *Store) UpsertRole(ctx context.Context, userID uuid.UUID, role string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var ids []int64
		err := tx.SelectContext(ctx, &ids,
			"SELECT id FROM user_roles WHERE user_id = $1 ORDER BY id FOR UPDATE", userID)
		if err != nil {
			return err
		}

		if len(ids) == 0 {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO user_roles (user_id, role) VALUES ($1, $2)", userID, role)
			return err
		}

		// Collapse to a single row so the user ends up holding exactly role.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM user_roles WHERE user_id = $1 AND id <> $2", userID, ids[0]); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE user_roles SET role = $2 WHERE id = $1", ids[0], role)
		return err
	})
}

// SetAccountLocked sets the lock flag on a profile. Unlocking also clears the
// failed login counter.
func (s *Store) SetAccountLocked(ctx context.Context, userID uuid.UUID, locked bool) error {
	query := "UPDATE profiles SET account_locked = TRUE, updated_at = NOW() WHERE user_id = $1"
	if !locked {
		query = "UPDATE profiles SET account_locked = FALSE, failed_login_attempts = 0, updated_at = NOW() WHERE user_id = $1"
	}

	res, err := s.db.ExecContext(ctx, query, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return nil
}

// RegisterFailedLogin increments the failure counter and locks the account
// once it reaches maxFailures. It returns the resulting lock state.
func (s *Store) RegisterFailedLogin(ctx context.Context, userID uuid.UUID, maxFailures int) (bool, error) {
	var locked bool
	err := s.db.GetContext(ctx, &locked, `
		UPDATE profiles
		SET failed_login_attempts = failed_login_attempts + 1,
		    account_locked = account_locked OR failed_login_attempts + 1 >= $2,
		    updated_at = NOW()
		WHERE user_id = $1
		RETURNING account_locked`,
		userID, maxFailures)
	if err != nil {
		return false, notFound(err, fmt.Sprintf("profile %s", userID))
	}
	return locked, nil
}

// ResetFailedLogins clears the failure counter after a good password
func (s *Store) ResetFailedLogins(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET failed_login_attempts = 0, updated_at = NOW() WHERE user_id = $1", userID)
	return err
}

// RecordLoginAttempt appends to the login audit table
func (s *Store) RecordLoginAttempt(ctx context.Context, attempt *models.LoginAttempt) error {
	return s.db.GetContext(ctx, attempt, `
		INSERT INTO login_attempts (user_id, email, success, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		attempt.UserID, attempt.Email, attempt.Success, attempt.IPAddress, attempt.UserAgent)
}

// SecurityRecipients returns the distinct non-null emails of every admin and
// security_personnel user.
func (s *Store) SecurityRecipients(ctx context.Context) ([]string, error) {
	emails := []string{}
	err := s.db.SelectContext(ctx, &emails, `
		SELECT DISTINCT p.email
		FROM user_roles r
		JOIN profiles p ON p.user_id = r.user_id
		WHERE r.role = ANY($1) AND p.email IS NOT NULL AND p.email <> ''
		ORDER BY p.email`,
		pq.Array([]string{models.RoleAdmin, models.RoleSecurityPersonnel}))
	return emails, err
}
