package store

import (
	"context"
	"fmt"

	"storefront-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func insertFlagTx(ctx context.Context, tx *sqlx.Tx, flag *models.FraudFlag) error {
	// requires_approval is recomputed here so no caller can insert an
	// unapproved high flag; the table CHECK backs this up.
	flag.RequiresApproval = flag.RequiresApproval || flag.Severity == models.SeverityHigh

	err := tx.GetContext(ctx, flag,
		"SELECT * FROM app_insert_fraud_flag($1, $2, $3, $4, $5, $6, $7)",
		flag.UserID, flag.OrderID, flag.FlagType, flag.Severity, flag.Description, flag.RequiresApproval, flag.Metadata)
	if err != nil {
		return fmt.Errorf("failed to insert fraud flag: %w", err)
	}
	return nil
}

// ListFraudFlags returns flags newest first. A nil resolved lists all of them.
func (s *Store) ListFraudFlags(ctx context.Context, resolved *bool, limit int) ([]models.FraudFlag, error) {
	flags := []models.FraudFlag{}
	var err error
	if resolved == nil {
		err = s.db.SelectContext(ctx, &flags,
			"SELECT * FROM fraud_flags ORDER BY created_at DESC, id DESC LIMIT $1", limit)
	} else {
		err = s.db.SelectContext(ctx, &flags,
			"SELECT * FROM fraud_flags WHERE resolved = $1 ORDER BY created_at DESC, id DESC LIMIT $2",
			*resolved, limit)
	}
	return flags, err
}

// GetFraudFlagsByOrderID lists the flags raised for one order
func (s *Store) GetFraudFlagsByOrderID(ctx context.Context, orderID int64) ([]models.FraudFlag, error) {
	flags := []models.FraudFlag{}
	err := s.db.SelectContext(ctx, &flags,
		"SELECT * FROM fraud_flags WHERE order_id = $1 ORDER BY id", orderID)
	return flags, err
}

// ResolveFraudFlag performs the single resolved=false -> true transition.
func (s *Store) ResolveFraudFlag(ctx context.Context, flagID int64, resolverID uuid.UUID, notes string) (*models.FraudFlag, error) {
	var flag models.FraudFlag
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var resolved bool
		err := tx.GetContext(ctx, &resolved,
			"SELECT resolved FROM fraud_flags WHERE id = $1 FOR UPDATE", flagID)
		if err != nil {
			return notFound(err, fmt.Sprintf("fraud flag %d", flagID))
		}
		if resolved {
			return ErrAlreadyResolved
		}

		return tx.GetContext(ctx, &flag, `
			UPDATE fraud_flags
			SET resolved = TRUE, resolved_by = $2, resolved_at = NOW(), resolution_notes = $3
			WHERE id = $1
			RETURNING *`,
			flagID, resolverID, notes)
	})
	if err != nil {
		return nil, err
	}
	return &flag, nil
}
