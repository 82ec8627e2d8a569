package service

import (
	"context"
	"fmt"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultFlagLimit = 50
	maxFlagLimit     = 200
)

// FraudReviewService lets admins and security personnel work the flag queue.
type FraudReviewService struct {
	flags  FlagStore
	roles  RoleChecker
	logger *zap.Logger
}

// NewFraudReviewService creates a new fraud review service
func NewFraudReviewService(flags FlagStore, roles RoleChecker) *FraudReviewService {
	return &FraudReviewService{flags: flags, roles: roles, logger: util.GetLogger()}
}

func (s *FraudReviewService) requireReviewer(ctx context.Context, callerID uuid.UUID) error {
	ok, err := s.roles.HasRole(ctx, callerID, models.RoleAdmin, models.RoleSecurityPersonnel)
	if err != nil {
		return fmt.Errorf("failed to check caller role: %w", err)
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// ListFlags returns flags newest first, optionally filtered by resolved state
func (s *FraudReviewService) ListFlags(ctx context.Context, callerID uuid.UUID, resolved *bool, limit int) ([]models.FraudFlag, error) {
	if err := s.requireReviewer(ctx, callerID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultFlagLimit
	}
	if limit > maxFlagLimit {
		limit = maxFlagLimit
	}
	return s.flags.ListFraudFlags(ctx, resolved, limit)
}

// ResolveFlag closes a flag. Flags are resolved once and never reopened.
func (s *FraudReviewService) ResolveFlag(ctx context.Context, callerID uuid.UUID, flagID int64, notes string) (*models.FraudFlag, error) {
	ctx, span := util.StartSpan(ctx, "FraudReviewService.ResolveFlag")
	defer span.End()

	if err := s.requireReviewer(ctx, callerID); err != nil {
		return nil, err
	}

	flag, err := s.flags.ResolveFraudFlag(ctx, flagID, callerID, notes)
	if err != nil {
		return nil, err
	}

	util.FraudFlagsResolvedTotal.Inc()
	s.logger.Info("Fraud flag resolved",
		zap.Int64("flag_id", flagID),
		zap.String("resolved_by", callerID.String()))
	return flag, nil
}
