package service

import (
	"context"
	"errors"
	"fmt"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Admin actions
const (
	ActionChangeRole    = "change_role"
	ActionLockAccount   = "lock_account"
	ActionUnlockAccount = "unlock_account"
)

// AdminActionRequest is the body of POST /admin-actions
type AdminActionRequest struct {
	Action       string    `json:"action" binding:"required"`
	TargetUserID uuid.UUID `json:"targetUserId"`
	NewRole      string    `json:"newRole,omitempty"`
}

// AdminService executes privileged account mutations.
type AdminService struct {
	users  UserStore
	logger *zap.Logger
}

// NewAdminService creates a new admin service
func NewAdminService(users UserStore) *AdminService {
	return &AdminService{users: users, logger: util.GetLogger()}
}

// Execute runs one admin action on behalf of callerID. The caller's role is
// read from storage here; nothing the client sent about roles is trusted.
// No action may target the caller's own account.
func (s *AdminService) Execute(ctx context.Context, callerID uuid.UUID, req *AdminActionRequest) error {
	ctx, span := util.StartSpan(ctx, "AdminService.Execute")
	defer span.End()

	err := s.execute(ctx, callerID, req)

	result := "success"
	if err != nil {
		result = "rejected"
	}
	util.AdminActionsTotal.WithLabelValues(req.Action, result).Inc()

	if err == nil {
		s.logger.Info("Admin action applied",
			zap.String("action", req.Action),
			zap.String("caller_id", callerID.String()),
			zap.String("target_user_id", req.TargetUserID.String()),
			zap.String("new_role", req.NewRole))
	}
	return err
}

func (s *AdminService) execute(ctx context.Context, callerID uuid.UUID, req *AdminActionRequest) error {
	isAdmin, err := s.users.HasRole(ctx, callerID, models.RoleAdmin)
	if err != nil {
		return fmt.Errorf("failed to check caller role: %w", err)
	}
	if !isAdmin {
		s.logger.Warn("Non-admin attempted admin action",
			zap.String("caller_id", callerID.String()),
			zap.String("action", req.Action))
		return ErrForbidden
	}

	switch req.Action {
	case ActionChangeRole, ActionLockAccount, ActionUnlockAccount:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, req.Action)
	}

	if req.TargetUserID == uuid.Nil {
		return fmt.Errorf("%w: targetUserId is required", ErrInvalidInput)
	}
	if req.TargetUserID == callerID {
		return ErrSelfAction
	}
	if req.Action == ActionChangeRole && !models.ValidRole(req.NewRole) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, req.NewRole)
	}

	if _, err := s.users.GetProfile(ctx, req.TargetUserID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: target user not found", ErrInvalidInput)
		}
		return err
	}

	switch req.Action {
	case ActionChangeRole:
		err = s.users.UpsertRole(ctx, req.TargetUserID, req.NewRole)
	case ActionLockAccount:
		err = s.users.SetAccountLocked(ctx, req.TargetUserID, true)
	case ActionUnlockAccount:
		err = s.users.SetAccountLocked(ctx, req.TargetUserID, false)
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s: %w", req.Action, err)
	}
	return nil
}
