package service

import (
	"errors"

	"storefront-service/internal/store"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account is locked")
	ErrUnauthorized       = errors.New("missing or invalid credentials")
	ErrForbidden          = errors.New("insufficient permissions")
	ErrSelfAction         = errors.New("this action cannot target your own account")
	ErrInvalidRole        = errors.New("invalid role")
	ErrResendCooldown     = errors.New("please wait before requesting another code")
	ErrTooManyAttempts    = errors.New("too many verification attempts, request a new code later")
	ErrOrderNotPayable    = errors.New("order is not awaiting payment")
	ErrPaymentInProgress  = errors.New("a payment request for this order is still pending")

	ErrNotFound            = store.ErrNotFound
	ErrEmailTaken          = store.ErrDuplicate
	ErrFlagAlreadyResolved = store.ErrAlreadyResolved
	ErrInsufficientStock   = store.ErrInsufficientStock
)
