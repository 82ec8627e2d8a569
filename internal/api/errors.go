package api

import (
	"errors"
	"net/http"

	"storefront-service/internal/mpesa"
	"storefront-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// errorStatus maps a service error to a status and a client-safe message.
// Unknown errors are 500 and their text is not returned.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, service.ErrAccountLocked):
		return http.StatusForbidden, "Account is locked"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "Insufficient permissions"
	case errors.Is(err, service.ErrSelfAction):
		return http.StatusBadRequest, "Cannot perform this action on your own account"
	case errors.Is(err, service.ErrInvalidRole):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrInsufficientStock):
		return http.StatusConflict, "Insufficient stock"
	case errors.Is(err, service.ErrOrderNotPayable):
		return http.StatusConflict, "Order is not awaiting payment"
	case errors.Is(err, service.ErrPaymentInProgress):
		return http.StatusConflict, "A payment request for this order is still pending"
	case errors.Is(err, service.ErrEmailTaken):
		return http.StatusConflict, "Email already registered"
	case errors.Is(err, service.ErrFlagAlreadyResolved):
		return http.StatusConflict, "Fraud flag already resolved"
	case errors.Is(err, service.ErrResendCooldown):
		return http.StatusTooManyRequests, "Please wait before requesting another code"
	case errors.Is(err, service.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "Too many attempts, try again later"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Not found"
	}

	var perr *mpesa.ProviderError
	if errors.As(err, &perr) {
		return http.StatusInternalServerError, perr.Error()
	}
	return http.StatusInternalServerError, "Internal server error"
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}
