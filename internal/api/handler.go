package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/mpesa"
	"storefront-service/internal/service"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Callback bodies are small; anything larger is not from the provider.
const maxCallbackBody = 64 << 10

// Orders is the order surface used by the handlers
type Orders interface {
	CreateOrder(ctx context.Context, userID uuid.UUID, req *service.CreateOrderRequest) (*service.CreateOrderResponse, error)
	GetOrder(ctx context.Context, callerID uuid.UUID, orderID int64) (*service.OrderDetail, error)
	ListOrders(ctx context.Context, userID uuid.UUID) ([]models.Order, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
}

// Auth is the login and second-factor surface
type Auth interface {
	Signup(ctx context.Context, email, password string) (*models.User, error)
	Login(ctx context.Context, email, password string, client service.ClientInfo) (*service.LoginResult, error)
	SendCode(ctx context.Context, userID uuid.UUID, email string) error
	VerifyCode(ctx context.Context, userID uuid.UUID, code string) (*service.VerifyResult, error)
}

// Admin executes admin actions
type Admin interface {
	Execute(ctx context.Context, callerID uuid.UUID, req *service.AdminActionRequest) error
}

// FraudReview works the fraud flag queue
type FraudReview interface {
	ListFlags(ctx context.Context, callerID uuid.UUID, resolved *bool, limit int) ([]models.FraudFlag, error)
	ResolveFlag(ctx context.Context, callerID uuid.UUID, flagID int64, notes string) (*models.FraudFlag, error)
}

// Payments starts STK pushes and applies callbacks
type Payments interface {
	StartPayment(ctx context.Context, req *service.STKPushRequest) (*service.STKPushResult, error)
	HandleCallback(ctx context.Context, body []byte)
}

// Alerts sends fraud alerts
type Alerts interface {
	Dispatch(ctx context.Context, alert models.FlagAlert) (bool, error)
}

// Sessions checks bearer tokens
type Sessions interface {
	Parse(token string) (uuid.UUID, error)
}

// Accounts exposes the profile lock state to the auth middleware
type Accounts interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.Profile, error)
}

// ReadinessCheck reports whether a dependency is reachable
type ReadinessCheck func(ctx context.Context) error

// Services bundles everything the handlers call
type Services struct {
	Orders      Orders
	Auth        Auth
	Admin       Admin
	FraudReview FraudReview
	Payments    Payments
	Alerts      Alerts
	Sessions    Sessions
	Accounts    Accounts
}

// Handler contains HTTP handlers
type Handler struct {
	svc           Services
	internalToken string
	checks        map[string]ReadinessCheck
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler. When internalToken is set,
// /send-fraud-alert requires it in X-Internal-Token.
func NewHandler(svc Services, internalToken string, checks map[string]ReadinessCheck) *Handler {
	return &Handler{
		svc:           svc,
		internalToken: internalToken,
		checks:        checks,
		logger:        util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(requestIDMiddleware())
	router.Use(prometheusMiddleware())
	router.Use(loggerMiddleware(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/signup", h.signup)
	router.POST("/login", h.login)
	router.POST("/send-2fa-code", h.sendCode)
	router.POST("/verify-2fa-code", h.verifyCode)
	router.POST("/admin-actions", h.requireAuth, h.adminAction)
	router.POST("/send-fraud-alert", h.sendFraudAlert)
	router.POST("/mpesa-stk-push", h.stkPush)
	router.POST("/mpesa-callback", h.mpesaCallback)

	catalog := router.Group("/api/v1")
	{
		catalog.GET("/products", h.listProducts)
		catalog.GET("/products/:id", h.getProduct)
	}

	v1 := router.Group("/api/v1", h.requireAuth)
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)

		v1.GET("/admin/fraud-flags", h.listFraudFlags)
		v1.POST("/admin/fraud-flags/:id/resolve", h.resolveFraudFlag)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) signup(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	user, err := h.svc.Auth.Signup(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"userId": user.ID, "email": user.Email})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.svc.Auth.Login(c.Request.Context(), req.Email, req.Password, service.ClientInfo{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

type sendCodeRequest struct {
	Email  string    `json:"email" binding:"required"`
	UserID uuid.UUID `json:"userId"`
}

func (h *Handler) sendCode(c *gin.Context) {
	var req sendCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.UserID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Email and userId are required"})
		return
	}

	if err := h.svc.Auth.SendCode(c.Request.Context(), req.UserID, req.Email); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Verification code sent"})
}

type verifyCodeRequest struct {
	UserID uuid.UUID `json:"userId"`
	Code   string    `json:"code" binding:"required"`
}

func (h *Handler) verifyCode(c *gin.Context) {
	var req verifyCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"valid": false, "error": "userId and code are required"})
		return
	}

	res, err := h.svc.Auth.VerifyCode(c.Request.Context(), req.UserID, req.Code)
	if errors.Is(err, service.ErrTooManyAttempts) {
		c.JSON(http.StatusTooManyRequests, gin.H{"valid": false, "error": "Too many attempts, try again later"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	if !res.Valid {
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": "Invalid or expired code"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"message":   "Code verified successfully",
		"token":     res.Token,
		"expiresAt": res.ExpiresAt,
	})
}

func (h *Handler) adminAction(c *gin.Context) {
	var req service.AdminActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.svc.Admin.Execute(c.Request.Context(), callerID(c), &req); err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"action":       req.Action,
		"targetUserId": req.TargetUserID,
	})
}

func (h *Handler) sendFraudAlert(c *gin.Context) {
	if h.internalToken != "" {
		got := c.GetHeader("X-Internal-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.internalToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
	}

	var alert models.FlagAlert
	if err := c.ShouldBindJSON(&alert); err != nil {
		badRequest(c, err)
		return
	}
	if alert.FlagType == "" || alert.Severity == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "flagType and severity are required"})
		return
	}

	sent, err := h.svc.Alerts.Dispatch(c.Request.Context(), alert)
	if err != nil {
		h.logger.Error("Fraud alert delivery failed", zap.Int64("flag_id", alert.FlagID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to send fraud alert"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "sent": sent})
}

func (h *Handler) stkPush(c *gin.Context) {
	var req service.STKPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.svc.Payments.StartPayment(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// mpesaCallback acknowledges every delivery with the same body, even when
// processing panics.
func (h *Handler) mpesaCallback(c *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Payment callback panicked", zap.Any("panic", r))
		}
		c.JSON(http.StatusOK, mpesa.Accepted)
	}()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("Failed to read payment callback", zap.Error(err))
		return
	}

	// Detached so a provider disconnect does not cancel the settle.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), 10*time.Second)
	defer cancel()
	h.svc.Payments.HandleCallback(ctx, body)
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.svc.Orders.CreateOrder(c.Request.Context(), callerID(c), &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return
	}

	detail, err := h.svc.Orders.GetOrder(c.Request.Context(), callerID(c), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.svc.Orders.ListOrders(c.Request.Context(), callerID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.svc.Orders.ListProducts(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) getProduct(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid product ID"})
		return
	}

	product, err := h.svc.Orders.GetProduct(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (h *Handler) listFraudFlags(c *gin.Context) {
	var resolved *bool
	if v := c.Query("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolved must be true or false"})
			return
		}
		resolved = &b
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	flags, err := h.svc.FraudReview.ListFlags(c.Request.Context(), callerID(c), resolved, limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"flags": flags})
}

type resolveFlagRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) resolveFraudFlag(c *gin.Context) {
	flagID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid flag ID"})
		return
	}

	var req resolveFlagRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	flag, err := h.svc.FraudReview.ResolveFlag(c.Request.Context(), callerID(c), flagID, req.Notes)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, flag)
}
