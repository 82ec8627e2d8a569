package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"storefront-service/config"
	"storefront-service/internal/models"
	"storefront-service/internal/notify"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var codePattern = regexp.MustCompile(`^\d{6}$`)

// AuthService runs password login and the emailed second factor.
//
// A login moves credentials_pending -> otp_pending on a good password and
// otp_pending -> verified on a good code. No session token exists before
// the code is verified.
type AuthService struct {
	users    UserStore
	codes    CodeStore
	throttle Throttle
	mailer   notify.Mailer
	tokens   *TokenManager
	cfg      config.AuthConfig
	appName  string
	logger   *zap.Logger
	now      func() time.Time
	newCode  func() (string, error)
}

// NewAuthService creates a new auth service
func NewAuthService(
	users UserStore,
	codes CodeStore,
	throttle Throttle,
	mailer notify.Mailer,
	tokens *TokenManager,
	cfg config.AuthConfig,
	appName string,
) *AuthService {
	return &AuthService{
		users:    users,
		codes:    codes,
		throttle: throttle,
		mailer:   mailer,
		tokens:   tokens,
		cfg:      cfg,
		appName:  appName,
		logger:   util.GetLogger(),
		now:      time.Now,
		newCode:  generateCode,
	}
}

// generateCode returns a uniform 000000-999999 code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ClientInfo identifies where a login came from
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// LoginResult is returned once the password is accepted and a code is on its way
type LoginResult struct {
	UserID        uuid.UUID `json:"userId"`
	Status        string    `json:"status"`
	CodeExpiresAt time.Time `json:"codeExpiresAt"`
}

// VerifyResult is the outcome of a code check
type VerifyResult struct {
	Valid     bool      `json:"valid"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Signup creates a customer account
func (s *AuthService) Signup(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, email, string(hash))
	if err != nil {
		return nil, err
	}

	s.logger.Info("User signed up", zap.String("user_id", user.ID.String()))
	return user, nil
}

// Login checks the password and, when it matches, issues and mails a code.
// If the code cannot be delivered the login fails and the code is voided.
func (s *AuthService) Login(ctx context.Context, email, password string, client ClientInfo) (*LoginResult, error) {
	ctx, span := util.StartSpan(ctx, "AuthService.Login")
	defer span.End()

	email = normalizeEmail(email)
	attempt := &models.LoginAttempt{Email: email, IPAddress: client.IPAddress, UserAgent: client.UserAgent}

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		s.recordAttempt(ctx, attempt)
		util.LoginAttemptsTotal.WithLabelValues("unknown_user").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	attempt.UserID = &user.ID

	profile, err := s.users.GetProfile(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if profile.AccountLocked {
		s.recordAttempt(ctx, attempt)
		util.LoginAttemptsTotal.WithLabelValues("locked").Inc()
		return nil, ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordAttempt(ctx, attempt)
		util.LoginAttemptsTotal.WithLabelValues("bad_password").Inc()

		locked, err := s.users.RegisterFailedLogin(ctx, user.ID, s.cfg.MaxFailedLogins)
		if err != nil {
			s.logger.Error("Failed to count failed login", zap.Error(err))
		} else if locked {
			s.logger.Warn("Account locked after repeated failed logins", zap.String("user_id", user.ID.String()))
		}
		return nil, ErrInvalidCredentials
	}

	attempt.Success = true
	s.recordAttempt(ctx, attempt)
	util.LoginAttemptsTotal.WithLabelValues("success").Inc()

	if err := s.users.ResetFailedLogins(ctx, user.ID); err != nil {
		s.logger.Error("Failed to reset failed logins", zap.Error(err))
	}

	code, err := s.issue(ctx, user.ID, email, false)
	if err != nil {
		return nil, err
	}

	return &LoginResult{UserID: user.ID, Status: "otp_pending", CodeExpiresAt: code.ExpiresAt}, nil
}

// SendCode issues a fresh code to the account email. The email must be the
// one on the profile, and calls inside the resend cooldown are refused.
func (s *AuthService) SendCode(ctx context.Context, userID uuid.UUID, email string) error {
	ctx, span := util.StartSpan(ctx, "AuthService.SendCode")
	defer span.End()

	email = normalizeEmail(email)

	profile, err := s.users.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err != nil || profile.Email == nil || normalizeEmail(*profile.Email) != email {
		return fmt.Errorf("%w: unknown user or email", ErrInvalidInput)
	}
	if profile.AccountLocked {
		return ErrAccountLocked
	}

	_, err = s.issue(ctx, userID, email, true)
	return err
}

func cooldownKey(userID uuid.UUID) string { return "otp-resend:" + userID.String() }
func verifyKey(userID uuid.UUID) string   { return "otp-verify:" + userID.String() }

// issue supersedes older codes, stores a new one and mails it.
func (s *AuthService) issue(ctx context.Context, userID uuid.UUID, email string, enforceCooldown bool) (*models.OneTimeCode, error) {
	acquired, err := s.throttle.AcquireLock(ctx, cooldownKey(userID), s.cfg.ResendCooldown)
	if err != nil {
		return nil, fmt.Errorf("failed to check resend cooldown: %w", err)
	}
	if enforceCooldown && !acquired {
		return nil, ErrResendCooldown
	}

	value, err := s.newCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	now := s.now()
	code := &models.OneTimeCode{
		UserID:    userID,
		Email:     email,
		Code:      value,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.CodeTTL),
	}
	if err := s.codes.IssueCode(ctx, code); err != nil {
		s.releaseCooldown(ctx, userID)
		return nil, fmt.Errorf("failed to store code: %w", err)
	}

	if err := s.mailer.Send(ctx, notify.LoginCodeMessage(s.appName, email, value, s.cfg.CodeTTL)); err != nil {
		if ierr := s.codes.InvalidateCode(ctx, code.ID); ierr != nil {
			s.logger.Error("Failed to invalidate undelivered code", zap.Int64("code_id", code.ID), zap.Error(ierr))
		}
		s.releaseCooldown(ctx, userID)
		return nil, fmt.Errorf("failed to send verification code: %w", err)
	}

	util.OTPIssuedTotal.Inc()
	s.logger.Info("Verification code sent", zap.String("user_id", userID.String()))
	return code, nil
}

func (s *AuthService) releaseCooldown(ctx context.Context, userID uuid.UUID) {
	if err := s.throttle.ReleaseLock(ctx, cooldownKey(userID)); err != nil {
		s.logger.Warn("Failed to release resend cooldown", zap.Error(err))
	}
}

// VerifyCode consumes the newest live code matching code. A miss never says
// whether the code was wrong, used or expired.
func (s *AuthService) VerifyCode(ctx context.Context, userID uuid.UUID, code string) (*VerifyResult, error) {
	ctx, span := util.StartSpan(ctx, "AuthService.VerifyCode")
	defer span.End()

	attempts, err := s.throttle.IncrementWindow(ctx, verifyKey(userID), s.cfg.VerifyWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to count verification attempt: %w", err)
	}
	if attempts > int64(s.cfg.MaxVerifyTries) {
		util.OTPVerificationsTotal.WithLabelValues("throttled").Inc()
		s.logger.Warn("Verification attempts exceeded", zap.String("user_id", userID.String()))
		return nil, ErrTooManyAttempts
	}

	if !codePattern.MatchString(code) {
		util.OTPVerificationsTotal.WithLabelValues("invalid").Inc()
		return &VerifyResult{Valid: false}, nil
	}

	ok, err := s.codes.ConsumeCode(ctx, userID, code, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		util.OTPVerificationsTotal.WithLabelValues("invalid").Inc()
		return &VerifyResult{Valid: false}, nil
	}

	if err := s.throttle.ResetCounter(ctx, verifyKey(userID)); err != nil {
		s.logger.Warn("Failed to reset verification counter", zap.Error(err))
	}

	token, expires, err := s.tokens.Issue(userID)
	if err != nil {
		return nil, err
	}

	util.OTPVerificationsTotal.WithLabelValues("valid").Inc()
	s.logger.Info("Second factor verified", zap.String("user_id", userID.String()))
	return &VerifyResult{Valid: true, Token: token, ExpiresAt: expires}, nil
}

func (s *AuthService) recordAttempt(ctx context.Context, attempt *models.LoginAttempt) {
	if err := s.users.RecordLoginAttempt(ctx, attempt); err != nil {
		s.logger.Error("Failed to record login attempt", zap.Error(err))
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
