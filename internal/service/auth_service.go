package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/task-api/internal/models"
	appErrors "github.com/noah-isme/task-api/pkg/errors"
)

// authUserRepository is the credential store surface the pipeline needs.
type authUserRepository interface {
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) error
	RecordLoginSuccess(ctx context.Context, id string, ts time.Time) error
	RecordLoginFailure(ctx context.Context, id string, attempts int, lockoutUntil *time.Time) error
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// LockoutConfig tunes the failed-login state machine.
type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration
}

// AuthService orchestrates login, refresh and logout, the account lockout
// state machine, and request-time token verification.
type AuthService struct {
	users     authUserRepository
	ledger    *RefreshTokenService
	blacklist *BlacklistService
	tokens    *TokenService
	lockout   LockoutConfig
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(users authUserRepository, ledger *RefreshTokenService, blacklist *BlacklistService, tokens *TokenService, lockout LockoutConfig, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if lockout.MaxAttempts <= 0 {
		lockout.MaxAttempts = 5
	}
	if lockout.Duration <= 0 {
		lockout.Duration = 15 * time.Minute
	}
	return &AuthService{
		users:     users,
		ledger:    ledger,
		blacklist: blacklist,
		tokens:    tokens,
		lockout:   lockout,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Login authenticates a credential and issues an access/refresh token pair.
// The refresh token's jti equals the created ledger record's jti; that binding
// is what lets refresh-time revocation checks work.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.AuthResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordLogin(false)
		}
		return nil, err
	}

	record, err := s.ledger.Create(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.tokens.Issue(user.Username, user.ID, user.Role, models.TokenTypeAccess, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	refreshToken, err := s.tokens.Issue(user.Username, user.ID, user.Role, models.TokenTypeRefresh, record.JTI)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, s.now()); err != nil {
		s.logger.Warn("failed to record login success", zap.Error(err))
	}
	s.audit(ctx, &user.ID, models.AuditActionLogin, req.IP, req.UserAgent)
	if s.metrics != nil {
		s.metrics.RecordLogin(true)
	}

	return &models.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Username:     user.Username,
		Role:         user.Role,
		ExpiresIn:    int64(s.tokens.AccessExpiry().Seconds()),
	}, nil
}

// Refresh exchanges a refresh token for a new pair, rotating the ledger
// record. Replaying a rotated token fails with TOKEN_REVOKED.
func (s *AuthService) Refresh(ctx context.Context, rawToken string) (*models.AuthResponse, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "refresh token cannot be blank")
	}

	claims, err := s.tokens.VerifyOfKind(rawToken, models.TokenTypeRefresh)
	if err != nil {
		return nil, err
	}

	record, err := s.ledger.FindByJTI(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.VerifyUsable(ctx, record); err != nil {
		return nil, err
	}

	next, err := s.ledger.Rotate(ctx, record)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.tokens.Issue(claims.Subject, claims.UserID, claims.Role, models.TokenTypeAccess, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	refreshToken, err := s.tokens.Issue(claims.Subject, claims.UserID, claims.Role, models.TokenTypeRefresh, next.JTI)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
	}

	if s.metrics != nil {
		s.metrics.RecordRefreshRotation()
	}
	s.logger.Info("refresh token rotated", zap.String("subject", claims.Subject), zap.String("consumed_jti", record.JTI), zap.String("new_jti", next.JTI))

	return &models.AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Username:     claims.Subject,
		Role:         claims.Role,
		ExpiresIn:    int64(s.tokens.AccessExpiry().Seconds()),
	}, nil
}

// Logout is best-effort: it blacklists the presented tokens and revokes the
// ledger record, swallowing every individual failure. Logout always appears to
// succeed from the caller's perspective.
func (s *AuthService) Logout(ctx context.Context, accessToken, refreshToken, ip, userAgent string) {
	if accessToken != "" {
		if err := s.blacklist.BlacklistToken(ctx, accessToken, models.BlacklistReasonLogout); err != nil {
			s.logger.Warn("failed to blacklist access token on logout", zap.Error(err))
		}
	}

	if refreshToken != "" {
		if err := s.blacklist.BlacklistToken(ctx, refreshToken, models.BlacklistReasonLogout); err != nil {
			s.logger.Warn("failed to blacklist refresh token on logout", zap.Error(err))
		}
		if claims, err := s.tokens.ExtractClaims(refreshToken); err == nil {
			if record, err := s.ledger.FindByJTI(ctx, claims.ID); err == nil {
				if err := s.ledger.Revoke(ctx, record.Token); err != nil {
					s.logger.Warn("failed to revoke refresh token on logout", zap.Error(err))
				}
			}
		}
	}

	subject := "unknown"
	for _, raw := range []string{accessToken, refreshToken} {
		if raw == "" {
			continue
		}
		if claims, err := s.tokens.ExtractClaims(raw); err == nil {
			subject = claims.Subject
			break
		}
	}
	s.logger.Info("user logged out", zap.String("subject", subject))
	s.audit(ctx, nil, models.AuditActionLogout, ip, userAgent)
}

// Register creates a new account with the USER role.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (*models.UserInfo, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid register payload")
	}

	if _, err := s.users.FindByUsername(ctx, req.Username); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "username already taken")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check username")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}

	user := &models.User{
		Username:      req.Username,
		Email:         req.Email,
		PasswordHash:  string(hash),
		FullName:      req.FullName,
		Role:          models.RoleUser,
		AccountStatus: models.AccountActive,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	s.audit(ctx, &user.ID, models.AuditActionRegister, "", "")
	return &models.UserInfo{ID: user.ID, Username: user.Username, Email: user.Email, FullName: user.FullName, Role: user.Role}, nil
}

// ChangePassword verifies the old password, stores the new hash, and revokes
// every outstanding refresh token for the user.
func (s *AuthService) ChangePassword(ctx context.Context, username string, req models.ChangePasswordRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid change password payload")
	}

	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.OldPassword)); err != nil {
		return appErrors.Clone(appErrors.ErrForbidden, "old password does not match")
	}

	newHash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to hash password")
	}
	if err := s.users.UpdatePassword(ctx, user.ID, string(newHash), s.now()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update password")
	}

	if err := s.ledger.RevokeAllForUser(ctx, user.ID); err != nil {
		s.logger.Warn("failed to revoke refresh tokens after password change", zap.Error(err))
	}

	s.audit(ctx, &user.ID, models.AuditActionPasswordChange, "", "")
	return nil
}

// VerifyAccessToken validates a raw bearer token for request-time use: it must
// verify, be of the access kind, and not be blacklisted.
func (s *AuthService) VerifyAccessToken(ctx context.Context, rawToken string) (*models.JWTClaims, error) {
	claims, err := s.tokens.VerifyOfKind(rawToken, models.TokenTypeAccess)
	if err != nil {
		return nil, err
	}
	if s.blacklist.IsTokenBlacklisted(ctx, rawToken) {
		return nil, appErrors.Clone(appErrors.ErrTokenRevoked, "token has been revoked")
	}
	return claims, nil
}

// CurrentUser loads the profile of the authenticated subject.
func (s *AuthService) CurrentUser(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.FromError(err)
	}
	return &models.UserInfo{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
		FullName: user.FullName,
		Role:     user.Role,
	}, nil
}

// authenticate runs the credential state machine. Failed matches increment the
// attempt counter; reaching the threshold locks the account and resets the
// counter. A lockout whose deadline has passed is treated as active again
// without a background timer.
func (s *AuthService) authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}

	now := s.now()
	if user.Locked(now) {
		if s.metrics != nil {
			s.metrics.RecordLockoutRejection()
		}
		return nil, appErrors.Clone(appErrors.ErrAccountLocked, "")
	}

	if user.AccountStatus != models.AccountActive {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		attempts := user.FailedLoginAttempts + 1
		var lockoutUntil *time.Time
		if attempts >= s.lockout.MaxAttempts {
			deadline := now.Add(s.lockout.Duration)
			lockoutUntil = &deadline
			attempts = 0
			if s.metrics != nil {
				s.metrics.RecordLockout()
			}
			s.logger.Warn("account locked after repeated failures",
				zap.String("username", username),
				zap.Time("until", deadline))
		}
		if err := s.users.RecordLoginFailure(ctx, user.ID, attempts, lockoutUntil); err != nil {
			s.logger.Warn("failed to record login failure", zap.Error(err))
		}
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}

	return user, nil
}

func (s *AuthService) audit(ctx context.Context, userID *string, action, ip, userAgent string) {
	err := s.users.CreateAuditLog(ctx, &models.AuditLog{
		UserID:    userID,
		Action:    action,
		Resource:  "auth",
		IPAddress: ip,
		UserAgent: userAgent,
	})
	if err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
	}
}
