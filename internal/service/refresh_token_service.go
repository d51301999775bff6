package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/task-api/internal/models"
	appErrors "github.com/noah-isme/task-api/pkg/errors"
)

// refreshTokenRepository abstracts ledger persistence.
type refreshTokenRepository interface {
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	FindRefreshTokenByJTI(ctx context.Context, jti string) (*models.RefreshToken, error)
	FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, token string, revokedAt time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, userID string, revokedAt time.Time) error
	DeleteRefreshToken(ctx context.Context, id string) error
	RotateRefreshToken(ctx context.Context, consumedID string, next *models.RefreshToken) error
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// RefreshTokenService owns the single-use refresh token ledger.
type RefreshTokenService struct {
	repo   refreshTokenRepository
	expiry time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRefreshTokenService constructs a ledger service.
func NewRefreshTokenService(repo refreshTokenRepository, expiry time.Duration, logger *zap.Logger) *RefreshTokenService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshTokenService{
		repo:   repo,
		expiry: expiry,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create generates and persists a new ledger record for the user. The record's
// jti is the identity the issued refresh token must carry.
func (s *RefreshTokenService) Create(ctx context.Context, userID string) (*models.RefreshToken, error) {
	record := &models.RefreshToken{
		ID:        uuid.NewString(),
		JTI:       uuid.NewString(),
		UserID:    userID,
		Token:     uuid.NewString(),
		ExpiresAt: s.now().Add(s.expiry),
		CreatedAt: s.now(),
		Revoked:   false,
	}
	if err := s.repo.CreateRefreshToken(ctx, record); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist refresh token")
	}
	return record, nil
}

// FindByJTI looks up the ledger record bound to a refresh token's jti.
func (s *RefreshTokenService) FindByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	record, err := s.repo.FindRefreshTokenByJTI(ctx, jti)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "refresh token not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch refresh token")
	}
	return record, nil
}

// VerifyUsable rejects expired or revoked records. On either failure the
// record is deleted so a rejected token cannot linger in the ledger.
func (s *RefreshTokenService) VerifyUsable(ctx context.Context, record *models.RefreshToken) error {
	now := s.now()
	if record.Expired(now) || record.Revoked {
		if err := s.repo.DeleteRefreshToken(ctx, record.ID); err != nil {
			s.logger.Warn("failed to delete unusable refresh token", zap.String("jti", record.JTI), zap.Error(err))
		}
		if record.Revoked {
			return appErrors.Clone(appErrors.ErrTokenRevoked, "refresh token was revoked")
		}
		return appErrors.Clone(appErrors.ErrTokenExpired, "refresh token was expired")
	}
	return nil
}

// Rotate replaces the consumed record with a fresh one for the same user in a
// single transaction. Each refresh token is single-use; presenting it again
// after rotation fails at VerifyUsable.
func (s *RefreshTokenService) Rotate(ctx context.Context, consumed *models.RefreshToken) (*models.RefreshToken, error) {
	next := &models.RefreshToken{
		ID:        uuid.NewString(),
		JTI:       uuid.NewString(),
		UserID:    consumed.UserID,
		Token:     uuid.NewString(),
		ExpiresAt: s.now().Add(s.expiry),
		CreatedAt: s.now(),
		Revoked:   false,
	}
	if err := s.repo.RotateRefreshToken(ctx, consumed.ID, next); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to rotate refresh token")
	}
	return next, nil
}

// Revoke marks the record matching the opaque token value revoked.
func (s *RefreshTokenService) Revoke(ctx context.Context, token string) error {
	if err := s.repo.RevokeRefreshToken(ctx, token, s.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "refresh token not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke refresh token")
	}
	return nil
}

// RevokeAllForUser bulk-revokes every live token a user holds. Used on
// password change and administrative lockout.
func (s *RefreshTokenService) RevokeAllForUser(ctx context.Context, userID string) error {
	if err := s.repo.RevokeUserRefreshTokens(ctx, userID, s.now()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke user refresh tokens")
	}
	return nil
}

// SweepExpired deletes records past their expiry. Runs from the maintenance
// queue, never on the request path, and is safe to repeat.
func (s *RefreshTokenService) SweepExpired(ctx context.Context, now time.Time) error {
	deleted, err := s.repo.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Info("swept expired refresh tokens", zap.Int64("deleted", deleted))
	}
	return nil
}
