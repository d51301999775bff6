package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/task-api/internal/models"
)

// blacklistRepository abstracts blacklist persistence.
type blacklistRepository interface {
	CreateBlacklistEntry(ctx context.Context, entry *models.BlacklistedToken) error
	BlacklistContains(ctx context.Context, jti string) (bool, error)
	DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error)
}

// BlacklistService is the revocation list consulted before a token's natural
// expiry would otherwise accept it.
type BlacklistService struct {
	repo    blacklistRepository
	tokens  *TokenService
	metrics *MetricsService
	logger  *zap.Logger
}

// NewBlacklistService constructs a blacklist service.
func NewBlacklistService(repo blacklistRepository, tokens *TokenService, metrics *MetricsService, logger *zap.Logger) *BlacklistService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlacklistService{repo: repo, tokens: tokens, metrics: metrics, logger: logger}
}

// Add records a revocation for the jti. Blacklisting an already blacklisted
// jti is a no-op.
func (s *BlacklistService) Add(ctx context.Context, jti string, kind models.TokenType, expiresAt time.Time, reason string) error {
	entry := &models.BlacklistedToken{
		JTI:           jti,
		TokenType:     kind,
		ExpiresAt:     expiresAt,
		Reason:        reason,
		BlacklistedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateBlacklistEntry(ctx, entry); err != nil {
		return err
	}
	s.logger.Info("token blacklisted", zap.String("jti", jti), zap.String("reason", reason))
	return nil
}

// BlacklistToken decodes the raw token far enough to extract its identity and
// records the revocation. Expired tokens are tolerated; decode failures are
// surfaced so callers can decide whether to swallow them.
func (s *BlacklistService) BlacklistToken(ctx context.Context, rawToken, reason string) error {
	claims, err := s.tokens.ExtractClaims(rawToken)
	if err != nil {
		return err
	}
	return s.Add(ctx, claims.ID, claims.TokenType, claims.ExpiresAt.Time, reason)
}

// Contains reports whether the jti has been blacklisted.
func (s *BlacklistService) Contains(ctx context.Context, jti string) (bool, error) {
	return s.repo.BlacklistContains(ctx, jti)
}

// IsTokenBlacklisted checks a raw token against the revocation list. Any
// failure to decode the token or to reach the store counts as blacklisted: an
// unverifiable token must never pass as valid.
func (s *BlacklistService) IsTokenBlacklisted(ctx context.Context, rawToken string) bool {
	claims, err := s.tokens.ExtractClaims(rawToken)
	if err != nil {
		s.logger.Warn("treating undecodable token as blacklisted", zap.Error(err))
		return true
	}

	blacklisted, err := s.repo.BlacklistContains(ctx, claims.ID)
	if err != nil {
		s.logger.Warn("treating token as blacklisted, store check failed", zap.Error(err))
		return true
	}
	if blacklisted && s.metrics != nil {
		s.metrics.RecordBlacklistHit()
	}
	return blacklisted
}

// SweepExpired drops entries whose copied token expiry has passed.
func (s *BlacklistService) SweepExpired(ctx context.Context, now time.Time) error {
	deleted, err := s.repo.DeleteExpiredBlacklistEntries(ctx, now)
	if err != nil {
		return err
	}
	if deleted > 0 {
		s.logger.Info("swept expired blacklist entries", zap.Int64("deleted", deleted))
	}
	return nil
}
