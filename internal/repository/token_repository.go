package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/task-api/internal/models"
)

// TokenRepository provides database access for the refresh token ledger and
// the token blacklist.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// CreateRefreshToken persists a refresh token ledger record.
func (r *TokenRepository) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO refresh_tokens (id, jti, user_id, token, expires_at, created_at, revoked, revoked_at) VALUES (:id, :jti, :user_id, :token, :expires_at, :created_at, :revoked, :revoked_at)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindRefreshTokenByJTI returns a ledger record by its token id.
func (r *TokenRepository) FindRefreshTokenByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	const query = `SELECT id, jti, user_id, token, expires_at, created_at, revoked, revoked_at FROM refresh_tokens WHERE jti = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, jti); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token by jti: %w", err)
	}
	return &rt, nil
}

// FindRefreshToken returns a ledger record by its opaque token value.
func (r *TokenRepository) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	const query = `SELECT id, jti, user_id, token, expires_at, created_at, revoked, revoked_at FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// RevokeRefreshToken marks a ledger record revoked. It reports sql.ErrNoRows
// when no matching token value exists.
func (r *TokenRepository) RevokeRefreshToken(ctx context.Context, token string, revokedAt time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token = $1`
	res, err := r.db.ExecContext(ctx, query, token, revokedAt)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RevokeUserRefreshTokens bulk-revokes all live tokens for a user.
func (r *TokenRepository) RevokeUserRefreshTokens(ctx context.Context, userID string, revokedAt time.Time) error {
	const query = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE user_id = $1 AND revoked = FALSE`
	if _, err := r.db.ExecContext(ctx, query, userID, revokedAt); err != nil {
		return fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	return nil
}

// DeleteRefreshToken removes a ledger record outright. Used for fail-closed
// cleanup when a record is found expired or already revoked.
func (r *TokenRepository) DeleteRefreshToken(ctx context.Context, id string) error {
	const query = `DELETE FROM refresh_tokens WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken revokes the consumed record and inserts its replacement
// in a single transaction. A crash between the two steps can only leave the
// old token revoked, never both tokens valid.
func (r *TokenRepository) RotateRefreshToken(ctx context.Context, consumedID string, next *models.RefreshToken) error {
	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const revokeQuery = `UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, revokeQuery, consumedID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke consumed refresh token: %w", err)
	}

	const insertQuery = `INSERT INTO refresh_tokens (id, jti, user_id, token, expires_at, created_at, revoked, revoked_at) VALUES (:id, :jti, :user_id, :token, :expires_at, :created_at, :revoked, :revoked_at)`
	if _, err := tx.NamedExecContext(ctx, insertQuery, next); err != nil {
		return fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens removes ledger records past their expiry.
func (r *TokenRepository) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM refresh_tokens WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// CreateBlacklistEntry inserts a blacklist record. Inserting an already
// blacklisted jti is a no-op.
func (r *TokenRepository) CreateBlacklistEntry(ctx context.Context, entry *models.BlacklistedToken) error {
	if entry.BlacklistedAt.IsZero() {
		entry.BlacklistedAt = time.Now().UTC()
	}
	const query = `INSERT INTO blacklisted_tokens (jti, token_type, expires_at, reason, blacklisted_at) VALUES (:jti, :token_type, :expires_at, :reason, :blacklisted_at) ON CONFLICT (jti) DO NOTHING`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create blacklist entry: %w", err)
	}
	return nil
}

// BlacklistContains reports whether a jti has been blacklisted.
func (r *TokenRepository) BlacklistContains(ctx context.Context, jti string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM blacklisted_tokens WHERE jti = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, jti); err != nil {
		return false, fmt.Errorf("check blacklist: %w", err)
	}
	return exists, nil
}

// DeleteExpiredBlacklistEntries removes entries whose copied token expiry has
// passed; a naturally expired token needs no revocation record.
func (r *TokenRepository) DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM blacklisted_tokens WHERE expires_at < $1`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired blacklist entries: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}
