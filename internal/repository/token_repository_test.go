package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/task-api/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func TestCreateRefreshToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateRefreshToken(context.Background(), &models.RefreshToken{
		ID:        "rt-1",
		JTI:       "jti-1",
		UserID:    "user-1",
		Token:     "opaque",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRefreshTokenByJTI(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "jti", "user_id", "token", "expires_at", "created_at", "revoked", "revoked_at"}).
		AddRow("rt-1", "jti-1", "user-1", "opaque", now.Add(time.Hour), now, false, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, jti, user_id, token, expires_at, created_at, revoked, revoked_at FROM refresh_tokens WHERE jti = $1 LIMIT 1")).
		WithArgs("jti-1").
		WillReturnRows(rows)

	rt, err := repo.FindRefreshTokenByJTI(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.Equal(t, "rt-1", rt.ID)
	assert.Equal(t, "user-1", rt.UserID)
	assert.False(t, rt.Revoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRefreshTokenByJTIMissing(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectQuery("SELECT id, jti, user_id").WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := repo.FindRefreshTokenByJTI(context.Background(), "nope")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestRevokeRefreshToken(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked = TRUE, revoked_at = $2 WHERE token = $1")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.RevokeRefreshToken(context.Background(), "opaque", time.Now())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeRefreshTokenNoRows(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("UPDATE refresh_tokens SET revoked").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.RevokeRefreshToken(context.Background(), "missing", time.Now())
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestRotateRefreshTokenCommits(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.RotateRefreshToken(context.Background(), "rt-old", &models.RefreshToken{
		ID:        "rt-new",
		JTI:       "jti-new",
		UserID:    "user-1",
		Token:     "opaque-new",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRotateRefreshTokenRollsBackOnInsertFailure(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE refresh_tokens SET revoked").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO refresh_tokens").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := repo.RotateRefreshToken(context.Background(), "rt-old", &models.RefreshToken{
		ID:  "rt-new",
		JTI: "jti-new",
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredRefreshTokens(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM refresh_tokens WHERE expires_at < $1")).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := repo.DeleteExpiredRefreshTokens(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestCreateBlacklistEntry(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec("INSERT INTO blacklisted_tokens").WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.CreateBlacklistEntry(context.Background(), &models.BlacklistedToken{
		JTI:       "jti-1",
		TokenType: models.TokenTypeAccess,
		ExpiresAt: time.Now().Add(time.Hour),
		Reason:    models.BlacklistReasonLogout,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBlacklistEntryConflictIsNoop(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	// ON CONFLICT DO NOTHING reports zero rows affected, not an error.
	mock.ExpectExec("INSERT INTO blacklisted_tokens").WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.CreateBlacklistEntry(context.Background(), &models.BlacklistedToken{JTI: "jti-1"})
	require.NoError(t, err)
}

func TestBlacklistContains(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	rows := sqlmock.NewRows([]string{"exists"}).AddRow(true)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM blacklisted_tokens WHERE jti = $1)")).
		WithArgs("jti-1").
		WillReturnRows(rows)

	exists, err := repo.BlacklistContains(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDeleteExpiredBlacklistEntries(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM blacklisted_tokens WHERE expires_at < $1")).
		WillReturnResult(sqlmock.NewResult(0, 2))

	deleted, err := repo.DeleteExpiredBlacklistEntries(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
}
