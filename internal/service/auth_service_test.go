package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/task-api/internal/models"
	appErrors "github.com/noah-isme/task-api/pkg/errors"
)

type mockUserRepo struct {
	user              *models.User
	findByUsernameErr error
	created           []*models.User
	successRecorded   bool
	failureAttempts   int
	failureLockout    *time.Time
	failureRecorded   bool
	passwordUpdated   string
	auditLogs         []*models.AuditLog
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	if m.findByUsernameErr != nil {
		return nil, m.findByUsernameErr
	}
	if m.user == nil || m.user.Username != username {
		return nil, sql.ErrNoRows
	}
	return m.user, nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.user == nil || m.user.ID != id {
		return nil, sql.ErrNoRows
	}
	return m.user, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *models.User) error {
	user.ID = "new-user-id"
	m.created = append(m.created, user)
	return nil
}

func (m *mockUserRepo) RecordLoginSuccess(ctx context.Context, id string, ts time.Time) error {
	m.successRecorded = true
	m.user.FailedLoginAttempts = 0
	m.user.LockoutUntil = nil
	return nil
}

func (m *mockUserRepo) RecordLoginFailure(ctx context.Context, id string, attempts int, lockoutUntil *time.Time) error {
	m.failureRecorded = true
	m.failureAttempts = attempts
	m.failureLockout = lockoutUntil
	m.user.FailedLoginAttempts = attempts
	m.user.LockoutUntil = lockoutUntil
	return nil
}

func (m *mockUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	m.passwordUpdated = passwordHash
	return nil
}

func (m *mockUserRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

type mockTokenRepo struct {
	records       map[string]*models.RefreshToken // keyed by jti
	blacklist     map[string]*models.BlacklistedToken
	revokedUser   string
	containsErr   error
	blacklistErr  error
	rotateErr     error
	deletedJTIs   []string
	blacklistAdds int
}

func newMockTokenRepo() *mockTokenRepo {
	return &mockTokenRepo{
		records:   make(map[string]*models.RefreshToken),
		blacklist: make(map[string]*models.BlacklistedToken),
	}
}

func (m *mockTokenRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	m.records[token.JTI] = token
	return nil
}

func (m *mockTokenRepo) FindRefreshTokenByJTI(ctx context.Context, jti string) (*models.RefreshToken, error) {
	record, ok := m.records[jti]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return record, nil
}

func (m *mockTokenRepo) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	for _, record := range m.records {
		if record.Token == token {
			return record, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockTokenRepo) RevokeRefreshToken(ctx context.Context, token string, revokedAt time.Time) error {
	for _, record := range m.records {
		if record.Token == token {
			record.Revoked = true
			record.RevokedAt = &revokedAt
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockTokenRepo) RevokeUserRefreshTokens(ctx context.Context, userID string, revokedAt time.Time) error {
	m.revokedUser = userID
	for _, record := range m.records {
		if record.UserID == userID {
			record.Revoked = true
			record.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *mockTokenRepo) DeleteRefreshToken(ctx context.Context, id string) error {
	for jti, record := range m.records {
		if record.ID == id {
			m.deletedJTIs = append(m.deletedJTIs, jti)
			delete(m.records, jti)
			return nil
		}
	}
	return nil
}

func (m *mockTokenRepo) RotateRefreshToken(ctx context.Context, consumedID string, next *models.RefreshToken) error {
	if m.rotateErr != nil {
		return m.rotateErr
	}
	now := time.Now().UTC()
	for _, record := range m.records {
		if record.ID == consumedID {
			record.Revoked = true
			record.RevokedAt = &now
		}
	}
	m.records[next.JTI] = next
	return nil
}

func (m *mockTokenRepo) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	for jti, record := range m.records {
		if record.Expired(now) {
			delete(m.records, jti)
			deleted++
		}
	}
	return deleted, nil
}

func (m *mockTokenRepo) CreateBlacklistEntry(ctx context.Context, entry *models.BlacklistedToken) error {
	if m.blacklistErr != nil {
		return m.blacklistErr
	}
	if _, exists := m.blacklist[entry.JTI]; exists {
		return nil // ON CONFLICT DO NOTHING
	}
	m.blacklist[entry.JTI] = entry
	m.blacklistAdds++
	return nil
}

func (m *mockTokenRepo) BlacklistContains(ctx context.Context, jti string) (bool, error) {
	if m.containsErr != nil {
		return false, m.containsErr
	}
	_, ok := m.blacklist[jti]
	return ok, nil
}

func (m *mockTokenRepo) DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	for jti, entry := range m.blacklist {
		if entry.ExpiresAt.Before(now) {
			delete(m.blacklist, jti)
			deleted++
		}
	}
	return deleted, nil
}

type authFixture struct {
	svc    *AuthService
	users  *mockUserRepo
	tokens *mockTokenRepo
	codec  *TokenService
}

func newAuthFixture(t *testing.T, user *models.User) *authFixture {
	t.Helper()
	users := &mockUserRepo{user: user}
	tokens := newMockTokenRepo()
	codec := newTestTokenService()
	ledger := NewRefreshTokenService(tokens, 168*time.Hour, zap.NewNop())
	blacklist := NewBlacklistService(tokens, codec, nil, zap.NewNop())
	svc := NewAuthService(users, ledger, blacklist, codec, LockoutConfig{MaxAttempts: 5, Duration: 15 * time.Minute}, validator.New(), nil, zap.NewNop())
	return &authFixture{svc: svc, users: users, tokens: tokens, codec: codec}
}

func activeUser(t *testing.T, password string) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return &models.User{
		ID:            "user-1",
		Username:      "alice",
		Email:         "alice@example.com",
		PasswordHash:  string(hash),
		Role:          models.RoleUser,
		AccountStatus: models.AccountActive,
	}
}

func TestAuthServiceLoginSuccess(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	res, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.Equal(t, "alice", res.Username)
	assert.Equal(t, models.RoleUser, res.Role)
	assert.Equal(t, int64((15 * time.Minute).Seconds()), res.ExpiresIn)
	assert.True(t, fx.users.successRecorded)
}

func TestAuthServiceLoginBindsRefreshJTIToLedger(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	res, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	claims, err := fx.codec.VerifyOfKind(res.RefreshToken, models.TokenTypeRefresh)
	require.NoError(t, err)

	record, ok := fx.tokens.records[claims.ID]
	require.True(t, ok, "refresh token jti must match a ledger record")
	assert.Equal(t, "user-1", record.UserID)
	assert.False(t, record.Revoked)
}

func TestAuthServiceLoginTokenKindsDiffer(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	res, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	_, err = fx.codec.VerifyOfKind(res.AccessToken, models.TokenTypeRefresh)
	assert.True(t, appErrors.Is(err, appErrors.ErrWrongTokenType))
	_, err = fx.codec.VerifyOfKind(res.RefreshToken, models.TokenTypeAccess)
	assert.True(t, appErrors.Is(err, appErrors.ErrWrongTokenType))
}

func TestAuthServiceLoginUnknownUser(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "mallory", Password: "password123"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
}

func TestAuthServiceLoginWrongPasswordIncrementsAttempts(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "wrong"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
	assert.True(t, fx.users.failureRecorded)
	assert.Equal(t, 1, fx.users.failureAttempts)
	assert.Nil(t, fx.users.failureLockout)
}

func TestAuthServiceLockoutAfterThresholdFailures(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	for i := 0; i < 4; i++ {
		_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "wrong"})
		require.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
		assert.Nil(t, fx.users.failureLockout, "attempt %d must not lock", i+1)
	}

	// Fifth failure locks the account and resets the counter.
	_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "wrong"})
	require.True(t, appErrors.Is(err, appErrors.ErrInvalidCredentials))
	require.NotNil(t, fx.users.failureLockout)
	assert.Equal(t, 0, fx.users.failureAttempts)

	// Even the correct password is rejected while locked, without touching
	// the counter.
	fx.users.failureRecorded = false
	_, err = fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrAccountLocked))
	assert.False(t, fx.users.failureRecorded)
}

func TestAuthServiceExpiredLockoutAdmits(t *testing.T) {
	user := activeUser(t, "password123")
	past := time.Now().UTC().Add(-time.Minute)
	user.LockoutUntil = &past
	fx := newAuthFixture(t, user)

	res, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
}

func TestAuthServiceSuccessResetsFailureCount(t *testing.T) {
	user := activeUser(t, "password123")
	user.FailedLoginAttempts = 3
	fx := newAuthFixture(t, user)

	_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, 0, user.FailedLoginAttempts)
}

func TestAuthServiceLoginInactiveAccount(t *testing.T) {
	user := activeUser(t, "password123")
	user.AccountStatus = models.AccountInactive
	fx := newAuthFixture(t, user)

	_, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrInactiveAccount))
}

func TestAuthServiceRefreshRotates(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	refreshed, err := fx.svc.Refresh(context.Background(), login.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	assert.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	oldClaims, err := fx.codec.VerifyOfKind(login.RefreshToken, models.TokenTypeRefresh)
	require.NoError(t, err)
	newClaims, err := fx.codec.VerifyOfKind(refreshed.RefreshToken, models.TokenTypeRefresh)
	require.NoError(t, err)
	assert.NotEqual(t, oldClaims.ID, newClaims.ID)

	record, ok := fx.tokens.records[oldClaims.ID]
	require.True(t, ok)
	assert.True(t, record.Revoked, "consumed ledger record must be revoked")
}

func TestAuthServiceRefreshReplayRejected(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	_, err = fx.svc.Refresh(context.Background(), login.RefreshToken)
	require.NoError(t, err)

	// Presenting the consumed token again must fail and purge the record.
	_, err = fx.svc.Refresh(context.Background(), login.RefreshToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRevoked))

	claims, err := fx.codec.VerifyOfKind(login.RefreshToken, models.TokenTypeRefresh)
	require.NoError(t, err)
	_, ok := fx.tokens.records[claims.ID]
	assert.False(t, ok, "rejected record must be deleted from the ledger")
}

func TestAuthServiceRefreshRejectsAccessToken(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	_, err = fx.svc.Refresh(context.Background(), login.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrWrongTokenType))
}

func TestAuthServiceRefreshBlankToken(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	_, err := fx.svc.Refresh(context.Background(), "  ")
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestAuthServiceRefreshUnknownJTI(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	// A structurally valid refresh token whose jti has no ledger record.
	orphan, err := fx.codec.Issue("alice", "user-1", models.RoleUser, models.TokenTypeRefresh, "no-such-jti")
	require.NoError(t, err)

	_, err = fx.svc.Refresh(context.Background(), orphan)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))
}

func TestAuthServiceLogoutBlacklistsAndRevokes(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	fx.svc.Logout(context.Background(), login.AccessToken, login.RefreshToken, "10.0.0.1", "test-agent")

	accessClaims, err := fx.codec.ExtractClaims(login.AccessToken)
	require.NoError(t, err)
	blacklisted, err := fx.tokens.BlacklistContains(context.Background(), accessClaims.ID)
	require.NoError(t, err)
	assert.True(t, blacklisted)

	refreshClaims, err := fx.codec.ExtractClaims(login.RefreshToken)
	require.NoError(t, err)
	record, ok := fx.tokens.records[refreshClaims.ID]
	require.True(t, ok)
	assert.True(t, record.Revoked)
}

func TestAuthServiceLogoutSwallowsGarbage(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	// Must not panic or surface any error regardless of input.
	fx.svc.Logout(context.Background(), "garbage", "more-garbage", "", "")
	fx.svc.Logout(context.Background(), "", "", "", "")
}

func TestAuthServiceVerifyAccessTokenRejectsBlacklisted(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)

	claims, err := fx.svc.VerifyAccessToken(context.Background(), login.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "user-1", claims.UserID)

	fx.svc.Logout(context.Background(), login.AccessToken, "", "", "")

	_, err = fx.svc.VerifyAccessToken(context.Background(), login.AccessToken)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrTokenRevoked))
}

func TestAuthServiceRegister(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	info, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: "bob",
		Email:    "bob@example.com",
		Password: "password123",
		FullName: "Bob Example",
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", info.Username)
	assert.Equal(t, models.RoleUser, info.Role)
	require.Len(t, fx.users.created, 1)
	assert.NotEqual(t, "password123", fx.users.created[0].PasswordHash)
}

func TestAuthServiceRegisterConflict(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	_, err := fx.svc.Register(context.Background(), models.RegisterRequest{
		Username: "alice",
		Email:    "other@example.com",
		Password: "password123",
		FullName: "Other Alice",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConflict))
}

func TestAuthServiceChangePassword(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	login, err := fx.svc.Login(context.Background(), models.LoginRequest{Username: "alice", Password: "password123"})
	require.NoError(t, err)
	claims, err := fx.codec.ExtractClaims(login.RefreshToken)
	require.NoError(t, err)

	err = fx.svc.ChangePassword(context.Background(), "alice", models.ChangePasswordRequest{
		OldPassword: "password123",
		NewPassword: "newpassword456",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, fx.users.passwordUpdated)
	assert.Equal(t, "user-1", fx.tokens.revokedUser)

	record, ok := fx.tokens.records[claims.ID]
	require.True(t, ok)
	assert.True(t, record.Revoked, "live refresh tokens must be revoked on password change")
}

func TestAuthServiceChangePasswordWrongOld(t *testing.T) {
	fx := newAuthFixture(t, activeUser(t, "password123"))

	err := fx.svc.ChangePassword(context.Background(), "alice", models.ChangePasswordRequest{
		OldPassword: "wrong",
		NewPassword: "newpassword456",
	})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrForbidden))
}
