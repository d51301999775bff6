package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/task-api/internal/models"
	appErrors "github.com/noah-isme/task-api/pkg/errors"
)

// TokenConfig defines signing parameters for the token codec.
type TokenConfig struct {
	Secret        string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

// TokenService is the stateless codec issuing and verifying signed claim sets.
// Access and refresh tokens share the encoding; the type claim keeps them from
// being interchangeable.
type TokenService struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	issuer        string
	now           func() time.Time
}

// NewTokenService constructs the codec. Secret length is validated by
// config.Validate before the process starts.
func NewTokenService(cfg TokenConfig) *TokenService {
	return &TokenService{
		secret:        []byte(cfg.Secret),
		accessExpiry:  cfg.AccessExpiry,
		refreshExpiry: cfg.RefreshExpiry,
		issuer:        cfg.Issuer,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Issue signs a token of the given kind for the subject. The jti binds refresh
// tokens to their ledger record; access tokens receive a fresh jti when the
// caller passes an empty one.
func (s *TokenService) Issue(subject, userID string, role models.UserRole, kind models.TokenType, jti string) (string, error) {
	if jti == "" {
		jti = uuid.NewString()
	}

	expiry := s.accessExpiry
	if kind == models.TokenTypeRefresh {
		expiry = s.refreshExpiry
	}

	issuedAt := s.now()
	claims := &models.JWTClaims{
		UserID:    userID,
		Role:      role,
		TokenType: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(expiry)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify parses and validates a signed token, returning its claims. Expiry is
// reported distinctly from malformed input.
func (s *TokenService) Verify(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, s.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErrors.Wrap(err, appErrors.ErrTokenExpired.Code, appErrors.ErrTokenExpired.Status, appErrors.ErrTokenExpired.Message)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrTokenMalformed.Code, appErrors.ErrTokenMalformed.Status, appErrors.ErrTokenMalformed.Message)
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrTokenMalformed, "invalid token claims")
	}
	return claims, nil
}

// VerifyOfKind verifies the token and additionally requires the given kind.
func (s *TokenService) VerifyOfKind(tokenString string, kind models.TokenType) (*models.JWTClaims, error) {
	claims, err := s.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != kind {
		return nil, appErrors.Clone(appErrors.ErrWrongTokenType, fmt.Sprintf("expected %s token", kind))
	}
	return claims, nil
}

// ExtractClaims decodes the token with signature verification but tolerates an
// expired token. The blacklist needs to resolve the jti of tokens past their
// natural expiry.
func (s *TokenService) ExtractClaims(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, s.keyFunc)
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return nil, appErrors.Wrap(err, appErrors.ErrTokenMalformed.Code, appErrors.ErrTokenMalformed.Status, appErrors.ErrTokenMalformed.Message)
	}
	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrTokenMalformed, "invalid token claims")
	}
	return claims, nil
}

// AccessExpiry exposes the configured access-token lifetime.
func (s *TokenService) AccessExpiry() time.Duration {
	return s.accessExpiry
}

// RefreshExpiry exposes the configured refresh-token lifetime.
func (s *TokenService) RefreshExpiry() time.Duration {
	return s.refreshExpiry
}

func (s *TokenService) keyFunc(token *jwt.Token) (interface{}, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return s.secret, nil
}
