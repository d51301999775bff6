package models

import "time"

// TokenType distinguishes access tokens from refresh tokens. The two share the
// same encoding but are never interchangeable.
type TokenType string

const (
	TokenTypeAccess  TokenType = "ACCESS"
	TokenTypeRefresh TokenType = "REFRESH"
)

// RefreshToken represents a persisted single-use refresh token record.
type RefreshToken struct {
	ID        string     `db:"id" json:"id"`
	JTI       string     `db:"jti" json:"jti"`
	UserID    string     `db:"user_id" json:"user_id"`
	Token     string     `db:"token" json:"token"`
	ExpiresAt time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	Revoked   bool       `db:"revoked" json:"revoked"`
	RevokedAt *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Expired reports whether the record's expiry has passed.
func (t *RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// BlacklistedToken records an explicit token revocation, keyed by jti. The
// expiry is copied from the token so the entry can be dropped once the token
// would have expired on its own.
type BlacklistedToken struct {
	JTI           string    `db:"jti" json:"jti"`
	TokenType     TokenType `db:"token_type" json:"token_type"`
	ExpiresAt     time.Time `db:"expires_at" json:"expires_at"`
	Reason        string    `db:"reason" json:"reason"`
	BlacklistedAt time.Time `db:"blacklisted_at" json:"blacklisted_at"`
}

// Blacklist reasons.
const (
	BlacklistReasonLogout  = "logout"
	BlacklistReasonRevoked = "revoked"
)
