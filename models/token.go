package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims is the payload of a session credential. The signature proves
// the credential was issued here; whether it is still valid is decided by
// the session store, since a session can be revoked before ExpiresAt.
type TokenClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}
