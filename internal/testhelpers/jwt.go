package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Token types minted by the mock backend.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// TokenClaims are the claims carried by tokens minted for tests. The agent
// never inspects them; tests use them to tell tokens apart.
type TokenClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// MintToken signs a token of the given type for subject. Every call returns a
// distinct token.
func MintToken(key []byte, tokenType, subject string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := TokenClaims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    "mock-backend",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// ParseToken verifies a token minted with key and returns its claims.
func ParseToken(t *testing.T, key []byte, token string) TokenClaims {
	t.Helper()

	var claims TokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	require.NoError(t, err, "failed to parse token")

	return claims
}
