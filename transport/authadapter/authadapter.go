// Package authadapter is an example token-validation producer for the
// core's domain.AuthContext boundary (spec.md §1 non-goals: auth/token
// validation is an external collaborator, not core scope). Grounded on
// the teacher's auth/jwt.go and auth/claims.go, kept firmly outside the
// core — nothing in admission/pipeline/commit imports this package.
package authadapter

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/portside/receiving/domain"
)

// minSecretLen replaces the teacher's horosafe.ValidateSecret (that
// package is absent from the retrieval pack): HS256 wants a secret at
// least as long as its output, 32 bytes.
const minSecretLen = 32

// Claims is this service's JWT claims shape: RegisteredClaims plus the
// tenant/role fields domain.AuthContext needs.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string      `json:"tenant_id"`
	UserID   string      `json:"user_id"`
	Role     domain.Role `json:"role"`
}

func validateSecret(secret []byte) error {
	if len(secret) < minSecretLen {
		return fmt.Errorf("authadapter: secret must be at least %d bytes, got %d", minSecretLen, len(secret))
	}
	return nil
}

// GenerateToken signs a token for (tenantID, userID, role), expiring after
// ttl.
func GenerateToken(secret []byte, tenantID, userID string, role domain.Role, ttl time.Duration) (string, error) {
	if err := validateSecret(secret); err != nil {
		return "", err
	}
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		UserID:   userID,
		Role:     role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses tokenStr, pinning the signing method to HS256 to
// prevent algorithm-confusion attacks, exactly as the teacher's
// auth.ValidateToken does.
func ValidateToken(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("authadapter: invalid token")
	}
	return claims, nil
}

// ToAuthContext converts validated Claims into the core's trust boundary
// type. The core (admission.Controller.Admit, etc.) never parses a token
// itself — it only ever sees the AuthContext this adapter produces.
func (c *Claims) ToAuthContext() domain.AuthContext {
	return domain.AuthContext{TenantID: c.TenantID, UserID: c.UserID, Role: c.Role}
}

// HashPassword and CheckPassword wrap bcrypt for services' local-login
// path, mirroring the teacher's cmd/chrc password-handling calls.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("authadapter: hash password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
