package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/minicoursera/realtime/internal/types"
)

const (
	userIdClaim = "user-id"
	roleClaim   = "role"
	emailClaim  = "email"
	expClaim    = "exp"
)

// AuthError indicates a handshake token that is missing, malformed
// or expired. A connection refused with an AuthError is never
// partially registered.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Verifier checks a handshake bearer token and resolves the identity
// bound to it. Implemented by the identity subsystem; the realtime
// layer only consumes it.
type Verifier interface {
	Verify(token string) (types.Identity, error)
}

// JWTVerifier verifies HMAC-signed session tokens issued by the
// identity subsystem.
type JWTVerifier struct {
	signingKey []byte
}

func NewJWTVerifier(signingKey []byte) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey}
}

func (v *JWTVerifier) Verify(tokenString string) (types.Identity, error) {
	if tokenString == "" {
		return types.Identity{}, &AuthError{Reason: "no token provided"}
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, &AuthError{Reason: "invalid token", Err: err}
	}

	if !token.Valid {
		return types.Identity{}, &AuthError{Reason: "invalid token"}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.Identity{}, &AuthError{Reason: "invalid token claims"}
	}

	userId, ok := claims[userIdClaim].(float64)
	if !ok {
		return types.Identity{}, &AuthError{Reason: "invalid user id claim"}
	}

	role, _ := claims[roleClaim].(string)
	email, _ := claims[emailClaim].(string)

	return types.Identity{
		UserId: int(userId),
		Role:   role,
		Email:  email,
	}, nil
}

// CreateToken issues a signed session token for the given identity.
// Used by the identity subsystem and by tests.
func CreateToken(signingKey []byte, identity types.Identity, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim: identity.UserId,
		roleClaim:   identity.Role,
		emailClaim:  identity.Email,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
