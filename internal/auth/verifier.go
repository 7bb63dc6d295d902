package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotAuthenticated is returned when credentials cannot be verified.
var ErrNotAuthenticated = errors.New("not authenticated")

// Identity is the result of a successful credential check.
type Identity struct {
	UserID string
	Role   string
}

// Verifier validates connection credentials. The session issuer lives outside
// this service; we only verify what it minted.
type Verifier interface {
	VerifyCredentials(ctx context.Context, token string) (Identity, error)
}

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HMAC-signed tokens carrying the user id in "sub" and a
// "role" claim.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) VerifyCredentials(ctx context.Context, tokenStr string) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, ErrNotAuthenticated
	}

	token, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || c.Subject == "" {
		return Identity{}, ErrNotAuthenticated
	}

	role := c.Role
	if role == "" {
		role = "customer"
	}
	return Identity{UserID: c.Subject, Role: role}, nil
}

// MintToken signs a token for the given identity. Used by tests and the ops CLI;
// production tokens come from the platform's session issuer.
func MintToken(secret string, id Identity) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: id.UserID,
		},
	})
	return token.SignedString([]byte(secret))
}
