package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

// Verifier maps a bearer token to a verified user identity. Token issuance
// belongs to the external identity service; the delivery core only checks.
type Verifier interface {
	Verify(token string) (string, error)
}

type JWTVerifier struct {
	issuer   string
	audience string
	secret   []byte
}

func NewJWTVerifier(issuer, audience, secret string) *JWTVerifier {
	return &JWTVerifier{issuer: issuer, audience: audience, secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer), jwt.WithAudience(v.audience))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !tok.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// Sign mints a token the verifier accepts. Intended for local development
// and tests; production tokens come from the identity service.
func (v *JWTVerifier) Sign(userID string, ttl time.Duration) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    v.issuer,
		Subject:   userID,
		Audience:  []string{v.audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
