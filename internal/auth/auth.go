// Package auth mints and verifies the JWT tokens that identify users on the
// signaling WebSocket. Tokens are signed with HS256 and carry the user ID and
// display name issued by the account service.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is how long an issued token stays valid.
const TokenTTL = 24 * time.Hour

// ErrInvalidToken is returned when a token fails signature or claims
// validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims are the JWT claims carried by a signaling token.
type Claims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates signaling tokens.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the given HS256 secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token string, returning its claims.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Mint issues a signed token for the given user.
func (v *Verifier) Mint(userID, displayName string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// FromBearer extracts the token from an "Authorization: Bearer <token>" value.
// It also accepts a bare token for clients that pass it as a query parameter.
func FromBearer(header string) (string, error) {
	if header == "" {
		return "", ErrInvalidToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 {
		if !strings.EqualFold(parts[0], "Bearer") {
			return "", ErrInvalidToken
		}
		return parts[1], nil
	}
	return parts[0], nil
}
