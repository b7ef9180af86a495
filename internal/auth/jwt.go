// Package auth validates bearer tokens issued by the club's identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by the validator.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("missing claim")
)

// Config holds token validation configuration.
type Config struct {
	SecretKey string
	Issuer    string // optional, checked when set
	RoleClaim string
}

// JWTValidator validates HS256 tokens and extracts the user ID from "sub"
// and the role from the configured claim. Tokens without a role claim are
// treated as members.
type JWTValidator struct {
	secret    []byte
	roleClaim string
	parser    *jwt.Parser
}

// NewJWTValidator creates a new validator.
func NewJWTValidator(cfg Config) *JWTValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	roleClaim := cfg.RoleClaim
	if roleClaim == "" {
		roleClaim = "role"
	}

	return &JWTValidator{
		secret:    []byte(cfg.SecretKey),
		roleClaim: roleClaim,
		parser:    jwt.NewParser(opts...),
	}
}

// ValidateToken implements httputil.TokenValidator.
func (v *JWTValidator) ValidateToken(_ context.Context, tokenString string) (string, domain.Role, error) {
	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID, err := claims.GetSubject()
	if err != nil || userID == "" {
		return "", "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	role := domain.RoleMember
	if raw, ok := claims[v.roleClaim].(string); ok && raw != "" {
		role = domain.Role(raw)
		if !role.IsValid() {
			return "", "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, raw)
		}
	}

	return userID, role, nil
}

// IssueToken signs a token for the given user. Used by tooling and tests.
func IssueToken(secret, userID string, role domain.Role, claims jwt.MapClaims) (string, error) {
	c := jwt.MapClaims{"sub": userID, "role": string(role)}
	for k, val := range claims {
		c[k] = val
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}
