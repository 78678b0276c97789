package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var (
	// ErrTokenExpired signals that the provided bearer token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid signals that the provided bearer token failed verification.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Claims is the expected token payload. Role may be a single string or a
// list depending on the issuer version.
type Claims struct {
	Email string   `json:"email,omitempty"`
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates a raw bearer token and returns the decoded claims.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// JWTVerifier verifies HMAC-signed tokens minted by the identity service.
type JWTVerifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTVerifier constructs a verifier for HS256 tokens. Issuer is optional;
// when set, tokens from other issuers are rejected.
func NewJWTVerifier(secret string, issuer string) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}, nil
}

// Verify parses and validates the token, normalising claim shape variants.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	if v == nil {
		return nil, ErrTokenInvalid
	}
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrTokenInvalid, claims.Issuer)
	}
	return claims, nil
}

// RolesFromClaims flattens the role/roles claim variants into a normalised,
// de-duplicated list.
func RolesFromClaims(claims *Claims) []string {
	if claims == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(claims.Roles)+1)
	out := make([]string, 0, len(claims.Roles)+1)
	add := func(raw string) {
		role := normaliseRole(raw)
		if role == "" {
			return
		}
		if _, ok := seen[role]; ok {
			return
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	add(claims.Role)
	for _, role := range claims.Roles {
		add(role)
	}
	return out
}
