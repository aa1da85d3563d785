// Package auth validates the access tokens issued by the auth subsystem.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xiaot623/gogo/chat/internal/domain"
)

// TokenTypeAccess is the only token_type accepted for chat connections.
const TokenTypeAccess = "access"

// Claims is the payload of an access token. user_id may be encoded as a
// string or a number.
type Claims struct {
	UserID    domain.ID `json:"user_id"`
	TokenType string    `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 access tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier for tokens signed with secret. An empty
// issuer disables the iss check.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses token and returns the user id it was issued to.
// Every failure is an ErrAuthentication.
func (v *Verifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: missing token", domain.ErrAuthentication)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	if !parsed.Valid {
		return "", fmt.Errorf("%w: invalid token", domain.ErrAuthentication)
	}
	if claims.TokenType != "" && claims.TokenType != TokenTypeAccess {
		return "", fmt.Errorf("%w: token_type %q is not an access token", domain.ErrAuthentication, claims.TokenType)
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("%w: token has no user_id", domain.ErrAuthentication)
	}
	return claims.UserID.String(), nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header value.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Issuer signs access tokens. The chat core never issues tokens to clients;
// it is used by tests and the development CLI.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer creates an issuer signing with secret.
func NewIssuer(secret, issuer string) *Issuer {
	return &Issuer{secret: []byte(secret), issuer: issuer}
}

// IssueToken creates a signed access token for userID valid for ttl.
func (i *Issuer) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:    domain.ID(userID),
		TokenType: TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}
