// -------------------------------------------------------------------------------
// Authentication - JWT Bearer Verification
//
// Author: Alex Freidah
//
// Verifies HS256 bearer tokens on the management API. The verified subject
// becomes the created_by identity of new links. When no secret is configured
// the verifier is disabled and every request proceeds anonymously.
// -------------------------------------------------------------------------------

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/afreidah/shortlinkd/internal/config"
)

// clockSkew is the leeway applied to exp, nbf, and iat checks.
const clockSkew = 30 * time.Second

var (
	// ErrMissingToken is returned when auth is enabled and no bearer token
	// was presented.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned for malformed, expired, or mis-signed tokens.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Verifier checks bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier builds a verifier from the auth settings. Returns nil when no
// secret is configured.
func NewVerifier(cfg config.AuthConfig) *Verifier {
	if cfg.JWTSecret == "" {
		return nil
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.JWTIssuer))
	}

	return &Verifier{
		secret: []byte(cfg.JWTSecret),
		parser: jwt.NewParser(opts...),
	}
}

// Enabled reports whether requests must carry a token. Safe on nil.
func (v *Verifier) Enabled() bool {
	return v != nil
}

// Authenticate verifies the request's bearer token and returns its subject.
// A disabled verifier returns an empty subject and no error.
func (v *Verifier) Authenticate(r *http.Request) (string, error) {
	if !v.Enabled() {
		return "", nil
	}

	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}

	return v.Verify(strings.TrimSpace(token))
}

// Verify parses and validates a raw token string and returns its subject.
func (v *Verifier) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub claim is required", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Issue signs a token for subject. Used by tests and operator tooling.
func (v *Verifier) Issue(subject, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// -------------------------------------------------------------------------
// CONTEXT
// -------------------------------------------------------------------------

type ctxKey struct{}

// WithSubject returns a context carrying the verified caller identity.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ctxKey{}, subject)
}

// Subject returns the verified caller identity from ctx, or nil when the
// request was anonymous.
func Subject(ctx context.Context) *string {
	if s, ok := ctx.Value(ctxKey{}).(string); ok && s != "" {
		return &s
	}
	return nil
}
