// Package identity resolves the calling user from a bearer token.
//
// Tokens are HS256 JWTs whose subject is the user id. The is_session_owner claim marks a
// user allowed to run rooms as their session owner.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cory-johannsen/tablesync/internal/config"
)

var (
	// ErrMissingToken is returned when the request carries no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned when the token fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

// User is the identity fact the coordination core needs about a caller.
type User struct {
	ID             string `json:"id"`
	IsSessionOwner bool   `json:"is_session_owner"`
}

// Resolver resolves the current user for an inbound request.
type Resolver interface {
	ResolveCurrentUser(ctx context.Context, r *http.Request) (User, error)
}

// Claims are the JWT claims issued to room participants.
type Claims struct {
	IsSessionOwner bool `json:"is_session_owner"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256 tokens with a shared secret.
type JWTResolver struct {
	secret   []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewJWTResolver builds a resolver from auth settings.
//
// Precondition: cfg.JWTSecret must be non-empty.
func NewJWTResolver(cfg config.AuthConfig) (*JWTResolver, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret must not be empty")
	}
	return &JWTResolver{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
		now:      time.Now,
	}, nil
}

// WithClock replaces the time source used for expiry checks.
func (j *JWTResolver) WithClock(now func() time.Time) *JWTResolver {
	j.now = now
	return j
}

// ResolveCurrentUser reads the token from the Authorization header, falling back to the
// access_token query parameter used by browser WebSocket clients.
//
// Postcondition: Returns a User with a non-empty ID, or ErrMissingToken / ErrInvalidToken.
func (j *JWTResolver) ResolveCurrentUser(_ context.Context, r *http.Request) (User, error) {
	raw := bearer(r)
	if raw == "" {
		return User{}, ErrMissingToken
	}
	return j.Verify(raw)
}

// Verify parses and validates a raw token string.
func (j *JWTResolver) Verify(raw string) (User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
		jwt.WithExpirationRequired(),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	if j.audience != "" {
		opts = append(opts, jwt.WithAudience(j.audience))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return User{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return User{ID: claims.Subject, IsSessionOwner: claims.IsSessionOwner}, nil
}

// Issue signs a token for userID valid for ttl.
func (j *JWTResolver) Issue(userID string, sessionOwner bool, ttl time.Duration) (string, error) {
	now := j.now()
	claims := Claims{
		IsSessionOwner: sessionOwner,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if j.audience != "" {
		claims.Audience = jwt.ClaimStrings{j.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// Static resolves every request to a fixed user. It backs local development when no
// secret is configured.
type Static struct {
	Users []User
}

// ResolveCurrentUser returns the user named by the X-User-ID header, which must be one of
// s.Users.
func (s Static) ResolveCurrentUser(_ context.Context, r *http.Request) (User, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return User{}, ErrMissingToken
	}
	i := slices.IndexFunc(s.Users, func(u User) bool { return u.ID == id })
	if i < 0 {
		return User{}, ErrInvalidToken
	}
	return s.Users[i], nil
}
