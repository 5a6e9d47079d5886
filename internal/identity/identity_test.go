package identity_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/identity"
)

func newResolver(t *testing.T) *identity.JWTResolver {
	t.Helper()
	r, err := identity.NewJWTResolver(config.AuthConfig{JWTSecret: "s3cret", JWTIssuer: "tablesync", JWTAudience: "players"})
	require.NoError(t, err)
	return r
}

func TestNewJWTResolver_RequiresSecret(t *testing.T) {
	_, err := identity.NewJWTResolver(config.AuthConfig{})
	assert.Error(t, err)
}

func TestResolveCurrentUser_BearerHeader(t *testing.T) {
	r := newResolver(t)
	tok, err := r.Issue("dm-1", true, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	u, err := r.ResolveCurrentUser(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, identity.User{ID: "dm-1", IsSessionOwner: true}, u)
}

func TestResolveCurrentUser_QueryParameter(t *testing.T) {
	r := newResolver(t)
	tok, err := r.Issue("p-1", false, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/rooms/x/stream?access_token="+tok, nil)
	u, err := r.ResolveCurrentUser(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p-1", u.ID)
	assert.False(t, u.IsSessionOwner)
}

func TestResolveCurrentUser_Rejections(t *testing.T) {
	r := newResolver(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := r.ResolveCurrentUser(context.Background(), req)
	assert.ErrorIs(t, err, identity.ErrMissingToken)

	req.Header.Set("Authorization", "Basic abc")
	_, err = r.ResolveCurrentUser(context.Background(), req)
	assert.ErrorIs(t, err, identity.ErrMissingToken)

	req.Header.Set("Authorization", "Bearer garbage")
	_, err = r.ResolveCurrentUser(context.Background(), req)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	other, err := identity.NewJWTResolver(config.AuthConfig{JWTSecret: "other", JWTIssuer: "tablesync", JWTAudience: "players"})
	require.NoError(t, err)
	forged, err := other.Issue("p-1", true, time.Hour)
	require.NoError(t, err)
	_, err = r.Verify(forged)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestVerify_ExpiryAndAlgorithm(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newResolver(t).WithClock(func() time.Time { return now })
	tok, err := r.Issue("p-1", false, time.Minute)
	require.NoError(t, err)

	_, err = r.Verify(tok)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = r.Verify(tok)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "p-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = r.Verify(unsigned)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestStatic(t *testing.T) {
	s := identity.Static{Users: []identity.User{{ID: "dm", IsSessionOwner: true}}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := s.ResolveCurrentUser(context.Background(), req)
	assert.ErrorIs(t, err, identity.ErrMissingToken)

	req.Header.Set("X-User-ID", "dm")
	u, err := s.ResolveCurrentUser(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, u.IsSessionOwner)

	req.Header.Set("X-User-ID", "nobody")
	_, err = s.ResolveCurrentUser(context.Background(), req)
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}
