package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/disposable/internal/auth/jwt"
	"tempmail/disposable/internal/config"
	"tempmail/disposable/internal/domain"
)

func newManager() *JWTManager {
	return NewJWTManager(&config.JWTConfig{
		Secret: "test-secret-with-at-least-32-characters",
		Issuer: "test",
	})
}

func TestJWTManager_Authenticate(t *testing.T) {
	manager := newManager()

	token, err := manager.IssueToken(domain.Owner{ID: "owner-1", Level: domain.QuotaUnlimited}, true, time.Hour)
	require.NoError(t, err)

	identity, err := manager.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", identity.Owner.ID)
	assert.Equal(t, domain.QuotaUnlimited, identity.Owner.Level)
	assert.True(t, identity.Admin)
}

func TestJWTManager_DefaultLevel(t *testing.T) {
	manager := newManager()

	token, err := manager.IssueToken(domain.Owner{ID: "owner-1"}, false, time.Hour)
	require.NoError(t, err)

	identity, err := manager.Authenticate(token)
	require.NoError(t, err)
	assert.Equal(t, domain.QuotaFree, identity.Owner.Level)
	assert.False(t, identity.Admin)
}

func TestJWTManager_Authenticate_Invalid(t *testing.T) {
	manager := newManager()

	_, err := manager.Authenticate("not-a-token")
	assert.ErrorIs(t, err, jwt.ErrInvalidToken)

	other := NewJWTManager(&config.JWTConfig{Secret: "another-secret-with-at-least-32-chars", Issuer: "test"})
	token, err := other.IssueToken(domain.Owner{ID: "owner-1"}, false, time.Hour)
	require.NoError(t, err)
	_, err = manager.Authenticate(token)
	assert.ErrorIs(t, err, jwt.ErrInvalidToken, "签名密钥不同")

	wrongIssuer := NewJWTManager(&config.JWTConfig{Secret: "test-secret-with-at-least-32-characters", Issuer: "elsewhere"})
	token, err = wrongIssuer.IssueToken(domain.Owner{ID: "owner-1"}, false, time.Hour)
	require.NoError(t, err)
	_, err = manager.Authenticate(token)
	assert.ErrorIs(t, err, jwt.ErrInvalidToken, "签发者不同")
}

func TestJWTManager_Authenticate_Expired(t *testing.T) {
	manager := newManager()

	token, err := manager.IssueToken(domain.Owner{ID: "owner-1"}, false, -time.Minute)
	require.NoError(t, err)

	_, err = manager.Authenticate(token)
	assert.ErrorIs(t, err, jwt.ErrExpiredToken)
}

func TestBearerToken(t *testing.T) {
	token, ok := BearerToken("Bearer abc.def")
	assert.True(t, ok)
	assert.Equal(t, "abc.def", token)

	token, ok = BearerToken("bearer xyz")
	assert.True(t, ok)
	assert.Equal(t, "xyz", token)

	_, ok = BearerToken("Basic abc")
	assert.False(t, ok)
	_, ok = BearerToken("Bearer ")
	assert.False(t, ok)
}
