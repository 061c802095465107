package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/repository"
)

func newAuthFixture(t *testing.T) (*sessionFixture, AuthService) {
	t.Helper()
	f := newSessionFixture(t)
	auth := NewAuthService(repository.NewSQLUserRepo(f.db.Conn), f.store, NewTokenIssuer("test-secret"), AuthConfig{
		SessionLifetime: 24 * time.Hour,
		BcryptCost:      bcrypt.MinCost,
	})
	return f, auth
}

func register(t *testing.T, auth AuthService, username string) *AuthResult {
	t.Helper()
	res, err := auth.Register(context.Background(), &models.CreateUserRequest{Username: username, Password: "correct horse"})
	require.NoError(t, err)
	return res
}

func TestAuth_RegisterLoginAuthenticate(t *testing.T) {
	ctx := context.Background()
	_, auth := newAuthFixture(t)

	reg := register(t, auth, "alice")
	assert.Empty(t, reg.User.PasswordHash)

	phone := "phone"
	login, err := auth.Login(ctx, &models.LoginRequest{
		Username:   "alice",
		Password:   "correct horse",
		DeviceInfo: models.DeviceInfo{DeviceName: &phone},
	})
	require.NoError(t, err)
	assert.NotEqual(t, reg.Token, login.Token, "each login gets its own credential")
	assert.NotEqual(t, reg.Session.ID, login.Session.ID)

	sess, err := auth.Authenticate(ctx, login.Token)
	require.NoError(t, err)
	assert.Equal(t, login.Session.ID, sess.ID)
	require.NotNil(t, sess.DeviceName)
	assert.Equal(t, "phone", *sess.DeviceName)

	_, err = auth.Login(ctx, &models.LoginRequest{Username: "alice", Password: "wrong password"})
	assert.Equal(t, pkg.KindUnauthorized, pkg.KindOf(err))

	_, err = auth.Login(ctx, &models.LoginRequest{Username: "nobody", Password: "whatever"})
	assert.Equal(t, pkg.KindUnauthorized, pkg.KindOf(err))

	_, err = auth.Register(ctx, &models.CreateUserRequest{Username: "alice", Password: "another one"})
	assert.Equal(t, pkg.KindAlreadyExists, pkg.KindOf(err))
}

func TestAuth_RejectsForeignAndRevokedTokens(t *testing.T) {
	ctx := context.Background()
	_, auth := newAuthFixture(t)
	res := register(t, auth, "alice")

	forged, err := NewTokenIssuer("other-secret").Issue(&res.User)
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, forged)
	assert.Equal(t, pkg.KindUnauthorized, pkg.KindOf(err))

	_, err = auth.Authenticate(ctx, "not-a-jwt")
	assert.Equal(t, pkg.KindUnauthorized, pkg.KindOf(err))

	// Correctly signed but never stored.
	orphan, err := NewTokenIssuer("test-secret").Issue(&res.User)
	require.NoError(t, err)
	_, err = auth.Authenticate(ctx, orphan)
	assert.Equal(t, pkg.KindUnauthorized, pkg.KindOf(err))

	require.NoError(t, auth.Logout(ctx, res.Token))
	_, err = auth.Authenticate(ctx, res.Token)
	assert.Equal(t, pkg.KindUnauthorized, pkg.KindOf(err))

	require.NoError(t, auth.Logout(ctx, res.Token), "logging out twice is harmless")
}

func TestAuth_LogoutAll(t *testing.T) {
	ctx := context.Background()
	_, auth := newAuthFixture(t)
	first := register(t, auth, "alice")
	second, err := auth.Login(ctx, &models.LoginRequest{Username: "alice", Password: "correct horse"})
	require.NoError(t, err)

	n, err := auth.LogoutAll(ctx, first.User.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, tok := range []string{first.Token, second.Token} {
		_, err := auth.Authenticate(ctx, tok)
		assert.Equal(t, pkg.KindUnauthorized, pkg.KindOf(err))
	}
}

func TestAuth_RefreshExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	_, auth := newAuthFixture(t)
	res := register(t, auth, "alice")

	time.Sleep(10 * time.Millisecond)
	refreshed, err := auth.Refresh(ctx, res.Token)
	require.NoError(t, err)
	assert.True(t, refreshed.ExpiresAt.After(res.Session.ExpiresAt))

	sess, err := auth.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.True(t, sess.ExpiresAt.Equal(refreshed.ExpiresAt))
}

func TestAuth_FailsClosedWhenStoresAreDown(t *testing.T) {
	ctx := context.Background()
	f, auth := newAuthFixture(t)
	res := register(t, auth, "alice")

	f.faulty.setRule(func(string, string) bool { return true })
	require.NoError(t, f.db.Close())

	_, err := auth.Authenticate(ctx, res.Token)
	require.Error(t, err)
	assert.Equal(t, pkg.KindUnavailable, pkg.KindOf(err))
}
