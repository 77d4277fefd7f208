// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package tokens_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"github.com/stashpost/stashpost/publisher/deviantart"
	"github.com/stashpost/stashpost/publisher/tokens"
	"github.com/stashpost/stashpost/publisher/users"
)

type fakeUsersDB struct {
	users.DB
	user     *users.User
	update   *users.TokenUpdate
	reauthed bool
}

func (db *fakeUsersDB) Get(ctx context.Context, id uuid.UUID) (*users.User, error) {
	copied := *db.user
	return &copied, nil
}

func (db *fakeUsersDB) UpdateTokens(ctx context.Context, id uuid.UUID, update users.TokenUpdate) error {
	db.update = &update
	db.user.AccessToken = update.AccessToken
	db.user.RefreshToken = update.RefreshToken
	db.user.TokenExpiresAt = update.TokenExpiresAt
	db.user.RefreshTokenExpiresAt = update.RefreshTokenExpiresAt
	db.user.ReauthMailSentAt = nil
	db.user.ExpiryWarningMailSentAt = nil
	return nil
}

func (db *fakeUsersDB) MarkReauthRequired(ctx context.Context, id uuid.UUID) error {
	db.reauthed = true
	return nil
}

type fakeRefresher struct {
	calls    int
	response deviantart.TokenResponse
	err      error
}

func (r *fakeRefresher) RefreshToken(ctx context.Context, refreshToken string) (deviantart.TokenResponse, error) {
	r.calls++
	if r.err != nil {
		return deviantart.TokenResponse{}, r.err
	}
	return r.response, nil
}

func testUser(now time.Time) *users.User {
	return &users.User{
		ID:                    testrand.UUID(),
		Username:              "artist",
		AccessToken:           "access",
		RefreshToken:          "refresh",
		TokenExpiresAt:        now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(30 * 24 * time.Hour),
	}
}

func newService(t *testing.T, db *fakeUsersDB, refresher *fakeRefresher, now time.Time) *tokens.Service {
	service := tokens.NewService(zaptest.NewLogger(t), db, refresher, tokens.Config{
		ExpirySkew:             5 * time.Minute,
		RefreshTokenExpiryDays: 60,
	})
	service.TestSetNow(func() time.Time { return now })
	return service
}

func TestTokenStillValid(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	db := &fakeUsersDB{user: testUser(now)}
	refresher := &fakeRefresher{}

	service := newService(t, db, refresher, now)

	token, err := service.Token(ctx, db.user.ID)
	require.NoError(t, err)
	require.Equal(t, "access", token)
	require.Zero(t, refresher.calls)
}

func TestTokenRefreshWithinSkew(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	user := testUser(now)
	user.TokenExpiresAt = now.Add(2 * time.Minute) // inside the 5 minute skew
	db := &fakeUsersDB{user: user}
	refresher := &fakeRefresher{
		response: deviantart.TokenResponse{
			AccessToken:  "fresh-access",
			RefreshToken: "fresh-refresh",
			ExpiresIn:    3600,
		},
	}

	service := newService(t, db, refresher, now)

	token, err := service.Token(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "fresh-access", token)
	require.Equal(t, 1, refresher.calls)

	require.NotNil(t, db.update)
	require.Equal(t, now.Add(time.Hour), db.update.TokenExpiresAt)
	require.Equal(t, now.Add(60*24*time.Hour), db.update.RefreshTokenExpiresAt)
}

func TestRefreshTokenExpiredNoCall(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	user := testUser(now)
	user.RefreshTokenExpiresAt = now.Add(-time.Hour)
	db := &fakeUsersDB{user: user}
	refresher := &fakeRefresher{}

	service := newService(t, db, refresher, now)

	_, err := service.Token(ctx, user.ID)
	require.True(t, tokens.ErrReauthRequired.Has(err))

	var reauth *tokens.ReauthError
	require.True(t, errors.As(err, &reauth))
	require.Equal(t, user.ID, reauth.UserID)

	// the dead refresh token must not be sent upstream
	require.Zero(t, refresher.calls)
}

func TestRefreshRejectedByUpstream(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	user := testUser(now)
	user.TokenExpiresAt = now.Add(-time.Minute)
	db := &fakeUsersDB{user: user}
	refresher := &fakeRefresher{
		err: deviantart.ErrAuth.New("status 401: unauthorized"),
	}

	service := newService(t, db, refresher, now)

	_, err := service.Token(ctx, user.ID)
	require.True(t, tokens.ErrReauthRequired.Has(err))
	require.True(t, db.reauthed)
}

func TestRefreshRejectedByErrorBody(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	user := testUser(now)
	user.TokenExpiresAt = now.Add(-time.Minute)
	db := &fakeUsersDB{user: user}
	refresher := &fakeRefresher{
		err: deviantart.ErrValidation.New("status 400: refresh token invalid"),
	}

	service := newService(t, db, refresher, now)

	_, err := service.Token(ctx, user.ID)
	require.True(t, tokens.ErrReauthRequired.Has(err))
}

func TestRefreshTransientFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	user := testUser(now)
	user.TokenExpiresAt = now.Add(-time.Minute)
	db := &fakeUsersDB{user: user}
	refresher := &fakeRefresher{
		err: deviantart.ErrServer.New("status 503: maintenance"),
	}

	service := newService(t, db, refresher, now)

	_, err := service.Token(ctx, user.ID)
	require.True(t, tokens.ErrRefreshFailed.Has(err))
	require.False(t, tokens.ErrReauthRequired.Has(err))
	require.False(t, db.reauthed)
}

func TestRefreshStatusBuckets(t *testing.T) {
	now := time.Now()

	user := testUser(now)
	require.Equal(t, users.RefreshTokenValid, user.RefreshStatus(now))

	user.RefreshTokenExpiresAt = now.Add(10 * 24 * time.Hour)
	require.Equal(t, users.RefreshTokenExpiringSoon, user.RefreshStatus(now))

	user.RefreshTokenExpiresAt = now
	require.Equal(t, users.RefreshTokenInvalid, user.RefreshStatus(now))
}
