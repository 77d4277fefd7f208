// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package tokens keeps upstream access tokens usable: it refreshes them
// before publish calls and classifies refresh token lifetimes.
package tokens

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/stashpost/stashpost/publisher/deviantart"
	"github.com/stashpost/stashpost/publisher/users"
)

var (
	mon = monkit.Package()

	// Error is the tokens error class.
	Error = errs.Class("tokens")

	// ErrReauthRequired means the user has to go through the authorization
	// flow again; it is never retried.
	ErrReauthRequired = errs.Class("reauth required")

	// ErrRefreshFailed is a transient refresh failure; the attempt may be
	// retried.
	ErrRefreshFailed = errs.Class("token refresh failed")
)

// ReauthError carries the affected user through an ErrReauthRequired chain.
type ReauthError struct {
	UserID uuid.UUID
}

// Error implements the error interface.
func (reauth *ReauthError) Error() string {
	return fmt.Sprintf("user %s must reauthorize", reauth.UserID)
}

// Config holds token manager configuration.
type Config struct {
	ExpirySkew             time.Duration `help:"refresh the access token when it expires within this window" default:"5m0s"`
	RefreshTokenExpiryDays int           `help:"lifetime granted to a refresh token on successful refresh" default:"60"`
}

// Refresher is the part of the upstream client the token manager needs.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (deviantart.TokenResponse, error)
}

// Service hands out valid access tokens, refreshing them as needed.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	users  users.DB
	client Refresher
	config Config

	nowFn func() time.Time
}

// NewService creates a token manager.
func NewService(log *zap.Logger, usersDB users.DB, client Refresher, config Config) *Service {
	return &Service{
		log:    log,
		users:  usersDB,
		client: client,
		config: config,
		nowFn:  time.Now,
	}
}

// TestSetNow allows tests to pin the current time.
func (service *Service) TestSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}

// Token returns an access token that is valid for at least the configured
// skew window, refreshing the pair when necessary.
func (service *Service) Token(ctx context.Context, userID uuid.UUID) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := service.users.Get(ctx, userID)
	if err != nil {
		return "", Error.Wrap(err)
	}

	now := service.nowFn()

	if !user.HasTokens() {
		return "", ErrReauthRequired.Wrap(&ReauthError{UserID: user.ID})
	}
	if user.RefreshStatus(now) == users.RefreshTokenInvalid {
		// no point calling upstream with a dead refresh token
		return "", ErrReauthRequired.Wrap(&ReauthError{UserID: user.ID})
	}
	if user.TokenExpiresAt.After(now.Add(service.config.ExpirySkew)) {
		return user.AccessToken, nil
	}

	return service.refresh(ctx, user)
}

// Status classifies the user's refresh token lifetime at the current time.
func (service *Service) Status(ctx context.Context, userID uuid.UUID) (_ users.RefreshTokenStatus, err error) {
	defer mon.Task()(&ctx)(&err)

	user, err := service.users.Get(ctx, userID)
	if err != nil {
		return "", Error.Wrap(err)
	}
	if !user.HasTokens() {
		return users.RefreshTokenInvalid, nil
	}
	return user.RefreshStatus(service.nowFn()), nil
}

func (service *Service) refresh(ctx context.Context, user *users.User) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	response, err := service.client.RefreshToken(ctx, user.RefreshToken)
	if err != nil {
		if refreshRejected(err) {
			mon.Event("token_refresh_rejected")
			service.log.Warn("refresh token rejected by upstream",
				zap.Stringer("User ID", user.ID), zap.Error(err))

			if markErr := service.users.MarkReauthRequired(ctx, user.ID); markErr != nil {
				service.log.Error("failed to flag user for reauth",
					zap.Stringer("User ID", user.ID), zap.Error(markErr))
			}
			return "", ErrReauthRequired.Wrap(&ReauthError{UserID: user.ID})
		}
		mon.Event("token_refresh_failed")
		return "", ErrRefreshFailed.Wrap(err)
	}

	now := service.nowFn()
	update := users.TokenUpdate{
		AccessToken:           response.AccessToken,
		RefreshToken:          response.RefreshToken,
		TokenExpiresAt:        now.Add(time.Duration(response.ExpiresIn) * time.Second),
		RefreshTokenExpiresAt: now.Add(time.Duration(service.config.RefreshTokenExpiryDays) * 24 * time.Hour),
	}
	if err := service.users.UpdateTokens(ctx, user.ID, update); err != nil {
		return "", Error.Wrap(err)
	}

	mon.Event("token_refreshed")
	service.log.Debug("access token refreshed", zap.Stringer("User ID", user.ID))
	return response.AccessToken, nil
}

// refreshRejected reports whether the refresh failure is permanent: upstream
// answered 401, or named the token invalid or expired.
func refreshRejected(err error) bool {
	if deviantart.ErrAuth.Has(err) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "invalid") || strings.Contains(message, "expired")
}
