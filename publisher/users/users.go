// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package users holds publisher account state: the upstream identity and the
// OAuth token pair used for publishing on the user's behalf.
package users

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

// Error is the users error class.
var Error = errs.Class("users")

// RefreshTokenStatus classifies how much life is left in a refresh token.
type RefreshTokenStatus string

const (
	// RefreshTokenValid means more than 14 days remain.
	RefreshTokenValid RefreshTokenStatus = "valid"
	// RefreshTokenExpiringSoon means between 0 and 14 days remain.
	RefreshTokenExpiringSoon RefreshTokenStatus = "expiring_soon"
	// RefreshTokenInvalid means the refresh token has expired.
	RefreshTokenInvalid RefreshTokenStatus = "invalid"
)

// expiringSoonWindow is the remaining lifetime below which a refresh token is
// reported as expiring soon.
const expiringSoonWindow = 14 * 24 * time.Hour

// DB exposes methods to manage publisher accounts.
//
// architecture: Database
type DB interface {
	// Get is a method for querying a user from the database by id.
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	// Insert is a method for inserting a user into the database.
	Insert(ctx context.Context, user *User) (*User, error)
	// UpdateTokens atomically replaces both OAuth tokens and their expiries
	// and clears the reauth notification flags.
	UpdateTokens(ctx context.Context, id uuid.UUID, update TokenUpdate) error
	// MarkReauthRequired clears the token pair so the account has to go
	// through the authorization flow again.
	MarkReauthRequired(ctx context.Context, id uuid.UUID) error
	// SetReauthMailSent records when the reauth notification went out.
	SetReauthMailSent(ctx context.Context, id uuid.UUID, at time.Time) error
	// SetExpiryWarningMailSent records when the expiry warning went out.
	SetExpiryWarningMailSent(ctx context.Context, id uuid.UUID, at time.Time) error
	// All lists every user. Intended for the token watch chore.
	All(ctx context.Context) ([]User, error)
}

// User is a publisher account bound to one upstream identity.
type User struct {
	ID       uuid.UUID
	Username string
	Timezone string // IANA name, e.g. "Europe/Berlin"

	AccessToken           string
	RefreshToken          string
	TokenExpiresAt        time.Time
	RefreshTokenExpiresAt time.Time

	ReauthMailSentAt        *time.Time
	ExpiryWarningMailSentAt *time.Time

	CreatedAt time.Time
}

// TokenUpdate carries the fields replaced by a successful token refresh.
type TokenUpdate struct {
	AccessToken           string
	RefreshToken          string
	TokenExpiresAt        time.Time
	RefreshTokenExpiresAt time.Time
}

// HasTokens reports whether the account currently holds a token pair.
// An account without tokens is in the requires-reauth state.
func (user *User) HasTokens() bool {
	return user.AccessToken != "" && user.RefreshToken != ""
}

// RefreshStatus classifies the refresh token lifetime at the given instant.
func (user *User) RefreshStatus(now time.Time) RefreshTokenStatus {
	remaining := user.RefreshTokenExpiresAt.Sub(now)
	switch {
	case remaining <= 0:
		return RefreshTokenInvalid
	case remaining <= expiringSoonWindow:
		return RefreshTokenExpiringSoon
	default:
		return RefreshTokenValid
	}
}

// Location resolves the user's IANA timezone, falling back to UTC when the
// name is empty or unknown.
func (user *User) Location() *time.Location {
	if user.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(user.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
