// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package tokens

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/stashpost/stashpost/publisher/alerts"
	"github.com/stashpost/stashpost/publisher/users"
)

// WatchConfig holds token watch chore configuration.
type WatchConfig struct {
	Interval time.Duration `help:"how often to sweep refresh token lifetimes" default:"12h0m0s"`
}

// WatchChore sweeps all accounts and alerts on refresh tokens that are
// expiring soon or already dead. Alerts are sent once per state, tracked by
// the per-user mail-sent timestamps.
//
// architecture: Chore
type WatchChore struct {
	log    *zap.Logger
	users  users.DB
	alerts alerts.Sink

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewWatchChore creates a token watch chore.
func NewWatchChore(log *zap.Logger, usersDB users.DB, sink alerts.Sink, config WatchConfig) *WatchChore {
	return &WatchChore{
		log:    log,
		users:  usersDB,
		alerts: sink,
		Loop:   sync2.NewCycle(config.Interval),
		nowFn:  time.Now,
	}
}

// TestSetNow allows tests to pin the current time.
func (chore *WatchChore) TestSetNow(nowFn func() time.Time) {
	chore.nowFn = nowFn
}

// Run runs the token watch loop.
func (chore *WatchChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.sweep(ctx); err != nil {
			chore.log.Error("token sweep failed", zap.Error(Error.Wrap(err)))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *WatchChore) Close() error {
	chore.Loop.Close()
	return nil
}

func (chore *WatchChore) sweep(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	all, err := chore.users.All(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	now := chore.nowFn()
	for _, user := range all {
		if !user.HasTokens() {
			continue
		}

		switch user.RefreshStatus(now) {
		case users.RefreshTokenInvalid:
			if user.ReauthMailSentAt != nil {
				continue
			}
			chore.alerts.Emit(ctx, alerts.Alert{
				Severity: alerts.SeverityCritical,
				Title:    "upstream authorization expired",
				Body:     "the refresh token has expired; publishing is stopped until the user reauthorizes",
				Context: map[string]string{
					"user_id":  user.ID.String(),
					"username": user.Username,
				},
			})
			if err := chore.users.SetReauthMailSent(ctx, user.ID, now); err != nil {
				chore.log.Error("failed to record reauth notification",
					zap.Stringer("User ID", user.ID), zap.Error(err))
			}

		case users.RefreshTokenExpiringSoon:
			if user.ExpiryWarningMailSentAt != nil {
				continue
			}
			chore.alerts.Emit(ctx, alerts.Alert{
				Severity: alerts.SeverityWarning,
				Title:    "upstream authorization expiring soon",
				Body:     "the refresh token expires within 14 days",
				Context: map[string]string{
					"user_id":    user.ID.String(),
					"username":   user.Username,
					"expires_at": user.RefreshTokenExpiresAt.UTC().Format(time.RFC3339),
				},
			})
			if err := chore.users.SetExpiryWarningMailSent(ctx, user.ID, now); err != nil {
				chore.log.Error("failed to record expiry warning",
					zap.Stringer("User ID", user.ID), zap.Error(err))
			}
		}
	}

	return nil
}
