// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package recovery sweeps drafts stuck mid-publish, usually after a crashed
// or restarted worker, and puts them back on the queue or fails them.
package recovery

import (
	"context"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/stashpost/stashpost/publisher/alerts"
	"github.com/stashpost/stashpost/publisher/drafts"
	"github.com/stashpost/stashpost/publisher/jobqueue"
)

var (
	mon = monkit.Package()

	// Error is the recovery error class.
	Error = errs.Class("recovery")
)

// Config holds stuck-draft recovery configuration.
type Config struct {
	Interval       time.Duration `help:"how often to sweep for stuck drafts" default:"5m0s"`
	StuckAfter     time.Duration `help:"how long a draft may sit in publishing before it counts as stuck" default:"15m0s"`
	MaxAttempts    int           `help:"publish attempts before a stuck draft is failed instead of requeued" default:"7"`
	AlertThreshold int           `help:"recovered drafts per sweep that trigger an operator alert" default:"5"`
}

// Chore finds drafts stuck in publishing and reconciles them against the
// queue.
//
// architecture: Chore
type Chore struct {
	log    *zap.Logger
	config Config
	drafts drafts.DB
	queue  jobqueue.Queue
	alerts alerts.Sink

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewChore creates a recovery chore.
func NewChore(log *zap.Logger, config Config, draftsDB drafts.DB, queue jobqueue.Queue, sink alerts.Sink) *Chore {
	return &Chore{
		log:    log,
		config: config,
		drafts: draftsDB,
		queue:  queue,
		alerts: sink,
		Loop:   sync2.NewCycle(config.Interval),
		nowFn:  time.Now,
	}
}

// TestSetNow allows tests to pin the current time.
func (chore *Chore) TestSetNow(nowFn func() time.Time) {
	chore.nowFn = nowFn
}

// Run runs the recovery loop.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("recovery sweep failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// RunOnce reconciles all stuck drafts once.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := chore.nowFn()
	stuck, err := chore.drafts.ListStuckPublishing(ctx, now.Add(-chore.config.StuckAfter))
	if err != nil {
		return Error.Wrap(err)
	}

	recovered := 0
	for i := range stuck {
		draft := &stuck[i]
		log := chore.log.With(zap.Stringer("Draft ID", draft.ID))

		state, err := chore.queue.State(ctx, jobqueue.JobID(draft.ID))
		if err != nil {
			log.Error("queue state lookup failed", zap.Error(err))
			continue
		}

		switch state {
		case jobqueue.StateActive, jobqueue.StateWaiting, jobqueue.StateDelayed:
			// the queue still owns the draft, leave it alone
			continue
		}

		if err := chore.recover(ctx, log, draft, now); err != nil {
			log.Error("recovery failed", zap.Error(err))
			continue
		}
		recovered++
	}

	mon.IntVal("recovered_drafts").Observe(int64(recovered))
	if recovered >= chore.config.AlertThreshold {
		chore.alerts.Emit(ctx, alerts.Alert{
			Severity: alerts.SeverityWarning,
			Title:    "high stuck-draft recovery rate",
			Body:     "an unusual number of drafts had to be recovered from publishing; workers may be crashing",
			Context: map[string]string{
				"recovered": strconv.Itoa(recovered),
			},
		})
	}
	return nil
}

// recover puts one orphaned draft back on the queue, or fails it when its
// attempts are exhausted.
func (chore *Chore) recover(ctx context.Context, log *zap.Logger, draft *drafts.Draft, now time.Time) error {
	if draft.FailedAttempts >= chore.config.MaxAttempts {
		log.Warn("stuck draft out of attempts, failing",
			zap.Int("attempts", draft.FailedAttempts))
		return Error.Wrap(chore.drafts.MarkFailed(ctx, draft.ID, "publish interrupted and retry attempts exhausted"))
	}

	if err := chore.drafts.MarkScheduledAgain(ctx, draft.ID); err != nil {
		return Error.Wrap(err)
	}
	err := chore.queue.Schedule(ctx, jobqueue.JobID(draft.ID), jobqueue.Payload{
		DraftID:    draft.ID,
		UserID:     draft.UserID,
		UploadMode: draft.UploadMode,
	}, now)
	if err != nil {
		return Error.Wrap(err)
	}

	log.Info("stuck draft requeued")
	return nil
}
