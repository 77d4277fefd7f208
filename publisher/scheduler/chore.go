// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package scheduler evaluates automation rules on a timer, locks eligible
// drafts and enqueues their publish jobs.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/stashpost/stashpost/publisher/automations"
	"github.com/stashpost/stashpost/publisher/drafts"
	"github.com/stashpost/stashpost/publisher/jobqueue"
	"github.com/stashpost/stashpost/publisher/users"
)

var (
	mon = monkit.Package()

	// Error is the scheduler error class.
	Error = errs.Class("scheduler")
)

// saleQueueDisplayResolution is forced on drafts scheduled through a sale
// queue preset.
const saleQueueDisplayResolution = 8

// Config holds scheduling chore configuration.
type Config struct {
	Interval        time.Duration `help:"how often to evaluate automations" default:"5m0s"`
	StartupDelay    time.Duration `help:"delay before the first evaluation after start" default:"30s"`
	FixedTimeWindow time.Duration `help:"window after a fixed-time rule's wall-clock time in which it fires" default:"7m0s"`
	CandidateLimit  int           `help:"draft candidates pulled per automation run" default:"1000"`
}

// Chore runs the automation evaluation loop.
//
// architecture: Chore
type Chore struct {
	log         *zap.Logger
	config      Config
	users       users.DB
	drafts      drafts.DB
	automations automations.DB
	queue       jobqueue.Queue

	Loop *sync2.Cycle

	rngMu sync.Mutex
	rng   *rand.Rand

	nowFn func() time.Time
}

// NewChore creates a scheduling chore.
func NewChore(log *zap.Logger, config Config, usersDB users.DB, draftsDB drafts.DB, automationsDB automations.DB, queue jobqueue.Queue) *Chore {
	return &Chore{
		log:         log,
		config:      config,
		users:       usersDB,
		drafts:      draftsDB,
		automations: automationsDB,
		queue:       queue,
		Loop:        sync2.NewCycle(config.Interval),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:       time.Now,
	}
}

// TestSetNow allows tests to pin the current time.
func (chore *Chore) TestSetNow(nowFn func() time.Time) {
	chore.nowFn = nowFn
}

// Run waits out the startup delay, then evaluates automations on the cycle.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !sync2.Sleep(ctx, chore.config.StartupDelay) {
		return nil
	}

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("automation sweep failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}

// RunOnce evaluates every enabled automation. Failures are isolated per
// automation and recorded in its execution log.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	enabled, err := chore.automations.ListEnabled(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	for i := range enabled {
		automation := &enabled[i]
		log := chore.log.With(zap.Stringer("Automation ID", automation.ID))

		if err := chore.processAutomation(ctx, log, automation); err != nil {
			log.Error("automation evaluation failed", zap.Error(err))
			logErr := chore.automations.InsertExecutionLog(ctx, &automations.ExecutionLog{
				AutomationID: automation.ID,
				ExecutedAt:   chore.nowFn(),
				ErrorMessage: err.Error(),
			})
			if logErr != nil {
				log.Error("failed to record automation error", zap.Error(logErr))
			}
		}
	}
	return nil
}

// processAutomation runs one automation under its execution lease.
func (chore *Chore) processAutomation(ctx context.Context, log *zap.Logger, automation *automations.Automation) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := chore.nowFn()

	acquired, err := chore.automations.AcquireLease(ctx, automation.ID, now)
	if err != nil {
		return Error.Wrap(err)
	}
	if !acquired {
		log.Debug("lease held elsewhere, skipping")
		return nil
	}
	defer func() {
		if releaseErr := chore.automations.ReleaseLease(ctx, automation.ID); releaseErr != nil {
			log.Error("failed to release lease", zap.Error(releaseErr))
		}
	}()

	user, err := chore.users.Get(ctx, automation.UserID)
	if err != nil {
		return Error.Wrap(err)
	}
	location := user.Location()

	rules, err := chore.automations.Rules(ctx, automation.ID)
	if err != nil {
		return Error.Wrap(err)
	}

	var fired *automations.Rule
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		ok, err := chore.evaluateRule(ctx, automation, rule, now, location)
		if err != nil {
			return err
		}
		if ok {
			fired = rule
			break
		}
	}
	if fired == nil {
		log.Debug("no rule fired")
		return nil
	}

	count := 1
	if fired.Type == automations.RuleFixedInterval && fired.DeviationsPerInterval > 0 {
		count = fired.DeviationsPerInterval
	}

	scheduled, err := chore.scheduleDrafts(ctx, log, automation, now, count)
	if err != nil {
		return err
	}

	mon.IntVal("automation_scheduled_count").Observe(int64(scheduled))
	log.Info("automation executed",
		zap.String("rule", string(fired.Type)),
		zap.Int("scheduled", scheduled))

	return Error.Wrap(chore.automations.InsertExecutionLog(ctx, &automations.ExecutionLog{
		AutomationID:   automation.ID,
		ExecutedAt:     now,
		ScheduledCount: scheduled,
		TriggeredBy:    fired.Type,
	}))
}

// evaluateRule reports whether the rule fires at now.
func (chore *Chore) evaluateRule(ctx context.Context, automation *automations.Automation, rule *automations.Rule, now time.Time, location *time.Location) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	switch rule.Type {
	case automations.RuleFixedTime:
		local := now.In(location)
		if !rule.AllowsDay(local.Weekday()) {
			return false, nil
		}
		target, err := atTimeOfDay(local, rule.TimeOfDay)
		if err != nil {
			return false, err
		}
		// the window absorbs the tick cadence plus slack
		return !local.Before(target) && local.Before(target.Add(chore.config.FixedTimeWindow)), nil

	case automations.RuleFixedInterval:
		last, err := chore.automations.LastExecution(ctx, rule.AutomationID)
		if err != nil {
			return false, Error.Wrap(err)
		}
		if last == nil {
			return true, nil
		}
		return now.Sub(last.ExecutedAt) >= time.Duration(rule.IntervalMinutes)*time.Minute, nil

	case automations.RuleDailyQuota:
		local := now.In(location)
		dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, location)
		dayEnd := dayStart.AddDate(0, 0, 1)
		sum, err := chore.automations.ScheduledCountBetween(ctx, rule.AutomationID, dayStart, dayEnd)
		if err != nil {
			return false, Error.Wrap(err)
		}
		return sum < rule.DailyQuota, nil

	default:
		return false, Error.New("unknown rule type %q", rule.Type)
	}
}

// scheduleDrafts locks up to count candidate drafts, applies the
// automation's defaults and enqueues their publish jobs.
func (chore *Chore) scheduleDrafts(ctx context.Context, log *zap.Logger, automation *automations.Automation, now time.Time, count int) (scheduled int, err error) {
	defer mon.Task()(&ctx)(&err)

	candidates, err := chore.drafts.ListSchedulable(ctx, automation.UserID, automation.DraftSelectionMethod, chore.config.CandidateLimit)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if automation.DraftSelectionMethod == drafts.SelectRandom {
		chore.shuffle(candidates)
	}

	defaults, err := chore.automations.DefaultValues(ctx, automation.ID)
	if err != nil {
		return 0, Error.Wrap(err)
	}

	for i := range candidates {
		if scheduled >= count {
			break
		}
		candidate := &candidates[i]

		jitter := chore.jitterSeconds(automation)
		fireAt := now.Add(time.Duration(jitter) * time.Second)

		err := chore.drafts.LockForSchedule(ctx, candidate.ID, candidate.ExecutionVersion, drafts.ScheduleUpdate{
			ScheduledAt:     now,
			JitterSeconds:   jitter,
			ActualPublishAt: fireAt,
		})
		if err != nil {
			if drafts.ErrVersionMismatch.Has(err) {
				continue
			}
			return scheduled, Error.Wrap(err)
		}

		if update, applied := buildFieldUpdate(candidate, defaults, automation); applied {
			if err := chore.drafts.UpdateFields(ctx, candidate.ID, update); err != nil {
				log.Error("failed to apply default values",
					zap.Stringer("Draft ID", candidate.ID), zap.Error(err))
			}
		}

		err = chore.queue.Schedule(ctx, jobqueue.JobID(candidate.ID), jobqueue.Payload{
			DraftID:    candidate.ID,
			UserID:     automation.UserID,
			UploadMode: candidate.UploadMode,
		}, fireAt)
		if err != nil {
			log.Error("enqueue failed, rolling draft back",
				zap.Stringer("Draft ID", candidate.ID), zap.Error(err))
			if rollbackErr := chore.drafts.RollbackToDraft(ctx, candidate.ID, fmt.Sprintf("enqueue failed: %v", err)); rollbackErr != nil {
				log.Error("rollback failed",
					zap.Stringer("Draft ID", candidate.ID), zap.Error(rollbackErr))
			}
			continue
		}

		scheduled++
	}
	return scheduled, nil
}

// jitterSeconds picks a uniform random jitter within the automation bounds.
func (chore *Chore) jitterSeconds(automation *automations.Automation) int {
	min, max := automation.JitterMinSeconds, automation.JitterMaxSeconds
	if max <= min {
		return min
	}
	chore.rngMu.Lock()
	defer chore.rngMu.Unlock()
	return min + chore.rng.Intn(max-min+1)
}

func (chore *Chore) shuffle(candidates []drafts.Draft) {
	chore.rngMu.Lock()
	defer chore.rngMu.Unlock()
	chore.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
}

// atTimeOfDay resolves "HH:MM" on local's calendar day.
func atTimeOfDay(local time.Time, timeOfDay string) (time.Time, error) {
	parts := strings.SplitN(timeOfDay, ":", 2)
	if len(parts) != 2 {
		return time.Time{}, Error.New("malformed time of day %q", timeOfDay)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, Error.New("malformed time of day %q", timeOfDay)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, Error.New("malformed time of day %q", timeOfDay)
	}
	return time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location()), nil
}

// buildFieldUpdate merges the automation's default values into an update for
// the draft, honoring applyIfEmpty and the sale queue preset.
func buildFieldUpdate(draft *drafts.Draft, defaults []automations.DefaultValue, automation *automations.Automation) (update drafts.FieldUpdate, applied bool) {
	for i := range defaults {
		value := &defaults[i]
		switch value.FieldName {
		case automations.FieldTitle:
			if !value.ApplyIfEmpty || draft.Title == "" {
				v := value.StringValue
				update.Title, applied = &v, true
			}
		case automations.FieldDescription:
			if !value.ApplyIfEmpty || draft.Description == "" {
				v := value.StringValue
				update.Description, applied = &v, true
			}
		case automations.FieldTags:
			if !value.ApplyIfEmpty || len(draft.Tags) == 0 {
				v := append([]string(nil), value.StringListValue...)
				update.Tags, applied = &v, true
			}
		case automations.FieldGalleryIDs:
			if !value.ApplyIfEmpty || len(draft.GalleryIDs) == 0 {
				v := append([]string(nil), value.StringListValue...)
				update.GalleryIDs, applied = &v, true
			}
		case automations.FieldCategory:
			if !value.ApplyIfEmpty || draft.Category == "" {
				v := value.StringValue
				update.Category, applied = &v, true
			}
		case automations.FieldMature:
			if !value.ApplyIfEmpty || !draft.Mature {
				v := value.BoolValue
				update.Mature, applied = &v, true
			}
		case automations.FieldMatureLevel:
			if !value.ApplyIfEmpty || draft.MatureLevel == "" {
				v := drafts.MaturityLevel(value.StringValue)
				update.MatureLevel, applied = &v, true
			}
		case automations.FieldAllowComments:
			if !value.ApplyIfEmpty || !draft.AllowComments {
				v := value.BoolValue
				update.AllowComments, applied = &v, true
			}
		case automations.FieldAllowFreeDownload:
			if !value.ApplyIfEmpty || !draft.AllowFreeDownload {
				v := value.BoolValue
				update.AllowFreeDownload, applied = &v, true
			}
		case automations.FieldAddWatermark:
			if !value.ApplyIfEmpty || !draft.AddWatermark {
				v := value.BoolValue
				update.AddWatermark, applied = &v, true
			}
		case automations.FieldDisplayResolution:
			if !value.ApplyIfEmpty || draft.DisplayResolution == 0 {
				v := value.IntValue
				update.DisplayResolution, applied = &v, true
			}
		}
	}

	if automation.AutoAddToSaleQueue && automation.SaleQueuePresetName != "" {
		if draft.DisplayResolution == 0 && update.DisplayResolution == nil {
			v := saleQueueDisplayResolution
			update.DisplayResolution, applied = &v, true
		}
		watermark := true
		freeDownload := false
		update.AddWatermark, applied = &watermark, true
		update.AllowFreeDownload = &freeDownload
	}

	return update, applied
}
