// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"

	"github.com/stashpost/stashpost/publisher/automations"
	"github.com/stashpost/stashpost/publisher/drafts"
	"github.com/stashpost/stashpost/publisher/jobqueue"
	"github.com/stashpost/stashpost/publisher/jobqueue/testqueue"
	"github.com/stashpost/stashpost/publisher/scheduler"
	"github.com/stashpost/stashpost/publisher/users"
)

type fakeUsersDB struct {
	users.DB
	user *users.User
}

func (db *fakeUsersDB) Get(ctx context.Context, id uuid.UUID) (*users.User, error) {
	copied := *db.user
	return &copied, nil
}

type fakeDraftsDB struct {
	drafts.DB
	mu          sync.Mutex
	drafts      []drafts.Draft
	updates     map[uuid.UUID]drafts.FieldUpdate
	rolledBack  []uuid.UUID
	lockedOrder []uuid.UUID

	// staleVersions makes the candidate listing report an outdated
	// execution version, as if another instance raced this one.
	staleVersions map[uuid.UUID]int64
}

func newFakeDraftsDB(candidates ...drafts.Draft) *fakeDraftsDB {
	return &fakeDraftsDB{
		drafts:        candidates,
		updates:       make(map[uuid.UUID]drafts.FieldUpdate),
		staleVersions: make(map[uuid.UUID]int64),
	}
}

func (db *fakeDraftsDB) ListSchedulable(ctx context.Context, userID uuid.UUID, method drafts.SelectionMethod, limit int) ([]drafts.Draft, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []drafts.Draft
	for _, draft := range db.drafts {
		if draft.UserID == userID && draft.Status == drafts.StatusDraft {
			if version, ok := db.staleVersions[draft.ID]; ok {
				draft.ExecutionVersion = version
			}
			out = append(out, draft)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (db *fakeDraftsDB) LockForSchedule(ctx context.Context, id uuid.UUID, version int64, update drafts.ScheduleUpdate) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range db.drafts {
		draft := &db.drafts[i]
		if draft.ID != id {
			continue
		}
		if draft.ExecutionVersion != version {
			return drafts.ErrVersionMismatch.New("%s", id)
		}
		draft.Status = drafts.StatusScheduled
		draft.ExecutionVersion++
		draft.ScheduledAt = &update.ScheduledAt
		draft.JitterSeconds = update.JitterSeconds
		draft.ActualPublishAt = &update.ActualPublishAt
		db.lockedOrder = append(db.lockedOrder, id)
		return nil
	}
	return drafts.ErrNotFound.New("%s", id)
}

func (db *fakeDraftsDB) UpdateFields(ctx context.Context, id uuid.UUID, fields drafts.FieldUpdate) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.updates[id] = fields
	return nil
}

func (db *fakeDraftsDB) RollbackToDraft(ctx context.Context, id uuid.UUID, errorMessage string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for i := range db.drafts {
		if db.drafts[i].ID == id {
			db.drafts[i].Status = drafts.StatusDraft
		}
	}
	db.rolledBack = append(db.rolledBack, id)
	return nil
}

func (db *fakeDraftsDB) byID(id uuid.UUID) *drafts.Draft {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := range db.drafts {
		if db.drafts[i].ID == id {
			copied := db.drafts[i]
			return &copied
		}
	}
	return nil
}

type fakeAutomationsDB struct {
	automations.DB
	mu             sync.Mutex
	automation     automations.Automation
	rules          []automations.Rule
	defaults       []automations.DefaultValue
	leaseHeld      bool
	leaseAcquired  int
	leaseReleased  int
	logs           []automations.ExecutionLog
	lastExecution  *automations.ExecutionLog
	scheduledToday int
}

func (db *fakeAutomationsDB) ListEnabled(ctx context.Context) ([]automations.Automation, error) {
	return []automations.Automation{db.automation}, nil
}

func (db *fakeAutomationsDB) AcquireLease(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.leaseHeld {
		return false, nil
	}
	db.leaseHeld = true
	db.leaseAcquired++
	return true, nil
}

func (db *fakeAutomationsDB) ReleaseLease(ctx context.Context, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.leaseHeld = false
	db.leaseReleased++
	return nil
}

func (db *fakeAutomationsDB) Rules(ctx context.Context, automationID uuid.UUID) ([]automations.Rule, error) {
	return append([]automations.Rule(nil), db.rules...), nil
}

func (db *fakeAutomationsDB) DefaultValues(ctx context.Context, automationID uuid.UUID) ([]automations.DefaultValue, error) {
	return append([]automations.DefaultValue(nil), db.defaults...), nil
}

func (db *fakeAutomationsDB) InsertExecutionLog(ctx context.Context, log *automations.ExecutionLog) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.logs = append(db.logs, *log)
	return nil
}

func (db *fakeAutomationsDB) LastExecution(ctx context.Context, automationID uuid.UUID) (*automations.ExecutionLog, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.lastExecution == nil {
		return nil, nil
	}
	copied := *db.lastExecution
	return &copied, nil
}

func (db *fakeAutomationsDB) ScheduledCountBetween(ctx context.Context, automationID uuid.UUID, from, to time.Time) (int, error) {
	return db.scheduledToday, nil
}

type harness struct {
	chore       *scheduler.Chore
	queue       *testqueue.Queue
	draftsDB    *fakeDraftsDB
	automations *fakeAutomationsDB
	now         time.Time
}

func newHarness(t *testing.T, now time.Time, user *users.User, automationsDB *fakeAutomationsDB, draftsDB *fakeDraftsDB) *harness {
	h := &harness{
		queue:       testqueue.New(jobqueue.Config{MaxAttempts: 7, BackoffBase: 30 * time.Second, BackoffCap: 10 * time.Minute}),
		draftsDB:    draftsDB,
		automations: automationsDB,
		now:         now,
	}
	h.queue.TestSetNow(func() time.Time { return h.now })
	h.chore = scheduler.NewChore(zaptest.NewLogger(t), scheduler.Config{
		Interval:        5 * time.Minute,
		StartupDelay:    30 * time.Second,
		FixedTimeWindow: 7 * time.Minute,
		CandidateLimit:  1000,
	}, &fakeUsersDB{user: user}, draftsDB, automationsDB, h.queue)
	h.chore.TestSetNow(func() time.Time { return h.now })
	return h
}

func utcUser() *users.User {
	return &users.User{ID: testrand.UUID(), Username: "artist", Timezone: "UTC"}
}

func candidate(userID uuid.UUID) drafts.Draft {
	return drafts.Draft{
		ID:               testrand.UUID(),
		UserID:           userID,
		Status:           drafts.StatusDraft,
		UploadMode:       drafts.UploadSingle,
		ExecutionVersion: 5,
	}
}

func fixedTimeAutomation(userID uuid.UUID, timeOfDay string) *fakeAutomationsDB {
	automationID := testrand.UUID()
	return &fakeAutomationsDB{
		automation: automations.Automation{
			ID:                   automationID,
			UserID:               userID,
			Enabled:              true,
			DraftSelectionMethod: drafts.SelectFIFO,
			JitterMinSeconds:     60,
			JitterMaxSeconds:     60,
		},
		rules: []automations.Rule{{
			ID:           testrand.UUID(),
			AutomationID: automationID,
			Type:         automations.RuleFixedTime,
			Enabled:      true,
			TimeOfDay:    timeOfDay,
		}},
	}
}

func TestFixedTimeRuleFires(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	automationsDB := fixedTimeAutomation(user.ID, "10:00")
	draft := candidate(user.ID)
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(draft))

	require.NoError(t, h.chore.RunOnce(ctx))

	// exactly one draft locked and one job enqueued at now+jitter
	locked := h.draftsDB.byID(draft.ID)
	require.Equal(t, drafts.StatusScheduled, locked.Status)
	require.EqualValues(t, 6, locked.ExecutionVersion)
	require.Equal(t, 60, locked.JitterSeconds)
	require.True(t, locked.ActualPublishAt.Equal(now.Add(time.Minute)))

	job := h.queue.Job(jobqueue.JobID(draft.ID))
	require.NotNil(t, job)
	require.True(t, job.FireAt.Equal(now.Add(time.Minute)))

	require.Len(t, automationsDB.logs, 1)
	require.Equal(t, 1, automationsDB.logs[0].ScheduledCount)
	require.Equal(t, automations.RuleFixedTime, automationsDB.logs[0].TriggeredBy)
	require.Equal(t, 1, automationsDB.leaseReleased)
}

func TestFixedTimeWindowClosed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 8, 0, 0, time.UTC) // past the 7 minute window
	automationsDB := fixedTimeAutomation(user.ID, "10:00")
	draft := candidate(user.ID)
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(draft))

	require.NoError(t, h.chore.RunOnce(ctx))

	require.Equal(t, drafts.StatusDraft, h.draftsDB.byID(draft.ID).Status)
	require.Nil(t, h.queue.Job(jobqueue.JobID(draft.ID)))
	require.Empty(t, automationsDB.logs)
	require.Equal(t, 1, automationsDB.leaseReleased)
}

func TestFixedTimeDayFilter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	// 2025-01-01 is a Wednesday
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	automationsDB := fixedTimeAutomation(user.ID, "10:00")
	automationsDB.rules[0].DaysOfWeek = []time.Weekday{time.Monday}
	draft := candidate(user.ID)
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(draft))

	require.NoError(t, h.chore.RunOnce(ctx))
	require.Nil(t, h.queue.Job(jobqueue.JobID(draft.ID)))
}

func TestFixedTimeUserTimezone(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	user.Timezone = "America/New_York"
	// 15:05 UTC is 10:05 in New York during winter
	now := time.Date(2025, 1, 1, 15, 5, 0, 0, time.UTC)
	automationsDB := fixedTimeAutomation(user.ID, "10:00")
	draft := candidate(user.ID)
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(draft))

	require.NoError(t, h.chore.RunOnce(ctx))
	require.NotNil(t, h.queue.Job(jobqueue.JobID(draft.ID)))
}

func TestOptimisticLockCollision(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	automationsDB := fixedTimeAutomation(user.ID, "10:00")

	contested := candidate(user.ID)
	fallback := candidate(user.ID)
	db := newFakeDraftsDB(contested, fallback)
	// another instance bumped the contested draft after our candidate
	// listing snapshotted version 5
	db.drafts[0].ExecutionVersion = 6
	db.staleVersions[contested.ID] = 5

	h := newHarness(t, now, user, automationsDB, db)
	require.NoError(t, h.chore.RunOnce(ctx))

	// the contested draft is skipped, the fallback is scheduled
	require.Nil(t, h.queue.Job(jobqueue.JobID(contested.ID)))
	require.NotNil(t, h.queue.Job(jobqueue.JobID(fallback.ID)))
	require.Equal(t, []uuid.UUID{fallback.ID}, h.draftsDB.lockedOrder)
}

func TestFixedIntervalSchedulesBatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)

	automationID := testrand.UUID()
	automationsDB := &fakeAutomationsDB{
		automation: automations.Automation{
			ID:                   automationID,
			UserID:               user.ID,
			Enabled:              true,
			DraftSelectionMethod: drafts.SelectFIFO,
		},
		rules: []automations.Rule{{
			ID:                    testrand.UUID(),
			AutomationID:          automationID,
			Type:                  automations.RuleFixedInterval,
			Enabled:               true,
			IntervalMinutes:       60,
			DeviationsPerInterval: 2,
		}},
		lastExecution: &automations.ExecutionLog{ExecutedAt: now.Add(-2 * time.Hour)},
	}

	first, second, third := candidate(user.ID), candidate(user.ID), candidate(user.ID)
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(first, second, third))

	require.NoError(t, h.chore.RunOnce(ctx))

	require.NotNil(t, h.queue.Job(jobqueue.JobID(first.ID)))
	require.NotNil(t, h.queue.Job(jobqueue.JobID(second.ID)))
	require.Nil(t, h.queue.Job(jobqueue.JobID(third.ID)))
	require.Equal(t, 2, automationsDB.logs[0].ScheduledCount)
}

func TestFixedIntervalTooSoon(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)

	automationID := testrand.UUID()
	automationsDB := &fakeAutomationsDB{
		automation: automations.Automation{
			ID:      automationID,
			UserID:  user.ID,
			Enabled: true,
		},
		rules: []automations.Rule{{
			ID:              testrand.UUID(),
			AutomationID:    automationID,
			Type:            automations.RuleFixedInterval,
			Enabled:         true,
			IntervalMinutes: 60,
		}},
		lastExecution: &automations.ExecutionLog{ExecutedAt: now.Add(-10 * time.Minute)},
	}

	draft := candidate(user.ID)
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(draft))

	require.NoError(t, h.chore.RunOnce(ctx))
	require.Nil(t, h.queue.Job(jobqueue.JobID(draft.ID)))
}

func TestDailyQuota(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)

	automationID := testrand.UUID()
	newDB := func(scheduledToday int) *fakeAutomationsDB {
		return &fakeAutomationsDB{
			automation: automations.Automation{
				ID:      automationID,
				UserID:  user.ID,
				Enabled: true,
			},
			rules: []automations.Rule{{
				ID:           testrand.UUID(),
				AutomationID: automationID,
				Type:         automations.RuleDailyQuota,
				Enabled:      true,
				DailyQuota:   3,
			}},
			scheduledToday: scheduledToday,
		}
	}

	// quota exhausted: nothing fires
	draft := candidate(user.ID)
	h := newHarness(t, now, user, newDB(3), newFakeDraftsDB(draft))
	require.NoError(t, h.chore.RunOnce(ctx))
	require.Nil(t, h.queue.Job(jobqueue.JobID(draft.ID)))

	// quota remaining: one draft scheduled
	draft = candidate(user.ID)
	h = newHarness(t, now, user, newDB(2), newFakeDraftsDB(draft))
	require.NoError(t, h.chore.RunOnce(ctx))
	require.NotNil(t, h.queue.Job(jobqueue.JobID(draft.ID)))
}

func TestDefaultValuesApplied(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	automationsDB := fixedTimeAutomation(user.ID, "10:00")
	automationsDB.defaults = []automations.DefaultValue{
		{FieldName: automations.FieldTitle, StringValue: "default title", ApplyIfEmpty: true},
		{FieldName: automations.FieldTags, StringListValue: []string{"auto"}, ApplyIfEmpty: false},
	}

	draft := candidate(user.ID)
	draft.Title = "my own title"
	draft.Tags = []string{"manual"}
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(draft))

	require.NoError(t, h.chore.RunOnce(ctx))

	update := h.draftsDB.updates[draft.ID]
	// title is non-empty and applyIfEmpty, so it is left alone
	require.Nil(t, update.Title)
	// tags are overwritten unconditionally
	require.NotNil(t, update.Tags)
	require.Equal(t, []string{"auto"}, *update.Tags)
}

func TestSaleQueuePreset(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	automationsDB := fixedTimeAutomation(user.ID, "10:00")
	automationsDB.automation.AutoAddToSaleQueue = true
	automationsDB.automation.SaleQueuePresetName = "prints"

	draft := candidate(user.ID)
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(draft))

	require.NoError(t, h.chore.RunOnce(ctx))

	update := h.draftsDB.updates[draft.ID]
	require.NotNil(t, update.DisplayResolution)
	require.Equal(t, 8, *update.DisplayResolution)
	require.NotNil(t, update.AddWatermark)
	require.True(t, *update.AddWatermark)
	require.NotNil(t, update.AllowFreeDownload)
	require.False(t, *update.AllowFreeDownload)
}

func TestEnqueueFailureRollsBack(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	automationsDB := fixedTimeAutomation(user.ID, "10:00")
	draft := candidate(user.ID)
	draftsDB := newFakeDraftsDB(draft)

	h := newHarness(t, now, user, automationsDB, draftsDB)
	chore := scheduler.NewChore(zaptest.NewLogger(t), scheduler.Config{
		Interval:        5 * time.Minute,
		FixedTimeWindow: 7 * time.Minute,
		CandidateLimit:  1000,
	}, &fakeUsersDB{user: user}, draftsDB, automationsDB, &failingQueue{h.queue})
	chore.TestSetNow(func() time.Time { return now })

	require.NoError(t, chore.RunOnce(ctx))

	require.Equal(t, []uuid.UUID{draft.ID}, draftsDB.rolledBack)
	require.Equal(t, drafts.StatusDraft, draftsDB.byID(draft.ID).Status)
	require.Equal(t, 0, automationsDB.logs[0].ScheduledCount)
}

func TestLeaseHeldSkips(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	user := utcUser()
	now := time.Date(2025, 1, 1, 10, 5, 0, 0, time.UTC)
	automationsDB := fixedTimeAutomation(user.ID, "10:00")
	automationsDB.leaseHeld = true
	draft := candidate(user.ID)
	h := newHarness(t, now, user, automationsDB, newFakeDraftsDB(draft))

	require.NoError(t, h.chore.RunOnce(ctx))

	require.Nil(t, h.queue.Job(jobqueue.JobID(draft.ID)))
	require.Zero(t, automationsDB.leaseReleased)
}

type failingQueue struct {
	jobqueue.Queue
}

func (queue *failingQueue) Schedule(ctx context.Context, jobID string, payload jobqueue.Payload, fireAt time.Time) error {
	return jobqueue.Error.New("queue unavailable")
}
