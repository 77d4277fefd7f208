// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package automations holds user-configured rule sets that schedule drafts
// without manual action, plus their execution history.
package automations

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"

	"github.com/stashpost/stashpost/publisher/drafts"
)

var (
	// Error is the automations error class.
	Error = errs.Class("automations")

	// ErrNotFound is returned when an automation does not exist.
	ErrNotFound = errs.Class("automation not found")
)

// LeaseDuration is how long an acquired execution lease stays valid before
// another scheduler instance may take it over.
const LeaseDuration = 5 * time.Minute

// Automation is a per-user rule set that auto-schedules drafts.
type Automation struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Enabled              bool
	DraftSelectionMethod drafts.SelectionMethod

	// JitterMinSeconds and JitterMaxSeconds bound the random delay added
	// to each scheduled publish to avoid upstream bursts.
	JitterMinSeconds int
	JitterMaxSeconds int

	StashOnlyByDefault  bool
	AutoAddToSaleQueue  bool
	SaleQueuePresetName string

	// IsExecuting together with LastExecutionLock implements a leased
	// mutex across scheduler instances.
	IsExecuting       bool
	LastExecutionLock *time.Time

	CreatedAt time.Time
}

// RuleType tags the schedule rule variant.
type RuleType string

const (
	// RuleFixedTime fires at a wall-clock time of day.
	RuleFixedTime RuleType = "fixed_time"
	// RuleFixedInterval fires when enough time passed since the last run.
	RuleFixedInterval RuleType = "fixed_interval"
	// RuleDailyQuota fires until a per-local-day target count is reached.
	RuleDailyQuota RuleType = "daily_quota"
)

// Rule is a tagged schedule rule variant. Only the fields of the tagged
// variant are meaningful.
type Rule struct {
	ID           uuid.UUID
	AutomationID uuid.UUID

	Type     RuleType
	Enabled  bool
	Priority int

	// DaysOfWeek filters firing days; empty means every day.
	// Days follow time.Weekday numbering (Sunday = 0).
	DaysOfWeek []time.Weekday

	// fixed_time
	TimeOfDay string // "HH:MM"

	// fixed_interval
	IntervalMinutes       int
	DeviationsPerInterval int

	// daily_quota
	DailyQuota int
}

// AllowsDay reports whether the rule may fire on the given weekday.
func (rule *Rule) AllowsDay(day time.Weekday) bool {
	if len(rule.DaysOfWeek) == 0 {
		return true
	}
	for _, allowed := range rule.DaysOfWeek {
		if allowed == day {
			return true
		}
	}
	return false
}

// DefaultField names a draft field an automation may fill in.
type DefaultField string

// The fixed set of fields default values can target.
const (
	FieldTitle             DefaultField = "title"
	FieldDescription       DefaultField = "description"
	FieldTags              DefaultField = "tags"
	FieldGalleryIDs        DefaultField = "galleryIds"
	FieldCategory          DefaultField = "category"
	FieldMature            DefaultField = "mature"
	FieldMatureLevel       DefaultField = "matureLevel"
	FieldAllowComments     DefaultField = "allowComments"
	FieldAllowFreeDownload DefaultField = "allowFreeDownload"
	FieldAddWatermark      DefaultField = "addWatermark"
	FieldDisplayResolution DefaultField = "displayResolution"
)

// DefaultValue is a field override applied to drafts when scheduling.
// The value schema depends on the field: string, string list, boolean,
// maturity enum, or integer 0-8.
type DefaultValue struct {
	ID           uuid.UUID
	AutomationID uuid.UUID

	FieldName DefaultField

	StringValue     string
	StringListValue []string
	BoolValue       bool
	IntValue        int

	// ApplyIfEmpty restricts the override to drafts where the field is
	// currently empty (nil, "", empty list, false or 0).
	ApplyIfEmpty bool
}

// ExecutionLog is an append-only record of one automation evaluation.
type ExecutionLog struct {
	ID           uuid.UUID
	AutomationID uuid.UUID

	ExecutedAt     time.Time
	ScheduledCount int
	ErrorMessage   string
	TriggeredBy    RuleType
}

// DB exposes methods to manage automations, rules, default values and
// execution logs.
//
// architecture: Database
type DB interface {
	// Get loads an automation by id.
	Get(ctx context.Context, id uuid.UUID) (*Automation, error)
	// Insert stores a new automation.
	Insert(ctx context.Context, automation *Automation) (*Automation, error)
	// ListEnabled returns all enabled automations.
	ListEnabled(ctx context.Context) ([]Automation, error)

	// AcquireLease atomically claims the execution lease. It succeeds only
	// when the automation is not executing, or its lock is older than
	// LeaseDuration (stale takeover). Returns false when another instance
	// holds the lease.
	AcquireLease(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// ReleaseLease clears the execution lease.
	ReleaseLease(ctx context.Context, id uuid.UUID) error

	// Rules lists the automation's rules ordered by priority, ties broken
	// by rule id.
	Rules(ctx context.Context, automationID uuid.UUID) ([]Rule, error)
	// InsertRule stores a schedule rule.
	InsertRule(ctx context.Context, rule *Rule) (*Rule, error)

	// DefaultValues lists the automation's field overrides.
	DefaultValues(ctx context.Context, automationID uuid.UUID) ([]DefaultValue, error)
	// InsertDefaultValue stores a field override.
	InsertDefaultValue(ctx context.Context, value *DefaultValue) (*DefaultValue, error)

	// InsertExecutionLog appends an execution record.
	InsertExecutionLog(ctx context.Context, log *ExecutionLog) error
	// LastExecution returns the most recent execution record, or nil when
	// the automation never ran.
	LastExecution(ctx context.Context, automationID uuid.UUID) (*ExecutionLog, error)
	// ScheduledCountBetween sums scheduled counts over [from, to). Used by
	// the daily quota rule over the user's local day.
	ScheduledCountBetween(ctx context.Context, automationID uuid.UUID, from, to time.Time) (int, error)
	// DeleteExecutionLogsBefore prunes old execution records. Records
	// newer than 30 days are always kept so daily quotas stay accurate.
	DeleteExecutionLogsBefore(ctx context.Context, before time.Time) (int64, error)
}
