// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package publisherdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"

	"github.com/stashpost/stashpost/publisher/automations"
	"github.com/stashpost/stashpost/publisher/drafts"
)

// executionLogRetention is how far back execution records are always kept.
// Daily quota counting needs recent history to stay correct.
const executionLogRetention = 30 * 24 * time.Hour

// automationsDB implements automations.DB.
type automationsDB struct {
	db *DB
}

const automationColumns = `id, user_id, enabled, draft_selection_method,
	jitter_min_seconds, jitter_max_seconds,
	stash_only_by_default, auto_add_to_sale_queue, sale_queue_preset_name,
	is_executing, last_execution_lock, created_at`

func (db *automationsDB) Get(ctx context.Context, id uuid.UUID) (_ *automations.Automation, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.db.QueryRowContext(ctx,
		db.db.rebind(`SELECT `+automationColumns+` FROM automations WHERE id = ?`),
		id.String())
	automation, err := scanAutomation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, automations.ErrNotFound.New("%s", id)
	}
	return automation, err
}

func (db *automationsDB) Insert(ctx context.Context, automation *automations.Automation) (_ *automations.Automation, err error) {
	defer mon.Task()(&ctx)(&err)

	if automation.ID.IsZero() {
		automation.ID, err = uuid.New()
		if err != nil {
			return nil, automations.Error.Wrap(err)
		}
	}
	if automation.CreatedAt.IsZero() {
		automation.CreatedAt = nowUTC()
	}
	if automation.DraftSelectionMethod == "" {
		automation.DraftSelectionMethod = drafts.SelectFIFO
	}

	_, err = db.db.db.ExecContext(ctx,
		db.db.rebind(`INSERT INTO automations (`+automationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		automation.ID.String(), automation.UserID.String(),
		automation.Enabled, string(automation.DraftSelectionMethod),
		automation.JitterMinSeconds, automation.JitterMaxSeconds,
		automation.StashOnlyByDefault, automation.AutoAddToSaleQueue, automation.SaleQueuePresetName,
		automation.IsExecuting, nullTime(automation.LastExecutionLock),
		automation.CreatedAt.UTC())
	if err != nil {
		return nil, automations.Error.Wrap(err)
	}
	return db.Get(ctx, automation.ID)
}

func (db *automationsDB) ListEnabled(ctx context.Context) (_ []automations.Automation, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE enabled ORDER BY created_at, id`)
	if err != nil {
		return nil, automations.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, automations.Error.Wrap(rows.Close())) }()

	var all []automations.Automation
	for rows.Next() {
		automation, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, *automation)
	}
	return all, automations.Error.Wrap(rows.Err())
}

func (db *automationsDB) AcquireLease(ctx context.Context, id uuid.UUID, now time.Time) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE automations SET is_executing = true, last_execution_lock = ?
			WHERE id = ? AND (
				is_executing = false
				OR last_execution_lock IS NULL
				OR last_execution_lock < ?)`),
		now.UTC(), id.String(), now.UTC().Add(-automations.LeaseDuration))
	if err != nil {
		return false, automations.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, automations.Error.Wrap(err)
	}
	return affected > 0, nil
}

func (db *automationsDB) ReleaseLease(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE automations SET is_executing = false, last_execution_lock = NULL
			WHERE id = ?`),
		id.String())
	return automations.Error.Wrap(err)
}

func (db *automationsDB) Rules(ctx context.Context, automationID uuid.UUID) (_ []automations.Rule, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx,
		db.db.rebind(`SELECT id, automation_id, rule_type, enabled, priority,
			days_of_week, time_of_day, interval_minutes, deviations_per_interval, daily_quota
			FROM automation_rules WHERE automation_id = ?
			ORDER BY priority ASC, id ASC`),
		automationID.String())
	if err != nil {
		return nil, automations.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, automations.Error.Wrap(rows.Close())) }()

	var rules []automations.Rule
	for rows.Next() {
		var rule automations.Rule
		var id, owner, ruleType, days string
		err := rows.Scan(&id, &owner, &ruleType, &rule.Enabled, &rule.Priority,
			&days, &rule.TimeOfDay, &rule.IntervalMinutes,
			&rule.DeviationsPerInterval, &rule.DailyQuota)
		if err != nil {
			return nil, automations.Error.Wrap(err)
		}
		if rule.ID, err = parseID(id); err != nil {
			return nil, err
		}
		if rule.AutomationID, err = parseID(owner); err != nil {
			return nil, err
		}
		rule.Type = automations.RuleType(ruleType)
		if rule.DaysOfWeek, err = decodeWeekdays(days); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, automations.Error.Wrap(rows.Err())
}

func (db *automationsDB) InsertRule(ctx context.Context, rule *automations.Rule) (_ *automations.Rule, err error) {
	defer mon.Task()(&ctx)(&err)

	if rule.ID.IsZero() {
		rule.ID, err = uuid.New()
		if err != nil {
			return nil, automations.Error.Wrap(err)
		}
	}
	days, err := encodeJSON(rule.DaysOfWeek)
	if err != nil {
		return nil, err
	}
	_, err = db.db.db.ExecContext(ctx,
		db.db.rebind(`INSERT INTO automation_rules (id, automation_id, rule_type, enabled,
			priority, days_of_week, time_of_day, interval_minutes, deviations_per_interval, daily_quota)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rule.ID.String(), rule.AutomationID.String(), string(rule.Type), rule.Enabled,
		rule.Priority, days, rule.TimeOfDay, rule.IntervalMinutes,
		rule.DeviationsPerInterval, rule.DailyQuota)
	if err != nil {
		return nil, automations.Error.Wrap(err)
	}
	copied := *rule
	return &copied, nil
}

func (db *automationsDB) DefaultValues(ctx context.Context, automationID uuid.UUID) (_ []automations.DefaultValue, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx,
		db.db.rebind(`SELECT id, automation_id, field_name,
			string_value, string_list_value, bool_value, int_value, apply_if_empty
			FROM automation_default_values WHERE automation_id = ?
			ORDER BY field_name, id`),
		automationID.String())
	if err != nil {
		return nil, automations.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, automations.Error.Wrap(rows.Close())) }()

	var values []automations.DefaultValue
	for rows.Next() {
		var value automations.DefaultValue
		var id, owner, field, list string
		err := rows.Scan(&id, &owner, &field,
			&value.StringValue, &list, &value.BoolValue, &value.IntValue, &value.ApplyIfEmpty)
		if err != nil {
			return nil, automations.Error.Wrap(err)
		}
		if value.ID, err = parseID(id); err != nil {
			return nil, err
		}
		if value.AutomationID, err = parseID(owner); err != nil {
			return nil, err
		}
		value.FieldName = automations.DefaultField(field)
		if value.StringListValue, err = decodeStrings(list); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, automations.Error.Wrap(rows.Err())
}

func (db *automationsDB) InsertDefaultValue(ctx context.Context, value *automations.DefaultValue) (_ *automations.DefaultValue, err error) {
	defer mon.Task()(&ctx)(&err)

	if value.ID.IsZero() {
		value.ID, err = uuid.New()
		if err != nil {
			return nil, automations.Error.Wrap(err)
		}
	}
	list, err := encodeJSON(value.StringListValue)
	if err != nil {
		return nil, err
	}
	_, err = db.db.db.ExecContext(ctx,
		db.db.rebind(`INSERT INTO automation_default_values (id, automation_id, field_name,
			string_value, string_list_value, bool_value, int_value, apply_if_empty)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		value.ID.String(), value.AutomationID.String(), string(value.FieldName),
		value.StringValue, list, value.BoolValue, value.IntValue, value.ApplyIfEmpty)
	if err != nil {
		return nil, automations.Error.Wrap(err)
	}
	copied := *value
	return &copied, nil
}

func (db *automationsDB) InsertExecutionLog(ctx context.Context, log *automations.ExecutionLog) (err error) {
	defer mon.Task()(&ctx)(&err)

	if log.ID.IsZero() {
		log.ID, err = uuid.New()
		if err != nil {
			return automations.Error.Wrap(err)
		}
	}
	if log.ExecutedAt.IsZero() {
		log.ExecutedAt = nowUTC()
	}
	_, err = db.db.db.ExecContext(ctx,
		db.db.rebind(`INSERT INTO automation_execution_logs
			(id, automation_id, executed_at, scheduled_count, error_message, triggered_by)
			VALUES (?, ?, ?, ?, ?, ?)`),
		log.ID.String(), log.AutomationID.String(), log.ExecutedAt.UTC(),
		log.ScheduledCount, log.ErrorMessage, string(log.TriggeredBy))
	return automations.Error.Wrap(err)
}

func (db *automationsDB) LastExecution(ctx context.Context, automationID uuid.UUID) (_ *automations.ExecutionLog, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.db.QueryRowContext(ctx,
		db.db.rebind(`SELECT id, automation_id, executed_at, scheduled_count, error_message, triggered_by
			FROM automation_execution_logs WHERE automation_id = ?
			ORDER BY executed_at DESC, id DESC LIMIT 1`),
		automationID.String())

	var log automations.ExecutionLog
	var id, owner, triggeredBy string
	err = row.Scan(&id, &owner, &log.ExecutedAt, &log.ScheduledCount, &log.ErrorMessage, &triggeredBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, automations.Error.Wrap(err)
	}
	if log.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if log.AutomationID, err = parseID(owner); err != nil {
		return nil, err
	}
	log.TriggeredBy = automations.RuleType(triggeredBy)
	log.ExecutedAt = log.ExecutedAt.UTC()
	return &log, nil
}

func (db *automationsDB) ScheduledCountBetween(ctx context.Context, automationID uuid.UUID, from, to time.Time) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	var total sql.NullInt64
	err = db.db.db.QueryRowContext(ctx,
		db.db.rebind(`SELECT SUM(scheduled_count) FROM automation_execution_logs
			WHERE automation_id = ? AND executed_at >= ? AND executed_at < ?`),
		automationID.String(), from.UTC(), to.UTC()).Scan(&total)
	if err != nil {
		return 0, automations.Error.Wrap(err)
	}
	return int(total.Int64), nil
}

func (db *automationsDB) DeleteExecutionLogsBefore(ctx context.Context, before time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	// never prune records the daily quota rules may still count
	keepAfter := nowUTC().Add(-executionLogRetention)
	if before.After(keepAfter) {
		before = keepAfter
	}

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`DELETE FROM automation_execution_logs WHERE executed_at < ?`),
		before.UTC())
	if err != nil {
		return 0, automations.Error.Wrap(err)
	}
	deleted, err := result.RowsAffected()
	return deleted, automations.Error.Wrap(err)
}

func scanAutomation(row rowScanner) (*automations.Automation, error) {
	var automation automations.Automation
	var id, userID, method string
	var lock sql.NullTime

	err := row.Scan(&id, &userID, &automation.Enabled, &method,
		&automation.JitterMinSeconds, &automation.JitterMaxSeconds,
		&automation.StashOnlyByDefault, &automation.AutoAddToSaleQueue, &automation.SaleQueuePresetName,
		&automation.IsExecuting, &lock, &automation.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, automations.Error.Wrap(err)
	}

	if automation.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if automation.UserID, err = parseID(userID); err != nil {
		return nil, err
	}
	automation.DraftSelectionMethod = drafts.SelectionMethod(method)
	automation.LastExecutionLock = timePtr(lock)
	automation.CreatedAt = automation.CreatedAt.UTC()
	return &automation, nil
}
