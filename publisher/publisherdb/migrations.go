// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package publisherdb

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// migration is one ordered schema step.
type migration struct {
	version     int
	description string
	statements  []string
}

// migrations is the ordered schema history. Append only.
var migrations = []migration{
	{
		version:     1,
		description: "initial schema",
		statements: []string{
			`CREATE TABLE users (
				id TEXT PRIMARY KEY,
				username TEXT NOT NULL,
				timezone TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_expires_at TIMESTAMP,
				refresh_token_expires_at TIMESTAMP,
				reauth_mail_sent_at TIMESTAMP,
				expiry_warning_mail_sent_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE drafts (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users (id),
				title TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				tags TEXT NOT NULL DEFAULT '[]',
				gallery_ids TEXT NOT NULL DEFAULT '[]',
				category TEXT NOT NULL DEFAULT '',
				mature BOOLEAN NOT NULL DEFAULT false,
				mature_level TEXT NOT NULL DEFAULT '',
				allow_comments BOOLEAN NOT NULL DEFAULT true,
				allow_free_download BOOLEAN NOT NULL DEFAULT false,
				add_watermark BOOLEAN NOT NULL DEFAULT false,
				display_resolution INTEGER NOT NULL DEFAULT 0,
				upload_mode TEXT NOT NULL DEFAULT 'single',
				status TEXT NOT NULL DEFAULT 'draft',
				execution_version BIGINT NOT NULL DEFAULT 0,
				stash_item_id TEXT NOT NULL DEFAULT '',
				deviation_id TEXT NOT NULL DEFAULT '',
				deviation_url TEXT NOT NULL DEFAULT '',
				scheduled_at TIMESTAMP,
				jitter_seconds INTEGER NOT NULL DEFAULT 0,
				actual_publish_at TIMESTAMP,
				last_error TEXT NOT NULL DEFAULT '',
				failed_attempts INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX drafts_user_status_index ON drafts (user_id, status)`,
			`CREATE INDEX drafts_status_updated_index ON drafts (status, updated_at)`,
			`CREATE TABLE draft_files (
				id TEXT PRIMARY KEY,
				draft_id TEXT NOT NULL REFERENCES drafts (id) ON DELETE CASCADE,
				blob_key TEXT NOT NULL,
				mime_type TEXT NOT NULL DEFAULT '',
				size BIGINT NOT NULL DEFAULT 0,
				sort_order INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX draft_files_draft_index ON draft_files (draft_id, sort_order)`,
			`CREATE TABLE automations (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL REFERENCES users (id),
				enabled BOOLEAN NOT NULL DEFAULT false,
				draft_selection_method TEXT NOT NULL DEFAULT 'fifo',
				jitter_min_seconds INTEGER NOT NULL DEFAULT 0,
				jitter_max_seconds INTEGER NOT NULL DEFAULT 0,
				stash_only_by_default BOOLEAN NOT NULL DEFAULT false,
				auto_add_to_sale_queue BOOLEAN NOT NULL DEFAULT false,
				sale_queue_preset_name TEXT NOT NULL DEFAULT '',
				is_executing BOOLEAN NOT NULL DEFAULT false,
				last_execution_lock TIMESTAMP,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE automation_rules (
				id TEXT PRIMARY KEY,
				automation_id TEXT NOT NULL REFERENCES automations (id) ON DELETE CASCADE,
				rule_type TEXT NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT true,
				priority INTEGER NOT NULL DEFAULT 0,
				days_of_week TEXT NOT NULL DEFAULT '[]',
				time_of_day TEXT NOT NULL DEFAULT '',
				interval_minutes INTEGER NOT NULL DEFAULT 0,
				deviations_per_interval INTEGER NOT NULL DEFAULT 0,
				daily_quota INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX automation_rules_automation_index ON automation_rules (automation_id, priority, id)`,
			`CREATE TABLE automation_default_values (
				id TEXT PRIMARY KEY,
				automation_id TEXT NOT NULL REFERENCES automations (id) ON DELETE CASCADE,
				field_name TEXT NOT NULL,
				string_value TEXT NOT NULL DEFAULT '',
				string_list_value TEXT NOT NULL DEFAULT '[]',
				bool_value BOOLEAN NOT NULL DEFAULT false,
				int_value INTEGER NOT NULL DEFAULT 0,
				apply_if_empty BOOLEAN NOT NULL DEFAULT false
			)`,
			`CREATE TABLE automation_execution_logs (
				id TEXT PRIMARY KEY,
				automation_id TEXT NOT NULL REFERENCES automations (id) ON DELETE CASCADE,
				executed_at TIMESTAMP NOT NULL,
				scheduled_count INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				triggered_by TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX automation_execution_logs_time_index ON automation_execution_logs (automation_id, executed_at)`,
			`CREATE TABLE publish_jobs (
				id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				state TEXT NOT NULL DEFAULT 'pending',
				fire_at TIMESTAMP NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				claimed_at TIMESTAMP,
				last_error TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX publish_jobs_due_index ON publish_jobs (state, fire_at)`,
		},
	},
}

// MigrateToLatest applies all missing schema steps.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_versions (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return Error.Wrap(err)
	}

	var current sql.NullInt64
	err = db.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_versions`).Scan(&current)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, step := range migrations {
		if current.Valid && step.version <= int(current.Int64) {
			continue
		}
		db.log.Info("applying migration",
			zap.Int("version", step.version),
			zap.String("description", step.description))

		err := db.withTx(ctx, func(tx *sql.Tx) error {
			for _, statement := range step.statements {
				if _, err := tx.ExecContext(ctx, statement); err != nil {
					return Error.New("migration %d failed: %v", step.version, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				db.rebind(`INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)`),
				step.version, nowUTC())
			return Error.Wrap(err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
