// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package publisherdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/stashpost/stashpost/publisher/jobqueue"
)

// jobsDB implements jobqueue.Queue on the publish_jobs table.
//
// The table keeps three stored states: pending, completed and failed. A
// pending job with a fresh claimed_at is active; the waiting/delayed split
// is derived from fire_at. A claim that outlives ClaimTimeout is treated as
// abandoned and the job becomes claimable again.
type jobsDB struct {
	db     *DB
	config jobqueue.Config
}

func (db *jobsDB) Schedule(ctx context.Context, jobID string, payload jobqueue.Payload, fireAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := json.Marshal(payload)
	if err != nil {
		return jobqueue.Error.Wrap(err)
	}
	now := nowUTC()

	return db.db.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		var claimedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			db.db.rebind(`SELECT state, claimed_at FROM publish_jobs WHERE id = ?`),
			jobID).Scan(&state, &claimedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				db.db.rebind(`INSERT INTO publish_jobs
					(id, payload, state, fire_at, attempts, last_error, created_at, updated_at)
					VALUES (?, ?, 'pending', ?, 0, '', ?, ?)`),
				jobID, string(encoded), fireAt.UTC(), now, now)
			return jobqueue.Error.Wrap(err)
		case err != nil:
			return jobqueue.Error.Wrap(err)
		}

		if state == "pending" && db.claimFresh(claimedAt, now) {
			return jobqueue.ErrJobBusy.New("%s", jobID)
		}

		// replace: finished jobs restart from attempt zero
		_, err = tx.ExecContext(ctx,
			db.db.rebind(`UPDATE publish_jobs SET
				payload = ?, state = 'pending', fire_at = ?,
				attempts = 0, claimed_at = NULL, last_error = '', updated_at = ?
				WHERE id = ?`),
			string(encoded), fireAt.UTC(), now, jobID)
		return jobqueue.Error.Wrap(err)
	})
}

func (db *jobsDB) PublishNow(ctx context.Context, jobID string, payload jobqueue.Payload) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.Schedule(ctx, jobID, payload, nowUTC())
}

func (db *jobsDB) Cancel(ctx context.Context, jobID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := nowUTC()
	return db.db.withTx(ctx, func(tx *sql.Tx) error {
		var state string
		var claimedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			db.db.rebind(`SELECT state, claimed_at FROM publish_jobs WHERE id = ?`),
			jobID).Scan(&state, &claimedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return jobqueue.Error.Wrap(err)
		}
		if state == "pending" && db.claimFresh(claimedAt, now) {
			return jobqueue.ErrJobBusy.New("%s", jobID)
		}
		_, err = tx.ExecContext(ctx,
			db.db.rebind(`DELETE FROM publish_jobs WHERE id = ?`), jobID)
		return jobqueue.Error.Wrap(err)
	})
}

func (db *jobsDB) State(ctx context.Context, jobID string) (_ jobqueue.State, err error) {
	defer mon.Task()(&ctx)(&err)

	var state string
	var fireAt time.Time
	var claimedAt sql.NullTime
	err = db.db.db.QueryRowContext(ctx,
		db.db.rebind(`SELECT state, fire_at, claimed_at FROM publish_jobs WHERE id = ?`),
		jobID).Scan(&state, &fireAt, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return jobqueue.StateAbsent, nil
	}
	if err != nil {
		return jobqueue.StateAbsent, jobqueue.Error.Wrap(err)
	}

	now := nowUTC()
	switch state {
	case "completed":
		return jobqueue.StateCompleted, nil
	case "failed":
		return jobqueue.StateFailed, nil
	default:
		switch {
		case db.claimFresh(claimedAt, now):
			return jobqueue.StateActive, nil
		case fireAt.After(now):
			return jobqueue.StateDelayed, nil
		default:
			return jobqueue.StateWaiting, nil
		}
	}
}

func (db *jobsDB) Claim(ctx context.Context, now time.Time, limit int) (_ []*jobqueue.Job, err error) {
	defer mon.Task()(&ctx)(&err)

	now = now.UTC()
	stale := now.Add(-db.config.ClaimTimeout)

	var claimed []*jobqueue.Job
	err = db.db.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			db.db.rebind(`SELECT id, payload, fire_at, attempts, last_error
				FROM publish_jobs
				WHERE state = 'pending' AND fire_at <= ?
				AND (claimed_at IS NULL OR claimed_at < ?)
				ORDER BY fire_at ASC, id ASC LIMIT ?`),
			now, stale, limit)
		if err != nil {
			return jobqueue.Error.Wrap(err)
		}

		var due []*jobqueue.Job
		for rows.Next() {
			var job jobqueue.Job
			var payload string
			if err := rows.Scan(&job.ID, &payload, &job.FireAt, &job.Attempts, &job.LastError); err != nil {
				return jobqueue.Error.Wrap(errs.Combine(err, rows.Close()))
			}
			if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
				return jobqueue.Error.Wrap(errs.Combine(err, rows.Close()))
			}
			job.State = jobqueue.StateActive
			job.FireAt = job.FireAt.UTC()
			due = append(due, &job)
		}
		if err := errs.Combine(rows.Err(), rows.Close()); err != nil {
			return jobqueue.Error.Wrap(err)
		}

		for _, job := range due {
			result, err := tx.ExecContext(ctx,
				db.db.rebind(`UPDATE publish_jobs SET
					claimed_at = ?, attempts = attempts + 1, updated_at = ?
					WHERE id = ? AND state = 'pending'
					AND (claimed_at IS NULL OR claimed_at < ?)`),
				now, now, job.ID, stale)
			if err != nil {
				return jobqueue.Error.Wrap(err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return jobqueue.Error.Wrap(err)
			}
			if affected == 0 {
				// another worker won the row between select and update
				continue
			}
			job.Attempts++
			claimed = append(claimed, job)
		}
		return nil
	})
	return claimed, err
}

func (db *jobsDB) Complete(ctx context.Context, jobID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE publish_jobs SET
			state = 'completed', claimed_at = NULL, updated_at = ?
			WHERE id = ? AND state = 'pending'`),
		nowUTC(), jobID)
	if err != nil {
		return jobqueue.Error.Wrap(err)
	}
	return requireRow(result, jobqueue.ErrJobNotFound.New("%s", jobID))
}

func (db *jobsDB) Requeue(ctx context.Context, jobID string, cause string, fireAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE publish_jobs SET
			claimed_at = NULL, fire_at = ?,
			attempts = CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END,
			last_error = ?, updated_at = ?
			WHERE id = ? AND state = 'pending'`),
		fireAt.UTC(), cause, nowUTC(), jobID)
	if err != nil {
		return jobqueue.Error.Wrap(err)
	}
	return requireRow(result, jobqueue.ErrJobNotFound.New("%s", jobID))
}

func (db *jobsDB) Fail(ctx context.Context, jobID string, cause string, retryable bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := nowUTC()
	return db.db.withTx(ctx, func(tx *sql.Tx) error {
		var attempts int
		err := tx.QueryRowContext(ctx,
			db.db.rebind(`SELECT attempts FROM publish_jobs WHERE id = ? AND state = 'pending'`),
			jobID).Scan(&attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return jobqueue.ErrJobNotFound.New("%s", jobID)
		}
		if err != nil {
			return jobqueue.Error.Wrap(err)
		}

		if retryable && attempts < db.config.MaxAttempts {
			fireAt := now.Add(db.config.Backoff(attempts))
			_, err = tx.ExecContext(ctx,
				db.db.rebind(`UPDATE publish_jobs SET
					claimed_at = NULL, fire_at = ?, last_error = ?, updated_at = ?
					WHERE id = ?`),
				fireAt, cause, now, jobID)
			return jobqueue.Error.Wrap(err)
		}

		_, err = tx.ExecContext(ctx,
			db.db.rebind(`UPDATE publish_jobs SET
				state = 'failed', claimed_at = NULL, last_error = ?, updated_at = ?
				WHERE id = ?`),
			cause, now, jobID)
		return jobqueue.Error.Wrap(err)
	})
}

// claimFresh reports whether a claim is still within its reservation window.
func (db *jobsDB) claimFresh(claimedAt sql.NullTime, now time.Time) bool {
	return claimedAt.Valid && claimedAt.Time.After(now.Add(-db.config.ClaimTimeout))
}
