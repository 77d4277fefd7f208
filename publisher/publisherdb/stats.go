// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package publisherdb

import (
	"context"

	"github.com/zeebo/errs"
)

// Stats is an operator snapshot of the queue and the draft population.
type Stats struct {
	Jobs   map[string]int64 // stored job state -> count
	Drafts map[string]int64 // draft status -> count
}

// DiagStats collects queue depth and draft status counts.
func (db *DB) DiagStats(ctx context.Context) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	stats := Stats{
		Jobs:   make(map[string]int64),
		Drafts: make(map[string]int64),
	}

	err = db.countBy(ctx, `SELECT state, COUNT(*) FROM publish_jobs GROUP BY state`, stats.Jobs)
	if err != nil {
		return Stats{}, err
	}
	err = db.countBy(ctx, `SELECT status, COUNT(*) FROM drafts GROUP BY status`, stats.Drafts)
	if err != nil {
		return Stats{}, err
	}
	return stats, nil
}

func (db *DB) countBy(ctx context.Context, query string, into map[string]int64) (err error) {
	rows, err := db.db.QueryContext(ctx, query)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return Error.Wrap(err)
		}
		into[key] = count
	}
	return Error.Wrap(rows.Err())
}
