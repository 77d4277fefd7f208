// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package publisherdbtest runs tests against a migrated publisher database.
package publisherdbtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/stashpost/stashpost/publisher/jobqueue"
	"github.com/stashpost/stashpost/publisher/publisherdb"
)

// Run opens a fresh sqlite database in a temp directory, migrates it and
// calls test with it.
func Run(t *testing.T, test func(ctx *testcontext.Context, t *testing.T, db *publisherdb.DB)) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	log := zaptest.NewLogger(t)

	jobsConfig := jobqueue.Config{
		MaxAttempts:  7,
		BackoffBase:  30 * time.Second,
		BackoffCap:   10 * time.Minute,
		ClaimTimeout: 20 * time.Minute,
	}

	db, err := publisherdb.Open(ctx, log, publisherdb.Config{
		URL: "sqlite3://" + ctx.File("publisher.db"),
	}, jobsConfig)
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	require.NoError(t, db.MigrateToLatest(ctx))

	test(ctx, t, db)
}
