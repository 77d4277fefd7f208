// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package publisherdb implements the publisher databases on PostgreSQL for
// production and SQLite for development and tests.
package publisherdb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	_ "github.com/mattn/go-sqlite3"    // registers the sqlite3 driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stashpost/stashpost/publisher/automations"
	"github.com/stashpost/stashpost/publisher/drafts"
	"github.com/stashpost/stashpost/publisher/jobqueue"
	"github.com/stashpost/stashpost/publisher/users"
)

var (
	mon = monkit.Package()

	// Error is the publisherdb error class.
	Error = errs.Class("publisherdb")
)

// Config holds database configuration.
type Config struct {
	URL          string `help:"database connection URL (postgres:// or sqlite3://)" default:"sqlite3://stashpost.db"`
	MaxOpenConns int    `help:"maximum open database connections" default:"25"`
	MaxIdleConns int    `help:"maximum idle database connections" default:"5"`
}

// implementation tags the SQL dialect in use.
type implementation int

const (
	implPostgres implementation = iota
	implSQLite
)

// DB provides access to all publisher databases.
//
// architecture: Master Database
type DB struct {
	log  *zap.Logger
	db   *sql.DB
	impl implementation

	jobsConfig jobqueue.Config
}

// Open connects to the database behind the URL. Supported schemes are
// postgres:// (also postgresql:// and cockroach://) and sqlite3://.
func Open(ctx context.Context, log *zap.Logger, config Config, jobsConfig jobqueue.Config) (*DB, error) {
	var driver, source string
	var impl implementation

	switch {
	case strings.HasPrefix(config.URL, "postgres://"),
		strings.HasPrefix(config.URL, "postgresql://"):
		driver, source, impl = "pgx", config.URL, implPostgres
	case strings.HasPrefix(config.URL, "cockroach://"):
		driver, source, impl = "pgx", "postgres://"+strings.TrimPrefix(config.URL, "cockroach://"), implPostgres
	case strings.HasPrefix(config.URL, "sqlite3://"):
		driver, source, impl = "sqlite3", strings.TrimPrefix(config.URL, "sqlite3://"), implSQLite
	default:
		return nil, Error.New("unsupported database URL %q", config.URL)
	}

	sqlDB, err := sql.Open(driver, source)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if impl == implSQLite {
		// sqlite serializes writers; extra connections just contend
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, Error.Wrap(errs.Combine(err, sqlDB.Close()))
	}

	return &DB{
		log:        log,
		db:         sqlDB,
		impl:       impl,
		jobsConfig: jobsConfig,
	}, nil
}

// Close releases the underlying connections.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Users returns the users database.
func (db *DB) Users() users.DB { return &usersDB{db: db} }

// Drafts returns the drafts database.
func (db *DB) Drafts() drafts.DB { return &draftsDB{db: db} }

// Automations returns the automations database.
func (db *DB) Automations() automations.DB { return &automationsDB{db: db} }

// Jobs returns the durable publish job queue.
func (db *DB) Jobs() jobqueue.Queue { return &jobsDB{db: db, config: db.jobsConfig} }

// rebind rewrites ? placeholders to the dialect's own form.
func (db *DB) rebind(query string) string {
	if db.impl != implPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in a transaction, committing when it returns nil.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = Error.Wrap(tx.Commit())
	}()
	return fn(tx)
}
