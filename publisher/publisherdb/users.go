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

	"github.com/stashpost/stashpost/publisher/users"
)

// usersDB implements users.DB.
type usersDB struct {
	db *DB
}

const userColumns = `id, username, timezone, access_token, refresh_token,
	token_expires_at, refresh_token_expires_at,
	reauth_mail_sent_at, expiry_warning_mail_sent_at, created_at`

func (db *usersDB) Get(ctx context.Context, id uuid.UUID) (_ *users.User, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.db.QueryRowContext(ctx,
		db.db.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`),
		id.String())
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, users.Error.New("user %s not found", id)
	}
	return user, err
}

func (db *usersDB) Insert(ctx context.Context, user *users.User) (_ *users.User, err error) {
	defer mon.Task()(&ctx)(&err)

	if user.ID.IsZero() {
		user.ID, err = uuid.New()
		if err != nil {
			return nil, users.Error.Wrap(err)
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = nowUTC()
	}

	_, err = db.db.db.ExecContext(ctx,
		db.db.rebind(`INSERT INTO users (`+userColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID.String(), user.Username, user.Timezone,
		user.AccessToken, user.RefreshToken,
		user.TokenExpiresAt.UTC(), user.RefreshTokenExpiresAt.UTC(),
		nullTime(user.ReauthMailSentAt), nullTime(user.ExpiryWarningMailSentAt),
		user.CreatedAt.UTC())
	if err != nil {
		return nil, users.Error.Wrap(err)
	}
	return db.Get(ctx, user.ID)
}

func (db *usersDB) UpdateTokens(ctx context.Context, id uuid.UUID, update users.TokenUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE users SET
			access_token = ?, refresh_token = ?,
			token_expires_at = ?, refresh_token_expires_at = ?,
			reauth_mail_sent_at = NULL, expiry_warning_mail_sent_at = NULL
			WHERE id = ?`),
		update.AccessToken, update.RefreshToken,
		update.TokenExpiresAt.UTC(), update.RefreshTokenExpiresAt.UTC(),
		id.String())
	if err != nil {
		return users.Error.Wrap(err)
	}
	return requireRow(result, users.Error.New("user %s not found", id))
}

func (db *usersDB) MarkReauthRequired(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE users SET
			access_token = '', refresh_token = '',
			token_expires_at = NULL, refresh_token_expires_at = NULL
			WHERE id = ?`),
		id.String())
	if err != nil {
		return users.Error.Wrap(err)
	}
	return requireRow(result, users.Error.New("user %s not found", id))
}

func (db *usersDB) SetReauthMailSent(ctx context.Context, id uuid.UUID, at time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE users SET reauth_mail_sent_at = ? WHERE id = ?`),
		at.UTC(), id.String())
	if err != nil {
		return users.Error.Wrap(err)
	}
	return requireRow(result, users.Error.New("user %s not found", id))
}

func (db *usersDB) SetExpiryWarningMailSent(ctx context.Context, id uuid.UUID, at time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE users SET expiry_warning_mail_sent_at = ? WHERE id = ?`),
		at.UTC(), id.String())
	if err != nil {
		return users.Error.Wrap(err)
	}
	return requireRow(result, users.Error.New("user %s not found", id))
}

func (db *usersDB) All(ctx context.Context) (_ []users.User, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, users.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, users.Error.Wrap(rows.Close())) }()

	var all []users.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, *user)
	}
	return all, users.Error.Wrap(rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*users.User, error) {
	var user users.User
	var id string
	var tokenExpires, refreshExpires, reauthMail, expiryMail sql.NullTime

	err := row.Scan(&id, &user.Username, &user.Timezone,
		&user.AccessToken, &user.RefreshToken,
		&tokenExpires, &refreshExpires,
		&reauthMail, &expiryMail, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, users.Error.Wrap(err)
	}

	user.ID, err = parseID(id)
	if err != nil {
		return nil, err
	}
	if tokenExpires.Valid {
		user.TokenExpiresAt = tokenExpires.Time.UTC()
	}
	if refreshExpires.Valid {
		user.RefreshTokenExpiresAt = refreshExpires.Time.UTC()
	}
	user.ReauthMailSentAt = timePtr(reauthMail)
	user.ExpiryWarningMailSentAt = timePtr(expiryMail)
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

// requireRow converts a zero-row update into notFound.
func requireRow(result sql.Result, notFound error) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
