// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package publisherdb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"

	"github.com/stashpost/stashpost/publisher/drafts"
)

// draftsDB implements drafts.DB.
type draftsDB struct {
	db *DB
}

const draftColumns = `id, user_id, title, description, tags, gallery_ids, category,
	mature, mature_level, allow_comments, allow_free_download, add_watermark,
	display_resolution, upload_mode, status, execution_version,
	stash_item_id, deviation_id, deviation_url,
	scheduled_at, jitter_seconds, actual_publish_at,
	last_error, failed_attempts, created_at, updated_at`

func (db *draftsDB) Get(ctx context.Context, id uuid.UUID) (_ *drafts.Draft, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.db.QueryRowContext(ctx,
		db.db.rebind(`SELECT `+draftColumns+` FROM drafts WHERE id = ?`),
		id.String())
	draft, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, drafts.ErrNotFound.New("%s", id)
	}
	return draft, err
}

func (db *draftsDB) GetForUser(ctx context.Context, id, userID uuid.UUID) (_ *drafts.Draft, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.db.QueryRowContext(ctx,
		db.db.rebind(`SELECT `+draftColumns+` FROM drafts WHERE id = ? AND user_id = ?`),
		id.String(), userID.String())
	draft, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, drafts.ErrNotFound.New("%s", id)
	}
	return draft, err
}

func (db *draftsDB) Insert(ctx context.Context, draft *drafts.Draft) (_ *drafts.Draft, err error) {
	defer mon.Task()(&ctx)(&err)

	if draft.ID.IsZero() {
		draft.ID, err = uuid.New()
		if err != nil {
			return nil, drafts.Error.Wrap(err)
		}
	}
	now := nowUTC()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	draft.UpdatedAt = now
	if draft.Status == "" {
		draft.Status = drafts.StatusDraft
	}
	if draft.UploadMode == "" {
		draft.UploadMode = drafts.UploadSingle
	}

	tags, err := encodeJSON(draft.Tags)
	if err != nil {
		return nil, err
	}
	galleries, err := encodeJSON(draft.GalleryIDs)
	if err != nil {
		return nil, err
	}

	_, err = db.db.db.ExecContext(ctx,
		db.db.rebind(`INSERT INTO drafts (`+draftColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		draft.ID.String(), draft.UserID.String(),
		draft.Title, draft.Description, tags, galleries, draft.Category,
		draft.Mature, string(draft.MatureLevel),
		draft.AllowComments, draft.AllowFreeDownload, draft.AddWatermark,
		draft.DisplayResolution, string(draft.UploadMode), string(draft.Status),
		draft.ExecutionVersion,
		draft.StashItemID, draft.DeviationID, draft.DeviationURL,
		nullTime(draft.ScheduledAt), draft.JitterSeconds, nullTime(draft.ActualPublishAt),
		draft.LastError, draft.FailedAttempts,
		draft.CreatedAt.UTC(), draft.UpdatedAt.UTC())
	if err != nil {
		return nil, drafts.Error.Wrap(err)
	}
	return db.Get(ctx, draft.ID)
}

func (db *draftsDB) ListSchedulable(ctx context.Context, userID uuid.UUID, method drafts.SelectionMethod, limit int) (_ []drafts.Draft, err error) {
	defer mon.Task()(&ctx)(&err)

	order := `created_at ASC, id ASC`
	switch method {
	case drafts.SelectLIFO:
		order = `created_at DESC, id DESC`
	case drafts.SelectRandom:
		// the caller shuffles; a stable order keeps the pool deterministic
	}

	rows, err := db.db.db.QueryContext(ctx,
		db.db.rebind(`SELECT `+draftColumns+` FROM drafts
			WHERE user_id = ? AND status = 'draft' AND scheduled_at IS NULL
			AND EXISTS (SELECT 1 FROM draft_files WHERE draft_files.draft_id = drafts.id)
			ORDER BY `+order+` LIMIT ?`),
		userID.String(), limit)
	if err != nil {
		return nil, drafts.Error.Wrap(err)
	}
	return collectDrafts(rows)
}

func (db *draftsDB) ListStuckPublishing(ctx context.Context, before time.Time) (_ []drafts.Draft, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx,
		db.db.rebind(`SELECT `+draftColumns+` FROM drafts
			WHERE status = 'publishing' AND updated_at < ?
			ORDER BY updated_at ASC`),
		before.UTC())
	if err != nil {
		return nil, drafts.Error.Wrap(err)
	}
	return collectDrafts(rows)
}

func (db *draftsDB) LockForSchedule(ctx context.Context, id uuid.UUID, version int64, update drafts.ScheduleUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE drafts SET
			status = 'scheduled', execution_version = execution_version + 1,
			scheduled_at = ?, jitter_seconds = ?, actual_publish_at = ?, updated_at = ?
			WHERE id = ? AND execution_version = ? AND status = 'draft'`),
		update.ScheduledAt.UTC(), update.JitterSeconds, update.ActualPublishAt.UTC(), nowUTC(),
		id.String(), version)
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return db.checkContended(ctx, result, id)
}

func (db *draftsDB) RollbackToDraft(ctx context.Context, id uuid.UUID, errorMessage string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE drafts SET
			status = 'draft', execution_version = execution_version + 1,
			scheduled_at = NULL, actual_publish_at = NULL, jitter_seconds = 0,
			last_error = ?, updated_at = ?
			WHERE id = ? AND status = 'scheduled'`),
		errorMessage, nowUTC(), id.String())
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return requireRow(result, drafts.ErrNotFound.New("%s", id))
}

func (db *draftsDB) MarkPublishing(ctx context.Context, id uuid.UUID, version int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE drafts SET
			status = 'publishing', execution_version = execution_version + 1, updated_at = ?
			WHERE id = ? AND execution_version = ? AND status IN ('scheduled', 'publishing', 'failed')`),
		nowUTC(), id.String(), version)
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return db.checkContended(ctx, result, id)
}

func (db *draftsDB) MarkPublished(ctx context.Context, id uuid.UUID, result drafts.PublishResult) (err error) {
	defer mon.Task()(&ctx)(&err)

	res, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE drafts SET
			status = 'published', execution_version = execution_version + 1,
			deviation_id = ?, deviation_url = ?, last_error = '', updated_at = ?
			WHERE id = ?`),
		result.DeviationID, result.DeviationURL, nowUTC(), id.String())
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return requireRow(res, drafts.ErrNotFound.New("%s", id))
}

func (db *draftsDB) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE drafts SET
			status = 'failed', execution_version = execution_version + 1,
			last_error = ?, failed_attempts = failed_attempts + 1, updated_at = ?
			WHERE id = ?`),
		errorMessage, nowUTC(), id.String())
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return requireRow(result, drafts.ErrNotFound.New("%s", id))
}

func (db *draftsDB) MarkScheduledAgain(ctx context.Context, id uuid.UUID) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE drafts SET
			status = 'scheduled', execution_version = execution_version + 1, updated_at = ?
			WHERE id = ? AND status = 'publishing'`),
		nowUTC(), id.String())
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return requireRow(result, drafts.ErrNotFound.New("%s", id))
}

func (db *draftsDB) SetStashItemID(ctx context.Context, id uuid.UUID, stashItemID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE drafts SET stash_item_id = ?, updated_at = ? WHERE id = ?`),
		stashItemID, nowUTC(), id.String())
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return requireRow(result, drafts.ErrNotFound.New("%s", id))
}

func (db *draftsDB) UpdateFields(ctx context.Context, id uuid.UUID, fields drafts.FieldUpdate) (err error) {
	defer mon.Task()(&ctx)(&err)

	var sets []string
	var args []interface{}
	set := func(column string, value interface{}) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if fields.Title != nil {
		set("title", *fields.Title)
	}
	if fields.Description != nil {
		set("description", *fields.Description)
	}
	if fields.Tags != nil {
		encoded, err := encodeJSON(*fields.Tags)
		if err != nil {
			return err
		}
		set("tags", encoded)
	}
	if fields.GalleryIDs != nil {
		encoded, err := encodeJSON(*fields.GalleryIDs)
		if err != nil {
			return err
		}
		set("gallery_ids", encoded)
	}
	if fields.Category != nil {
		set("category", *fields.Category)
	}
	if fields.Mature != nil {
		set("mature", *fields.Mature)
	}
	if fields.MatureLevel != nil {
		set("mature_level", string(*fields.MatureLevel))
	}
	if fields.AllowComments != nil {
		set("allow_comments", *fields.AllowComments)
	}
	if fields.AllowFreeDownload != nil {
		set("allow_free_download", *fields.AllowFreeDownload)
	}
	if fields.AddWatermark != nil {
		set("add_watermark", *fields.AddWatermark)
	}
	if fields.DisplayResolution != nil {
		set("display_resolution", *fields.DisplayResolution)
	}
	if len(sets) == 0 {
		return nil
	}

	set("updated_at", nowUTC())
	args = append(args, id.String())

	result, err := db.db.db.ExecContext(ctx,
		db.db.rebind(`UPDATE drafts SET `+strings.Join(sets, ", ")+` WHERE id = ?`),
		args...)
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return requireRow(result, drafts.ErrNotFound.New("%s", id))
}

func (db *draftsDB) Files(ctx context.Context, draftID uuid.UUID) (_ []drafts.File, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.db.QueryContext(ctx,
		db.db.rebind(`SELECT id, draft_id, blob_key, mime_type, size, sort_order
			FROM draft_files WHERE draft_id = ? ORDER BY sort_order ASC, id ASC`),
		draftID.String())
	if err != nil {
		return nil, drafts.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, drafts.Error.Wrap(rows.Close())) }()

	var files []drafts.File
	for rows.Next() {
		var file drafts.File
		var id, owner string
		if err := rows.Scan(&id, &owner, &file.BlobKey, &file.MimeType, &file.Size, &file.SortOrder); err != nil {
			return nil, drafts.Error.Wrap(err)
		}
		if file.ID, err = parseID(id); err != nil {
			return nil, err
		}
		if file.DraftID, err = parseID(owner); err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, drafts.Error.Wrap(rows.Err())
}

func (db *draftsDB) AddFile(ctx context.Context, file *drafts.File) (_ *drafts.File, err error) {
	defer mon.Task()(&ctx)(&err)

	if file.ID.IsZero() {
		file.ID, err = uuid.New()
		if err != nil {
			return nil, drafts.Error.Wrap(err)
		}
	}
	_, err = db.db.db.ExecContext(ctx,
		db.db.rebind(`INSERT INTO draft_files (id, draft_id, blob_key, mime_type, size, sort_order)
			VALUES (?, ?, ?, ?, ?, ?)`),
		file.ID.String(), file.DraftID.String(),
		file.BlobKey, file.MimeType, file.Size, file.SortOrder)
	if err != nil {
		return nil, drafts.Error.Wrap(err)
	}
	copied := *file
	return &copied, nil
}

// checkContended distinguishes a lost optimistic update from a missing row.
func (db *draftsDB) checkContended(ctx context.Context, result sql.Result, id uuid.UUID) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	if affected > 0 {
		return nil
	}
	var exists int
	err = db.db.db.QueryRowContext(ctx,
		db.db.rebind(`SELECT 1 FROM drafts WHERE id = ?`), id.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return drafts.ErrNotFound.New("%s", id)
	}
	if err != nil {
		return drafts.Error.Wrap(err)
	}
	return drafts.ErrVersionMismatch.New("%s", id)
}

func collectDrafts(rows *sql.Rows) (_ []drafts.Draft, err error) {
	defer func() { err = errs.Combine(err, drafts.Error.Wrap(rows.Close())) }()

	var all []drafts.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		all = append(all, *draft)
	}
	return all, drafts.Error.Wrap(rows.Err())
}

func scanDraft(row rowScanner) (*drafts.Draft, error) {
	var draft drafts.Draft
	var id, userID, tags, galleries, matureLevel, uploadMode, status string
	var scheduledAt, actualPublishAt sql.NullTime

	err := row.Scan(&id, &userID,
		&draft.Title, &draft.Description, &tags, &galleries, &draft.Category,
		&draft.Mature, &matureLevel,
		&draft.AllowComments, &draft.AllowFreeDownload, &draft.AddWatermark,
		&draft.DisplayResolution, &uploadMode, &status, &draft.ExecutionVersion,
		&draft.StashItemID, &draft.DeviationID, &draft.DeviationURL,
		&scheduledAt, &draft.JitterSeconds, &actualPublishAt,
		&draft.LastError, &draft.FailedAttempts,
		&draft.CreatedAt, &draft.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, drafts.Error.Wrap(err)
	}

	if draft.ID, err = parseID(id); err != nil {
		return nil, err
	}
	if draft.UserID, err = parseID(userID); err != nil {
		return nil, err
	}
	if draft.Tags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	if draft.GalleryIDs, err = decodeStrings(galleries); err != nil {
		return nil, err
	}
	draft.MatureLevel = drafts.MaturityLevel(matureLevel)
	draft.UploadMode = drafts.UploadMode(uploadMode)
	draft.Status = drafts.Status(status)
	draft.ScheduledAt = timePtr(scheduledAt)
	draft.ActualPublishAt = timePtr(actualPublishAt)
	draft.CreatedAt = draft.CreatedAt.UTC()
	draft.UpdatedAt = draft.UpdatedAt.UTC()
	return &draft, nil
}
