// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package drafts holds the draft artwork model and its publish lifecycle.
package drafts

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	// Error is the drafts error class.
	Error = errs.Class("drafts")

	// ErrVersionMismatch is returned when an optimistic update finds a
	// different execution version than expected.
	ErrVersionMismatch = errs.Class("draft version mismatch")

	// ErrNotFound is returned when a draft does not exist.
	ErrNotFound = errs.Class("draft not found")
)

// Status is a draft lifecycle state.
type Status string

const (
	// StatusDraft is the initial editable state.
	StatusDraft Status = "draft"
	// StatusScheduled means the draft has a pending publish job.
	StatusScheduled Status = "scheduled"
	// StatusPublishing means a worker is executing the publish.
	StatusPublishing Status = "publishing"
	// StatusPublished is terminal; the upstream deviation exists.
	StatusPublished Status = "published"
	// StatusFailed means the last publish attempt ended with a terminal error.
	StatusFailed Status = "failed"
)

// UploadMode selects how multi-file drafts are delivered to upstream.
type UploadMode string

const (
	// UploadSingle uploads only the first file.
	UploadSingle UploadMode = "single"
	// UploadMultiple uploads every file with a delay between iterations.
	UploadMultiple UploadMode = "multiple"
)

// MaturityLevel is the upstream mature-content classification.
type MaturityLevel string

const (
	// MaturityModerate is the softer mature classification.
	MaturityModerate MaturityLevel = "moderate"
	// MaturityStrict is the strongest mature classification.
	MaturityStrict MaturityLevel = "strict"
)

// Draft is a user's in-progress artwork submission.
type Draft struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Title       string
	Description string
	Tags        []string
	GalleryIDs  []string
	Category    string

	Mature            bool
	MatureLevel       MaturityLevel
	AllowComments     bool
	AllowFreeDownload bool
	AddWatermark      bool
	// DisplayResolution is the upstream display sizing option, 0-8.
	DisplayResolution int

	UploadMode UploadMode
	Status     Status

	// ExecutionVersion increases on every scheduling or publishing
	// transition and guards all updates with an optimistic predicate.
	ExecutionVersion int64

	// StashItemID is set once upstream accepted the upload, so retried
	// publishes can skip re-uploading.
	StashItemID string

	DeviationID  string
	DeviationURL string

	ScheduledAt     *time.Time
	JitterSeconds   int
	ActualPublishAt *time.Time

	LastError      string
	FailedAttempts int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// File is a binary artifact belonging to a draft. Files are exclusively
// owned: deleting a draft cascades to its files.
type File struct {
	ID        uuid.UUID
	DraftID   uuid.UUID
	BlobKey   string
	MimeType  string
	Size      int64
	SortOrder int
}

// SelectionMethod orders candidate drafts during automated scheduling.
type SelectionMethod string

const (
	// SelectFIFO picks oldest drafts first.
	SelectFIFO SelectionMethod = "fifo"
	// SelectLIFO picks newest drafts first.
	SelectLIFO SelectionMethod = "lifo"
	// SelectRandom shuffles the candidate pool.
	SelectRandom SelectionMethod = "random"
)

// ScheduleUpdate carries the fields persisted when a draft is locked for
// scheduling, in the same optimistic update as the version bump.
type ScheduleUpdate struct {
	ScheduledAt     time.Time
	JitterSeconds   int
	ActualPublishAt time.Time
}

// PublishResult carries the fields persisted on a successful publish.
type PublishResult struct {
	DeviationID  string
	DeviationURL string
}

// DB exposes methods to manage drafts and their files.
//
// architecture: Database
type DB interface {
	// Get loads a draft by id.
	Get(ctx context.Context, id uuid.UUID) (*Draft, error)
	// GetForUser loads a draft by id, scoped to its owner.
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*Draft, error)
	// Insert stores a new draft.
	Insert(ctx context.Context, draft *Draft) (*Draft, error)

	// ListSchedulable returns candidate drafts for an automation run:
	// status=draft, not yet scheduled, with at least one file, owned by
	// userID, ordered per method. Limit caps the candidate pool.
	ListSchedulable(ctx context.Context, userID uuid.UUID, method SelectionMethod, limit int) ([]Draft, error)
	// ListStuckPublishing returns drafts sitting in publishing whose last
	// update is older than before.
	ListStuckPublishing(ctx context.Context, before time.Time) ([]Draft, error)

	// LockForSchedule transitions draft->scheduled iff the stored execution
	// version matches. Returns ErrVersionMismatch when another instance won.
	LockForSchedule(ctx context.Context, id uuid.UUID, version int64, update ScheduleUpdate) error
	// RollbackToDraft reverts a scheduled draft whose enqueue failed.
	RollbackToDraft(ctx context.Context, id uuid.UUID, errorMessage string) error
	// MarkPublishing transitions scheduled->publishing with a version bump.
	MarkPublishing(ctx context.Context, id uuid.UUID, version int64) error
	// MarkPublished records the upstream result and finishes the lifecycle.
	MarkPublished(ctx context.Context, id uuid.UUID, result PublishResult) error
	// MarkFailed records a terminal failure.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	// MarkScheduledAgain reverts a stuck publishing draft for a retry.
	MarkScheduledAgain(ctx context.Context, id uuid.UUID) error

	// SetStashItemID persists the upstream stash item id after an upload.
	SetStashItemID(ctx context.Context, id uuid.UUID, stashItemID string) error
	// UpdateFields overwrites automation-managed fields on the draft.
	UpdateFields(ctx context.Context, id uuid.UUID, fields FieldUpdate) error

	// Files lists the draft's files ordered by sort order ascending.
	Files(ctx context.Context, draftID uuid.UUID) ([]File, error)
	// AddFile attaches a file to a draft.
	AddFile(ctx context.Context, file *File) (*File, error)
}

// FieldUpdate carries the automation default values applied to a draft.
// Nil members are left untouched.
type FieldUpdate struct {
	Title             *string
	Description       *string
	Tags              *[]string
	GalleryIDs        *[]string
	Category          *string
	Mature            *bool
	MatureLevel       *MaturityLevel
	AllowComments     *bool
	AllowFreeDownload *bool
	AddWatermark      *bool
	DisplayResolution *int
}

// CanPublish reports whether the draft is in a state a publish worker may
// pick up.
func (draft *Draft) CanPublish() bool {
	switch draft.Status {
	case StatusScheduled, StatusPublishing, StatusFailed:
		return true
	default:
		return false
	}
}
