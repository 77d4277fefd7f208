// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package jobqueue defines the durable delayed publish queue: one job per
// draft, at most one active attempt per job, exponential retry backoff.
package jobqueue

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"

	"github.com/stashpost/stashpost/publisher/breaker"
	"github.com/stashpost/stashpost/publisher/deviantart"
	"github.com/stashpost/stashpost/publisher/drafts"
	"github.com/stashpost/stashpost/publisher/tokens"
)

var (
	// Error is the jobqueue error class.
	Error = errs.Class("jobqueue")

	// ErrJobBusy means the job has an active attempt; the caller must wait
	// for it to finish.
	ErrJobBusy = errs.Class("job busy")

	// ErrJobNotFound means no job exists under the id.
	ErrJobNotFound = errs.Class("job not found")
)

// State is a job's queue state.
type State string

// Job states. Absent is returned for ids the queue has never seen or has
// already pruned.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateAbsent    State = "absent"
)

// Payload carries what the executor needs to run a publish attempt.
type Payload struct {
	DraftID    uuid.UUID         `json:"draftId"`
	UserID     uuid.UUID         `json:"userId"`
	UploadMode drafts.UploadMode `json:"uploadMode"`
}

// Job is a queued publish attempt.
type Job struct {
	ID        string
	Payload   Payload
	State     State
	FireAt    time.Time
	Attempts  int
	LastError string
}

// JobID derives the queue id for a draft. One job per draft, so scheduling
// again replaces the pending job.
func JobID(draftID uuid.UUID) string {
	return "publish:" + draftID.String()
}

// Config holds queue retry configuration.
type Config struct {
	MaxAttempts  int           `help:"attempts before a job fails terminally" default:"7"`
	BackoffBase  time.Duration `help:"delay before the first retry" default:"30s"`
	BackoffCap   time.Duration `help:"maximum delay between retries" default:"10m0s"`
	ClaimTimeout time.Duration `help:"how long a claimed job stays reserved before it may be claimed again" default:"20m0s"`
}

// Backoff returns the delay before the given retry. attempt is 1-based: the
// delay after the first failed attempt is the base, doubling from there up
// to the cap.
func (config Config) Backoff(attempt int) time.Duration {
	delay := config.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= config.BackoffCap {
			return config.BackoffCap
		}
	}
	if delay > config.BackoffCap {
		return config.BackoffCap
	}
	return delay
}

// Queue is the durable delayed job queue.
type Queue interface {
	// Schedule enqueues the job to fire at fireAt. It is idempotent by job
	// id: re-scheduling a pending job replaces its fire time. Scheduling
	// over an active job returns ErrJobBusy.
	Schedule(ctx context.Context, jobID string, payload Payload, fireAt time.Time) error
	// PublishNow enqueues the job with zero delay, replacing a pending job
	// with the same id. It returns ErrJobBusy when an attempt is active.
	PublishNow(ctx context.Context, jobID string, payload Payload) error
	// Cancel removes a pending job. Absent ids are a no-op; active jobs
	// return ErrJobBusy.
	Cancel(ctx context.Context, jobID string) error
	// State returns the job's state, StateAbsent for unknown ids.
	State(ctx context.Context, jobID string) (State, error)
	// Claim atomically marks up to limit due jobs active and returns them,
	// with Attempts already counting the claimed attempt.
	Claim(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// Complete marks an active job completed.
	Complete(ctx context.Context, jobID string) error
	// Requeue puts an active job back without consuming the claimed
	// attempt: the attempt counter is rolled back and the job fires again
	// at fireAt. Used when the attempt was aborted before any upstream
	// call was made.
	Requeue(ctx context.Context, jobID string, cause string, fireAt time.Time) error
	// Fail records a failed attempt on an active job: retryable failures
	// below MaxAttempts are re-delayed with backoff, everything else is
	// terminal.
	Fail(ctx context.Context, jobID string, cause string, retryable bool) error
}

// Retryable reports whether a publish attempt failure is worth retrying.
// Rate limits, open circuits, server errors, and transport failures are;
// authorization and validation failures are terminal.
func Retryable(err error) bool {
	switch {
	case tokens.ErrReauthRequired.Has(err):
		return false
	case deviantart.ErrAuth.Has(err), deviantart.ErrPermission.Has(err), deviantart.ErrValidation.Has(err):
		return false
	case breaker.ErrCircuitOpen.Has(err):
		return true
	case deviantart.IsRateLimit(err):
		return true
	case deviantart.ErrServer.Has(err), deviantart.ErrTransient.Has(err):
		return true
	default:
		return true
	}
}

// ErrorCategory buckets a failure for metrics and draft error memos.
func ErrorCategory(err error) string {
	switch {
	case tokens.ErrReauthRequired.Has(err):
		return "REAUTH_REQUIRED"
	case deviantart.ErrAuth.Has(err):
		return "AUTH_FAILURE"
	case deviantart.ErrPermission.Has(err):
		return "PERMISSION_DENIED"
	case deviantart.ErrValidation.Has(err):
		return "VALIDATION"
	case breaker.ErrCircuitOpen.Has(err):
		return "CIRCUIT_OPEN"
	case deviantart.IsRateLimit(err):
		return "RATE_LIMITED"
	case deviantart.ErrServer.Has(err):
		return "UPSTREAM_5XX"
	case deviantart.ErrTransient.Has(err):
		return "NETWORK"
	default:
		return "UNKNOWN"
	}
}
