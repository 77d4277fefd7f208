// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package testqueue provides an in-memory jobqueue.Queue for tests.
package testqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stashpost/stashpost/publisher/jobqueue"
)

// Queue implements jobqueue.Queue in memory with the same semantics as the
// durable implementation: idempotent scheduling, at most one active attempt
// per id, backoff on retryable failures.
type Queue struct {
	mu     sync.Mutex
	config jobqueue.Config
	jobs   map[string]*jobqueue.Job
	nowFn  func() time.Time
}

var _ jobqueue.Queue = (*Queue)(nil)

// New creates an empty queue.
func New(config jobqueue.Config) *Queue {
	return &Queue{
		config: config,
		jobs:   make(map[string]*jobqueue.Job),
		nowFn:  time.Now,
	}
}

// TestSetNow allows tests to pin the current time.
func (queue *Queue) TestSetNow(nowFn func() time.Time) {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	queue.nowFn = nowFn
}

// Schedule implements jobqueue.Queue.
func (queue *Queue) Schedule(ctx context.Context, jobID string, payload jobqueue.Payload, fireAt time.Time) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	if job, ok := queue.jobs[jobID]; ok && job.State == jobqueue.StateActive {
		return jobqueue.ErrJobBusy.New("%q", jobID)
	}
	queue.jobs[jobID] = &jobqueue.Job{
		ID:      jobID,
		Payload: payload,
		State:   jobqueue.StateWaiting,
		FireAt:  fireAt,
	}
	return nil
}

// PublishNow implements jobqueue.Queue.
func (queue *Queue) PublishNow(ctx context.Context, jobID string, payload jobqueue.Payload) error {
	return queue.Schedule(ctx, jobID, payload, queue.now())
}

// Cancel implements jobqueue.Queue.
func (queue *Queue) Cancel(ctx context.Context, jobID string) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	job, ok := queue.jobs[jobID]
	if !ok {
		return nil
	}
	if job.State == jobqueue.StateActive {
		return jobqueue.ErrJobBusy.New("%q", jobID)
	}
	delete(queue.jobs, jobID)
	return nil
}

// State implements jobqueue.Queue.
func (queue *Queue) State(ctx context.Context, jobID string) (jobqueue.State, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	job, ok := queue.jobs[jobID]
	if !ok {
		return jobqueue.StateAbsent, nil
	}
	if job.State == jobqueue.StateWaiting && job.FireAt.After(queue.nowFn()) {
		return jobqueue.StateDelayed, nil
	}
	return job.State, nil
}

// Claim implements jobqueue.Queue.
func (queue *Queue) Claim(ctx context.Context, now time.Time, limit int) ([]*jobqueue.Job, error) {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	var due []*jobqueue.Job
	for _, job := range queue.jobs {
		if job.State == jobqueue.StateWaiting && !job.FireAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*jobqueue.Job, 0, len(due))
	for _, job := range due {
		job.State = jobqueue.StateActive
		job.Attempts++
		copied := *job
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

// Complete implements jobqueue.Queue.
func (queue *Queue) Complete(ctx context.Context, jobID string) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	job, ok := queue.jobs[jobID]
	if !ok || job.State != jobqueue.StateActive {
		return jobqueue.ErrJobNotFound.New("%q", jobID)
	}
	job.State = jobqueue.StateCompleted
	return nil
}

// Requeue implements jobqueue.Queue.
func (queue *Queue) Requeue(ctx context.Context, jobID string, cause string, fireAt time.Time) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	job, ok := queue.jobs[jobID]
	if !ok || job.State != jobqueue.StateActive {
		return jobqueue.ErrJobNotFound.New("%q", jobID)
	}
	if job.Attempts > 0 {
		job.Attempts--
	}
	job.State = jobqueue.StateWaiting
	job.FireAt = fireAt
	job.LastError = cause
	return nil
}

// Fail implements jobqueue.Queue.
func (queue *Queue) Fail(ctx context.Context, jobID string, cause string, retryable bool) error {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	job, ok := queue.jobs[jobID]
	if !ok || job.State != jobqueue.StateActive {
		return jobqueue.ErrJobNotFound.New("%q", jobID)
	}

	job.LastError = cause
	if retryable && job.Attempts < queue.config.MaxAttempts {
		job.State = jobqueue.StateWaiting
		job.FireAt = queue.nowFn().Add(queue.config.Backoff(job.Attempts))
		return nil
	}
	job.State = jobqueue.StateFailed
	return nil
}

// Job returns a copy of the stored job, nil when absent.
func (queue *Queue) Job(jobID string) *jobqueue.Job {
	queue.mu.Lock()
	defer queue.mu.Unlock()

	job, ok := queue.jobs[jobID]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}

func (queue *Queue) now() time.Time {
	queue.mu.Lock()
	defer queue.mu.Unlock()
	return queue.nowFn()
}
