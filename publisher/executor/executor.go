// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package executor runs publish jobs: it pulls due jobs from the queue and
// drives drafts through stash upload and publish against upstream.
package executor

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/stashpost/stashpost/publisher/alerts"
	"github.com/stashpost/stashpost/publisher/blobs"
	"github.com/stashpost/stashpost/publisher/breaker"
	"github.com/stashpost/stashpost/publisher/deviantart"
	"github.com/stashpost/stashpost/publisher/drafts"
	"github.com/stashpost/stashpost/publisher/jobqueue"
	"github.com/stashpost/stashpost/publisher/pubmetrics"
	"github.com/stashpost/stashpost/publisher/ratelimit"
	"github.com/stashpost/stashpost/publisher/tokens"
)

var (
	mon = monkit.Package()

	// Error is the executor error class.
	Error = errs.Class("executor")
)

// Config holds publish executor configuration.
type Config struct {
	Concurrency       int           `help:"publish jobs executed in parallel" default:"2"`
	PollInterval      time.Duration `help:"how often to poll the queue for due jobs" default:"5s"`
	JobTimeout        time.Duration `help:"hard deadline for a whole publish job" default:"20m0s"`
	InterFileDelayMin time.Duration `help:"minimum pause between files of a multi-file draft" default:"3s"`
	InterFileDelayMax time.Duration `help:"maximum pause between files of a multi-file draft" default:"4s"`
}

// TokenSource hands out valid upstream access tokens.
type TokenSource interface {
	Token(ctx context.Context, userID uuid.UUID) (string, error)
}

// Upstream is the slice of the upstream client the executor uses.
type Upstream interface {
	StashSubmit(ctx context.Context, accessToken string, params deviantart.SubmitParams) (string, error)
	StashPublish(ctx context.Context, accessToken string, params deviantart.PublishParams) (deviantart.PublishResponse, error)
}

// Service pulls due publish jobs and executes them on a bounded worker pool.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	config  Config
	queue   jobqueue.Queue
	drafts  drafts.DB
	tokens  TokenSource
	client  Upstream
	blobs   blobs.Store
	breaker *breaker.Registry
	limiter *ratelimit.Limiter
	metrics *pubmetrics.Collector
	alerts  alerts.Sink

	Loop    *sync2.Cycle
	workers *sync2.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) bool
}

// NewService creates a publish executor.
func NewService(log *zap.Logger, config Config, queue jobqueue.Queue, draftsDB drafts.DB, tokenSource TokenSource, client Upstream, blobStore blobs.Store, breakerRegistry *breaker.Registry, limiter *ratelimit.Limiter, metrics *pubmetrics.Collector, sink alerts.Sink) *Service {
	return &Service{
		log:     log,
		config:  config,
		queue:   queue,
		drafts:  draftsDB,
		tokens:  tokenSource,
		client:  client,
		blobs:   blobStore,
		breaker: breakerRegistry,
		limiter: limiter,
		metrics: metrics,
		alerts:  sink,
		Loop:    sync2.NewCycle(config.PollInterval),
		workers: sync2.NewLimiter(config.Concurrency),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:   time.Now,
		sleepFn: sync2.Sleep,
	}
}

// TestSetNow allows tests to pin the current time.
func (service *Service) TestSetNow(nowFn func() time.Time) {
	service.nowFn = nowFn
}

// TestSetSleep allows tests to intercept wall-clock pauses.
func (service *Service) TestSetSleep(sleepFn func(ctx context.Context, d time.Duration) bool) {
	service.sleepFn = sleepFn
}

// Run runs the poll loop until ctx is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.RunOnce(ctx); err != nil {
			service.log.Error("queue poll failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the poll loop and waits for in-flight jobs.
func (service *Service) Close() error {
	service.Loop.Close()
	service.workers.Wait()
	return nil
}

// RunOnce claims due jobs and dispatches them to the worker pool.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	jobs, err := service.queue.Claim(ctx, service.nowFn(), service.config.Concurrency)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, job := range jobs {
		job := job
		started := service.workers.Go(ctx, func() {
			service.process(ctx, job)
		})
		if !started {
			// shutting down; the claim times out and recovery requeues it
			return nil
		}
	}
	return nil
}

// process executes one publish attempt for the job's draft.
func (service *Service) process(ctx context.Context, job *jobqueue.Job) {
	var err error
	defer mon.Task()(&ctx)(&err)

	if service.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, service.config.JobTimeout)
		defer cancel()
	}

	log := service.log.With(
		zap.String("job", job.ID),
		zap.Stringer("Draft ID", job.Payload.DraftID),
		zap.Stringer("User ID", job.Payload.UserID))

	service.metrics.JobStarted()
	started := service.nowFn()

	draft, err := service.drafts.GetForUser(ctx, job.Payload.DraftID, job.Payload.UserID)
	if err != nil {
		if drafts.ErrNotFound.Has(err) {
			log.Warn("draft vanished, dropping job")
			service.failJob(ctx, log, job, nil, Error.New("draft not found"), false)
			return
		}
		service.failJob(ctx, log, job, nil, err, true)
		return
	}

	if draft.Status == drafts.StatusPublished {
		// an earlier attempt finished but the completion was lost
		log.Info("draft already published")
		service.completeJob(ctx, log, job, started)
		return
	}
	if !draft.CanPublish() {
		service.failJob(ctx, log, job, nil, Error.New("draft in status %q cannot be published", draft.Status), false)
		return
	}

	files, err := service.drafts.Files(ctx, draft.ID)
	if err != nil {
		service.failJob(ctx, log, job, draft, err, true)
		return
	}
	if len(files) == 0 {
		service.failJob(ctx, log, job, draft, Error.New("draft has no files"), false)
		return
	}

	if draft.Status != drafts.StatusPublishing {
		if err := service.drafts.MarkPublishing(ctx, draft.ID, draft.ExecutionVersion); err != nil {
			if drafts.ErrVersionMismatch.Has(err) {
				log.Info("another instance took over the draft")
				service.failJob(ctx, log, job, nil, err, false)
				return
			}
			service.failJob(ctx, log, job, draft, err, true)
			return
		}
		draft.ExecutionVersion++
		draft.Status = drafts.StatusPublishing
	}

	accessToken, err := service.tokens.Token(ctx, draft.UserID)
	if err != nil {
		if tokens.ErrReauthRequired.Has(err) {
			service.alerts.Emit(ctx, alerts.Alert{
				Severity: alerts.SeverityCritical,
				Title:    "publish blocked, reauthorization required",
				Body:     "the publish failed because the upstream authorization is no longer valid",
				Context: map[string]string{
					"user_id":  draft.UserID.String(),
					"draft_id": draft.ID.String(),
				},
			})
		}
		service.failJob(ctx, log, job, draft, err, jobqueue.Retryable(err))
		return
	}

	if job.Payload.UploadMode == drafts.UploadSingle || draft.UploadMode == drafts.UploadSingle {
		files = files[:1]
	}

	userKey := draft.UserID.String()
	var result deviantart.PublishResponse

	for i, file := range files {
		if i > 0 {
			if !service.sleepFn(ctx, service.interFileDelay()) {
				service.failJob(ctx, log, job, draft, Error.Wrap(ctx.Err()), true)
				return
			}
		}

		if draft.StashItemID == "" {
			itemID, err := service.submitFile(ctx, accessToken, userKey, draft, file)
			if err != nil {
				service.failJob(ctx, log, job, draft, err, jobqueue.Retryable(err))
				return
			}
			if err := service.drafts.SetStashItemID(ctx, draft.ID, itemID); err != nil {
				service.failJob(ctx, log, job, draft, err, true)
				return
			}
			draft.StashItemID = itemID
		}

		result, err = service.publishItem(ctx, accessToken, userKey, draft)
		if err != nil {
			service.failJob(ctx, log, job, draft, err, jobqueue.Retryable(err))
			return
		}
	}

	if err := service.drafts.MarkPublished(ctx, draft.ID, drafts.PublishResult{
		DeviationID:  result.DeviationID,
		DeviationURL: result.URL,
	}); err != nil {
		service.failJob(ctx, log, job, draft, err, true)
		return
	}

	log.Info("draft published",
		zap.String("deviation", result.DeviationID),
		zap.String("url", result.URL))
	service.completeJob(ctx, log, job, started)
}

// submitFile uploads one file to the upstream stash, gated by the breaker
// and limiter.
func (service *Service) submitFile(ctx context.Context, accessToken, userKey string, draft *drafts.Draft, file drafts.File) (itemID string, err error) {
	defer mon.Task()(&ctx)(&err)

	err = service.callUpstream(ctx, userKey, func(ctx context.Context) error {
		blob, err := service.blobs.Open(ctx, file.BlobKey)
		if err != nil {
			return err
		}
		defer func() { _ = blob.Close() }()

		itemID, err = service.client.StashSubmit(ctx, accessToken, deviantart.SubmitParams{
			Filename:       file.BlobKey,
			MimeType:       file.MimeType,
			Body:           blob,
			Title:          draft.Title,
			ArtistComments: draft.Description,
		})
		return err
	})
	return itemID, err
}

// publishItem publishes the draft's stash item, gated by the breaker and
// limiter.
func (service *Service) publishItem(ctx context.Context, accessToken, userKey string, draft *drafts.Draft) (result deviantart.PublishResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	err = service.callUpstream(ctx, userKey, func(ctx context.Context) error {
		result, err = service.client.StashPublish(ctx, accessToken, deviantart.PublishParams{
			ItemID:            draft.StashItemID,
			Tags:              draft.Tags,
			GalleryIDs:        draft.GalleryIDs,
			Mature:            draft.Mature,
			MatureLevel:       string(draft.MatureLevel),
			AllowComments:     draft.AllowComments,
			AllowFreeDownload: draft.AllowFreeDownload,
			AddWatermark:      draft.AddWatermark,
			DisplayResolution: draft.DisplayResolution,
		})
		return err
	})
	return result, err
}

// callUpstream wraps one upstream call with the breaker gate, the adaptive
// limiter, and their feedback.
func (service *Service) callUpstream(ctx context.Context, userKey string, fn func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.breaker.ShouldAllow(ctx, userKey) {
		return breaker.ErrCircuitOpen.New("key %q", userKey)
	}
	if err := service.limiter.Acquire(ctx, userKey); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		if deviantart.IsRateLimit(err) {
			service.metrics.RateLimitHit()
			before := service.breaker.Status(ctx, userKey)
			service.breaker.RecordFailure(ctx, userKey)
			if before != breaker.StateOpen && service.breaker.Status(ctx, userKey) == breaker.StateOpen {
				service.metrics.CircuitOpened()
			}
			service.limiter.RecordFailure(userKey, deviantart.RetryAfterHint(err))
		}
		return err
	}

	service.breaker.RecordSuccess(ctx, userKey)
	service.limiter.RecordSuccess(userKey)
	return nil
}

// completeJob acknowledges the job and records the success.
func (service *Service) completeJob(ctx context.Context, log *zap.Logger, job *jobqueue.Job, started time.Time) {
	service.metrics.JobSucceeded(service.nowFn().Sub(started))
	if err := service.queue.Complete(ctx, job.ID); err != nil {
		log.Error("failed to complete job", zap.Error(err))
	}
}

// failJob records the attempt failure on the queue and, for terminal
// failures, on the draft. draft may be nil when the failure precedes loading
// it or the draft must not be touched.
func (service *Service) failJob(ctx context.Context, log *zap.Logger, job *jobqueue.Job, draft *drafts.Draft, cause error, retryable bool) {
	category := jobqueue.ErrorCategory(cause)

	if breaker.ErrCircuitOpen.Has(cause) {
		// the call never reached upstream, so the attempt does not count;
		// fire again once the open window has passed
		fireAt := service.nowFn().Add(service.breaker.OpenDuration())
		log.Info("circuit open, requeueing attempt",
			zap.Time("fire at", fireAt), zap.Error(cause))
		if err := service.queue.Requeue(ctx, job.ID, cause.Error(), fireAt); err != nil {
			log.Error("failed to requeue job", zap.Error(err))
		}
		return
	}

	if retryable {
		service.metrics.JobRetried()
		log.Warn("publish attempt failed, will retry",
			zap.String("category", category), zap.Error(cause))
	} else {
		service.metrics.JobFailed(category)
		log.Error("publish failed terminally",
			zap.String("category", category), zap.Error(cause))
		if draft != nil {
			if err := service.drafts.MarkFailed(ctx, draft.ID, cause.Error()); err != nil {
				log.Error("failed to record draft failure", zap.Error(err))
			}
		}
	}

	if err := service.queue.Fail(ctx, job.ID, cause.Error(), retryable); err != nil {
		log.Error("failed to record job failure", zap.Error(err))
	}
}

// interFileDelay picks a random pause between the configured bounds.
func (service *Service) interFileDelay() time.Duration {
	min, max := service.config.InterFileDelayMin, service.config.InterFileDelayMax
	if max <= min {
		return min
	}
	service.rngMu.Lock()
	defer service.rngMu.Unlock()
	return min + time.Duration(service.rng.Int63n(int64(max-min)))
}
