// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package ratelimit spaces outbound upstream calls with one adaptive delay
// per key. The delay shrinks multiplicatively on success and grows on
// rate-limit failures, always staying between the configured base and max.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
)

var (
	mon = monkit.Package()

	// Error is the ratelimit error class.
	Error = errs.Class("ratelimit")
)

// Config holds adaptive rate limiter configuration.
type Config struct {
	Enabled               bool          `help:"space outbound upstream calls per user" default:"true"`
	BaseDelay             time.Duration `help:"initial and minimum delay between upstream calls" default:"3s"`
	MaxDelay              time.Duration `help:"maximum delay between upstream calls" default:"1m0s"`
	JitterPercent         float64       `help:"random spread applied to each delay, in percent" default:"20"`
	SuccessDecreaseFactor float64       `help:"delay multiplier applied on success" default:"0.9"`
	FailureIncreaseFactor float64       `help:"delay multiplier applied on rate-limit failure" default:"2.0"`
}

// bucket is the per-key pacing state.
type bucket struct {
	currentDelay  time.Duration
	nextAllowedAt time.Time
}

// Limiter is a per-key delay gate with AIMD feedback.
//
// architecture: Service
type Limiter struct {
	log    *zap.Logger
	config Config

	mu      sync.Mutex
	buckets map[string]*bucket
	rng     *rand.Rand

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) bool
}

// NewLimiter creates an adaptive rate limiter.
func NewLimiter(log *zap.Logger, config Config) *Limiter {
	return &Limiter{
		log:     log,
		config:  config,
		buckets: make(map[string]*bucket),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:   time.Now,
		sleepFn: sync2.Sleep,
	}
}

// TestSetNow allows tests to pin the current time.
func (limiter *Limiter) TestSetNow(nowFn func() time.Time) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	limiter.nowFn = nowFn
}

// TestSetSleep allows tests to intercept blocking waits.
func (limiter *Limiter) TestSetSleep(sleepFn func(ctx context.Context, d time.Duration) bool) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	limiter.sleepFn = sleepFn
}

// Acquire blocks until a call for the key is allowed, then reserves the next
// slot currentDelay (with jitter) later. It returns early with the context
// error when ctx is canceled during the wait.
func (limiter *Limiter) Acquire(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !limiter.config.Enabled {
		return nil
	}

	limiter.mu.Lock()
	b := limiter.lookup(key)
	now := limiter.nowFn()

	wait := b.nextAllowedAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	b.nextAllowedAt = now.Add(wait).Add(limiter.jittered(b.currentDelay))
	sleep := limiter.sleepFn
	limiter.mu.Unlock()

	if wait > 0 {
		mon.Event("ratelimit_waited")
		if !sleep(ctx, wait) {
			return Error.Wrap(ctx.Err())
		}
	}
	return nil
}

// RecordSuccess shrinks the key's delay toward the base delay.
func (limiter *Limiter) RecordSuccess(key string) {
	if !limiter.config.Enabled {
		return
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	b := limiter.lookup(key)
	b.currentDelay = limiter.clamp(time.Duration(float64(b.currentDelay) * limiter.config.SuccessDecreaseFactor))
}

// RecordFailure grows the key's delay after a rate-limit response. A positive
// retryAfter is honored as a hard floor for the next acquisition.
func (limiter *Limiter) RecordFailure(key string, retryAfter time.Duration) {
	if !limiter.config.Enabled {
		return
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	b := limiter.lookup(key)
	b.currentDelay = limiter.clamp(time.Duration(float64(b.currentDelay) * limiter.config.FailureIncreaseFactor))

	if retryAfter > 0 {
		floor := limiter.nowFn().Add(retryAfter)
		if floor.After(b.nextAllowedAt) {
			b.nextAllowedAt = floor
		}
	}

	limiter.log.Debug("delay increased",
		zap.String("key", key),
		zap.Duration("current delay", b.currentDelay),
		zap.Duration("retry after", retryAfter))
}

// CurrentDelay returns the key's current delay.
func (limiter *Limiter) CurrentDelay(key string) time.Duration {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	return limiter.lookup(key).currentDelay
}

// lookup returns the bucket for the key. The limiter mutex must be held.
func (limiter *Limiter) lookup(key string) *bucket {
	b, ok := limiter.buckets[key]
	if !ok {
		b = &bucket{currentDelay: limiter.config.BaseDelay}
		limiter.buckets[key] = b
	}
	return b
}

// clamp keeps a delay inside [BaseDelay, MaxDelay].
func (limiter *Limiter) clamp(d time.Duration) time.Duration {
	if d < limiter.config.BaseDelay {
		return limiter.config.BaseDelay
	}
	if d > limiter.config.MaxDelay {
		return limiter.config.MaxDelay
	}
	return d
}

// jittered spreads the delay by up to ±JitterPercent. The limiter mutex must
// be held, it owns the rng.
func (limiter *Limiter) jittered(d time.Duration) time.Duration {
	if limiter.config.JitterPercent <= 0 {
		return d
	}
	spread := limiter.config.JitterPercent / 100
	factor := 1 + (limiter.rng.Float64()*2-1)*spread
	return time.Duration(float64(d) * factor)
}
