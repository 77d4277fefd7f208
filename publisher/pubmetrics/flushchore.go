// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package pubmetrics

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/stashpost/stashpost/private/kvstore"
)

// timelineKey indexes flushed snapshot keys by flush time.
const timelineKey = "metrics:publisher:timeline"

// FlushConfig holds metrics flush chore configuration.
type FlushConfig struct {
	Interval  time.Duration `help:"how often to flush metric snapshots to the key-value store" default:"1m0s"`
	Retention time.Duration `help:"how long flushed snapshots are kept" default:"24h0m0s"`
}

// FlushChore periodically writes collector snapshots to the key-value store
// under a per-minute key and indexes them in a trimmed timeline.
//
// architecture: Chore
type FlushChore struct {
	log       *zap.Logger
	collector *Collector
	store     kvstore.Store
	config    FlushConfig

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewFlushChore creates a metrics flush chore.
func NewFlushChore(log *zap.Logger, collector *Collector, store kvstore.Store, config FlushConfig) *FlushChore {
	return &FlushChore{
		log:       log,
		collector: collector,
		store:     store,
		config:    config,
		Loop:      sync2.NewCycle(config.Interval),
		nowFn:     time.Now,
	}
}

// TestSetNow allows tests to pin the current time.
func (chore *FlushChore) TestSetNow(nowFn func() time.Time) {
	chore.nowFn = nowFn
}

// Run runs the flush loop.
func (chore *FlushChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if err := chore.Flush(ctx); err != nil {
			chore.log.Error("metrics flush failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the chore.
func (chore *FlushChore) Close() error {
	chore.Loop.Close()
	return nil
}

// Flush writes the current snapshot and trims the timeline to the retention
// window.
func (chore *FlushChore) Flush(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := json.Marshal(chore.collector.Snapshot())
	if err != nil {
		return Error.Wrap(err)
	}

	now := chore.nowFn()
	key := "metrics:publisher:1min:" + strconv.FormatInt(now.Unix(), 10)

	if err := chore.store.Put(ctx, key, data, chore.config.Retention); err != nil {
		return Error.Wrap(err)
	}
	if err := chore.store.TimelineAdd(ctx, timelineKey, key, now); err != nil {
		return Error.Wrap(err)
	}
	if err := chore.store.TimelineTrim(ctx, timelineKey, now.Add(-chore.config.Retention)); err != nil {
		return Error.Wrap(err)
	}

	chore.log.Debug("metrics flushed", zap.String("key", key))
	return nil
}

// History returns the snapshot keys flushed within the window.
func (chore *FlushChore) History(ctx context.Context, from, to time.Time) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := chore.store.TimelineRange(ctx, timelineKey, from, to)
	return keys, Error.Wrap(err)
}
