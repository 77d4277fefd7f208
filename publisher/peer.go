// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package publisher assembles the publishing pipeline: token management,
// automated scheduling, the durable job queue, the publish executor and the
// recovery sweep.
package publisher

import (
	"context"
	"runtime/pprof"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stashpost/stashpost/private/kvstore"
	"github.com/stashpost/stashpost/private/lifecycle"
	"github.com/stashpost/stashpost/publisher/alerts"
	"github.com/stashpost/stashpost/publisher/blobs"
	"github.com/stashpost/stashpost/publisher/breaker"
	"github.com/stashpost/stashpost/publisher/deviantart"
	"github.com/stashpost/stashpost/publisher/executor"
	"github.com/stashpost/stashpost/publisher/jobqueue"
	"github.com/stashpost/stashpost/publisher/publisherdb"
	"github.com/stashpost/stashpost/publisher/pubmetrics"
	"github.com/stashpost/stashpost/publisher/ratelimit"
	"github.com/stashpost/stashpost/publisher/readcache"
	"github.com/stashpost/stashpost/publisher/recovery"
	"github.com/stashpost/stashpost/publisher/scheduler"
	"github.com/stashpost/stashpost/publisher/tokens"
)

var (
	mon = monkit.Package()

	// Error is the publisher peer error class.
	Error = errs.Class("publisher")
)

// RedisConfig locates the shared key-value store.
type RedisConfig struct {
	Address string `help:"redis:// address for shared state; empty keeps all state in process" default:""`
}

// BlobConfig locates draft file storage.
type BlobConfig struct {
	Dir string `help:"directory draft files are read from" default:"blobs"`
}

// Config is the complete publisher configuration.
type Config struct {
	Database publisherdb.Config
	Jobs     jobqueue.Config
	Redis    RedisConfig
	Blobs    BlobConfig

	Upstream   deviantart.Config
	Tokens     tokens.Config
	TokenWatch tokens.WatchConfig

	Breaker   breaker.Config
	RateLimit ratelimit.Config
	Cache     readcache.Config
	Metrics   pubmetrics.FlushConfig

	Executor  executor.Config
	Scheduler scheduler.Config
	Recovery  recovery.Config

	AlertWebhook alerts.WebhookConfig
}

// Peer is the publisher process: every chore and service wired together.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  *publisherdb.DB
	KV  kvstore.Store // may be nil

	Services *lifecycle.Group

	Queue jobqueue.Queue

	Alerts   alerts.Sinks
	Upstream *deviantart.Client
	Blobs    blobs.Store

	Tokens struct {
		Service *tokens.Service
		Watch   *tokens.WatchChore
	}

	Breaker   *breaker.Registry
	RateLimit *ratelimit.Limiter

	Metrics struct {
		Collector *pubmetrics.Collector
		Flush     *pubmetrics.FlushChore
	}

	Cache *readcache.Coordinator

	Executor  *executor.Service
	Scheduler *scheduler.Chore
	Recovery  *recovery.Chore
}

// New wires the publisher peer. kv may be nil: circuit persistence and the
// metrics flush are skipped and the read cache stays in memory.
func New(log *zap.Logger, db *publisherdb.DB, kv kvstore.Store, config Config) (*Peer, error) {
	peer := &Peer{
		Log: log,
		DB:  db,
		KV:  kv,

		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // queue and alerting
		peer.Queue = db.Jobs()

		peer.Alerts = alerts.Sinks{alerts.NewLogSink(log.Named("alerts"))}
		if config.AlertWebhook.URL != "" {
			peer.Alerts = append(peer.Alerts,
				alerts.NewWebhookSink(log.Named("alerts:webhook"), config.AlertWebhook))
		}
	}

	{ // upstream and blobs
		peer.Upstream = deviantart.NewClient(config.Upstream)
		peer.Blobs = blobs.NewDiskStore(config.Blobs.Dir)
	}

	{ // token management
		peer.Tokens.Service = tokens.NewService(log.Named("tokens"),
			db.Users(), peer.Upstream, config.Tokens)

		peer.Tokens.Watch = tokens.NewWatchChore(log.Named("tokens:watch"),
			db.Users(), peer.Alerts, config.TokenWatch)
		peer.Services.Add(lifecycle.Item{
			Name:  "tokens:watch",
			Run:   peer.Tokens.Watch.Run,
			Close: peer.Tokens.Watch.Close,
		})
	}

	{ // upstream protection
		peer.Breaker = breaker.NewRegistry(log.Named("breaker"), config.Breaker, kv)
		peer.RateLimit = ratelimit.NewLimiter(log.Named("ratelimit"), config.RateLimit)
	}

	{ // metrics
		peer.Metrics.Collector = pubmetrics.NewCollector()
		if kv != nil {
			peer.Metrics.Flush = pubmetrics.NewFlushChore(log.Named("metrics:flush"),
				peer.Metrics.Collector, kv, config.Metrics)
			peer.Services.Add(lifecycle.Item{
				Name:  "metrics:flush",
				Run:   peer.Metrics.Flush.Run,
				Close: peer.Metrics.Flush.Close,
			})
		}
	}

	{ // upstream read cache
		var store readcache.Store = readcache.NewMemoryStore()
		if kv != nil {
			store = readcache.NewKVStore(kv, config.Cache.StaleTTL)
		}
		peer.Cache = readcache.NewCoordinator(log.Named("readcache"), store, config.Cache)
	}

	{ // publish executor
		peer.Executor = executor.NewService(log.Named("executor"), config.Executor,
			peer.Queue, db.Drafts(), peer.Tokens.Service, peer.Upstream, peer.Blobs,
			peer.Breaker, peer.RateLimit, peer.Metrics.Collector, peer.Alerts)
		peer.Services.Add(lifecycle.Item{
			Name:  "executor",
			Run:   peer.Executor.Run,
			Close: peer.Executor.Close,
		})
	}

	{ // automation scheduler
		peer.Scheduler = scheduler.NewChore(log.Named("scheduler"), config.Scheduler,
			db.Users(), db.Drafts(), db.Automations(), peer.Queue)
		peer.Services.Add(lifecycle.Item{
			Name:  "scheduler",
			Run:   peer.Scheduler.Run,
			Close: peer.Scheduler.Close,
		})
	}

	{ // stuck draft recovery
		peer.Recovery = recovery.NewChore(log.Named("recovery"), config.Recovery,
			db.Drafts(), peer.Queue, peer.Alerts)
		peer.Services.Add(lifecycle.Item{
			Name:  "recovery",
			Run:   peer.Recovery.Run,
			Close: peer.Recovery.Close,
		})
	}

	return peer, nil
}

// Run starts all services and blocks until the first failure or until the
// context is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	group, ctx := errgroup.WithContext(ctx)

	pprof.Do(ctx, pprof.Labels("subsystem", "publisher"), func(ctx context.Context) {
		peer.Services.Run(ctx, group)

		pprof.Do(ctx, pprof.Labels("name", "subsystem-wait"), func(ctx context.Context) {
			err = group.Wait()
		})
	})
	return err
}

// Close shuts the services down in reverse start order.
func (peer *Peer) Close() error {
	return peer.Services.Close()
}
