// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package pubmetrics_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/stashpost/stashpost/private/kvstore/testkv"
	"github.com/stashpost/stashpost/publisher/pubmetrics"
)

func TestSnapshotCounters(t *testing.T) {
	collector := pubmetrics.NewCollector()

	for i := 0; i < 4; i++ {
		collector.JobStarted()
	}
	collector.JobSucceeded(100 * time.Millisecond)
	collector.JobSucceeded(200 * time.Millisecond)
	collector.JobSucceeded(300 * time.Millisecond)
	collector.JobFailed("AUTH_FAILURE")
	collector.JobRetried()
	collector.RateLimitHit()
	collector.CircuitOpened()

	snapshot := collector.Snapshot()
	require.EqualValues(t, 4, snapshot.TotalJobs)
	require.EqualValues(t, 3, snapshot.Successful)
	require.EqualValues(t, 1, snapshot.Failed)
	require.EqualValues(t, 1, snapshot.Retried)
	require.EqualValues(t, 1, snapshot.RateLimitHits)
	require.EqualValues(t, 1, snapshot.CircuitBreakerOpens)
	require.EqualValues(t, 1, snapshot.ErrorCategories["AUTH_FAILURE"])
	require.Equal(t, 75.0, snapshot.SuccessRate)
}

func TestSuccessRateRounding(t *testing.T) {
	collector := pubmetrics.NewCollector()
	collector.JobSucceeded(time.Millisecond)
	collector.JobSucceeded(time.Millisecond)
	collector.JobFailed("UPSTREAM_5XX")

	// 2/3 rounds to 66.67
	require.Equal(t, 66.67, collector.Snapshot().SuccessRate)
}

func TestLatencyPercentiles(t *testing.T) {
	collector := pubmetrics.NewCollector()
	for i := 1; i <= 100; i++ {
		collector.JobSucceeded(time.Duration(i) * time.Millisecond)
	}

	latency := collector.Snapshot().Latency
	require.Equal(t, 50*time.Millisecond, latency.P50)
	require.Equal(t, 95*time.Millisecond, latency.P95)
	require.Equal(t, 99*time.Millisecond, latency.P99)
	require.Equal(t, 100*time.Millisecond, latency.Max)
	require.Equal(t, 50500*time.Microsecond, latency.Avg)
}

func TestLatencyRingBounded(t *testing.T) {
	collector := pubmetrics.NewCollector()

	// the first 1000 samples are slow, the next 1000 overwrite them
	for i := 0; i < 1000; i++ {
		collector.JobSucceeded(time.Hour)
	}
	for i := 0; i < 1000; i++ {
		collector.JobSucceeded(time.Millisecond)
	}

	require.Equal(t, time.Millisecond, collector.Snapshot().Latency.Max)
}

func TestRenderPrometheus(t *testing.T) {
	collector := pubmetrics.NewCollector()
	collector.JobStarted()
	collector.JobSucceeded(250 * time.Millisecond)
	collector.JobFailed("VALIDATION")

	text := collector.RenderPrometheus()
	require.Contains(t, text, "# TYPE publisher_jobs_total counter")
	require.Contains(t, text, "publisher_jobs_total 1")
	require.Contains(t, text, "publisher_success_rate 50.00")
	require.Contains(t, text, `publisher_errors_total{category="VALIDATION"} 1`)
	require.Contains(t, text, "publisher_latency_p50_ms 250")
	require.False(t, strings.HasPrefix(text, "\n"))
}

func TestFlushChore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := testkv.New()
	defer func() { require.NoError(t, store.Close()) }()

	collector := pubmetrics.NewCollector()
	collector.JobSucceeded(time.Second)

	chore := pubmetrics.NewFlushChore(zaptest.NewLogger(t), collector, store, pubmetrics.FlushConfig{
		Interval:  time.Minute,
		Retention: 24 * time.Hour,
	})

	now := time.Now()
	chore.TestSetNow(func() time.Time { return now })
	require.NoError(t, chore.Flush(ctx))

	keys, err := chore.History(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, keys, 1)

	data, err := store.Get(ctx, keys[0])
	require.NoError(t, err)

	var snapshot pubmetrics.Snapshot
	require.NoError(t, json.Unmarshal(data, &snapshot))
	require.EqualValues(t, 1, snapshot.Successful)

	// a flush a day later trims the first key out of the timeline
	now = now.Add(25 * time.Hour)
	require.NoError(t, chore.Flush(ctx))

	keys, err = chore.History(ctx, now.Add(-24*time.Hour), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, keys, 1)
}
