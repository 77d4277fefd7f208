// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package breaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/stashpost/stashpost/private/kvstore/testkv"
	"github.com/stashpost/stashpost/publisher/breaker"
	"github.com/stashpost/stashpost/publisher/deviantart"
)

func testConfig() breaker.Config {
	return breaker.Config{
		Enabled:             true,
		Threshold:           3,
		OpenDuration:        5 * time.Minute,
		HalfOpenMaxAttempts: 1,
	}
}

func TestOpenAfterThresholdAndRecover(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	registry := breaker.NewRegistry(zaptest.NewLogger(t), testConfig(), nil)
	registry.TestSetNow(func() time.Time { return now })

	const key = "user-1"

	for i := 0; i < 3; i++ {
		require.True(t, registry.ShouldAllow(ctx, key))
		registry.RecordFailure(ctx, key)
	}
	require.Equal(t, breaker.StateOpen, registry.Status(ctx, key))
	require.False(t, registry.ShouldAllow(ctx, key))

	// still inside the open window
	now = now.Add(4 * time.Minute)
	require.False(t, registry.ShouldAllow(ctx, key))

	// past the open window: admitted once, now half-open
	now = now.Add(2 * time.Minute)
	require.True(t, registry.ShouldAllow(ctx, key))
	require.Equal(t, breaker.StateHalfOpen, registry.Status(ctx, key))

	registry.RecordSuccess(ctx, key)
	require.Equal(t, breaker.StateClosed, registry.Status(ctx, key))

	// the failure count was reset with the close
	registry.RecordFailure(ctx, key)
	require.Equal(t, breaker.StateClosed, registry.Status(ctx, key))
	require.True(t, registry.ShouldAllow(ctx, key))
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	registry := breaker.NewRegistry(zaptest.NewLogger(t), testConfig(), nil)
	registry.TestSetNow(func() time.Time { return now })

	const key = "user-2"

	for i := 0; i < 3; i++ {
		registry.RecordFailure(ctx, key)
	}
	now = now.Add(6 * time.Minute)
	require.True(t, registry.ShouldAllow(ctx, key))

	registry.RecordFailure(ctx, key)
	require.Equal(t, breaker.StateOpen, registry.Status(ctx, key))
	require.False(t, registry.ShouldAllow(ctx, key))
}

func TestHalfOpenProbeBudget(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	registry := breaker.NewRegistry(zaptest.NewLogger(t), testConfig(), nil)
	registry.TestSetNow(func() time.Time { return now })

	const key = "user-3"

	for i := 0; i < 3; i++ {
		registry.RecordFailure(ctx, key)
	}
	now = now.Add(6 * time.Minute)

	require.True(t, registry.ShouldAllow(ctx, key))  // transition
	require.True(t, registry.ShouldAllow(ctx, key))  // the single probe
	require.False(t, registry.ShouldAllow(ctx, key)) // budget exhausted
}

func TestKeysIsolated(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := breaker.NewRegistry(zaptest.NewLogger(t), testConfig(), nil)

	for i := 0; i < 3; i++ {
		registry.RecordFailure(ctx, "user-a")
	}
	require.False(t, registry.ShouldAllow(ctx, "user-a"))
	require.True(t, registry.ShouldAllow(ctx, "user-b"))
}

func TestWithBreaker(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	registry := breaker.NewRegistry(zaptest.NewLogger(t), testConfig(), nil)
	const key = "user-4"

	// non-rate-limit errors propagate without counting
	for i := 0; i < 5; i++ {
		err := registry.WithBreaker(ctx, key, func(ctx context.Context) error {
			return deviantart.ErrServer.New("status 500")
		}, nil)
		require.Error(t, err)
	}
	require.Equal(t, breaker.StateClosed, registry.Status(ctx, key))

	// rate-limit errors open the circuit
	for i := 0; i < 3; i++ {
		err := registry.WithBreaker(ctx, key, func(ctx context.Context) error {
			return deviantart.ErrRateLimited.New("status 429")
		}, nil)
		require.Error(t, err)
	}
	require.Equal(t, breaker.StateOpen, registry.Status(ctx, key))

	err := registry.WithBreaker(ctx, key, func(ctx context.Context) error {
		t.Fatal("must not be called while open")
		return nil
	}, nil)
	require.True(t, breaker.ErrCircuitOpen.Has(err))

	fallbackCalled := false
	err = registry.WithBreaker(ctx, key, func(ctx context.Context) error {
		t.Fatal("must not be called while open")
		return nil
	}, func(ctx context.Context) error {
		fallbackCalled = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, fallbackCalled)
}

func TestDisabledAlwaysAllows(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := testConfig()
	config.Enabled = false
	registry := breaker.NewRegistry(zaptest.NewLogger(t), config, nil)

	for i := 0; i < 10; i++ {
		registry.RecordFailure(ctx, "user")
	}
	require.True(t, registry.ShouldAllow(ctx, "user"))
}

func TestStatePersistsAcrossRegistries(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	config := testConfig()
	config.Persist = true
	store := testkv.New()
	defer func() { require.NoError(t, store.Close()) }()

	now := time.Now()
	registry := breaker.NewRegistry(zaptest.NewLogger(t), config, store)
	registry.TestSetNow(func() time.Time { return now })

	const key = "user-5"
	for i := 0; i < 3; i++ {
		registry.RecordFailure(ctx, key)
	}
	require.Equal(t, breaker.StateOpen, registry.Status(ctx, key))

	// a fresh registry, as after a restart, sees the open circuit
	restarted := breaker.NewRegistry(zaptest.NewLogger(t), config, store)
	restarted.TestSetNow(func() time.Time { return now })
	require.False(t, restarted.ShouldAllow(ctx, key))

	now = now.Add(6 * time.Minute)
	require.True(t, restarted.ShouldAllow(ctx, key))
	require.Equal(t, breaker.StateHalfOpen, restarted.Status(ctx, key))
}
