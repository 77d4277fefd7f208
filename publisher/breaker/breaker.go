// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package breaker gates outbound upstream calls with one circuit state
// machine per key, usually keyed by user.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stashpost/stashpost/private/kvstore"
	"github.com/stashpost/stashpost/publisher/deviantart"
)

var (
	mon = monkit.Package()

	// Error is the breaker error class.
	Error = errs.Class("breaker")

	// ErrCircuitOpen is returned when a call is denied by an open circuit.
	// The denied attempt never reached upstream; it may be retried once
	// the open window has passed.
	ErrCircuitOpen = errs.Class("circuit open")
)

// State is a circuit state.
type State string

// Circuit states.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds circuit breaker configuration.
type Config struct {
	Enabled             bool          `help:"gate upstream calls with per-user circuit breakers" default:"true"`
	Threshold           int           `help:"consecutive failures before the circuit opens" default:"3"`
	OpenDuration        time.Duration `help:"how long an open circuit rejects calls" default:"5m0s"`
	HalfOpenMaxAttempts int           `help:"probe calls admitted while half-open" default:"1"`
	Persist             bool          `help:"write circuit state through to the key-value store" default:"false"`
}

// circuit is the per-key state machine.
type circuit struct {
	state            State
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// persistedCircuit is the kvstore representation of a circuit.
type persistedCircuit struct {
	State            State     `json:"state"`
	Failures         int       `json:"failures"`
	LastFailure      time.Time `json:"lastFailure"`
	HalfOpenAttempts int       `json:"halfOpenAttempts"`
}

// Registry owns all circuits. It is process-local first; when configured
// with a store it writes state through so a restarted process recovers a
// breaker mid-open. Store failures are logged, never fatal.
type Registry struct {
	log    *zap.Logger
	config Config
	store  kvstore.Store // may be nil

	mu       sync.Mutex
	circuits map[string]*circuit

	nowFn func() time.Time
}

// NewRegistry creates a circuit breaker registry. store may be nil to keep
// state purely in-process.
func NewRegistry(log *zap.Logger, config Config, store kvstore.Store) *Registry {
	if !config.Persist {
		store = nil
	}
	return &Registry{
		log:      log,
		config:   config,
		store:    store,
		circuits: make(map[string]*circuit),
		nowFn:    time.Now,
	}
}

// TestSetNow allows tests to pin the current time.
func (registry *Registry) TestSetNow(nowFn func() time.Time) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.nowFn = nowFn
}

// ShouldAllow reports whether a call for the key may proceed, transitioning
// OPEN circuits to HALF_OPEN once the open window has passed.
func (registry *Registry) ShouldAllow(ctx context.Context, key string) bool {
	if !registry.config.Enabled {
		return true
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	c := registry.lookup(ctx, key)
	now := registry.nowFn()

	switch c.state {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(c.lastFailure) < registry.config.OpenDuration {
			mon.Event("breaker_rejected")
			return false
		}
		// the transitioning query is admitted and not counted as a probe
		c.state = StateHalfOpen
		c.halfOpenAttempts = 0
		registry.persist(ctx, key, c)
		mon.Event("breaker_half_open")
		registry.log.Info("circuit half-open", zap.String("key", key))
		return true

	case StateHalfOpen:
		if c.halfOpenAttempts < registry.config.HalfOpenMaxAttempts {
			c.halfOpenAttempts++
			return true
		}
		mon.Event("breaker_rejected")
		return false

	default:
		return true
	}
}

// RecordSuccess closes the circuit and resets its failure count.
func (registry *Registry) RecordSuccess(ctx context.Context, key string) {
	if !registry.config.Enabled {
		return
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	c := registry.lookup(ctx, key)
	if c.state == StateClosed && c.failures == 0 {
		return
	}

	c.state = StateClosed
	c.failures = 0
	c.halfOpenAttempts = 0
	registry.persist(ctx, key, c)
	registry.log.Debug("circuit closed", zap.String("key", key))
}

// RecordFailure counts a failure, opening the circuit when the threshold is
// reached or when any half-open probe fails.
func (registry *Registry) RecordFailure(ctx context.Context, key string) {
	if !registry.config.Enabled {
		return
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	c := registry.lookup(ctx, key)
	c.failures++
	c.lastFailure = registry.nowFn()

	opened := false
	switch {
	case c.state == StateHalfOpen:
		opened = true
	case c.state == StateClosed && c.failures >= registry.config.Threshold:
		opened = true
	}

	if opened {
		c.state = StateOpen
		mon.Event("breaker_opened")
		registry.log.Warn("circuit opened",
			zap.String("key", key),
			zap.Int("failures", c.failures))
	}
	registry.persist(ctx, key, c)
}

// OpenDuration returns how long an open circuit rejects calls.
func (registry *Registry) OpenDuration() time.Duration {
	return registry.config.OpenDuration
}

// Status returns the current state for the key without transitioning it.
func (registry *Registry) Status(ctx context.Context, key string) State {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return registry.lookup(ctx, key).state
}

// WithBreaker runs fn gated by the key's circuit. A denied call returns
// fallback's result when fallback is non-nil, otherwise ErrCircuitOpen.
// Only rate-limit errors count against the breaker; other errors propagate
// without touching its state.
func (registry *Registry) WithBreaker(ctx context.Context, key string, fn func(ctx context.Context) error, fallback func(ctx context.Context) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !registry.ShouldAllow(ctx, key) {
		if fallback != nil {
			return fallback(ctx)
		}
		return ErrCircuitOpen.New("key %q", key)
	}

	if err := fn(ctx); err != nil {
		if deviantart.IsRateLimit(err) {
			registry.RecordFailure(ctx, key)
		}
		return err
	}

	registry.RecordSuccess(ctx, key)
	return nil
}

// lookup returns the circuit for the key, restoring persisted state on first
// access. The registry mutex must be held.
func (registry *Registry) lookup(ctx context.Context, key string) *circuit {
	if c, ok := registry.circuits[key]; ok {
		return c
	}

	c := &circuit{state: StateClosed}
	if registry.store != nil {
		if data, err := registry.store.Get(ctx, storeKey(key)); err == nil {
			var stored persistedCircuit
			if err := json.Unmarshal(data, &stored); err == nil {
				c.state = stored.State
				c.failures = stored.Failures
				c.lastFailure = stored.LastFailure
				c.halfOpenAttempts = stored.HalfOpenAttempts
			}
		} else if !kvstore.ErrKeyNotFound.Has(err) {
			registry.log.Debug("circuit state load failed",
				zap.String("key", key), zap.Error(err))
		}
	}
	registry.circuits[key] = c
	return c
}

// persist writes the circuit state through to the store, best effort. The
// registry mutex must be held.
func (registry *Registry) persist(ctx context.Context, key string, c *circuit) {
	if registry.store == nil {
		return
	}

	data, err := json.Marshal(persistedCircuit{
		State:            c.state,
		Failures:         c.failures,
		LastFailure:      c.lastFailure,
		HalfOpenAttempts: c.halfOpenAttempts,
	})
	if err != nil {
		registry.log.Error("circuit state encoding failed", zap.Error(Error.Wrap(err)))
		return
	}

	ttl := registry.config.OpenDuration + time.Minute
	if err := registry.store.Put(ctx, storeKey(key), data, ttl); err != nil {
		registry.log.Debug("circuit state persistence failed",
			zap.String("key", key), zap.Error(err))
	}
}

func storeKey(key string) string { return "circuit:" + key }
