// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"context"
	"crypto/md5" //nolint:gosec // test only, matches shardString's own hash choice
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tim-chow/lru-cache/lib/backend"
	"github.com/tim-chow/lru-cache/lib/containers"
	"github.com/tim-chow/lru-cache/lib/serialize"
)

type strKey = containers.NativeOrdered[string]

func key(s string) strKey { return strKey{Val: s} }

func newTestEngine(t *testing.T, cfg Config) *Engine[strKey, string] {
	t.Helper()
	return NewEngine[strKey, string]("test", cfg, backend.NewMemory[strKey](), serialize.JSON[string]{})
}

func startEngine(t *testing.T, ctx context.Context, e *Engine[strKey, string]) {
	t.Helper()
	require.NoError(t, e.Start(ctx))
	require.True(t, e.WaitUsable(time.Second))
	t.Cleanup(func() { _ = e.Stop(ctx, time.Second) })
}

func baseConfig() Config {
	return Config{
		MaxEntryCount:        10,
		MaxSize:              1 << 20,
		MinUses:              1,
		MaxInactive:          time.Hour,
		LockAge:              50 * time.Millisecond,
		WaitCount:            2,
		ExpireInterval:       time.Hour,
		ForcedExpireInterval: time.Hour,
	}
}

// TestSingleThreadedHitMiss is the single-threaded hit/miss scenario
// of spec.md §8: a miss invokes the producer and caches the result; a
// subsequent Open for the same key is served from the backend without
// invoking the producer again.
func TestSingleThreadedHitMiss(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	e := newTestEngine(t, baseConfig())
	startEngine(t, ctx, e)

	var calls int32
	producer := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "value", nil
	}

	v, err := e.Open(ctx, key("k"), producer)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	v, err = e.Open(ctx, key("k"), producer)
	require.NoError(t, err)
	assert.Equal(t, "value", v)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "second Open must be a cache hit, not a second producer call")
}

// TestMinUsesGate checks §8's min-uses gate: with MinUses=2, the
// first Open for a key bypasses the cache and invokes the producer,
// the second invokes the producer and caches its result, and the
// third is a genuine cache hit.
func TestMinUsesGate(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := baseConfig()
	cfg.MinUses = 2
	e := newTestEngine(t, cfg)
	startEngine(t, ctx, e)

	var calls int32
	producer := func(ctx context.Context) (string, error) {
		n := atomic.AddInt32(&calls, 1)
		return fmt.Sprintf("value-%d", n), nil
	}

	v, err := e.Open(ctx, key("k"), producer)
	require.NoError(t, err)
	assert.Equal(t, "value-1", v)

	v, err = e.Open(ctx, key("k"), producer)
	require.NoError(t, err)
	assert.Equal(t, "value-2", v)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls), "the first two Opens must each call the producer")

	v, err = e.Open(ctx, key("k"), producer)
	require.NoError(t, err)
	assert.Equal(t, "value-2", v, "third Open should hit the cached value from the second call")
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

// TestCapacityRefusal checks §8's capacity-refusal scenario: once
// MaxEntryCount distinct keys are admitted and each is pinned by an
// in-flight producer, the bounded force-evict pass on admission finds
// nothing it may evict, so a new key is refused with
// ErrCodeCacheOverflow.
func TestCapacityRefusal(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := baseConfig()
	cfg.MaxEntryCount = 2
	e := newTestEngine(t, cfg)
	startEngine(t, ctx, e)

	hold := make(chan struct{})
	slow := func(ctx context.Context) (string, error) {
		<-hold
		return "v", nil
	}
	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { _, err := e.Open(ctx, key("a"), slow); errA <- err }()
	go func() { _, err := e.Open(ctx, key("b"), slow); errB <- err }()
	time.Sleep(20 * time.Millisecond) // let both Opens claim RESPONSIBLE_FOR_UPDATING, pinning a and b

	producer := func(ctx context.Context) (string, error) { return "v", nil }
	_, err := e.Open(ctx, key("c"), producer)
	require.Error(t, err)
	var cerr *CacheError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ErrCodeCacheOverflow, cerr.Code)

	close(hold)
	require.NoError(t, <-errA)
	require.NoError(t, <-errB)
}

// TestConcurrentSingleFlight is §8's concurrent single-flight
// scenario: 100 goroutines Open the same key while the producer sleeps
// 200ms; exactly one producer call should occur, and every goroutine
// should observe its result.
func TestConcurrentSingleFlight(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := baseConfig()
	cfg.WaitCount = 100
	cfg.LockAge = time.Second
	e := newTestEngine(t, cfg)
	startEngine(t, ctx, e)

	var calls int32
	producer := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(200 * time.Millisecond)
		return "shared", nil
	}

	const n = 100
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i], errs[i] = e.Open(ctx, key("hot"), producer)
		}()
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "single-flight must coalesce all concurrent producer calls into one")
}

// TestWaitCountExceeded is §8's wait-count-exceeded scenario: with
// WaitCount=2 and LockAge=0.05s, a waiter behind a slow producer gives
// up after its attempts are exhausted and is refused rather than
// blocking forever.
func TestWaitCountExceeded(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	cfg := baseConfig()
	cfg.WaitCount = 2
	cfg.LockAge = 50 * time.Millisecond
	e := newTestEngine(t, cfg)
	startEngine(t, ctx, e)

	holdProducer := make(chan struct{})
	slow := func(ctx context.Context) (string, error) {
		<-holdProducer
		return "slow", nil
	}
	defer close(holdProducer)

	go func() { _, _ = e.Open(ctx, key("hot"), slow) }()
	time.Sleep(20 * time.Millisecond) // let the first Open claim RESPONSIBLE_FOR_UPDATING

	fast := func(ctx context.Context) (string, error) { return "fast", nil }
	_, err := e.Open(ctx, key("hot"), fast)
	require.Error(t, err)
	var cerr *CacheError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ErrCodeWaitCountReached, cerr.Code)
}

// TestShardingDeterminism is §8's sharding-determinism scenario:
// Proxy picks the engine at the index MD5("foo") mod 5 predicts in the
// list it was built from.
func TestShardingDeterminism(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)

	const shards = 5
	engines := make([]*Engine[strKey, string], shards)
	for i := range engines {
		engines[i] = newTestEngine(t, baseConfig())
	}
	proxy := NewStringProxy(engines)
	require.NoError(t, proxy.Start(ctx))
	t.Cleanup(func() { _ = proxy.Stop(ctx, time.Second) })
	for _, e := range engines {
		require.True(t, e.WaitUsable(time.Second))
	}

	sum := md5.Sum([]byte("foo")) //nolint:gosec
	want := int(new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(shards)).Int64())

	got := proxy.pick(key("foo"))
	assert.Same(t, engines[want], got)
}

// TestPurgeIdempotent checks §4.4 purge's idempotence: purging an
// absent key reports PurgeKeyNotExists both times, and purging a
// present key succeeds once and then reports it absent.
func TestPurgeIdempotent(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	e := newTestEngine(t, baseConfig())
	startEngine(t, ctx, e)

	assert.Equal(t, PurgeKeyNotExists, e.Purge(ctx, key("missing")))
	assert.Equal(t, PurgeKeyNotExists, e.Purge(ctx, key("missing")))

	_, err := e.Open(ctx, key("k"), func(ctx context.Context) (string, error) { return "v", nil })
	require.NoError(t, err)

	assert.Equal(t, PurgeOK, e.Purge(ctx, key("k")))
	assert.Equal(t, PurgeKeyNotExists, e.Purge(ctx, key("k")))
}

// TestStatsAccounting exercises Engine.Stats' bookkeeping across
// admission.
func TestStatsAccounting(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	e := newTestEngine(t, baseConfig())
	startEngine(t, ctx, e)

	s := e.Stats()
	assert.Equal(t, "test", s.Name)
	assert.True(t, s.Usable)
	assert.Equal(t, 0, s.EntryCount)

	_, err := e.Open(ctx, key("k"), func(ctx context.Context) (string, error) { return "v", nil })
	require.NoError(t, err)

	s = e.Stats()
	assert.Equal(t, 1, s.EntryCount)
	assert.Greater(t, s.Size, int64(0))
}
