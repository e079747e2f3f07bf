// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/tim-chow/lru-cache/lib/backend"
	"github.com/tim-chow/lru-cache/lib/cache"
	"github.com/tim-chow/lru-cache/lib/serialize"
	"github.com/tim-chow/lru-cache/lib/textui"
)

// benchEngineConfig mirrors benchmark.py's MemoryLRUCache construction
// (max_entry_count=10000, max_size=10GiB, max_inactive=3600s,
// expire_interval=10s, forced_expire_interval=2s, min_uses=1,
// lock_age=2s, wait_count=4, call_func_when_failure=False), built
// through cache.BuildConfig's functional-options chain rather than a
// struct literal.
func benchEngineConfig() cache.Config {
	cfg, err := cache.BuildConfig(
		cache.WithMaxEntryCount(10000),
		cache.WithMaxSize(10*1024*1024*1024),
		cache.WithMinUses(1),
		cache.WithMaxInactive(3600*time.Second),
		cache.WithLockAge(2*time.Second),
		cache.WithWaitCount(4),
		cache.WithExpireInterval(10*time.Second),
		cache.WithForcedExpireInterval(2*time.Second),
		cache.WithCallFuncWhenFailure(false),
	)
	if err != nil {
		// Every required option above is supplied literally; a
		// missing field here would be a programmer error.
		panic(err)
	}
	return cfg
}

func init() {
	var shardCount, groupCount, threadCount, loopCount int
	var dumpStats bool

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Hammer an in-memory proxy cache with concurrent single-flight traffic",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBench(cmd.Context(), shardCount, groupCount, threadCount, loopCount, dumpStats)
		},
	}
	cmd.Flags().IntVar(&shardCount, "shards", 5, "number of in-memory cache shards")
	cmd.Flags().IntVar(&groupCount, "groups", 20, "number of distinct keys hammered")
	cmd.Flags().IntVar(&threadCount, "threads", 100, "number of concurrent goroutines")
	cmd.Flags().IntVar(&loopCount, "loops", 15000, "number of cache.Open calls per goroutine")
	cmd.Flags().BoolVar(&dumpStats, "dump", false, "spew.Dump per-shard Stats after the run")
	subcommands = append(subcommands, cmd)
}

// runBench is the Go translation of benchmark.py's test(): CACHE_COUNT
// in-memory shards behind a Proxy, THREAD_COUNT goroutines each
// calling the proxy-decorated func LOOP_COUNT times, keyed by
// `ind % GROUP_COUNT` so multiple goroutines race on the same key and
// exercise the single-flight path.
func runBench(ctx context.Context, shardCount, groupCount, threadCount, loopCount int, dumpStats bool) error {
	engines := make([]*cache.Engine[keyT, string], shardCount)
	for i := range engines {
		engines[i] = cache.NewEngine[keyT, string](
			fmt.Sprintf("memory-cache-%d", i),
			benchEngineConfig(),
			backend.NewMemory[keyT](),
			serialize.JSON[string]{},
		)
	}
	proxy := cache.NewStringProxy(engines)

	if err := proxy.Start(ctx); err != nil {
		return fmt.Errorf("cachectl: bench: start: %w", err)
	}
	defer func() {
		if err := proxy.Stop(ctx, 5*time.Second); err != nil {
			dlog.Errorf(ctx, "bench: stop: %v", err)
		}
	}()
	for _, e := range engines {
		e.WaitUsable(5 * time.Second)
	}

	producer := func(ctx context.Context) (string, error) {
		return "", nil
	}

	var wg sync.WaitGroup
	var failures int64
	var failuresMu sync.Mutex
	wg.Add(threadCount)
	start := time.Now()
	for i := 0; i < threadCount; i++ {
		groupID := i % groupCount
		key := keyT{Val: strconv.Itoa(groupID)}
		go func() {
			defer wg.Done()
			for n := 0; n < loopCount; n++ {
				if _, err := proxy.Open(ctx, key, producer); err != nil {
					failuresMu.Lock()
					failures++
					failuresMu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	total := int64(threadCount) * int64(loopCount)
	textui.Fprintf(os.Stdout, "%d requests in %s (%.0f req/s), %d failures\n",
		total, elapsed, float64(total)/elapsed.Seconds(), failures)

	if dumpStats {
		for _, e := range engines {
			spew.Fdump(os.Stdout, e.Stats())
		}
	}
	return nil
}
