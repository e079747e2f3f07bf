// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/tim-chow/lru-cache/lib/cache"
	"github.com/tim-chow/lru-cache/lib/textui"
)

// shardProgress bundles one shard's accounting snapshot with live
// process memory use, the way lib/btrfsutil/scan.go's scanStats[T]
// bundles a Portion with caller-supplied scan stats — both fields
// feed a single textui.Progress line.
type shardProgress struct {
	cache.Stats
	mem *textui.LiveMemUse
}

func (s shardProgress) String() string {
	return textui.Sprintf("%v (mem %v)", s.Stats, s.mem)
}

// reportProgress runs one textui.Progress per shard, refreshing each
// from Engine.Stats on a timer until ctx is cancelled. Ground:
// lib/btrfsutil/scan.go's NewProgress/Set/Done usage, adapted from a
// hot-loop-driven refresh to a ticker since serve has no hot loop of
// its own to hang Set calls off of.
func reportProgress(ctx context.Context, engines []*cache.Engine[keyT, string]) {
	mem := &textui.LiveMemUse{}
	writers := make([]*textui.Progress[shardProgress], len(engines))
	for i := range engines {
		writers[i] = textui.NewProgress[shardProgress](ctx, dlog.LogLevelInfo, textui.Tunable(5*time.Second))
	}
	defer func() {
		for _, w := range writers {
			w.Done()
		}
	}()

	ticker := time.NewTicker(textui.LiveMemUseUpdateInterval)
	defer ticker.Stop()
	for {
		for i, e := range engines {
			writers[i].Set(shardProgress{Stats: e.Stats(), mem: mem})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load a config file's shards and run their lifecycle managers until signalled",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			proxy := buildProxy(cfg)

			ctx := cmd.Context()
			if err := proxy.Start(ctx); err != nil {
				return fmt.Errorf("cachectl: serve: start: %w", err)
			}
			for _, e := range proxy.Engines() {
				e.WaitUsable(0)
				dlog.Infof(ctx, "serve: shard %s loaded and usable", e.Name())
			}

			go reportProgress(ctx, proxy.Engines())

			<-ctx.Done()
			dlog.Infof(ctx, "serve: shutting down")
			return proxy.Stop(ctx, 0)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the shard config file")
	_ = cmd.MarkFlagRequired("config")
	_ = cobra.MarkFlagFilename(cmd.Flags(), "config")
	subcommands = append(subcommands, cmd)
}
