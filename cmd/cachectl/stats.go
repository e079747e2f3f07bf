// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/tim-chow/lru-cache/lib/cache"
	"github.com/tim-chow/lru-cache/lib/textui"
)

func init() {
	var configPath string
	var engineName string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Load a config file's shards, then print accounting stats",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			proxy := buildProxy(cfg)
			ctx := cmd.Context()
			if err := proxy.Start(ctx); err != nil {
				return fmt.Errorf("cachectl: stats: start: %w", err)
			}
			defer proxy.Stop(ctx, 5*time.Second) //nolint:errcheck

			engines := proxy.Engines()
			if engineName != "" {
				e, ok := proxy.EngineByName(engineName)
				if !ok {
					return fmt.Errorf("cachectl: stats: no shard named %q", engineName)
				}
				engines = []*cache.Engine[keyT, string]{e}
			}
			for _, e := range engines {
				e.WaitUsable(5 * time.Second)
				printStats(e.Stats())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the shard config file")
	_ = cmd.MarkFlagRequired("config")
	_ = cobra.MarkFlagFilename(cmd.Flags(), "config")
	cmd.Flags().StringVar(&engineName, "shard", "", "print only the named shard (default: all)")
	subcommands = append(subcommands, cmd)
}

func printStats(s cache.Stats) {
	textui.Fprintf(os.Stdout, "%-20s usable=%v entries=%d/%d size=%d/%d\n",
		s.Name, s.Usable, s.EntryCount, s.MaxEntryCount, s.Size, s.MaxSize)
}
