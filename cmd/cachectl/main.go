// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command cachectl is a demonstration CLI over lib/cache: it loads a
// sharded engine configuration, then serves, benchmarks, or reports
// accounting stats for it.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tim-chow/lru-cache/lib/profile"
	"github.com/tim-chow/lru-cache/lib/textui"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

// subcommands collects the CLI's subcommands; each subcommand file's
// init() appends to this rather than touching a root command that
// doesn't exist until main() runs (ground: cmd/btrfs-rec/main.go's
// inspectors/repairers slices, collapsed to one level since cachectl
// has no inspect/repair subcommand grouping).
var subcommands []*cobra.Command

func main() {
	verbosity := logLevelFlag{Level: logrus.InfoLevel}

	rootCmd := &cobra.Command{
		Use:   "cachectl {[flags]|SUBCOMMAND}",
		Short: "Drive a sharded, bounded LRU cache engine",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{ //nolint:exhaustivestruct
			DisableDefaultCmd: true,
		},
	}
	rootCmd.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	rootCmd.SetHelpTemplate(cliutil.HelpTemplate)
	rootCmd.PersistentFlags().Var(&verbosity, "verbosity", "set the verbosity")
	stopProfiling := profile.AddProfileFlags(rootCmd.PersistentFlags(), "profile-")

	// bench, serve, and stats registered themselves into subcommands
	// from their own init()s (run before main, since rootCmd doesn't
	// exist yet at that point). Attach each to rootCmd here, wrapping
	// its RunE with the same dlog/dgroup plumbing btrfs-rec's main.go
	// gives every subcommand.
	for _, cmd := range subcommands {
		runE := cmd.RunE
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			logger.SetLevel(verbosity.Level)
			ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				cmd.SetContext(ctx)
				return runE(cmd, args)
			})
			return grp.Wait()
		}
		rootCmd.AddCommand(cmd)
	}

	err := rootCmd.ExecuteContext(context.Background())
	if stopErr := stopProfiling(); err == nil {
		err = stopErr
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", rootCmd.CommandPath(), err)
		os.Exit(1)
	}
}
