// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tim-chow/lru-cache/lib/backend"
	"github.com/tim-chow/lru-cache/lib/cache"
	"github.com/tim-chow/lru-cache/lib/containers"
	"github.com/tim-chow/lru-cache/lib/serialize"
)

// keyT is the key type every cachectl subcommand shards on.
type keyT = containers.NativeOrdered[string]

// BackendConfig selects and configures one shard's storage back end.
type BackendConfig struct {
	Type         string        `yaml:"type"` // "memory" or "filetree"
	Dir          string        `yaml:"dir,omitempty"`
	Levels       string        `yaml:"levels,omitempty"`
	LoadMaxFiles int           `yaml:"load_max_files,omitempty"`
	LoadInterval time.Duration `yaml:"load_interval,omitempty"`
}

// ShardConfig is one engine's worth of tunables (§6), the YAML analog
// of file_lru_cache.py's FileLRUCacheBuilder fields.
type ShardConfig struct {
	Name                 string        `yaml:"name"`
	MaxEntryCount        int           `yaml:"max_entry_count"`
	MaxSize              int64         `yaml:"max_size"`
	MinUses              int           `yaml:"min_uses"`
	MaxInactive          time.Duration `yaml:"max_inactive"`
	LockAge              time.Duration `yaml:"lock_age"`
	WaitCount            int           `yaml:"wait_count"`
	ExpireInterval       time.Duration `yaml:"expire_interval"`
	ForcedExpireInterval time.Duration `yaml:"forced_expire_interval"`
	CallFuncWhenFailure  bool          `yaml:"call_func_when_failure"`
	Backend              BackendConfig `yaml:"backend"`
}

// Config is the top-level cachectl config file: one or more shards
// behind a single Proxy, sharded by key per lib/cache.Proxy.
type Config struct {
	Shards []ShardConfig `yaml:"shards"`
}

func loadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("cachectl: parsing %s: %w", path, err)
	}
	if len(cfg.Shards) == 0 {
		return nil, fmt.Errorf("cachectl: %s: missing shards", path)
	}
	for i, shard := range cfg.Shards {
		if err := shard.validate(); err != nil {
			return nil, fmt.Errorf("cachectl: %s: shard[%d]: %w", path, i, err)
		}
	}
	return &cfg, nil
}

// validate mirrors FileLRUCacheBuilder.build()'s required-field
// checks, one RuntimeError("missing ...") per field.
func (c ShardConfig) validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("missing name")
	case c.MaxEntryCount == 0:
		return fmt.Errorf("missing max_entry_count")
	case c.MaxSize == 0:
		return fmt.Errorf("missing max_size")
	case c.MinUses == 0:
		return fmt.Errorf("missing min_uses")
	case c.MaxInactive == 0:
		return fmt.Errorf("missing max_inactive")
	case c.LockAge == 0:
		return fmt.Errorf("missing lock_age")
	case c.WaitCount == 0:
		return fmt.Errorf("missing wait_count")
	case c.ExpireInterval == 0:
		return fmt.Errorf("missing expire_interval")
	case c.ForcedExpireInterval == 0:
		return fmt.Errorf("missing forced_expire_interval")
	}
	switch c.Backend.Type {
	case "memory":
	case "filetree":
		if c.Backend.Dir == "" {
			return fmt.Errorf("backend: missing dir")
		}
	default:
		return fmt.Errorf("backend: unknown type %q", c.Backend.Type)
	}
	return nil
}

func (c ShardConfig) engineConfig() cache.Config {
	return cache.Config{
		MaxEntryCount:        c.MaxEntryCount,
		MaxSize:              c.MaxSize,
		MinUses:              c.MinUses,
		MaxInactive:          c.MaxInactive,
		LockAge:              c.LockAge,
		WaitCount:            c.WaitCount,
		ExpireInterval:       c.ExpireInterval,
		ForcedExpireInterval: c.ForcedExpireInterval,
		CallFuncWhenFailure:  c.CallFuncWhenFailure,
	}
}

func (c ShardConfig) buildBackend() backend.Backend[keyT] {
	switch c.Backend.Type {
	case "filetree":
		levels := backend.ParseLevels(c.Backend.Levels)
		loadMaxFiles := c.Backend.LoadMaxFiles
		if loadMaxFiles == 0 {
			loadMaxFiles = 1000
		}
		return backend.NewFileTree(c.Backend.Dir, levels, loadMaxFiles, c.Backend.LoadInterval)
	default:
		return backend.NewMemory[keyT]()
	}
}

// buildProxy constructs one Engine per shard and wires them behind a
// string-keyed Proxy (§4.6). Values are plain strings, serialized
// with lib/serialize.JSON, which is all cachectl's demo subcommands
// need.
func buildProxy(cfg *Config) *cache.Proxy[keyT, string] {
	engines := make([]*cache.Engine[keyT, string], len(cfg.Shards))
	for i, shard := range cfg.Shards {
		engines[i] = cache.NewEngine[keyT, string](
			shard.Name, shard.engineConfig(), shard.buildBackend(), serialize.JSON[string]{})
	}
	return cache.NewStringProxy(engines)
}
