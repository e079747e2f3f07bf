// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"fmt"
	"time"
)

// ConfigOption sets one field of a Config under construction. Ground:
// original_source/lru_cache/file_lru_cache.py's FileLRUCacheBuilder
// with_*()/build() chain, generalized as a Go functional-options
// builder since a bare Config value (not a builder object) is what
// NewEngine takes.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	cfg Config
	set map[string]bool
}

func WithMaxEntryCount(n int) ConfigOption {
	return func(b *configBuilder) { b.cfg.MaxEntryCount = n; b.set["max_entry_count"] = true }
}

func WithMaxSize(n int64) ConfigOption {
	return func(b *configBuilder) { b.cfg.MaxSize = n; b.set["max_size"] = true }
}

func WithMinUses(n int) ConfigOption {
	return func(b *configBuilder) { b.cfg.MinUses = n; b.set["min_uses"] = true }
}

func WithMaxInactive(d time.Duration) ConfigOption {
	return func(b *configBuilder) { b.cfg.MaxInactive = d; b.set["max_inactive"] = true }
}

func WithLockAge(d time.Duration) ConfigOption {
	return func(b *configBuilder) { b.cfg.LockAge = d; b.set["lock_age"] = true }
}

func WithWaitCount(n int) ConfigOption {
	return func(b *configBuilder) { b.cfg.WaitCount = n; b.set["wait_count"] = true }
}

func WithExpireInterval(d time.Duration) ConfigOption {
	return func(b *configBuilder) { b.cfg.ExpireInterval = d; b.set["expire_interval"] = true }
}

func WithForcedExpireInterval(d time.Duration) ConfigOption {
	return func(b *configBuilder) { b.cfg.ForcedExpireInterval = d; b.set["forced_expire_interval"] = true }
}

// WithCallFuncWhenFailure is the one optional Config field; it
// defaults to false without needing to appear in BuildConfig's call.
func WithCallFuncWhenFailure(v bool) ConfigOption {
	return func(b *configBuilder) { b.cfg.CallFuncWhenFailure = v }
}

// requiredConfigFields lists every Config field build() must see set,
// in the order FileLRUCacheBuilder.build() checks them.
var requiredConfigFields = []string{
	"max_entry_count",
	"max_size",
	"min_uses",
	"max_inactive",
	"lock_age",
	"wait_count",
	"expire_interval",
	"forced_expire_interval",
}

// BuildConfig applies opts and validates that every required field
// was set, ground: FileLRUCacheBuilder.build()'s one
// RuntimeError("missing ...") per unset field.
func BuildConfig(opts ...ConfigOption) (Config, error) {
	b := configBuilder{set: make(map[string]bool, len(requiredConfigFields))}
	for _, opt := range opts {
		opt(&b)
	}
	for _, field := range requiredConfigFields {
		if !b.set[field] {
			return Config{}, fmt.Errorf("cache: config: missing %s", field)
		}
	}
	return b.cfg, nil
}
