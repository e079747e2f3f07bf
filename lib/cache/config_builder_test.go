// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfigRequiresEveryField(t *testing.T) {
	t.Parallel()
	_, err := BuildConfig(WithMaxEntryCount(10))
	require.Error(t, err, "BuildConfig must refuse a config missing required fields")
	assert.Contains(t, err.Error(), "max_size")
}

func TestBuildConfigAppliesOptions(t *testing.T) {
	t.Parallel()
	cfg, err := BuildConfig(
		WithMaxEntryCount(10),
		WithMaxSize(1024),
		WithMinUses(2),
		WithMaxInactive(time.Minute),
		WithLockAge(time.Second),
		WithWaitCount(3),
		WithExpireInterval(time.Hour),
		WithForcedExpireInterval(time.Minute),
	)
	require.NoError(t, err)
	assert.Equal(t, Config{
		MaxEntryCount:        10,
		MaxSize:              1024,
		MinUses:              2,
		MaxInactive:          time.Minute,
		LockAge:              time.Second,
		WaitCount:            3,
		ExpireInterval:       time.Hour,
		ForcedExpireInterval: time.Minute,
	}, cfg)
}

func TestBuildConfigCallFuncWhenFailureDefaultsFalse(t *testing.T) {
	t.Parallel()
	cfg, err := BuildConfig(
		WithMaxEntryCount(1),
		WithMaxSize(1),
		WithMinUses(1),
		WithMaxInactive(time.Second),
		WithLockAge(time.Second),
		WithWaitCount(1),
		WithExpireInterval(time.Second),
		WithForcedExpireInterval(time.Second),
	)
	require.NoError(t, err)
	assert.False(t, cfg.CallFuncWhenFailure)
}
