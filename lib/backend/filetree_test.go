// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package backend_test

import (
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tim-chow/lru-cache/lib/backend"
	"github.com/tim-chow/lru-cache/lib/containers"
)

func TestParseLevels(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []int{1, 2}, backend.ParseLevels(""))
	assert.Equal(t, []int{1, 2}, backend.ParseLevels("not-a-number"))
	assert.Equal(t, []int{1, 2}, backend.ParseLevels("3")) // level > 2 falls back
	assert.Equal(t, []int{1}, backend.ParseLevels("1"))
	assert.Equal(t, []int{2, 1}, backend.ParseLevels("2:1"))
	assert.Equal(t, []int{1, 2, 1}, backend.ParseLevels("1:2:1:2"), "at most 3 levels are kept")
}

func strKey(s string) containers.NativeOrdered[string] {
	return containers.NativeOrdered[string]{Val: s}
}

func TestFileTreeWriteReadDelete(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	ft := backend.NewFileTree(t.TempDir(), []int{1, 2}, 1000, time.Millisecond)
	require.NoError(t, ft.Prepare(ctx))

	k := strKey("abc123")
	_, err := ft.Read(ctx, k)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, ft.Write(ctx, k, []byte("payload")))
	data, err := ft.Read(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	require.NoError(t, ft.Delete(ctx, k))
	_, err = ft.Read(ctx, k)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, ft.Finalize(ctx))
}

func TestFileTreeRejectsShortOrNonAlnumKeys(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	ft := backend.NewFileTree(t.TempDir(), []int{1, 2}, 1000, time.Millisecond)
	require.NoError(t, ft.Prepare(ctx))

	assert.Error(t, ft.Write(ctx, strKey("ab"), []byte("x")), "key shorter than the level sum must be rejected")
	assert.Error(t, ft.Write(ctx, strKey("a-b123"), []byte("x")), "non-alphanumeric key must be rejected")
}

func TestFileTreeLoadDiscoversPreexistingArtifacts(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	dir := t.TempDir()

	writer := backend.NewFileTree(dir, []int{1, 2}, 1000, time.Millisecond)
	require.NoError(t, writer.Prepare(ctx))
	require.NoError(t, writer.Write(ctx, strKey("abc123"), []byte("hello")))
	require.NoError(t, writer.Write(ctx, strKey("xyz789"), []byte("world")))

	loader := backend.NewFileTree(dir, []int{1, 2}, 1000, time.Millisecond)
	require.NoError(t, loader.Prepare(ctx))

	found := make(map[string]int64)
	ch := loader.Load(ctx, func(key containers.NativeOrdered[string], size int64) bool {
		found[key.Val] = size
		return true
	})
	for range ch {
	}

	assert.Equal(t, map[string]int64{"abc123": 5, "xyz789": 5}, found)
}

func TestFileTreeLoadRemovesRefusedArtifacts(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	dir := t.TempDir()

	writer := backend.NewFileTree(dir, []int{1, 2}, 1000, time.Millisecond)
	require.NoError(t, writer.Prepare(ctx))
	require.NoError(t, writer.Write(ctx, strKey("abc123"), []byte("hello")))

	loader := backend.NewFileTree(dir, []int{1, 2}, 1000, time.Millisecond)
	require.NoError(t, loader.Prepare(ctx))

	ch := loader.Load(ctx, func(key containers.NativeOrdered[string], size int64) bool { return false })
	for range ch {
	}

	_, err := loader.Read(ctx, strKey("abc123"))
	assert.ErrorIs(t, err, backend.ErrNotFound, "an artifact refused admission during Load must be removed from disk")
}
