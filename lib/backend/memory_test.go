// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package backend_test

import (
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tim-chow/lru-cache/lib/backend"
)

func TestMemoryReadWriteDelete(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m := backend.NewMemory[string]()

	require.NoError(t, m.Prepare(ctx))

	_, err := m.Read(ctx, "missing")
	assert.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, m.Write(ctx, "k", []byte("hello")))
	data, err := m.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Read(ctx, "k")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestMemoryLoadReportsNothing(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m := backend.NewMemory[string]()

	called := false
	ch := m.Load(ctx, func(key string, size int64) bool {
		called = true
		return true
	})
	for range ch {
	}
	assert.False(t, called, "an empty in-process map has nothing to report on Load")
}

func TestMemoryReadIsACopy(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	m := backend.NewMemory[string]()
	require.NoError(t, m.Write(ctx, "k", []byte("hello")))

	data, err := m.Read(ctx, "k")
	require.NoError(t, err)
	data[0] = 'H'

	data2, err := m.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data2, "mutating a Read result must not corrupt the stored value")
}
