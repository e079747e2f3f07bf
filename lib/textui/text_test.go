// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tim-chow/lru-cache/lib/fmtutil"
	"github.com/tim-chow/lru-cache/lib/textui"
)

// shardAddr stands in for a cache-entry byte offset; its Format
// method (hex for %v/%s/%q, decimal otherwise) exercises the same
// fmt.Formatter path that Humanized is meant to delegate to.
type shardAddr int64

func (a shardAddr) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v', 's', 'q':
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), fmt.Sprintf("%#016x", int64(a)))
	default:
		fmt.Fprintf(f, fmtutil.FmtStateString(f, verb), int64(a))
	}
}

func TestFprintf(t *testing.T) {
	t.Parallel()
	var out strings.Builder
	textui.Fprintf(&out, "%d", 12345)
	assert.Equal(t, "12,345", out.String())
}

func TestHumanized(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "12,345", fmt.Sprint(textui.Humanized(12345)))
	assert.Equal(t, "12,345  ", fmt.Sprintf("%-8d", textui.Humanized(12345)))

	addr := shardAddr(345243543)
	assert.Equal(t, "0x000000001493ff97", fmt.Sprintf("%v", textui.Humanized(addr)))
	assert.Equal(t, "345243543", fmt.Sprintf("%d", textui.Humanized(addr)))
	assert.Equal(t, "345,243,543", fmt.Sprintf("%d", textui.Humanized(uint64(addr))))
}

func TestPortion(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[int]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[int]{N: 1, D: 12345}))
	assert.Equal(t, "100% (0/0)", fmt.Sprint(textui.Portion[shardAddr]{}))
	assert.Equal(t, "0% (1/12,345)", fmt.Sprint(textui.Portion[shardAddr]{N: 1, D: 12345}))
}
