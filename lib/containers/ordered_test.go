// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers_test

import (
	"github.com/tim-chow/lru-cache/lib/containers"
)

var (
	_ containers.Ordered[containers.NativeOrdered[string]] = containers.NativeOrdered[string]{}
	_ containers.Ordered[containers.NativeOrdered[int64]]  = containers.NativeOrdered[int64]{}
)
