// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package serialize converts cached values to and from the bytes a
// Backend stores.
package serialize

import (
	"bytes"

	"git.lukeshu.com/go/lowmemjson"
)

// Serializer converts a cached value to and from backend bytes (§6).
// Dumps's reported size may differ from len(data) to account for
// back-end overhead the caller wants charged against capacity.
type Serializer[V any] interface {
	Dumps(val V) (size int64, data []byte, err error)
	Loads(data []byte) (V, error)
}

// CacheSizer lets a value report its own accounting size instead of
// the encoded byte length Dumps would otherwise charge against
// capacity — e.g. a value that wraps a larger in-memory
// representation than its wire encoding.
type CacheSizer interface {
	CacheSize() int
}

// JSON is a Serializer backed by lowmemjson, the low-allocation JSON
// codec used throughout this codebase.
type JSON[V any] struct{}

var _ Serializer[int] = JSON[int]{}

func (JSON[V]) Dumps(val V) (int64, []byte, error) {
	var buf bytes.Buffer
	if err := lowmemjson.NewEncoder(&buf).Encode(val); err != nil {
		return 0, nil, err
	}
	size := buf.Len()
	if sizer, ok := any(val).(CacheSizer); ok {
		size = sizer.CacheSize()
	}
	return int64(size), buf.Bytes(), nil
}

func (JSON[V]) Loads(data []byte) (V, error) {
	var val V
	dec := lowmemjson.NewDecoder(bytes.NewReader(data))
	if err := dec.DecodeThenEOF(&val); err != nil {
		var zero V
		return zero, err
	}
	return val, nil
}
